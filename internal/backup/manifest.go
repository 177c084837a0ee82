package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrManifestCorrupt marks a sidecar that exists but carries no usable metadata.
var ErrManifestCorrupt = errors.New("manifest corrupt")

// Manifest is the JSON sidecar stored next to every archive as
// {BackupKey}.manifest.json.
type Manifest struct {
	Timestamp     time.Time `json:"timestamp"`
	Encrypted     bool      `json:"encrypted"`
	FileCount     int       `json:"fileCount"`
	Files         []string  `json:"files"`
	ToolVersion   string    `json:"toolVersion,omitempty"`
	Hostname      string    `json:"hostname,omitempty"`
	ArchiveSize   int64     `json:"archiveSize,omitempty"`
	ArchiveSHA256 string    `json:"archiveSha256,omitempty"`
}

// ManifestError reports a sidecar that could not be parsed.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("manifest corrupt: %v", e.Err)
	}
	return fmt.Sprintf("manifest %s corrupt: %v", e.Path, e.Err)
}

func (e *ManifestError) Is(target error) bool { return target == ErrManifestCorrupt }

func (e *ManifestError) Unwrap() error { return e.Err }

// ParseManifest decodes and sanity-checks a sidecar body.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Err: err}
	}
	switch {
	case m.Timestamp.IsZero():
		return nil, &ManifestError{Err: errors.New("missing timestamp")}
	case m.FileCount < 0:
		return nil, &ManifestError{Err: fmt.Errorf("negative fileCount %d", m.FileCount)}
	}
	if m.Files == nil {
		m.Files = []string{}
	}
	return &m, nil
}

// LoadManifest reads a sidecar from disk. Read failures are returned as-is so
// callers can tell a missing file from a corrupt one.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		var me *ManifestError
		if errors.As(err, &me) {
			me.Path = path
		}
		return nil, err
	}
	return m, nil
}

// WriteManifest writes m to path through a temporary file and a rename.
func WriteManifest(path string, m *Manifest) error {
	if m.Files == nil {
		m.Files = []string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
