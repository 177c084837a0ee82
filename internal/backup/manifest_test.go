package backup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host", "2024-03-09T14-05-06.000Z.manifest.json")
	ts := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	in := &Manifest{
		Timestamp:     ts,
		Encrypted:     true,
		FileCount:     2,
		Files:         []string{"a", "b"},
		ToolVersion:   "1.2.0",
		Hostname:      "host",
		ArchiveSize:   42,
		ArchiveSHA256: "abc",
	}
	require.NoError(t, WriteManifest(path, in))

	out, err := LoadManifest(path)
	require.NoError(t, err)
	assert.True(t, ts.Equal(out.Timestamp))
	assert.Equal(t, in.Files, out.Files)
	assert.Equal(t, in.FileCount, out.FileCount)
	assert.True(t, out.Encrypted)
	assert.Equal(t, "1.2.0", out.ToolVersion)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{`"timestamp"`, `"encrypted"`, `"fileCount"`, `"files"`, `"toolVersion"`, `"archiveSha256"`} {
		assert.Contains(t, string(raw), key)
	}
}

func TestParseManifestToleratesMissingOptionalFields(t *testing.T) {
	m, err := ParseManifest([]byte(`{"timestamp":"2023-01-01T00:00:00Z","encrypted":false,"fileCount":0}`))
	require.NoError(t, err)
	assert.Empty(t, m.ToolVersion)
	assert.NotNil(t, m.Files)
}

func TestParseManifestCorrupt(t *testing.T) {
	for name, body := range map[string]string{
		"not json":          "{{{",
		"missing timestamp": `{"encrypted":false,"fileCount":1}`,
		"negative count":    `{"timestamp":"2023-01-01T00:00:00Z","fileCount":-1}`,
		"wrong type":        `{"timestamp":"2023-01-01T00:00:00Z","fileCount":"many"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrManifestCorrupt))
		})
	}
}

func TestLoadManifestDistinguishesMissingFromCorrupt(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadManifest(filepath.Join(dir, "missing.manifest.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, errors.Is(err, ErrManifestCorrupt))

	bad := filepath.Join(dir, "bad.manifest.json")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = LoadManifest(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifestCorrupt))
	assert.Contains(t, err.Error(), bad)
}
