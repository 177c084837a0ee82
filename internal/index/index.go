// Package index builds the merged catalogue of backups across all storage
// providers and caches it on disk.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"

	"github.com/tis24dev/statesave/internal/backup"
	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/parallel"
	"github.com/tis24dev/statesave/internal/storage"
)

// Entry is one logical backup, possibly stored on several providers.
type Entry struct {
	Key           string    `json:"key"`
	Timestamp     time.Time `json:"timestamp"`
	Encrypted     bool      `json:"encrypted"`
	FileCount     int       `json:"fileCount"`
	ToolVersion   string    `json:"toolVersion,omitempty"`
	ArchiveSize   int64     `json:"archiveSize,omitempty"`
	ArchiveSHA256 string    `json:"archiveSha256,omitempty"`
	Providers     []string  `json:"providers"`
	Hosts         []string  `json:"hosts,omitempty"`
	Legacy        bool      `json:"legacy,omitempty"`
	// Objects maps a provider name to the remote names listed for this key.
	Objects map[string][]string `json:"objects"`
}

// Archive returns the archive object stored on provider, if any.
func (e *Entry) Archive(provider string) (storage.ObjectName, bool) {
	for _, name := range e.Objects[provider] {
		obj, ok := storage.ParseRemoteName(name)
		if ok && (obj.Ext == storage.ExtArchive || obj.Ext == storage.ExtEncrypted) {
			return obj, true
		}
	}
	return storage.ObjectName{}, false
}

// Index is the merged catalogue, newest entry first.
type Index struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`
}

// Len returns the number of backups.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.Entries)
}

// Find returns the entry for key.
func (i *Index) Find(key string) (*Entry, bool) {
	if i == nil {
		return nil, false
	}
	for idx := range i.Entries {
		if i.Entries[idx].Key == key {
			return &i.Entries[idx], true
		}
	}
	return nil, false
}

// Latest returns the newest entry.
func (i *Index) Latest() (*Entry, bool) {
	if i.Len() == 0 {
		return nil, false
	}
	return &i.Entries[0], true
}

// Manager refreshes, caches and invalidates the index.
type Manager struct {
	cachePath   string
	stagingRoot string
	concurrency int
	clock       clock.Clock
	logger      *logging.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the time source used for GeneratedAt.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager returns a Manager caching to cachePath and staging manifest
// downloads below stagingRoot. concurrency bounds simultaneous provider
// calls.
func NewManager(cachePath, stagingRoot string, concurrency int, logger *logging.Logger, opts ...Option) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	m := &Manager{
		cachePath:   cachePath,
		stagingRoot: stagingRoot,
		concurrency: concurrency,
		clock:       clock.WallClock,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CachePath returns the cache file location.
func (m *Manager) CachePath() string { return m.cachePath }

// Load returns the cached index when it is present and readable, and
// refreshes it otherwise.
func (m *Manager) Load(ctx context.Context, providers []storage.Provider) (*Index, error) {
	if idx, ok := m.ReadCache(); ok {
		m.logger.Debug("Using cached index %s (%d entries, generated %s)", m.cachePath, idx.Len(), idx.GeneratedAt.Format(time.RFC3339))
		return idx, nil
	}
	return m.Refresh(ctx, providers)
}

// ReadCache loads the cache file. A missing or unreadable cache is reported
// as absent, never as an error.
func (m *Manager) ReadCache() (*Index, bool) {
	data, err := os.ReadFile(m.cachePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warning("Cannot read index cache %s: %v", m.cachePath, err)
		}
		return nil, false
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		m.logger.Warning("Ignoring corrupt index cache %s: %v", m.cachePath, err)
		return nil, false
	}
	if idx.Entries == nil {
		idx.Entries = []Entry{}
	}
	return &idx, true
}

// Invalidate deletes the cache file. It never fails the caller: the cache is
// derived data and a missing file is already the desired state.
func (m *Manager) Invalidate() {
	err := os.Remove(m.cachePath)
	switch {
	case err == nil:
		m.logger.Debug("Index cache %s invalidated", m.cachePath)
	case errors.Is(err, os.ErrNotExist):
	default:
		m.logger.Warning("Failed to invalidate index cache %s: %v", m.cachePath, err)
	}
}

type listing struct {
	provider storage.Provider
	names    []string
	err      error
}

type manifestSource struct {
	provider storage.Provider
	name     string
}

type group struct {
	key     string
	objects map[string][]string
	sources []manifestSource
	hosts   map[string]bool
	legacy  bool
}

// Refresh lists every provider, reads one manifest per backup key and
// rebuilds the cache. A provider whose listing fails is skipped; the refresh
// fails only when every provider failed.
func (m *Manager) Refresh(ctx context.Context, providers []storage.Provider) (*Index, error) {
	done := m.logger.Span("index refresh", "providers=%d", len(providers))
	idx, err := m.refresh(ctx, providers)
	done(err)
	if err != nil {
		return nil, err
	}
	if err := m.writeCache(idx); err != nil {
		m.logger.Warning("Failed to write index cache: %v", err)
	}
	return idx, nil
}

func (m *Manager) refresh(ctx context.Context, providers []storage.Provider) (*Index, error) {
	listings, err := parallel.Map(ctx, providers, m.concurrency, func(ctx context.Context, _ int, p storage.Provider) (listing, error) {
		names, err := p.ListAll(ctx)
		return listing{provider: p, names: names, err: err}, nil
	})
	if err != nil {
		return nil, err
	}

	var listErrs *multierror.Error
	groups := make(map[string]*group)
	for _, l := range listings {
		if l.err != nil {
			m.logger.Warning("Skipping provider %s: %v", l.provider.Name(), l.err)
			listErrs = multierror.Append(listErrs, fmt.Errorf("provider %s: %w", l.provider.Name(), l.err))
			continue
		}
		for _, name := range l.names {
			obj, ok := storage.ParseRemoteName(name)
			if !ok {
				continue
			}
			// Entries sort by key, so only well-formed keys are indexed.
			if _, err := storage.ParseBackupKey(obj.Key); err != nil {
				m.logger.Debug("Ignoring %s on %s: not a backup key", name, l.provider.Name())
				continue
			}
			g := groups[obj.Key]
			if g == nil {
				g = &group{key: obj.Key, objects: make(map[string][]string), hosts: make(map[string]bool)}
				groups[obj.Key] = g
			}
			pname := l.provider.Name()
			g.objects[pname] = append(g.objects[pname], name)
			if obj.Legacy() {
				g.legacy = true
			} else {
				g.hosts[obj.Host] = true
			}
			if obj.Ext == storage.ExtManifest {
				g.sources = append(g.sources, manifestSource{provider: l.provider, name: name})
			}
		}
	}
	if len(providers) > 0 && listErrs != nil && len(listErrs.Errors) == len(providers) {
		return nil, fmt.Errorf("no provider could be listed: %w", listErrs)
	}

	keys := make([]string, 0, len(groups))
	for key, g := range groups {
		if len(g.sources) == 0 {
			m.logger.Debug("Backup %s has no manifest; not indexed", key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	idx := &Index{GeneratedAt: m.clock.Now().UTC(), Entries: []Entry{}}
	if len(keys) == 0 {
		return idx, nil
	}

	staging := filepath.Join(m.stagingRoot, "index-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			m.logger.Warning("Failed to remove staging directory %s: %v", staging, err)
		}
	}()

	manifests, err := parallel.Map(ctx, keys, m.concurrency, func(ctx context.Context, i int, key string) (*backup.Manifest, error) {
		local := filepath.Join(staging, fmt.Sprintf("%d%s", i, storage.ExtManifest))
		return m.fetchManifest(ctx, groups[key], local), ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	for i, key := range keys {
		manifest := manifests[i]
		if manifest == nil {
			continue
		}
		idx.Entries = append(idx.Entries, m.buildEntry(groups[key], manifest))
	}
	return idx, nil
}

// fetchManifest tries every listed copy of the manifest until one parses.
func (m *Manager) fetchManifest(ctx context.Context, g *group, local string) *backup.Manifest {
	for _, src := range g.sources {
		if ctx.Err() != nil {
			return nil
		}
		if err := src.provider.Pull(ctx, src.name, local); err != nil {
			m.logger.Warning("Cannot read manifest %s from %s: %v", src.name, src.provider.Name(), err)
			continue
		}
		manifest, err := backup.LoadManifest(local)
		os.Remove(local)
		if err != nil {
			m.logger.Warning("Manifest %s on %s unusable: %v", src.name, src.provider.Name(), err)
			continue
		}
		return manifest
	}
	m.logger.Warning("Backup %s excluded from index: no readable manifest", g.key)
	return nil
}

func (m *Manager) buildEntry(g *group, manifest *backup.Manifest) Entry {
	e := Entry{
		Key:           g.key,
		Timestamp:     manifest.Timestamp.UTC(),
		Encrypted:     manifest.Encrypted,
		FileCount:     manifest.FileCount,
		ToolVersion:   manifest.ToolVersion,
		ArchiveSize:   manifest.ArchiveSize,
		ArchiveSHA256: manifest.ArchiveSHA256,
		Legacy:        g.legacy,
		Objects:       make(map[string][]string, len(g.objects)),
	}
	for pname, names := range g.objects {
		e.Providers = append(e.Providers, pname)
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		e.Objects[pname] = sorted
	}
	sort.Strings(e.Providers)
	for host := range g.hosts {
		e.Hosts = append(e.Hosts, host)
	}
	sort.Strings(e.Hosts)

	switch {
	case len(e.Hosts) > 1:
		m.logger.Warning("Backup key %s is stored under several hosts %v; treating it as one backup", g.key, e.Hosts)
	case len(e.Hosts) == 1 && e.Legacy:
		m.logger.Debug("Backup key %s exists in both layouts (host %s and provider root)", g.key, e.Hosts[0])
	}
	return e
}

// writeCache replaces the cache file atomically.
func (m *Manager) writeCache(idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	dir := filepath.Dir(m.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmpPath, m.cachePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
