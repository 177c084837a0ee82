package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tis24dev/statesave/internal/backup"
	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/storage"
	"github.com/tis24dev/statesave/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memProvider is an in-memory storage.Provider.
type memProvider struct {
	name    string
	mu      sync.Mutex
	objects map[string][]byte
	listErr error

	lists    atomic.Int32
	inFlight atomic.Int32
	maxPull  atomic.Int32
	pullWait time.Duration
}

func newMemProvider(name string) *memProvider {
	return &memProvider{name: name, objects: make(map[string][]byte)}
}

func (p *memProvider) put(name string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[name] = data
}

func (p *memProvider) Name() string { return p.name }

func (p *memProvider) Push(_ context.Context, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	p.put(remoteName, data)
	return nil
}

func (p *memProvider) Pull(_ context.Context, remoteName, localPath string) error {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxPull.Load()
		if n <= cur || p.maxPull.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.pullWait > 0 {
		time.Sleep(p.pullWait)
	}
	p.mu.Lock()
	data, ok := p.objects[remoteName]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pull %s: %w", remoteName, storage.ErrNotFound)
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (p *memProvider) List(ctx context.Context) ([]string, error) { return p.ListAll(ctx) }

func (p *memProvider) ListAll(context.Context) ([]string, error) {
	p.lists.Add(1)
	if p.listErr != nil {
		return nil, p.listErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	return storage.SortNewestFirst(names), nil
}

func (p *memProvider) Delete(_ context.Context, remoteName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[remoteName]; !ok {
		return storage.ErrNotFound
	}
	delete(p.objects, remoteName)
	return nil
}

func (p *memProvider) Check(context.Context) storage.CheckResult {
	return storage.CheckResult{Available: true}
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func keyAt(minutes int) string {
	return storage.NewBackupKey(epoch.Add(time.Duration(minutes) * time.Minute))
}

func manifestJSON(t *testing.T, key string, files int, version string) []byte {
	t.Helper()
	ts, err := storage.ParseBackupKey(key)
	require.NoError(t, err)
	names := make([]string, files)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	data, err := json.Marshal(backup.Manifest{Timestamp: ts, FileCount: files, Files: names, ToolVersion: version})
	require.NoError(t, err)
	return data
}

// seed stores an archive and its manifest under host ("" = legacy root).
func seed(t *testing.T, p *memProvider, host, key string, files int) {
	t.Helper()
	p.put(storage.RemoteName(host, key, storage.ExtArchive), []byte("archive"))
	p.put(storage.RemoteName(host, key, storage.ExtManifest), manifestJSON(t, key, files, "1.0.0"))
}

type fixture struct {
	mgr     *Manager
	staging string
	logs    *bytes.Buffer
	clock   *testclock.Clock
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()
	dir := t.TempDir()
	logs := &bytes.Buffer{}
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(logs)
	clk := testclock.NewClock(epoch)
	staging := filepath.Join(dir, "staging")
	return &fixture{
		mgr:     NewManager(filepath.Join(dir, "index.json"), staging, concurrency, logger, WithClock(clk)),
		staging: staging,
		logs:    logs,
		clock:   clk,
	}
}

func entryKeys(idx *Index) []string {
	keys := make([]string, 0, idx.Len())
	for _, e := range idx.Entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func TestRefreshMergesProvidersNewestFirst(t *testing.T) {
	f := newFixture(t, 2)
	disk, offsite := newMemProvider("disk"), newMemProvider("offsite")
	seed(t, disk, "node1", keyAt(0), 3)
	seed(t, disk, "node1", keyAt(10), 4)
	seed(t, offsite, "node1", keyAt(10), 4)
	seed(t, offsite, "node1", keyAt(20), 5)

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{disk, offsite})
	require.NoError(t, err)

	assert.Equal(t, []string{keyAt(20), keyAt(10), keyAt(0)}, entryKeys(idx))
	shared := idx.Entries[1]
	assert.Equal(t, []string{"disk", "offsite"}, shared.Providers)
	assert.Equal(t, 4, shared.FileCount)
	assert.Equal(t, "1.0.0", shared.ToolVersion)
	assert.Equal(t, []string{"node1"}, shared.Hosts)
	assert.Equal(t, []string{
		storage.RemoteName("node1", keyAt(10), storage.ExtManifest),
		storage.RemoteName("node1", keyAt(10), storage.ExtArchive),
	}, shared.Objects["disk"])
	assert.True(t, epoch.Equal(idx.GeneratedAt))

	ts, _ := storage.ParseBackupKey(keyAt(20))
	assert.True(t, ts.Equal(idx.Entries[0].Timestamp))

	assert.FileExists(t, f.mgr.CachePath())
	leftovers, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "staging directories must be removed")
}

func TestRefreshSeesLegacyAndCurrentLayouts(t *testing.T) {
	f := newFixture(t, 4)
	disk := newMemProvider("disk")
	seed(t, disk, "", keyAt(0), 1)
	seed(t, disk, "node1", keyAt(5), 1)
	seed(t, disk, "node2", keyAt(7), 1)

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{disk})
	require.NoError(t, err)
	require.Equal(t, []string{keyAt(7), keyAt(5), keyAt(0)}, entryKeys(idx))
	assert.True(t, idx.Entries[2].Legacy)
	assert.Empty(t, idx.Entries[2].Hosts)
	assert.Equal(t, []string{"node2"}, idx.Entries[0].Hosts)
}

func TestRefreshCoalescesKeyAcrossHostsWithWarning(t *testing.T) {
	f := newFixture(t, 1)
	disk := newMemProvider("disk")
	seed(t, disk, "node1", keyAt(0), 1)
	seed(t, disk, "node2", keyAt(0), 2)

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{disk})
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())
	assert.Equal(t, []string{"node1", "node2"}, idx.Entries[0].Hosts)
	assert.Len(t, idx.Entries[0].Objects["disk"], 4)
	assert.Contains(t, f.logs.String(), "stored under several hosts")
}

func TestRefreshSkipsCorruptManifest(t *testing.T) {
	f := newFixture(t, 2)
	disk, offsite := newMemProvider("disk"), newMemProvider("offsite")

	// Corrupt on the first provider, readable on the second.
	seed(t, disk, "node1", keyAt(1), 1)
	disk.put(storage.RemoteName("node1", keyAt(1), storage.ExtManifest), []byte("{broken"))
	seed(t, offsite, "node1", keyAt(1), 6)

	// Corrupt everywhere.
	seed(t, disk, "node1", keyAt(2), 1)
	disk.put(storage.RemoteName("node1", keyAt(2), storage.ExtManifest), []byte(`{"fileCount":1}`))

	// Archive without any manifest.
	disk.put(storage.RemoteName("node1", keyAt(3), storage.ExtArchive), []byte("orphan"))

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{disk, offsite})
	require.NoError(t, err)
	require.Equal(t, []string{keyAt(1)}, entryKeys(idx))
	assert.Equal(t, 6, idx.Entries[0].FileCount)
	assert.Contains(t, f.logs.String(), "excluded from index")
}

func TestRefreshSkipsFailingProvider(t *testing.T) {
	f := newFixture(t, 2)
	disk, broken := newMemProvider("disk"), newMemProvider("broken")
	seed(t, disk, "node1", keyAt(0), 1)
	broken.listErr = errors.New("remote unreachable")

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{broken, disk})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.Contains(t, f.logs.String(), "Skipping provider broken")
}

func TestRefreshFailsWhenEveryProviderFails(t *testing.T) {
	f := newFixture(t, 2)
	a, b := newMemProvider("a"), newMemProvider("b")
	a.listErr = errors.New("down")
	b.listErr = errors.New("also down")

	_, err := f.mgr.Refresh(context.Background(), []storage.Provider{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.NoFileExists(t, f.mgr.CachePath())
}

func TestRefreshWithoutProvidersIsEmpty(t *testing.T) {
	f := newFixture(t, 2)
	idx, err := f.mgr.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.NotNil(t, idx.Entries)
}

func TestRefreshBoundsManifestReads(t *testing.T) {
	f := newFixture(t, 2)
	disk := newMemProvider("disk")
	disk.pullWait = 20 * time.Millisecond
	for i := 0; i < 8; i++ {
		seed(t, disk, "node1", keyAt(i), 1)
	}

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{disk})
	require.NoError(t, err)
	assert.Equal(t, 8, idx.Len())
	assert.LessOrEqual(t, disk.maxPull.Load(), int32(2))
	assert.True(t, sort.SliceIsSorted(idx.Entries, func(i, j int) bool { return idx.Entries[i].Key > idx.Entries[j].Key }))
}

func TestLoadUsesCacheUntilInvalidated(t *testing.T) {
	f := newFixture(t, 2)
	disk := newMemProvider("disk")
	seed(t, disk, "node1", keyAt(0), 1)
	providers := []storage.Provider{disk}

	first, err := f.mgr.Load(context.Background(), providers)
	require.NoError(t, err)
	require.Equal(t, int32(1), disk.lists.Load())

	seed(t, disk, "node1", keyAt(1), 1)
	cached, err := f.mgr.Load(context.Background(), providers)
	require.NoError(t, err)
	assert.Equal(t, int32(1), disk.lists.Load(), "cached index must not list providers")
	assert.Equal(t, entryKeys(first), entryKeys(cached))

	f.mgr.Invalidate()
	assert.NoFileExists(t, f.mgr.CachePath())

	fresh, err := f.mgr.Load(context.Background(), providers)
	require.NoError(t, err)
	assert.Equal(t, int32(2), disk.lists.Load())
	assert.Equal(t, []string{keyAt(1), keyAt(0)}, entryKeys(fresh))
}

func TestLoadRebuildsCorruptCache(t *testing.T) {
	f := newFixture(t, 1)
	disk := newMemProvider("disk")
	seed(t, disk, "node1", keyAt(0), 1)
	require.NoError(t, os.WriteFile(f.mgr.CachePath(), []byte("not json"), 0o600))

	idx, err := f.mgr.Load(context.Background(), []storage.Provider{disk})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.Contains(t, f.logs.String(), "corrupt index cache")
}

func TestInvalidateMissingCacheIsSilent(t *testing.T) {
	f := newFixture(t, 1)
	f.mgr.Invalidate()
	f.mgr.Invalidate()
	assert.NotContains(t, f.logs.String(), "WARNING")
}

func TestInvalidateLogsOtherFailures(t *testing.T) {
	f := newFixture(t, 1)
	// A non-empty directory at the cache path cannot be removed with os.Remove.
	require.NoError(t, os.MkdirAll(filepath.Join(f.mgr.CachePath(), "child"), 0o755))

	assert.NotPanics(t, f.mgr.Invalidate)
	assert.True(t, strings.Contains(f.logs.String(), "Failed to invalidate index cache"))
}

func TestFindAndLatest(t *testing.T) {
	idx := &Index{Entries: []Entry{{Key: keyAt(2)}, {Key: keyAt(1)}}}
	latest, ok := idx.Latest()
	require.True(t, ok)
	assert.Equal(t, keyAt(2), latest.Key)

	e, ok := idx.Find(keyAt(1))
	require.True(t, ok)
	assert.Equal(t, keyAt(1), e.Key)

	_, ok = idx.Find("nope")
	assert.False(t, ok)

	var empty *Index
	_, ok = empty.Latest()
	assert.False(t, ok)
}

func TestRefreshIgnoresForeignNames(t *testing.T) {
	f := newFixture(t, 2)
	disk := newMemProvider("disk")
	seed(t, disk, "node1", keyAt(5), 1)
	disk.put("node1/notes.manifest.json", manifestJSON(t, keyAt(9), 1, "1.0.0"))
	disk.put("zz-export.tar.gz", []byte("not ours"))

	idx, err := f.mgr.Refresh(context.Background(), []storage.Provider{disk})
	require.NoError(t, err)
	assert.Equal(t, []string{keyAt(5)}, entryKeys(idx))
	assert.Contains(t, f.logs.String(), "Ignoring node1/notes.manifest.json on disk: not a backup key")
}

func TestEntryArchive(t *testing.T) {
	e := Entry{Objects: map[string][]string{
		"disk": {"h/k.manifest.json", "h/k.tar.gz.age"},
	}}
	obj, ok := e.Archive("disk")
	require.True(t, ok)
	assert.Equal(t, storage.ExtEncrypted, obj.Ext)
	_, ok = e.Archive("other")
	assert.False(t, ok)
}
