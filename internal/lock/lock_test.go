package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logging.Logger {
	return logging.New(types.LogLevelNone, false)
}

func alive(v bool) func(int) bool {
	return func(int) bool { return v }
}

func writeRecord(t *testing.T, path string, rec Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o640))
}

func readRecord(t *testing.T, path string) Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestAcquireCreatesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "statesave.lock")
	clk := testclock.NewClock(epoch)
	m := NewManager(path, quietLogger(), WithClock(clk), WithPID(4242))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)

	rec := readRecord(t, path)
	assert.Equal(t, 4242, rec.PID)
	assert.True(t, rec.StartedAt.Equal(epoch))

	h.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp and guard files must not be left behind")
}

func TestAcquireDefaultsToOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	h, err := NewManager(path, quietLogger()).Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, os.Getpid(), readRecord(t, path).PID)
}

func TestAcquireContention(t *testing.T) {
	tests := []struct {
		name  string
		alive bool
		age   time.Duration
	}{
		{"live and young", true, time.Minute},
		{"live and old", true, 2 * time.Hour},
		{"dead but young", false, 29 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "statesave.lock")
			holder := Record{PID: 777, StartedAt: epoch}
			writeRecord(t, path, holder)

			clk := testclock.NewClock(epoch)
			clk.Advance(tt.age)
			m := NewManager(path, quietLogger(), WithClock(clk), WithPID(1), WithLivenessProbe(alive(tt.alive)))

			_, err := m.Acquire(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrContention))
			assert.Contains(t, err.Error(), path)

			var ce *ContentionError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, 777, ce.PID)
			got := readRecord(t, path)
			assert.Equal(t, holder.PID, got.PID, "held lock must be untouched")
			assert.True(t, holder.StartedAt.Equal(got.StartedAt))
		})
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	writeRecord(t, path, Record{PID: 777, StartedAt: epoch})

	clk := testclock.NewClock(epoch)
	clk.Advance(DefaultStaleAfter)
	m := NewManager(path, quietLogger(), WithClock(clk), WithPID(9), WithLivenessProbe(alive(false)))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	rec := readRecord(t, path)
	assert.Equal(t, 9, rec.PID)
	_, err = os.Stat(path + ".reclaim")
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireNamesBlockingReclaimGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	writeRecord(t, path, Record{PID: 777, StartedAt: epoch})
	guard := path + ".reclaim"
	require.NoError(t, os.WriteFile(guard, nil, 0o600))
	require.NoError(t, os.Chtimes(guard, epoch.Add(50*time.Minute), epoch.Add(50*time.Minute)))

	clk := testclock.NewClock(epoch)
	clk.Advance(time.Hour)
	m := NewManager(path, quietLogger(), WithClock(clk), WithPID(9), WithLivenessProbe(alive(false)))

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrContention)
	var ce *ContentionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, guard, ce.Guard)
	assert.Contains(t, err.Error(), "remove "+guard+" manually")
	assert.Equal(t, 777, readRecord(t, path).PID)
}

func TestAcquireClearsAbandonedReclaimGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	writeRecord(t, path, Record{PID: 777, StartedAt: epoch})
	guard := path + ".reclaim"
	require.NoError(t, os.WriteFile(guard, nil, 0o600))
	require.NoError(t, os.Chtimes(guard, epoch, epoch))

	clk := testclock.NewClock(epoch)
	clk.Advance(time.Hour)
	m := NewManager(path, quietLogger(), WithClock(clk), WithPID(9), WithLivenessProbe(alive(false)))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, 9, readRecord(t, path).PID)
	_, err = os.Stat(guard)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireHonoursStaleAfterOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	writeRecord(t, path, Record{PID: 777, StartedAt: epoch})

	clk := testclock.NewClock(epoch)
	clk.Advance(5 * time.Minute)
	m := NewManager(path, quietLogger(), WithClock(clk), WithPID(9),
		WithLivenessProbe(alive(false)), WithStaleAfter(5*time.Minute))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
}

func TestAcquireTreatsCorruptLockAsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	require.NoError(t, os.WriteFile(path, []byte("pid=12\nhost=x\n"), 0o640))

	m := NewManager(path, quietLogger(), WithClock(testclock.NewClock(epoch)), WithPID(9),
		WithLivenessProbe(alive(true)))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, 9, readRecord(t, path).PID)
}

func TestStaleReclaimRaceHasSingleWinner(t *testing.T) {
	for i := 0; i < 25; i++ {
		path := filepath.Join(t.TempDir(), "statesave.lock")
		writeRecord(t, path, Record{PID: 777, StartedAt: epoch})

		clk := testclock.NewClock(epoch.Add(time.Hour))
		start := make(chan struct{})
		var wg sync.WaitGroup
		handles := make([]*Handle, 2)
		errs := make([]error, 2)

		for n := 0; n < 2; n++ {
			m := NewManager(path, quietLogger(), WithClock(clk), WithPID(100+n), WithLivenessProbe(func(pid int) bool {
				return pid != 777
			}))
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				<-start
				handles[n], errs[n] = m.Acquire(context.Background())
			}(n)
		}
		close(start)
		wg.Wait()

		winners := 0
		for n := 0; n < 2; n++ {
			if errs[n] == nil {
				winners++
				assert.Equal(t, 100+n, readRecord(t, path).PID)
				handles[n].Release()
				continue
			}
			assert.ErrorIs(t, errs[n], ErrContention)
		}
		require.Equal(t, 1, winners, "iteration %d: errs=%v", i, errs)
	}
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	m := NewManager(path, quietLogger(), WithPID(5))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)

	writeRecord(t, path, Record{PID: 6, StartedAt: epoch})
	h.Release()
	assert.Equal(t, 6, readRecord(t, path).PID)

	// Second release is a no-op.
	h.Release()
	assert.FileExists(t, path)
}

func TestReleaseToleratesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	h, err := NewManager(path, quietLogger()).Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	h.Release()

	var nilHandle *Handle
	nilHandle.Release()
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	m := NewManager(path, quietLogger())

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()

	h, err = m.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
}

func TestAcquireIOError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	m := NewManager(filepath.Join(blocker, "statesave.lock"), quietLogger())
	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.NotErrorIs(t, err, ErrContention)
}

func TestAcquireFallsBackWithoutHardLinks(t *testing.T) {
	prev := osLink
	osLink = func(string, string) error { return &os.LinkError{Op: "link", Err: syscall.EPERM} }
	t.Cleanup(func() { osLink = prev })

	path := filepath.Join(t.TempDir(), "statesave.lock")
	m := NewManager(path, quietLogger(), WithPID(31))

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 31, readRecord(t, path).PID)

	_, err = NewManager(path, quietLogger(), WithPID(32)).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrContention)
	h.Release()
}

func TestAcquireRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewManager(filepath.Join(t.TempDir(), "l"), quietLogger()).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesave.lock")
	m := NewManager(path, quietLogger(), WithPID(77), WithClock(testclock.NewClock(epoch)))

	rec, err := m.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	rec, err = m.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 77, rec.PID)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-3))
}
