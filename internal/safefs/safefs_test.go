package safefs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// hang blocks until the test ends so abandoned calls do not leak past it.
func hang(t *testing.T) <-chan struct{} {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return release
}

func TestBoundedCallsTimeOut(t *testing.T) {
	release := hang(t)
	prevStat, prevReadDir, prevStatfs := osStat, osReadDir, unixStatfs
	t.Cleanup(func() { osStat, osReadDir, unixStatfs = prevStat, prevReadDir, prevStatfs })
	osStat = func(string) (os.FileInfo, error) { <-release; return nil, nil }
	osReadDir = func(string) ([]os.DirEntry, error) { <-release; return nil, nil }
	unixStatfs = func(string, *unix.Statfs_t) error { <-release; return nil }

	calls := map[string]func() error{
		"stat":    func() error { _, err := Stat(context.Background(), "/mnt/dead", 20*time.Millisecond); return err },
		"readdir": func() error { _, err := ReadDir(context.Background(), "/mnt/dead", 20*time.Millisecond); return err },
		"statfs":  func() error { _, err := FreeBytes(context.Background(), "/mnt/dead", 20*time.Millisecond); return err },
	}
	for op, call := range calls {
		start := time.Now()
		err := call()
		require.ErrorIs(t, err, ErrTimeout, op)
		var te *TimeoutError
		require.True(t, errors.As(err, &te), op)
		assert.Equal(t, op, te.Op)
		assert.Equal(t, "/mnt/dead", te.Path)
		assert.Less(t, time.Since(start), time.Second, op)
	}
}

func TestContextDeadlineShortensTimeout(t *testing.T) {
	release := hang(t)
	prev := osStat
	t.Cleanup(func() { osStat = prev })
	osStat = func(string) (os.FileInfo, error) { <-release; return nil, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Stat(ctx, "/mnt/dead", time.Hour)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelledContextSkipsCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Stat(ctx, t.TempDir(), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZeroTimeoutCallsDirectly(t *testing.T) {
	dir := t.TempDir()
	info, err := Stat(context.Background(), dir, 0)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFreeBytes(t *testing.T) {
	prev := unixStatfs
	t.Cleanup(func() { unixStatfs = prev })
	unixStatfs = func(_ string, st *unix.Statfs_t) error {
		st.Bavail = 10
		st.Bsize = 4096
		return nil
	}

	free, err := FreeBytes(context.Background(), "/x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(40960), free)
}
