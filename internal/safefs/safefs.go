// Package safefs keeps filesystem access inside its base directory and stops
// waiting on calls that hang, as stat on a dead network mount does.
package safefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Overridable for tests.
var (
	osStat     = os.Stat
	osReadDir  = os.ReadDir
	unixStatfs = unix.Statfs
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("filesystem operation timed out")

// TimeoutError reports a call that was abandoned after After. The call
// itself keeps running in the kernel.
type TimeoutError struct {
	Op    string
	Path  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no answer after %s", e.Op, e.Path, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// limit returns the wait budget: timeout, shortened to the context deadline.
// Zero means wait without a bound.
func limit(ctx context.Context, timeout time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok || timeout <= 0 {
		return max(timeout, 0)
	}
	return max(min(timeout, time.Until(deadline)), time.Nanosecond)
}

func bounded[T any](ctx context.Context, op, path string, timeout time.Duration, call func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	wait := limit(ctx, timeout)
	if wait == 0 {
		return call()
	}

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call()
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, &TimeoutError{Op: op, Path: path, After: wait}
	}
}

// Stat is os.Stat giving up after timeout.
func Stat(ctx context.Context, path string, timeout time.Duration) (fs.FileInfo, error) {
	return bounded(ctx, "stat", path, timeout, func() (fs.FileInfo, error) { return osStat(path) })
}

// ReadDir is os.ReadDir giving up after timeout.
func ReadDir(ctx context.Context, path string, timeout time.Duration) ([]os.DirEntry, error) {
	return bounded(ctx, "readdir", path, timeout, func() ([]os.DirEntry, error) { return osReadDir(path) })
}

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func FreeBytes(ctx context.Context, path string, timeout time.Duration) (uint64, error) {
	return bounded(ctx, "statfs", path, timeout, func() (uint64, error) {
		var st unix.Statfs_t
		if err := unixStatfs(path, &st); err != nil {
			return 0, err
		}
		return st.Bavail * uint64(st.Bsize), nil
	})
}
