package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/statesave/internal/logging"
)

// statCopy inspects the finished temp copy; overridable for tests.
var statCopy = os.Stat

// ctxReader fails reads once ctx is done so long copies stop promptly.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// copyFile writes src to a hidden temp file next to dest, checks its size
// against src and renames it over dest. dest is either complete or untouched.
func copyFile(ctx context.Context, logger *logging.Logger, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	srcInfo, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".partial-")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	renamed := false
	defer func() {
		if !renamed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	start := time.Now()
	n, err := io.CopyBuffer(tmp, ctxReader{ctx: ctx, r: in}, make([]byte, 1<<20))
	if err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	got, err := statCopy(tmp.Name())
	if err != nil {
		return fmt.Errorf("stat copy: %w", err)
	}
	if got.Size() != srcInfo.Size() {
		return fmt.Errorf("%w: %s is %d bytes, source has %d",
			ErrVerification, filepath.Base(dest), got.Size(), srcInfo.Size())
	}
	if err := os.Chtimes(tmp.Name(), srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		logger.Debug("Keeping copy time on %s: %v", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into %s: %w", dest, err)
	}
	renamed = true

	elapsed := time.Since(start)
	rate := "n/a"
	if s := elapsed.Seconds(); s > 0 {
		rate = humanize.IBytes(uint64(float64(n)/s)) + "/s"
	}
	logger.Debug("Copied %s to %s: %s in %s (%s)", filepath.Base(src), dest,
		humanize.IBytes(uint64(n)), elapsed.Round(time.Millisecond), rate)
	return nil
}
