package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/safefs"
)

// localIOTimeout bounds directory listings so a hung mount cannot stall a run.
const localIOTimeout = 30 * time.Second

// LocalProvider stores backups in a directory on a mounted filesystem.
type LocalProvider struct {
	name   string
	root   string
	host   string
	logger *logging.Logger
}

// NewLocalProvider returns a provider rooted at root that writes under the
// host subdirectory.
func NewLocalProvider(name, root, host string, logger *logging.Logger) (*LocalProvider, error) {
	if root == "" {
		return nil, fmt.Errorf("local provider %s: root path is empty", name)
	}
	if !ValidHost(host) {
		return nil, fmt.Errorf("local provider %s: invalid hostname %q", name, host)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local provider %s: resolve %s: %w", name, root, err)
	}
	return &LocalProvider{name: name, root: abs, host: host, logger: logger}, nil
}

// Name returns the configured provider name.
func (l *LocalProvider) Name() string { return l.name }

// Root returns the absolute directory backing this provider.
func (l *LocalProvider) Root() string { return l.root }

func (l *LocalProvider) resolve(remoteName string) (string, error) {
	if err := safefs.ValidateRemoteName(remoteName); err != nil {
		return "", err
	}
	return safefs.SafePath(l.root, filepath.FromSlash(remoteName))
}

// Push copies localPath into the provider.
func (l *LocalProvider) Push(ctx context.Context, localPath, remoteName string) error {
	dest, err := l.resolve(remoteName)
	if err != nil {
		return err
	}
	l.logger.Debug("Local storage %s: pushing %s -> %s", l.name, filepath.Base(localPath), remoteName)
	return opError(l.name, "push", remoteName, copyFile(ctx, l.logger, localPath, dest))
}

// Pull copies remoteName out of the provider.
func (l *LocalProvider) Pull(ctx context.Context, remoteName, localPath string) error {
	src, err := l.resolve(remoteName)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return opError(l.name, "pull", remoteName, ErrNotFound)
	}
	if err != nil {
		return opError(l.name, "pull", remoteName, err)
	}
	if info.IsDir() {
		return opError(l.name, "pull", remoteName, fmt.Errorf("%s is a directory", src))
	}
	return opError(l.name, "pull", remoteName, copyFile(ctx, l.logger, src, localPath))
}

// List returns this host's objects merged with legacy root objects.
func (l *LocalProvider) List(ctx context.Context) ([]string, error) {
	hostNames, err := l.listFiles(ctx, l.host)
	if err != nil {
		return nil, opError(l.name, "list", l.host, err)
	}
	rootNames, err := l.listFiles(ctx, "")
	if err != nil {
		return nil, opError(l.name, "list", l.root, err)
	}
	return SortNewestFirst(append(hostNames, rootNames...)), nil
}

// ListAll returns every host's objects merged with legacy root objects.
func (l *LocalProvider) ListAll(ctx context.Context) ([]string, error) {
	entries, err := safefs.ReadDir(ctx, l.root, localIOTimeout)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, opError(l.name, "list", l.root, err)
	}

	var names []string
	for _, entry := range entries {
		switch {
		case entry.IsDir():
			if !ValidHost(entry.Name()) {
				continue
			}
			hostNames, err := l.listFiles(ctx, entry.Name())
			if err != nil {
				return nil, opError(l.name, "list", entry.Name(), err)
			}
			names = append(names, hostNames...)
		case entry.Type().IsRegular():
			names = append(names, entry.Name())
		}
	}
	return SortNewestFirst(names), nil
}

// listFiles returns the regular files of one layout directory as remote
// names. A missing directory is empty.
func (l *LocalProvider) listFiles(ctx context.Context, host string) ([]string, error) {
	dir := l.root
	if host != "" {
		dir = filepath.Join(l.root, host)
	}
	entries, err := safefs.ReadDir(ctx, dir, localIOTimeout)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if host != "" {
			name = path.Join(host, name)
		}
		if IsBackupFile(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete removes remoteName, then its host directory if it became empty.
func (l *LocalProvider) Delete(ctx context.Context, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := l.resolve(remoteName)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return opError(l.name, "delete", remoteName, ErrNotFound)
		}
		return opError(l.name, "delete", remoteName, err)
	}
	if err := os.Remove(target); err != nil {
		return opError(l.name, "delete", remoteName, err)
	}
	l.logger.Debug("Local storage %s: deleted %s", l.name, remoteName)

	if dir := filepath.Dir(target); dir != l.root {
		// Fails harmlessly while other objects remain.
		_ = os.Remove(dir)
	}
	return nil
}

// Check verifies the root directory is writable.
func (l *LocalProvider) Check(ctx context.Context) CheckResult {
	if err := os.MkdirAll(l.root, 0o700); err != nil {
		return CheckResult{Error: fmt.Sprintf("cannot create %s: %v", l.root, err)}
	}
	probe, err := os.CreateTemp(l.root, ".statesave-check-")
	if err != nil {
		return CheckResult{Error: fmt.Sprintf("%s is not writable: %v", l.root, err)}
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		l.logger.Debug("Local storage %s: failed to remove probe %s: %v", l.name, name, err)
	}

	if free, err := safefs.FreeBytes(ctx, l.root, localIOTimeout); err == nil {
		l.logger.Debug("Local storage %s: %s free at %s", l.name, humanize.IBytes(free), l.root)
	}
	return CheckResult{Available: true}
}
