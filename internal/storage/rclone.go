package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/parallel"
	"github.com/tis24dev/statesave/internal/safefs"
	"github.com/tis24dev/statesave/internal/subprocess"
)

// DefaultRcloneTimeout bounds a single rclone invocation.
const DefaultRcloneTimeout = 2 * time.Minute

// RcloneOptions configures an RcloneProvider.
type RcloneOptions struct {
	Binary      string        // default "rclone"
	Flags       []string      // inserted after the verb
	Timeout     time.Duration // per invocation
	Verify      bool          // size-check uploads with lsl
	Concurrency int           // parallel host listings in ListAll
}

// RcloneProvider stores backups on any rclone remote. Every operation is one
// rclone invocation with its own timeout.
type RcloneProvider struct {
	name         string
	remote       string // rclone remote name, e.g. "b2"
	remotePrefix string // path inside the remote, may be empty
	host         string
	opts         RcloneOptions
	logger       *logging.Logger
	run          func(ctx context.Context, timeout time.Duration, name string, args ...string) (subprocess.Result, error)
}

// NewRcloneProvider returns a provider for remoteRef ("remote:" or "remote:path").
func NewRcloneProvider(name, remoteRef, host string, opts RcloneOptions, logger *logging.Logger) (*RcloneProvider, error) {
	remote, prefix := splitRemoteRef(strings.TrimSpace(remoteRef))
	if remote == "" || !strings.Contains(remoteRef, ":") {
		return nil, fmt.Errorf("rclone provider %s: remote %q must look like \"name:path\"", name, remoteRef)
	}
	if !ValidHost(host) {
		return nil, fmt.Errorf("rclone provider %s: invalid hostname %q", name, host)
	}
	if opts.Binary == "" {
		opts.Binary = "rclone"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRcloneTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &RcloneProvider{
		name:         name,
		remote:       remote,
		remotePrefix: strings.Trim(prefix, "/"),
		host:         host,
		opts:         opts,
		logger:       logger,
		run:          subprocess.Run,
	}, nil
}

// Name returns the configured provider name.
func (r *RcloneProvider) Name() string { return r.name }

func splitRemoteRef(ref string) (remoteName, relPath string) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) < 2 {
		return ref, ""
	}
	return parts[0], parts[1]
}

// remotePathFor maps a relative name ("" for the root) to "remote:prefix/name".
func (r *RcloneProvider) remotePathFor(rel string) string {
	joined := path.Join(r.remotePrefix, rel)
	if joined == "." {
		joined = ""
	}
	return r.remote + ":" + joined
}

// rclone runs "rclone <verb> [flags...] args..." and returns stdout.
func (r *RcloneProvider) rclone(ctx context.Context, verb string, args ...string) ([]byte, error) {
	argv := make([]string, 0, 1+len(r.opts.Flags)+len(args))
	argv = append(argv, verb)
	argv = append(argv, r.opts.Flags...)
	argv = append(argv, args...)
	r.logger.Debug("Running: %s", subprocess.Describe(r.opts.Binary, argv...))

	res, err := r.run(ctx, r.opts.Timeout, r.opts.Binary, argv...)
	return res.Stdout, err
}

// Push uploads localPath to remoteName.
func (r *RcloneProvider) Push(ctx context.Context, localPath, remoteName string) error {
	if err := safefs.ValidateRemoteName(remoteName); err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return opError(r.name, "push", remoteName, fmt.Errorf("cannot stat local file: %w", err))
	}

	target := r.remotePathFor(remoteName)
	if _, err := r.rclone(ctx, "copyto", localPath, target); err != nil {
		return opError(r.name, "push", remoteName, err)
	}
	if !r.opts.Verify {
		return nil
	}
	if err := r.verifySize(ctx, target, info.Size()); err != nil {
		return opError(r.name, "verify", remoteName, err)
	}
	return nil
}

// verifySize compares the remote size reported by lsl with the local size.
func (r *RcloneProvider) verifySize(ctx context.Context, target string, expected int64) error {
	out, err := r.rclone(ctx, "lsl", target)
	if err != nil {
		return err
	}
	// lsl format: "SIZE DATE TIME FILENAME"
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 4 {
		return fmt.Errorf("%w: unexpected lsl output %q", ErrVerification, strings.TrimSpace(string(out)))
	}
	remoteSize, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: cannot parse remote size %q", ErrVerification, fields[0])
	}
	if remoteSize != expected {
		return fmt.Errorf("%w: size mismatch: local=%d remote=%d", ErrVerification, expected, remoteSize)
	}
	return nil
}

// Pull downloads remoteName to localPath.
func (r *RcloneProvider) Pull(ctx context.Context, remoteName, localPath string) error {
	if err := safefs.ValidateRemoteName(remoteName); err != nil {
		return err
	}
	if _, err := r.rclone(ctx, "copyto", r.remotePathFor(remoteName), localPath); err != nil {
		if isRcloneObjectNotFound(err) {
			return opError(r.name, "pull", remoteName, ErrNotFound)
		}
		return opError(r.name, "pull", remoteName, err)
	}
	if _, err := os.Stat(localPath); err != nil {
		// copyto of a missing source can exit 0 without writing anything.
		return opError(r.name, "pull", remoteName, ErrNotFound)
	}
	return nil
}

// lsf lists the entries of one remote directory. A missing directory is empty.
func (r *RcloneProvider) lsf(ctx context.Context, rel string, kind string) ([]string, error) {
	out, err := r.rclone(ctx, "lsf", kind, r.remotePathFor(rel))
	if err != nil {
		if isRcloneObjectNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), "/")
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (r *RcloneProvider) listHost(ctx context.Context, host string) ([]string, error) {
	files, err := r.lsf(ctx, host, "--files-only")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if host != "" {
			f = path.Join(host, f)
		}
		if IsBackupFile(f) {
			names = append(names, f)
		}
	}
	return names, nil
}

// List returns this host's objects merged with legacy root objects.
func (r *RcloneProvider) List(ctx context.Context) ([]string, error) {
	hostNames, err := r.listHost(ctx, r.host)
	if err != nil {
		return nil, opError(r.name, "list", r.host, err)
	}
	rootNames, err := r.listHost(ctx, "")
	if err != nil {
		return nil, opError(r.name, "list", r.remotePathFor(""), err)
	}
	return SortNewestFirst(append(hostNames, rootNames...)), nil
}

// ListAll returns every host's objects merged with legacy root objects.
// Host directories are listed in parallel.
func (r *RcloneProvider) ListAll(ctx context.Context) ([]string, error) {
	dirs, err := r.lsf(ctx, "", "--dirs-only")
	if err != nil {
		return nil, opError(r.name, "list", r.remotePathFor(""), err)
	}
	hosts := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if ValidHost(d) {
			hosts = append(hosts, d)
		}
	}

	perHost, err := parallel.Map(ctx, hosts, r.opts.Concurrency, func(ctx context.Context, _ int, host string) ([]string, error) {
		names, err := r.listHost(ctx, host)
		if err != nil {
			return nil, opError(r.name, "list", host, err)
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}

	names, err := r.listHost(ctx, "")
	if err != nil {
		return nil, opError(r.name, "list", r.remotePathFor(""), err)
	}
	for _, hostNames := range perHost {
		names = append(names, hostNames...)
	}
	return SortNewestFirst(names), nil
}

// Delete removes remoteName after confirming it exists.
func (r *RcloneProvider) Delete(ctx context.Context, remoteName string) error {
	if err := safefs.ValidateRemoteName(remoteName); err != nil {
		return err
	}
	dir, file := path.Split(remoteName)
	existing, err := r.lsf(ctx, strings.TrimSuffix(dir, "/"), "--files-only")
	if err != nil {
		return opError(r.name, "delete", remoteName, err)
	}
	found := false
	for _, name := range existing {
		if name == file {
			found = true
			break
		}
	}
	if !found {
		return opError(r.name, "delete", remoteName, ErrNotFound)
	}

	if _, err := r.rclone(ctx, "deletefile", r.remotePathFor(remoteName)); err != nil {
		if isRcloneObjectNotFound(err) {
			return opError(r.name, "delete", remoteName, ErrNotFound)
		}
		return opError(r.name, "delete", remoteName, err)
	}
	r.logger.Debug("Rclone storage %s: deleted %s", r.name, remoteName)
	return nil
}

// Check confirms the rclone binary runs and the remote root is listable.
func (r *RcloneProvider) Check(ctx context.Context) CheckResult {
	if _, err := r.rclone(ctx, "version"); err != nil {
		return CheckResult{Error: fmt.Sprintf("rclone unavailable: %v", err)}
	}
	target := r.remotePathFor("")
	if _, err := r.rclone(ctx, "lsf", "--max-depth", "1", target); err != nil {
		if isRcloneObjectNotFound(err) {
			// An empty remote prefix does not exist until the first push.
			return CheckResult{Available: true}
		}
		return CheckResult{Error: fmt.Sprintf("%s check failed for %s: %v", detectRemoteErrorKind(err.Error()), target, err)}
	}
	return CheckResult{Available: true}
}

type remoteErrorKind string

const (
	remoteErrorTimeout remoteErrorKind = "timeout"
	remoteErrorAuth    remoteErrorKind = "auth"
	remoteErrorPath    remoteErrorKind = "path"
	remoteErrorNetwork remoteErrorKind = "network"
	remoteErrorOther   remoteErrorKind = "other"
)

func detectRemoteErrorKind(text string) remoteErrorKind {
	text = strings.ToLower(text)
	switch {
	case containsAny(text, "killed after timeout", "context deadline exceeded"):
		return remoteErrorTimeout
	case containsAny(text,
		"directory not found",
		"file not found",
		"couldn't find root",
		"path not found"):
		return remoteErrorPath
	case containsAny(text,
		"failed to create file system",
		"couldn't find configuration section",
		"not found in config file",
		"error reading section",
		"401 unauthorized",
		"403 forbidden",
		"access denied",
		"permission denied"):
		return remoteErrorAuth
	case containsAny(text,
		"dial tcp",
		"connection refused",
		"network is unreachable",
		"host is down",
		"no such host"):
		return remoteErrorNetwork
	default:
		return remoteErrorOther
	}
}

func containsAny(text string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// isRcloneObjectNotFound reports whether a failed invocation complained
// about a missing object or directory.
func isRcloneObjectNotFound(err error) bool {
	var exitErr *subprocess.ExitError
	if !errors.As(err, &exitErr) || exitErr.TimedOut {
		return false
	}
	lower := strings.ToLower(exitErr.Stderr)
	return strings.Contains(lower, "object not found") ||
		strings.Contains(lower, "file not found") ||
		strings.Contains(lower, "directory not found") ||
		strings.Contains(lower, "doesn't exist")
}
