// Package lock provides the cross-process lock that serializes backup,
// restore and prune runs on one host.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sys/unix"

	"github.com/tis24dev/statesave/internal/logging"
)

// DefaultStaleAfter is the age after which a lock held by a dead process is reclaimed.
const DefaultStaleAfter = 30 * time.Minute

// ErrContention is matched by every failure caused by another holder.
var ErrContention = errors.New("lock is held by another process")

// ErrIO is matched by failures to create, read or remove the lock path.
var ErrIO = errors.New("lock file I/O failed")

// Record is the JSON body of the lock file.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// ContentionError reports who holds the lock so an operator can act on it.
type ContentionError struct {
	Path   string
	PID    int
	Age    time.Duration
	Reason string
	Guard  string // reclaim guard blocking the attempt, if any
}

func (e *ContentionError) Error() string {
	if e.Guard != "" {
		return fmt.Sprintf("lock %s is held by another process (%s); remove %s manually if no other run is active",
			e.Path, e.Reason, e.Guard)
	}
	if e.PID > 0 {
		return fmt.Sprintf("lock %s is held by pid %d (age %s, %s); remove the file manually if no other run is active",
			e.Path, e.PID, e.Age.Round(time.Second), e.Reason)
	}
	return fmt.Sprintf("lock %s is held by another process (%s); remove the file manually if no other run is active",
		e.Path, e.Reason)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// IOError wraps a filesystem failure on the lock path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// Overridable for tests.
var (
	osLink     = os.Link
	osRemove   = os.Remove
	osReadFile = os.ReadFile
	osOpenFile = os.OpenFile
)

// Manager acquires the lock file at a fixed path.
type Manager struct {
	path       string
	staleAfter time.Duration
	clock      clock.Clock
	logger     *logging.Logger
	pid        int
	pidAlive   func(pid int) bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPID overrides the pid written into the record.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// WithLivenessProbe overrides the process liveness check.
func WithLivenessProbe(fn func(pid int) bool) Option {
	return func(m *Manager) { m.pidAlive = fn }
}

// NewManager returns a Manager for the lock file at path.
func NewManager(path string, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		path:       path,
		staleAfter: DefaultStaleAfter,
		clock:      clock.WallClock,
		logger:     logger,
		pid:        os.Getpid(),
		pidAlive:   ProcessAlive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the lock file path.
func (m *Manager) Path() string { return m.path }

// ProcessAlive probes pid with signal 0. A permission error means the
// process exists under another user; only ESRCH means it is gone.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}

// Handle is a held lock. Release it exactly once, typically deferred.
type Handle struct {
	m        *Manager
	body     []byte
	released bool
}

// Acquire takes the lock or fails with a *ContentionError or *IOError.
// A stale lock is reclaimed and creation retried once; losing that retry to
// another reclaimer is contention, not a reason to loop.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := m.logger.Span("lock acquire", "%s", m.path)

	h, err := m.acquire()
	done(err)
	if err == nil {
		m.logger.Debug("Lock acquired: %s (pid %d)", m.path, m.pid)
	}
	return h, err
}

func (m *Manager) acquire() (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return nil, &IOError{Op: "mkdir", Path: filepath.Dir(m.path), Err: err}
	}

	body, err := json.Marshal(Record{PID: m.pid, StartedAt: m.clock.Now().UTC()})
	if err != nil {
		return nil, &IOError{Op: "encode", Path: m.path, Err: err}
	}

	err = m.create(body)
	if err == nil {
		return &Handle{m: m, body: body}, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, &IOError{Op: "create", Path: m.path, Err: err}
	}

	observed, err := osReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Released between our create and read.
		return m.retry(body)
	case err != nil:
		return nil, &IOError{Op: "read", Path: m.path, Err: err}
	}

	if cerr := m.checkStale(observed); cerr != nil {
		return nil, cerr
	}
	return m.reclaim(observed, body)
}

// retry is the single additional create attempt.
func (m *Manager) retry(body []byte) (*Handle, error) {
	err := m.create(body)
	switch {
	case err == nil:
		return &Handle{m: m, body: body}, nil
	case errors.Is(err, fs.ErrExist):
		return nil, &ContentionError{Path: m.path, Reason: "lost the race to another process"}
	default:
		return nil, &IOError{Op: "create", Path: m.path, Err: err}
	}
}

// checkStale returns nil when the observed record may be reclaimed.
func (m *Manager) checkStale(observed []byte) error {
	var rec Record
	if err := json.Unmarshal(observed, &rec); err != nil || rec.PID <= 0 {
		m.logger.Warning("Lock file %s is unreadable, treating it as stale", m.path)
		return nil
	}

	age := m.clock.Now().Sub(rec.StartedAt)
	if m.pidAlive(rec.PID) {
		return &ContentionError{Path: m.path, PID: rec.PID, Age: age, Reason: "process is running"}
	}
	if age < m.staleAfter {
		return &ContentionError{Path: m.path, PID: rec.PID, Age: age,
			Reason: fmt.Sprintf("process is gone but lock is younger than %s", m.staleAfter)}
	}
	m.logger.Warning("Reclaiming stale lock %s (pid %d gone, age %s)", m.path, rec.PID, age.Round(time.Second))
	return nil
}

// reclaim removes the observed stale lock under a guard file and retries
// creation once. The guard is held across the retry so a second reclaimer
// either finds the guard or finds the new owner's record.
func (m *Manager) reclaim(observed, body []byte) (*Handle, error) {
	guard := m.path + ".reclaim"
	g, err := osOpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) && m.clearStaleGuard(guard) {
		g, err = osOpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	}
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &ContentionError{Path: m.path, Guard: guard,
				Reason: "another process is reclaiming the stale lock"}
		}
		return nil, &IOError{Op: "create", Path: guard, Err: err}
	}
	g.Close()
	defer func() {
		if err := osRemove(guard); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warning("Failed to remove lock reclaim guard %s: %v", guard, err)
		}
	}()

	current, err := osReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, &IOError{Op: "read", Path: m.path, Err: err}
	case !bytes.Equal(current, observed):
		return nil, &ContentionError{Path: m.path, Reason: "lock was reclaimed by another process"}
	default:
		if err := osRemove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &IOError{Op: "remove", Path: m.path, Err: err}
		}
	}
	return m.retry(body)
}

// clearStaleGuard removes a guard older than the stale threshold, left
// behind by a crashed reclaimer, and reports whether it did.
func (m *Manager) clearStaleGuard(guard string) bool {
	info, err := os.Stat(guard)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if m.clock.Now().Sub(info.ModTime()) < m.staleAfter {
		return false
	}
	if err := osRemove(guard); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	m.logger.Warning("Removed abandoned lock reclaim guard %s", guard)
	return true
}

// create publishes body at m.path only if nothing is there. The record is
// written to a private temp file and hard-linked into place so readers never
// observe a partial record; filesystems without hard links fall back to
// O_EXCL.
func (m *Manager) create(body []byte) error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer osRemove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	err = osLink(tmpName, m.path)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	m.logger.Debug("Hard link unavailable for %s (%v), falling back to exclusive create", m.path, err)
	return m.createExclusive(body)
}

func (m *Manager) createExclusive(body []byte) error {
	f, err := osOpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		osRemove(m.path)
		return err
	}
	if err := f.Sync(); err != nil {
		m.logger.Warning("Failed to sync lock file %s: %v", m.path, err)
	}
	return f.Close()
}

// Release removes the lock file if it still carries this handle's record.
// It never fails; problems are logged.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	m := h.m

	current, err := osReadFile(m.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warning("Failed to read lock %s on release: %v", m.path, err)
		}
		return
	}
	if !bytes.Equal(current, h.body) {
		m.logger.Warning("Lock %s no longer belongs to this process, leaving it in place", m.path)
		return
	}
	if err := osRemove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warning("Failed to release lock %s: %v", m.path, err)
		return
	}
	m.logger.Debug("Lock released: %s", m.path)
}

// Read returns the current lock record, or nil when no lock is held.
func (m *Manager) Read() (*Record, error) {
	data, err := osReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: m.path, Err: err}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &IOError{Op: "decode", Path: m.path, Err: err}
	}
	return &rec, nil
}
