// Package subprocess runs the external tools (rclone, age) with a hard
// timeout and a uniform error taxonomy.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrSpawn is matched by failures to start or supervise a process.
var ErrSpawn = errors.New("subprocess could not be run")

// ErrExit is matched by processes that ran and did not exit cleanly.
var ErrExit = errors.New("subprocess failed")

// SpawnError is a process-level failure such as a missing executable.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to run %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// ExitError is a non-zero exit or a timeout kill. Stderr holds the captured
// diagnostic output.
type ExitError struct {
	Command  string
	Code     int
	Stderr   string
	TimedOut bool
	Timeout  time.Duration
}

func (e *ExitError) Error() string {
	var b strings.Builder
	if e.TimedOut {
		fmt.Fprintf(&b, "%s killed after timeout of %s", e.Command, e.Timeout)
	} else {
		fmt.Fprintf(&b, "%s exited with code %d", e.Command, e.Code)
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		fmt.Fprintf(&b, ": %s", msg)
	}
	return b.String()
}

func (e *ExitError) Is(target error) bool { return target == ErrExit }

// Result holds the captured output of a finished process.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Overridable for tests.
var lookPath = exec.LookPath

// Run executes name with args, bounded by timeout (0 means only ctx bounds it),
// and captures both output streams.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Command: name, Err: err}
	}
	err := cmd.Wait()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	return res, Classify(ctx, name, err, stderr.String(), timeout)
}

// Classify maps the error returned by (*exec.Cmd).Wait into the package
// taxonomy. ctx is the context the command was started with.
func Classify(ctx context.Context, name string, waitErr error, stderr string, timeout time.Duration) error {
	if waitErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExitError{Command: name, Code: -1, Stderr: stderr, TimedOut: true, Timeout: timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Command: name, Code: exitErr.ExitCode(), Stderr: stderr}
	}
	return &SpawnError{Command: name, Err: waitErr}
}

// Available reports whether name resolves to an executable.
func Available(name string) bool {
	_, err := lookPath(name)
	return err == nil
}

// Describe renders argv for debug logs.
func Describe(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
