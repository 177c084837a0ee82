// Package input reads operator answers from an interactive terminal.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrAborted is returned when the prompt was interrupted by a cancelled
// context or a closed stdin.
var ErrAborted = errors.New("input aborted")

// IsAborted reports whether err means the operator walked away from a prompt.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// normalize turns EOF and closed-descriptor errors into ErrAborted.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrAborted
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "use of closed file") || strings.Contains(msg, "bad file descriptor") {
		return ErrAborted
	}
	return err
}

// ReadLine reads one line without its trailing newline. A cancelled context
// yields ErrAborted, an expired deadline context.DeadlineExceeded. The read
// itself cannot be interrupted, so its goroutine lives until the line or EOF
// arrives.
func ReadLine(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{line: strings.TrimRight(line, "\r\n"), err: normalize(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", ErrAborted
	case res := <-ch:
		return res.line, res.err
	}
}

// Confirm writes prompt followed by " [y/N]: " and reports whether the answer
// was yes. Anything other than y or yes, including an empty line, is a no.
func Confirm(ctx context.Context, r *bufio.Reader, w io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	line, err := ReadLine(ctx, r)
	if err != nil {
		fmt.Fprintln(w)
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
