// Package encryption wraps the age binary as a streaming encryptor and
// decrypts archives in-process for restore.
package encryption

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/tis24dev/statesave/internal/subprocess"
)

// DefaultTimeout is the hard limit on one encryption process.
const DefaultTimeout = 5 * time.Minute

const publicKeyPrefix = "# public key:"

// ErrNoPublicKey is returned when a key file carries no usable recipient.
var ErrNoPublicKey = errors.New("no age public key found")

// ReadRecipient extracts the recipient from the "# public key: age1..."
// comment that age-keygen writes into identity files.
func ReadRecipient(keyPath string) (string, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		return "", fmt.Errorf("read key file %s: %w", keyPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, publicKeyPrefix)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if _, err := age.ParseX25519Recipient(value); err != nil {
			return "", fmt.Errorf("%w in %s: %v", ErrNoPublicKey, keyPath, err)
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read key file %s: %w", keyPath, err)
	}
	return "", fmt.Errorf("%w in %s", ErrNoPublicKey, keyPath)
}

// Options configures the encryption process.
type Options struct {
	Binary  string
	Timeout time.Duration
}

// Option customizes Options.
type Option func(*Options)

// WithBinary overrides the "age" executable.
func WithBinary(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.Binary = name
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// Stream is a running encryption process. Plaintext written to Input comes
// out of Output as ciphertext. Input must be closed to finish the stream and
// Wait must always be observed: a clean byte stream alone does not mean the
// encryption succeeded.
type Stream struct {
	Input     io.WriteCloser
	Output    io.ReadCloser
	Recipient string

	done chan struct{}
	err  error
}

// Done is closed after the process has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the process exits. It returns nil on a clean exit,
// *subprocess.ExitError on a non-zero exit or timeout kill, and
// *subprocess.SpawnError when the process could not be supervised.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// NewEncryptStream starts "age --encrypt --recipient <key>" for the public
// key found in keyPath. A missing executable is reported here as a
// *subprocess.SpawnError.
func NewEncryptStream(ctx context.Context, keyPath string, opts ...Option) (*Stream, error) {
	o := Options{Binary: "age", Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	recipient, err := ReadRecipient(keyPath)
	if err != nil {
		return nil, err
	}

	// Plain OS pipes instead of cmd.StdinPipe/StdoutPipe: Wait must be able
	// to run while the caller is still reading Output.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, &subprocess.SpawnError{Command: o.Binary, Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, &subprocess.SpawnError{Command: o.Binary, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, o.Binary, "--encrypt", "--recipient", recipient)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	startErr := cmd.Start()
	// The child holds its own copies now.
	inR.Close()
	outW.Close()
	if startErr != nil {
		cancel()
		inW.Close()
		outR.Close()
		return nil, &subprocess.SpawnError{Command: o.Binary, Err: startErr}
	}

	s := &Stream{
		Input:     inW,
		Output:    outR,
		Recipient: recipient,
		done:      make(chan struct{}),
	}
	go func() {
		defer cancel()
		waitErr := cmd.Wait()
		s.err = subprocess.Classify(runCtx, o.Binary, waitErr, stderr.String(), o.Timeout)
		close(s.done)
	}()
	return s, nil
}

// EncryptTo runs produce against the plaintext side of a new stream while
// copying ciphertext into dst, then waits for the process. The first failure
// among produce, the copy and the process is returned.
func EncryptTo(ctx context.Context, keyPath string, dst io.Writer, produce func(w io.Writer) error, opts ...Option) error {
	s, err := NewEncryptStream(ctx, keyPath, opts...)
	if err != nil {
		return err
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, s.Output)
		if err != nil {
			// Unblock the process so the producer's writes fail fast.
			s.Output.Close()
		}
		copyErr <- err
	}()

	prodErr := produce(s.Input)
	closeErr := s.Input.Close()
	cErr := <-copyErr
	waitErr := s.Wait()
	s.Output.Close()

	switch {
	case prodErr != nil:
		return fmt.Errorf("write plaintext: %w", prodErr)
	case cErr != nil:
		return fmt.Errorf("copy ciphertext: %w", cErr)
	case waitErr != nil:
		return waitErr
	case closeErr != nil:
		return fmt.Errorf("close encryption input: %w", closeErr)
	}
	return nil
}

// DecryptFile decrypts src into dst with the identities found in keyPath.
func DecryptFile(keyPath, src, dst string) error {
	keyFile, err := os.Open(keyPath)
	if err != nil {
		return fmt.Errorf("open key file %s: %w", keyPath, err)
	}
	identities, err := age.ParseIdentities(keyFile)
	keyFile.Close()
	if err != nil {
		return fmt.Errorf("parse identities in %s: %w", keyPath, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open encrypted archive: %w", err)
	}
	defer in.Close()

	reader, err := age.Decrypt(in, identities...)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create decrypted archive: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return fmt.Errorf("write decrypted archive: %w", err)
	}
	return out.Close()
}
