package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tis24dev/statesave/internal/subprocess"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeKeyFile(t *testing.T) (string, *age.X25519Identity) {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	content := fmt.Sprintf("# created: 2024-01-01T00:00:00Z\n# public key: %s\n%s\n", id.Recipient(), id)
	path := filepath.Join(t.TempDir(), "age.key")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, id
}

// fakeAge writes an executable shell script standing in for age.
func fakeAge(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-age")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestReadRecipient(t *testing.T) {
	path, id := writeKeyFile(t)
	got, err := ReadRecipient(path)
	require.NoError(t, err)
	assert.Equal(t, id.Recipient().String(), got)
}

func TestReadRecipientFailures(t *testing.T) {
	_, err := ReadRecipient(filepath.Join(t.TempDir(), "missing.key"))
	assert.Error(t, err)

	noKey := filepath.Join(t.TempDir(), "nokey")
	require.NoError(t, os.WriteFile(noKey, []byte("# created: now\nAGE-SECRET-KEY-1XYZ\n"), 0o600))
	_, err = ReadRecipient(noKey)
	assert.ErrorIs(t, err, ErrNoPublicKey)

	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("# public key: age1notreally\n"), 0o600))
	_, err = ReadRecipient(bad)
	assert.ErrorIs(t, err, ErrNoPublicKey)
}

func TestEncryptStreamPassesRecipientAndData(t *testing.T) {
	keyPath, id := writeKeyFile(t)
	bin := fakeAge(t, `echo "$@" >&2; cat`)

	s, err := NewEncryptStream(context.Background(), keyPath, WithBinary(bin))
	require.NoError(t, err)
	assert.Equal(t, id.Recipient().String(), s.Recipient)

	go func() {
		io.WriteString(s.Input, "plaintext archive")
		s.Input.Close()
	}()
	out, err := io.ReadAll(s.Output)
	require.NoError(t, err)
	require.NoError(t, s.Wait())
	s.Output.Close()

	assert.Equal(t, "plaintext archive", string(out))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed once Wait returned")
	}
}

func TestEncryptStreamNonZeroExit(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	bin := fakeAge(t, `cat >/dev/null; echo "bad recipient" >&2; exit 2`)

	s, err := NewEncryptStream(context.Background(), keyPath, WithBinary(bin))
	require.NoError(t, err)
	s.Input.Close()
	io.Copy(io.Discard, s.Output)
	s.Output.Close()

	err = s.Wait()
	require.Error(t, err)
	var exitErr *subprocess.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "bad recipient")

	// Completion is observable more than once with the same outcome.
	assert.Equal(t, err, s.Wait())
}

func TestEncryptStreamMissingBinary(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	_, err := NewEncryptStream(context.Background(), keyPath, WithBinary(filepath.Join(t.TempDir(), "no-such-age")))
	require.Error(t, err)
	assert.ErrorIs(t, err, subprocess.ErrSpawn)
}

func TestEncryptStreamMissingKey(t *testing.T) {
	_, err := NewEncryptStream(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, subprocess.ErrSpawn)
}

func TestEncryptStreamTimeout(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	bin := fakeAge(t, `exec sleep 10`)

	s, err := NewEncryptStream(context.Background(), keyPath, WithBinary(bin), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer s.Input.Close()
	defer s.Output.Close()

	start := time.Now()
	err = s.Wait()
	require.Error(t, err)
	var exitErr *subprocess.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.True(t, exitErr.TimedOut)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestEncryptToWithFakeBinary(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	bin := fakeAge(t, `tr 'a-z' 'A-Z'`)

	var dst bytes.Buffer
	err := EncryptTo(context.Background(), keyPath, &dst, func(w io.Writer) error {
		_, err := io.WriteString(w, strings.Repeat("abc", 100_000))
		return err
	}, WithBinary(bin))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ABC", 100_000), dst.String())
}

func TestEncryptToReportsProducerError(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	bin := fakeAge(t, `cat`)
	boom := errors.New("tar failed")

	err := EncryptTo(context.Background(), keyPath, io.Discard, func(io.Writer) error { return boom }, WithBinary(bin))
	assert.ErrorIs(t, err, boom)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEncryptToReportsCopyError(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	bin := fakeAge(t, `cat`)

	err := EncryptTo(context.Background(), keyPath, failingWriter{}, func(w io.Writer) error {
		_, err := io.WriteString(w, strings.Repeat("x", 1<<20))
		return err
	}, WithBinary(bin))
	require.Error(t, err)
}

func TestDecryptFile(t *testing.T) {
	keyPath, id := writeKeyFile(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tar.gz.age")

	f, err := os.Create(src)
	require.NoError(t, err)
	w, err := age.Encrypt(f, id.Recipient())
	require.NoError(t, err)
	_, err = io.WriteString(w, "secret state")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	dst := filepath.Join(dir, "a.tar.gz")
	require.NoError(t, DecryptFile(keyPath, src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "secret state", string(data))
}

func TestDecryptFileWrongKey(t *testing.T) {
	keyPath, _ := writeKeyFile(t)
	_, other := writeKeyFile(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.age")

	f, err := os.Create(src)
	require.NoError(t, err)
	w, err := age.Encrypt(f, other.Recipient())
	require.NoError(t, err)
	io.WriteString(w, "x")
	w.Close()
	f.Close()

	assert.Error(t, DecryptFile(keyPath, src, filepath.Join(dir, "out")))
}

func TestEncryptWithRealAge(t *testing.T) {
	if _, err := exec.LookPath("age"); err != nil {
		t.Skip("age binary not installed")
	}
	keyPath, _ := writeKeyFile(t)
	dir := t.TempDir()
	encrypted := filepath.Join(dir, "out.age")

	f, err := os.Create(encrypted)
	require.NoError(t, err)
	err = EncryptTo(context.Background(), keyPath, f, func(w io.Writer) error {
		_, err := io.WriteString(w, "round trip")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	plain := filepath.Join(dir, "out")
	require.NoError(t, DecryptFile(keyPath, encrypted, plain))
	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, "round trip", string(data))
}
