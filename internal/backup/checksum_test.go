package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/types"
)

func TestVerifyChecksum(t *testing.T) {
	logger := logging.New(types.LogLevelDebug, false)
	var logs bytes.Buffer
	logger.SetOutput(&logs)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	ok, err := VerifyChecksum(context.Background(), logger, path, helloSHA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyChecksum(context.Background(), logger, path, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "Checksum mismatch")

	_, err = VerifyChecksum(context.Background(), logger, filepath.Join(t.TempDir(), "none"), helloSHA)
	assert.Error(t, err)
}

func TestCountingHasher(t *testing.T) {
	var buf bytes.Buffer
	h := newCountingHasher(&buf)
	h.Write([]byte("hel"))
	h.Write([]byte("lo"))
	assert.Equal(t, int64(5), h.n)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h.Sum())
	assert.Equal(t, "hello", buf.String())
}
