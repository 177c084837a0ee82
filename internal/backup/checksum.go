package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/tis24dev/statesave/internal/logging"
)

// GenerateChecksum calculates the SHA256 checksum of a file.
func GenerateChecksum(ctx context.Context, logger *logging.Logger, filePath string) (string, error) {
	logger.Debug("Generating SHA256 checksum for: %s", filePath)

	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := file.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	logger.Debug("Generated checksum: %s", checksum)
	return checksum, nil
}

// VerifyChecksum compares a file against an expected SHA256 checksum.
func VerifyChecksum(ctx context.Context, logger *logging.Logger, filePath, expectedChecksum string) (bool, error) {
	actual, err := GenerateChecksum(ctx, logger, filePath)
	if err != nil {
		return false, fmt.Errorf("failed to generate checksum: %w", err)
	}
	if actual != expectedChecksum {
		logger.Warning("Checksum mismatch for %s! Expected: %s, Got: %s", filePath, expectedChecksum, actual)
		return false, nil
	}
	logger.Debug("Checksum verification passed")
	return true, nil
}

// countingHasher tees everything written through it into a SHA256 and a
// byte counter, so streamed archives get their checksum without a second read.
type countingHasher struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

func newCountingHasher(w io.Writer) *countingHasher {
	return &countingHasher{w: w, hash: sha256.New()}
}

func (c *countingHasher) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.hash.Write(p[:n])
	c.n += int64(n)
	return n, err
}

func (c *countingHasher) Sum() string { return hex.EncodeToString(c.hash.Sum(nil)) }
