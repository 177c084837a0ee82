package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tis24dev/statesave/internal/backup"
	"github.com/tis24dev/statesave/internal/encryption"
	"github.com/tis24dev/statesave/internal/metrics"
	"github.com/tis24dev/statesave/internal/parallel"
	"github.com/tis24dev/statesave/internal/storage"
	"github.com/tis24dev/statesave/internal/subprocess"
	"github.com/tis24dev/statesave/internal/types"
)

// verifyArchive re-reads a finished plaintext archive; overridable for tests.
var verifyArchive = (*backup.Archiver).VerifyArchive

// ErrNoProviders is returned when a workflow needs storage but none is configured.
var ErrNoProviders = errors.New("no storage providers configured")

// BackupResult summarizes a completed backup.
type BackupResult struct {
	Key           string
	Encrypted     bool
	FileCount     int
	ArchiveSize   int64
	ArchiveSHA256 string
	Pushed        []string         // providers holding the complete backup
	Failed        map[string]error // providers the upload failed on
	Duration      time.Duration
}

// Backup archives the configured sources, optionally encrypts them, and
// uploads archive and manifest to every provider. It fails only when no
// provider received the complete backup.
func (o *Orchestrator) Backup(ctx context.Context) (*BackupResult, error) {
	start := o.clock.Now()
	run := &metrics.RunMetrics{Operation: "backup", ProviderSuccesses: map[string]bool{}}

	var result *BackupResult
	err := o.withLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = o.runBackup(ctx, start, run)
		return err
	})
	key := ""
	if result != nil {
		key = result.Key
	}
	o.report(ctx, run, key, start, err)
	return result, err
}

func (o *Orchestrator) runBackup(ctx context.Context, start time.Time, run *metrics.RunMetrics) (*BackupResult, error) {
	if len(o.providers) == 0 {
		return nil, phaseError("preflight", types.ExitConfigError, ErrNoProviders)
	}

	o.logStep(1, "Running preflight checks")
	if _, err := o.checker.RunAllChecks(ctx); err != nil {
		return nil, phaseError("preflight", types.ExitBackupError, err)
	}

	key := storage.NewBackupKey(start)
	encrypted := o.cfg.Encryption.Enabled
	ext := storage.ExtArchive
	if encrypted {
		ext = storage.ExtEncrypted
	}

	staging := filepath.Join(o.cfg.StagingDir(), "backup-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return nil, phaseError("preflight", types.ExitBackupError, fmt.Errorf("create staging directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			o.logger.Warning("Failed to remove staging directory %s: %v", staging, err)
		}
	}()

	o.logStep(2, "Creating archive %s%s", key, ext)
	archivePath := filepath.Join(staging, key+ext)
	stats, info, err := o.writeArchive(ctx, archivePath)
	if err != nil {
		code := types.ExitArchiveError
		phase := "archive"
		if encrypted && isEncryptionFailure(err) {
			code, phase = types.ExitEncryptionError, "encryption"
		}
		return nil, phaseError(phase, code, err)
	}
	run.ArchiveSize = info.Size
	run.FileCount = len(stats.Files)
	o.logger.Info("Archive created: %d entries, %s", len(stats.Files), humanize.Bytes(uint64(info.Size)))

	if !encrypted {
		if err := verifyArchive(o.archiver, ctx, archivePath); err != nil {
			return nil, phaseError("verify", types.ExitVerificationError, fmt.Errorf("archive %s: %w", filepath.Base(archivePath), err))
		}
	}

	manifest := &backup.Manifest{
		Timestamp:     start.UTC().Truncate(time.Millisecond),
		Encrypted:     encrypted,
		FileCount:     len(stats.Files),
		Files:         stats.Files,
		ToolVersion:   o.version,
		Hostname:      o.cfg.Hostname,
		ArchiveSize:   info.Size,
		ArchiveSHA256: info.SHA256,
	}
	manifestPath := filepath.Join(staging, key+storage.ExtManifest)
	if err := backup.WriteManifest(manifestPath, manifest); err != nil {
		return nil, phaseError("manifest", types.ExitBackupError, err)
	}

	o.logStep(3, "Uploading to %d provider(s): %v", len(o.providers), o.providerNames())
	result := &BackupResult{
		Key:           key,
		Encrypted:     encrypted,
		FileCount:     len(stats.Files),
		ArchiveSize:   info.Size,
		ArchiveSHA256: info.SHA256,
		Failed:        map[string]error{},
	}
	uploads := []upload{
		{local: archivePath, remote: storage.RemoteName(o.cfg.Hostname, key, ext)},
		{local: manifestPath, remote: storage.RemoteName(o.cfg.Hostname, key, storage.ExtManifest)},
	}

	var mu sync.Mutex
	err = parallel.ForEach(ctx, o.providers, o.cfg.Concurrency, func(ctx context.Context, _ int, p storage.Provider) error {
		pushErr := o.pushAll(ctx, p, uploads)
		mu.Lock()
		defer mu.Unlock()
		run.ProviderSuccesses[p.Name()] = pushErr == nil
		if pushErr != nil {
			result.Failed[p.Name()] = pushErr
			o.logger.Error("Upload to %s failed: %v", p.Name(), pushErr)
			return nil
		}
		result.Pushed = append(result.Pushed, p.Name())
		return nil
	})

	// Any upload may have changed provider contents.
	o.index.Invalidate()

	if err != nil {
		return result, phaseError("upload", types.ExitStorageError, err)
	}
	if len(result.Pushed) == 0 {
		var first error
		for _, p := range o.providers {
			if e := result.Failed[p.Name()]; e != nil {
				first = e
				break
			}
		}
		return result, phaseError("upload", types.ExitStorageError, fmt.Errorf("backup %s reached no provider: %w", key, first))
	}

	result.Duration = o.clock.Now().Sub(start)
	if len(result.Failed) > 0 {
		o.logger.Warning("Backup %s stored on %d of %d provider(s)", key, len(result.Pushed), len(o.providers))
	} else {
		o.logger.Info("Backup %s stored on %d provider(s) in %s", key, len(result.Pushed), result.Duration.Round(time.Millisecond))
	}
	return result, nil
}

type upload struct {
	local  string
	remote string
}

// pushAll uploads in order and stops at the first failure. The manifest goes
// last so a partial upload never shows up in the index.
func (o *Orchestrator) pushAll(ctx context.Context, p storage.Provider, uploads []upload) error {
	for _, u := range uploads {
		if err := p.Push(ctx, u.local, u.remote); err != nil {
			return err
		}
		o.logger.Debug("Pushed %s to %s", u.remote, p.Name())
	}
	return nil
}

// writeArchive produces the archive file, streaming it through the age
// subprocess when encryption is enabled.
func (o *Orchestrator) writeArchive(ctx context.Context, path string) (*backup.Stats, *backup.FileInfo, error) {
	if !o.cfg.Encryption.Enabled {
		return o.archiver.CreateArchive(ctx, o.cfg.BaseDir, o.cfg.Sources, path)
	}

	var stats *backup.Stats
	info, err := backup.CreateFile(path, func(w io.Writer) error {
		return encryption.EncryptTo(ctx, o.cfg.Encryption.KeyFile, w, func(plain io.Writer) error {
			var err error
			stats, err = o.archiver.WriteTo(ctx, o.cfg.BaseDir, o.cfg.Sources, plain)
			return err
		}, encryption.WithBinary(o.cfg.Encryption.Binary), encryption.WithTimeout(o.cfg.Encryption.Timeout))
	})
	if err != nil {
		return nil, nil, err
	}
	return stats, info, nil
}

func isEncryptionFailure(err error) bool {
	return errors.Is(err, subprocess.ErrSpawn) ||
		errors.Is(err, subprocess.ErrExit) ||
		errors.Is(err, encryption.ErrNoPublicKey)
}
