package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tis24dev/statesave/internal/backup"
	"github.com/tis24dev/statesave/internal/encryption"
	"github.com/tis24dev/statesave/internal/index"
	"github.com/tis24dev/statesave/internal/storage"
	"github.com/tis24dev/statesave/internal/types"
	"github.com/tis24dev/statesave/internal/version"
)

var (
	// ErrBackupNotFound is returned when the requested backup is not in the index.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrRestoreDeclined is returned when the operator rejects a version warning.
	ErrRestoreDeclined = errors.New("restore declined")
)

// RestoreOptions selects the backup and destination.
type RestoreOptions struct {
	Key    string // empty restores the newest backup
	Target string // empty restores into base_dir

	// Confirm, when set, is asked before a restore whose version check
	// produced a warning. Returning false stops the restore untouched.
	Confirm func(ctx context.Context, compat version.Compatibility) (bool, error)
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Key           string
	Provider      string
	Target        string
	Files         int
	Compatibility version.Compatibility
}

// Restore downloads a backup from the first provider that yields an intact
// copy and extracts it over the target directory. Version mismatches are
// logged before anything is written.
func (o *Orchestrator) Restore(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	var result *RestoreResult
	err := o.withLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = o.runRestore(ctx, opts)
		return err
	})
	return result, err
}

func (o *Orchestrator) runRestore(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	target := opts.Target
	if target == "" {
		target = o.cfg.BaseDir
	}
	if !filepath.IsAbs(target) {
		return nil, phaseError("restore", types.ExitRestoreError, fmt.Errorf("restore target %q must be absolute", target))
	}

	o.logStep(1, "Resolving backup")
	entry, err := o.resolveEntry(ctx, opts.Key)
	if err != nil {
		return nil, err
	}
	if entry.Encrypted && o.cfg.Encryption.KeyFile == "" {
		return nil, phaseError("decrypt", types.ExitEncryptionError,
			fmt.Errorf("backup %s is encrypted but encryption.key_file is not set", entry.Key))
	}

	compat := version.CheckCompatibility(entry.ToolVersion, o.version)
	switch compat.Level {
	case version.LevelWarn:
		o.logger.Warning("%s", compat.Message)
		if opts.Confirm != nil {
			ok, err := opts.Confirm(ctx, compat)
			if err != nil {
				return nil, phaseError("restore", types.ExitRestoreError, fmt.Errorf("confirm restore: %w", err))
			}
			if !ok {
				return nil, phaseError("restore", types.ExitRestoreError, fmt.Errorf("%w: %s", ErrRestoreDeclined, entry.Key))
			}
		}
	case version.LevelInfo:
		o.logger.Info("%s", compat.Message)
	}

	staging := filepath.Join(o.cfg.StagingDir(), "restore-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return nil, phaseError("download", types.ExitRestoreError, fmt.Errorf("create staging directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			o.logger.Warning("Failed to remove staging directory %s: %v", staging, err)
		}
	}()

	o.logStep(2, "Downloading backup %s", entry.Key)
	archivePath, provider, err := o.download(ctx, entry, staging)
	if err != nil {
		return nil, err
	}

	if entry.Encrypted {
		o.logStep(3, "Decrypting archive")
		plain := filepath.Join(staging, entry.Key+storage.ExtArchive)
		if err := encryption.DecryptFile(o.cfg.Encryption.KeyFile, archivePath, plain); err != nil {
			return nil, phaseError("decrypt", types.ExitEncryptionError, err)
		}
		archivePath = plain
	}

	o.logStep(4, "Extracting into %s", target)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, phaseError("extract", types.ExitRestoreError, fmt.Errorf("create restore target: %w", err))
	}
	files, err := o.archiver.Extract(ctx, archivePath, target)
	if err != nil {
		return nil, phaseError("extract", types.ExitRestoreError, err)
	}

	o.logger.Info("Restored backup %s from %s: %d entries into %s", entry.Key, provider, files, target)
	return &RestoreResult{
		Key:           entry.Key,
		Provider:      provider,
		Target:        target,
		Files:         files,
		Compatibility: compat,
	}, nil
}

// resolveEntry looks key up in the cached index and falls back to a fresh
// listing before giving up.
func (o *Orchestrator) resolveEntry(ctx context.Context, key string) (*index.Entry, error) {
	idx, err := o.index.Load(ctx, o.providers)
	if err != nil {
		return nil, phaseError("index", types.ExitStorageError, err)
	}
	if entry, ok := lookup(idx, key); ok {
		return entry, nil
	}

	o.logger.Debug("Backup %q not in cached index; refreshing", key)
	idx, err = o.index.Refresh(ctx, o.providers)
	if err != nil {
		return nil, phaseError("index", types.ExitStorageError, err)
	}
	if entry, ok := lookup(idx, key); ok {
		return entry, nil
	}
	if key == "" {
		return nil, phaseError("index", types.ExitRestoreError, fmt.Errorf("%w: no backups available", ErrBackupNotFound))
	}
	return nil, phaseError("index", types.ExitRestoreError, fmt.Errorf("%w: %s", ErrBackupNotFound, key))
}

func lookup(idx *index.Index, key string) (*index.Entry, bool) {
	if key == "" {
		return idx.Latest()
	}
	return idx.Find(key)
}

// download tries each provider holding the backup until one copy passes the
// checksum recorded in the manifest.
func (o *Orchestrator) download(ctx context.Context, entry *index.Entry, staging string) (string, string, error) {
	byName := make(map[string]storage.Provider, len(o.providers))
	for _, p := range o.providers {
		byName[p.Name()] = p
	}

	var failures []string
	var lastErr error
	for _, name := range entry.Providers {
		p, ok := byName[name]
		if !ok {
			continue
		}
		obj, ok := o.archiveObject(entry, name)
		if !ok {
			continue
		}
		local := filepath.Join(staging, obj.Key+obj.Ext)
		if err := p.Pull(ctx, obj.String(), local); err != nil {
			o.logger.Warning("Download of %s from %s failed: %v", obj, name, err)
			failures = append(failures, name)
			lastErr = err
			continue
		}
		if entry.ArchiveSHA256 != "" {
			ok, err := backup.VerifyChecksum(ctx, o.logger, local, entry.ArchiveSHA256)
			if err != nil || !ok {
				if err == nil {
					err = fmt.Errorf("%w: checksum mismatch for %s", storage.ErrVerification, obj)
				}
				o.logger.Warning("Copy of %s on %s is not usable: %v", entry.Key, name, err)
				failures = append(failures, name)
				lastErr = err
				os.Remove(local)
				continue
			}
		}
		return local, name, nil
	}

	if lastErr == nil {
		return "", "", phaseError("download", types.ExitStorageError,
			fmt.Errorf("backup %s has no archive on any configured provider", entry.Key))
	}
	code := types.ExitStorageError
	if errors.Is(lastErr, storage.ErrVerification) {
		code = types.ExitVerificationError
	}
	return "", "", phaseError("download", code,
		fmt.Errorf("backup %s could not be downloaded from %s: %w", entry.Key, strings.Join(failures, ", "), lastErr))
}

// archiveObject picks the archive on provider, preferring this host's copy
// over other hosts and the legacy layout.
func (o *Orchestrator) archiveObject(entry *index.Entry, provider string) (storage.ObjectName, bool) {
	var fallback storage.ObjectName
	found := false
	for _, name := range entry.Objects[provider] {
		obj, ok := storage.ParseRemoteName(name)
		if !ok || (obj.Ext != storage.ExtArchive && obj.Ext != storage.ExtEncrypted) {
			continue
		}
		if obj.Host == o.cfg.Hostname {
			return obj, true
		}
		if !found {
			fallback, found = obj, true
		}
	}
	if !found {
		return entry.Archive(provider)
	}
	return fallback, true
}
