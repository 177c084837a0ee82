// Package storage provides the backend-agnostic provider contract and its
// local-filesystem and rclone implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is matched when the addressed remote object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrVerification is matched when a transferred object does not match its source.
var ErrVerification = errors.New("transfer verification failed")

// Provider is one storage backend. Every operation addresses objects by a
// remote name: "{host}/{BackupKey}{ext}" (current layout) or
// "{BackupKey}{ext}" at the provider root (legacy layout).
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Push copies localPath to remoteName and verifies the transferred size.
	Push(ctx context.Context, localPath, remoteName string) error

	// Pull copies remoteName to localPath. Missing objects match ErrNotFound.
	Pull(ctx context.Context, remoteName, localPath string) error

	// List returns this host's backup objects plus legacy root objects,
	// newest first.
	List(ctx context.Context) ([]string, error)

	// ListAll returns the backup objects of every host plus legacy root
	// objects, newest first.
	ListAll(ctx context.Context) ([]string, error)

	// Delete removes remoteName. Missing objects match ErrNotFound.
	Delete(ctx context.Context, remoteName string) error

	// Check probes the backend without failing.
	Check(ctx context.Context) CheckResult
}

// CheckResult is the outcome of a health probe.
type CheckResult struct {
	Available bool
	Error     string
}

// StorageError represents an error from a provider operation.
type StorageError struct {
	Provider  string
	Operation string // "push", "pull", "list", "delete", ...
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s storage %s operation failed: %v", e.Provider, e.Operation, e.Err)
	}
	return fmt.Sprintf("%s storage %s operation failed for %s: %v", e.Provider, e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func opError(provider, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Provider: provider, Operation: op, Path: path, Err: err}
}
