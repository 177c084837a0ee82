// Package retention applies the keep-count policy to the merged index.
package retention

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tis24dev/statesave/internal/index"
	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/parallel"
	"github.com/tis24dev/statesave/internal/storage"
)

// Indexer is the part of the index manager the prune engine consumes.
type Indexer interface {
	Refresh(ctx context.Context, providers []storage.Provider) (*index.Index, error)
	Invalidate()
}

// Options configures one prune run.
type Options struct {
	Keep        int  // newest backups to keep; 0 deletes everything
	Concurrency int  // candidates processed at once
	DryRun      bool // report the partition without deleting
}

// DeleteError records one backup that could not be fully removed.
type DeleteError struct {
	Key      string
	Provider string
	Object   string
	Err      error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("backup %s: delete %s from %s: %v", e.Key, e.Object, e.Provider, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// Result summarizes a prune run. Deleted counts only backups whose objects
// were all removed.
type Result struct {
	Deleted     int
	Kept        int
	Errors      []error
	KeptKeys    []string
	DeletedKeys []string
	DryRun      bool
}

// Err folds Errors into one error, nil when there were none.
func (r *Result) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	var merr *multierror.Error
	merr = multierror.Append(merr, r.Errors...)
	return merr
}

// Prune rebuilds the index, keeps the opts.Keep newest backups and deletes
// every object of the others from every provider holding them. A failure on
// one backup is recorded and the remaining candidates are still processed.
// The returned error covers only failures that prevented the run itself.
func Prune(ctx context.Context, idx Indexer, providers []storage.Provider, opts Options, logger *logging.Logger) (*Result, error) {
	if opts.Keep < 0 {
		return nil, fmt.Errorf("keep count must not be negative, got %d", opts.Keep)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	current, err := idx.Refresh(ctx, providers)
	if err != nil {
		return nil, fmt.Errorf("refresh index: %w", err)
	}
	result := &Result{Errors: []error{}, KeptKeys: []string{}, DeletedKeys: []string{}, DryRun: opts.DryRun}
	if current.Len() == 0 {
		logger.Info("No backups found; nothing to prune")
		return result, nil
	}

	keep := min(opts.Keep, current.Len())
	for _, e := range current.Entries[:keep] {
		result.KeptKeys = append(result.KeptKeys, e.Key)
	}
	result.Kept = keep
	candidates := current.Entries[keep:]

	if opts.DryRun {
		for _, e := range candidates {
			logger.Info("[DRY RUN] Would delete backup %s from %v", e.Key, e.Providers)
			result.DeletedKeys = append(result.DeletedKeys, e.Key)
		}
		result.Deleted = len(candidates)
		return result, nil
	}

	// The on-disk state changes from here on, whatever the outcome.
	defer idx.Invalidate()

	byName := make(map[string]storage.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	outcomes := make([][]error, len(candidates))
	err = parallel.ForEach(ctx, candidates, opts.Concurrency, func(ctx context.Context, i int, e index.Entry) error {
		outcomes[i] = deleteEntry(ctx, byName, e, logger)
		return nil
	})
	if err != nil {
		return result, err
	}

	for i, e := range candidates {
		if len(outcomes[i]) > 0 {
			result.Errors = append(result.Errors, outcomes[i]...)
			continue
		}
		result.Deleted++
		result.DeletedKeys = append(result.DeletedKeys, e.Key)
	}
	if len(result.Errors) > 0 {
		logger.Warning("Prune finished with %d error(s): %d deleted, %d kept", len(result.Errors), result.Deleted, result.Kept)
	} else {
		logger.Info("Prune finished: %d deleted, %d kept", result.Deleted, result.Kept)
	}
	return result, nil
}

// deleteEntry removes archives before manifests, so a backup that cannot be
// fully deleted stays visible to the next refresh. Objects already gone
// count as deleted.
func deleteEntry(ctx context.Context, providers map[string]storage.Provider, e index.Entry, logger *logging.Logger) []error {
	var errs []error
	for _, pname := range e.Providers {
		p, ok := providers[pname]
		if !ok {
			errs = append(errs, &DeleteError{Key: e.Key, Provider: pname, Object: "*", Err: errors.New("provider is not configured")})
			continue
		}

		var payload, manifests []string
		for _, name := range e.Objects[pname] {
			if obj, ok := storage.ParseRemoteName(name); ok && obj.Ext == storage.ExtManifest {
				manifests = append(manifests, name)
			} else {
				payload = append(payload, name)
			}
		}

		failed := false
		for _, name := range payload {
			if err := deleteObject(ctx, p, name); err != nil {
				errs = append(errs, &DeleteError{Key: e.Key, Provider: pname, Object: name, Err: err})
				failed = true
			}
		}
		if failed {
			continue
		}
		for _, name := range manifests {
			if err := deleteObject(ctx, p, name); err != nil {
				errs = append(errs, &DeleteError{Key: e.Key, Provider: pname, Object: name, Err: err})
			}
		}
	}
	if len(errs) == 0 {
		logger.Debug("Deleted backup %s from %v", e.Key, e.Providers)
	}
	return errs
}

func deleteObject(ctx context.Context, p storage.Provider, name string) error {
	err := p.Delete(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
