package orchestrator

import (
	"context"

	"github.com/tis24dev/statesave/internal/metrics"
	"github.com/tis24dev/statesave/internal/retention"
	"github.com/tis24dev/statesave/internal/types"
)

// PruneOptions configures Prune. Keep below zero uses retention.keep.
type PruneOptions struct {
	Keep   int
	DryRun bool
}

// Prune keeps the newest backups and deletes the rest from every provider.
// Per-backup failures are returned in the result and folded into the error,
// after all other deletions have been attempted.
func (o *Orchestrator) Prune(ctx context.Context, opts PruneOptions) (*retention.Result, error) {
	start := o.clock.Now()
	run := &metrics.RunMetrics{Operation: "prune"}
	keep := opts.Keep
	if keep < 0 {
		keep = o.cfg.Retention.Keep
	}

	var result *retention.Result
	err := o.withLock(ctx, func(ctx context.Context) error {
		if len(o.providers) == 0 {
			return phaseError("prune", types.ExitConfigError, ErrNoProviders)
		}
		o.logStep(1, "Pruning to the %d newest backup(s) across %v", keep, o.providerNames())
		var err error
		result, err = retention.Prune(ctx, o.index, o.providers, retention.Options{
			Keep:        keep,
			Concurrency: o.cfg.Concurrency,
			DryRun:      opts.DryRun,
		}, o.logger)
		if err != nil {
			return phaseError("prune", types.ExitStorageError, err)
		}
		return phaseError("prune", types.ExitPruneError, result.Err())
	})

	if result != nil {
		run.Deleted = result.Deleted
		run.Kept = result.Kept
		run.PruneErrors = len(result.Errors)
	}
	if !opts.DryRun {
		o.report(ctx, run, "", start, err)
	}
	return result, err
}
