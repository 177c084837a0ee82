package orchestrator

import (
	"context"

	"github.com/tis24dev/statesave/internal/checks"
	"github.com/tis24dev/statesave/internal/lock"
	"github.com/tis24dev/statesave/internal/parallel"
	"github.com/tis24dev/statesave/internal/storage"
)

// ProviderStatus is the health of one provider.
type ProviderStatus struct {
	Name string
	storage.CheckResult
}

// CheckReport gathers provider health, preflight results and lock state.
type CheckReport struct {
	Providers    []ProviderStatus
	Preflight    []checks.CheckResult
	PreflightErr error
	Lock         *lock.Record // nil when no lock is held
	LockErr      error
}

// Healthy reports whether every provider is reachable and preflight passed.
func (r *CheckReport) Healthy() bool {
	if r == nil || r.PreflightErr != nil || r.LockErr != nil {
		return false
	}
	for _, p := range r.Providers {
		if !p.Available {
			return false
		}
	}
	return true
}

// Check probes every provider concurrently, runs the preflight checks in dry
// run mode and reads the lock file. It takes no lock and creates nothing.
func (o *Orchestrator) Check(ctx context.Context) (*CheckReport, error) {
	report := &CheckReport{}

	statuses, err := parallel.Map(ctx, o.providers, o.cfg.Concurrency, func(ctx context.Context, _ int, p storage.Provider) (ProviderStatus, error) {
		res := p.Check(ctx)
		if res.Available {
			o.logger.Info("Provider %s: available", p.Name())
		} else {
			o.logger.Warning("Provider %s: unavailable: %s", p.Name(), res.Error)
		}
		return ProviderStatus{Name: p.Name(), CheckResult: res}, nil
	})
	if err != nil {
		return nil, err
	}
	report.Providers = statuses

	report.Preflight, report.PreflightErr = o.dryCheck.RunAllChecks(ctx)
	if report.PreflightErr != nil {
		o.logger.Warning("Preflight: %v", report.PreflightErr)
	}

	report.Lock, report.LockErr = o.locks.Read()
	switch {
	case report.LockErr != nil:
		o.logger.Warning("Lock file unreadable: %v", report.LockErr)
	case report.Lock != nil:
		alive := lock.ProcessAlive(report.Lock.PID)
		o.logger.Info("Lock held by pid %d since %s (process alive: %t)",
			report.Lock.PID, report.Lock.StartedAt.Format("2006-01-02 15:04:05"), alive)
	default:
		o.logger.Info("No lock held")
	}
	return report, nil
}
