// Package orchestrator runs the backup, list, restore, prune and check
// workflows on top of the storage, index and lock layers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"

	"github.com/tis24dev/statesave/internal/backup"
	"github.com/tis24dev/statesave/internal/checks"
	"github.com/tis24dev/statesave/internal/config"
	"github.com/tis24dev/statesave/internal/index"
	"github.com/tis24dev/statesave/internal/lock"
	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/metrics"
	"github.com/tis24dev/statesave/internal/notify"
	"github.com/tis24dev/statesave/internal/safefs"
	"github.com/tis24dev/statesave/internal/storage"
	"github.com/tis24dev/statesave/internal/subprocess"
	"github.com/tis24dev/statesave/internal/types"
	"github.com/tis24dev/statesave/internal/version"
)

// PhaseError represents a workflow error with specific phase and exit code
type PhaseError struct {
	Phase string         // "preflight", "archive", "encryption", "upload", "download", ...
	Err   error          // Underlying error
	Code  types.ExitCode // Specific exit code
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseError(phase string, code types.ExitCode, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: phase, Err: err, Code: code}
}

// ExitCodeFor maps an error returned by any workflow to the process exit code.
// Security and lock failures win over the phase that surfaced them.
func ExitCodeFor(err error) types.ExitCode {
	if err == nil {
		return types.ExitSuccess
	}
	switch {
	case errors.Is(err, safefs.ErrTraversal):
		return types.ExitSecurityError
	case errors.Is(err, lock.ErrContention), errors.Is(err, lock.ErrIO):
		return types.ExitLockError
	case errors.Is(err, config.ErrLoadConfig), errors.Is(err, config.ErrValidateConfig):
		return types.ExitConfigError
	}
	var pe *PhaseError
	if errors.As(err, &pe) && pe.Code != types.ExitSuccess {
		return pe.Code
	}
	var se *storage.StorageError
	switch {
	case errors.As(err, &se), errors.Is(err, storage.ErrNotFound):
		return types.ExitStorageError
	case errors.Is(err, storage.ErrVerification):
		return types.ExitVerificationError
	case errors.Is(err, subprocess.ErrSpawn), errors.Is(err, subprocess.ErrExit):
		return types.ExitEncryptionError
	case errors.Is(err, os.ErrPermission):
		return types.ExitPermissionError
	}
	return types.ExitGenericError
}

// Orchestrator coordinates one command invocation.
type Orchestrator struct {
	cfg       *config.Config
	logger    *logging.Logger
	providers []storage.Provider
	locks     *lock.Manager
	lockOpts  []lock.Option
	index     *index.Manager
	archiver  *backup.Archiver
	checker   *checks.Checker
	dryCheck  *checks.Checker
	exporter  *metrics.PrometheusExporter
	notifiers []notify.Notifier
	clock     clock.Clock
	version   string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithProviders replaces the providers built from the configuration.
func WithProviders(providers ...storage.Provider) Option {
	return func(o *Orchestrator) { o.providers = providers }
}

// WithClock sets the time source used for backup keys and metrics.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithVersion overrides the tool version written into manifests.
func WithVersion(v string) Option {
	return func(o *Orchestrator) { o.version = v }
}

// WithNotifiers replaces the webhooks built from the configuration.
func WithNotifiers(notifiers ...notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifiers = notifiers }
}

// WithLockOptions forwards options to the lock manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(o *Orchestrator) { o.lockOpts = append(o.lockOpts, opts...) }
}

// New wires the components described by cfg.
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is nil", config.ErrValidateConfig)
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.WallClock,
		version: version.String(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.providers == nil {
		providers, err := buildProviders(cfg, logger)
		if err != nil {
			return nil, phaseError("storage_init", types.ExitConfigError, err)
		}
		o.providers = providers
	}
	if o.notifiers == nil {
		notifiers, err := buildNotifiers(cfg, logger)
		if err != nil {
			return nil, phaseError("notify_init", types.ExitConfigError, err)
		}
		o.notifiers = notifiers
	}

	lockOpts := append([]lock.Option{lock.WithStaleAfter(cfg.Lock.StaleAfter), lock.WithClock(o.clock)}, o.lockOpts...)
	o.locks = lock.NewManager(cfg.LockPath(), logger.Named("lock"), lockOpts...)
	o.index = index.NewManager(cfg.IndexCachePath(), cfg.StagingDir(), cfg.Concurrency, logger.Named("index"), index.WithClock(o.clock))
	o.archiver = backup.NewArchiver(logger, &backup.ArchiverConfig{CompressionLevel: 6})
	preflight := checks.CheckerConfig{
		StateDir:     cfg.StateDir,
		StagingDir:   cfg.StagingDir(),
		BaseDir:      cfg.BaseDir,
		Sources:      cfg.Sources,
		MinFreeBytes: cfg.MinFreeBytes(),
		Binaries:     requiredBinaries(cfg),
	}
	readOnly := preflight
	readOnly.DryRun = true
	o.checker = checks.NewChecker(logger, &preflight)
	o.dryCheck = checks.NewChecker(logger, &readOnly)
	if cfg.Metrics.Enabled {
		o.exporter = metrics.NewPrometheusExporter(cfg.Metrics.TextfileDir, logger)
	}
	return o, nil
}

// requiredBinaries lists the external tools the configuration depends on.
func requiredBinaries(cfg *config.Config) []string {
	var bins []string
	if cfg.Encryption.Enabled {
		bins = append(bins, cfg.Encryption.Binary)
	}
	for _, pc := range cfg.Providers {
		if types.ProviderType(pc.Type) == types.ProviderRclone {
			bins = append(bins, "rclone")
			break
		}
	}
	return bins
}

// buildProviders constructs every configured provider, reporting all
// construction failures at once.
func buildProviders(cfg *config.Config, logger *logging.Logger) ([]storage.Provider, error) {
	var result *multierror.Error
	providers := make([]storage.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var (
			p   storage.Provider
			err error
		)
		switch types.ProviderType(pc.Type) {
		case types.ProviderLocal:
			p, err = storage.NewLocalProvider(pc.Name, pc.Path, cfg.Hostname, logger)
		case types.ProviderRclone:
			p, err = storage.NewRcloneProvider(pc.Name, pc.Remote, cfg.Hostname, storage.RcloneOptions{
				Flags:       pc.Flags,
				Timeout:     pc.Timeout,
				Verify:      pc.VerifyEnabled(),
				Concurrency: cfg.Concurrency,
			}, logger)
		default:
			err = fmt.Errorf("provider %s: unknown type %q", pc.Name, pc.Type)
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		providers = append(providers, p)
	}
	return providers, result.ErrorOrNil()
}

func buildNotifiers(cfg *config.Config, logger *logging.Logger) ([]notify.Notifier, error) {
	var result *multierror.Error
	notifiers := make([]notify.Notifier, 0, len(cfg.Notify.Webhooks))
	for _, wc := range cfg.Notify.Webhooks {
		w, err := notify.NewWebhook(wc, cfg.Notify, logger.Named("notify"))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		notifiers = append(notifiers, w)
	}
	return notifiers, result.ErrorOrNil()
}

// Providers returns the configured storage providers.
func (o *Orchestrator) Providers() []storage.Provider { return o.providers }

// Index returns the index manager.
func (o *Orchestrator) Index() *index.Manager { return o.index }

// withLock runs fn while holding the lock file. The lock is released on
// every return path, including panics unwinding through fn.
func (o *Orchestrator) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	handle, err := o.locks.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()
	return fn(ctx)
}

func (o *Orchestrator) logStep(step int, format string, args ...interface{}) {
	if o == nil || o.logger == nil {
		return
	}
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	o.logger.Step("[%d] %s", step, message)
}

// report completes the run snapshot, exports it when metrics are enabled and
// sends it to every notifier. Failures are logged and never change the run
// outcome.
func (o *Orchestrator) report(ctx context.Context, m *metrics.RunMetrics, key string, start time.Time, runErr error) {
	m.Hostname = o.cfg.Hostname
	m.ToolVersion = o.version
	m.StartTime = start
	m.EndTime = o.clock.Now()
	m.ExitCode = ExitCodeFor(runErr).Int()
	warnings, errs := o.logger.Counts()
	m.WarningCount = int(warnings)
	m.ErrorCount = int(errs)

	if o.exporter != nil {
		if err := o.exporter.Export(m); err != nil {
			o.logger.Warning("Failed to export metrics: %v", err)
		}
	}
	if len(o.notifiers) == 0 {
		return
	}
	ev := &notify.Event{
		Operation:   m.Operation,
		Status:      notify.StatusFor(types.ExitCode(m.ExitCode), m.WarningCount+m.ErrorCount),
		ExitCode:    m.ExitCode,
		Hostname:    m.Hostname,
		Version:     m.ToolVersion,
		StartTime:   start,
		Duration:    m.EndTime.Sub(start).Seconds(),
		Warnings:    m.WarningCount,
		Errors:      m.ErrorCount,
		Key:         key,
		FileCount:   m.FileCount,
		ArchiveSize: m.ArchiveSize,
		Providers:   m.ProviderSuccesses,
		Deleted:     m.Deleted,
		Kept:        m.Kept,
		PruneErrors: m.PruneErrors,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	// A cancelled run still reports how it ended.
	if err := notify.Dispatch(context.WithoutCancel(ctx), o.notifiers, ev, o.logger); err != nil {
		o.logger.Warning("%v", err)
	}
}

// providerNames lists provider names for log lines.
func (o *Orchestrator) providerNames() []string {
	names := make([]string, 0, len(o.providers))
	for _, p := range o.providers {
		names = append(names, p.Name())
	}
	return names
}
