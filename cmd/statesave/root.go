package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tis24dev/statesave/internal/config"
	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/orchestrator"
)

// commandRegistrar is the part of the root command the subcommands are
// registered through.
type commandRegistrar interface {
	AddCommand(cmds ...*cobra.Command)
}

var _ commandRegistrar = (*cobra.Command)(nil)

// usageError marks invalid invocations (bad flags or arguments).
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// app carries what every subcommand needs to build an orchestrator.
type app struct {
	v           *viper.Viper
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	interactive func() bool
	configPath  string
	opts        []orchestrator.Option
}

// NewRootCmd returns the root cobra command for the statesave CLI.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	return newRootCmd(&app{
		v:      viper.New(),
		stdin:  os.Stdin,
		stdout: stdout,
		stderr: stderr,
		interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	})
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statesave",
		Short: "Back up, catalogue, prune and restore application state",
		Long: `statesave archives application state from a base directory, optionally
encrypts it with age, and stores it on local or rclone-backed providers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(a.v, cmd.Root().PersistentFlags())
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	addGlobalFlags(cmd, a)
	registerCommands(cmd, a)
	return cmd
}

func registerCommands(r commandRegistrar, a *app) {
	r.AddCommand(
		newBackupCmd(a),
		newListCmd(a),
		newRestoreCmd(a),
		newPruneCmd(a),
		newCheckCmd(a),
		newVersionCmd(a),
	)
}

// globalFlags maps persistent flags to configuration keys.
var globalFlags = []struct {
	flag string
	key  string
}{
	{"log-level", "log_level"},
	{"log-file", "log_file"},
	{"state-dir", "state_dir"},
	{"base-dir", "base_dir"},
	{"hostname", "hostname"},
	{"concurrency", "concurrency"},
}

func addGlobalFlags(cmd *cobra.Command, a *app) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Configuration file (default: ~/.config/statesave/statesave.yaml, /etc/statesave/statesave.yaml)")
	flags.String("log-level", "", "Log level: debug|info|warning|error")
	flags.String("log-file", "", "Mirror log output to this file")
	flags.String("state-dir", "", "Directory holding the lock, index cache and staging area")
	flags.String("base-dir", "", "Application state directory to back up and restore into")
	flags.String("hostname", "", "Host name used in the storage layout")
	flags.Int("concurrency", 0, "Maximum simultaneous storage operations")
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var result *multierror.Error
	for _, gf := range globalFlags {
		if err := v.BindPFlag(gf.key, flags.Lookup(gf.flag)); err != nil {
			result = multierror.Append(result, fmt.Errorf("bind --%s: %w", gf.flag, err))
		}
	}
	return result.ErrorOrNil()
}

// positional wraps an argument validator so its failures are usage errors.
func positional(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// session is one loaded configuration with its logger and orchestrator.
type session struct {
	cfg    *config.Config
	logger *logging.Logger
	orch   *orchestrator.Orchestrator
}

// run loads the configuration, sets up logging and hands fn a ready
// orchestrator. Log records go to stderr so stdout stays machine-readable.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Level(), logging.ColorSupported(a.stderr))
	logger.SetOutput(a.stderr)
	if cfg.LogFile != "" {
		if err := logger.OpenLogFile(cfg.LogFile); err != nil {
			logger.Warning("%v", err)
		} else {
			defer logger.CloseLogFile()
		}
	}
	logging.SetDefaultLogger(logger)

	orch, err := orchestrator.New(cfg, logger, a.opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, &session{cfg: cfg, logger: logger, orch: orch})
}
