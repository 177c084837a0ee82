package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tis24dev/statesave/internal/input"
	"github.com/tis24dev/statesave/internal/orchestrator"
	"github.com/tis24dev/statesave/internal/types"
	"github.com/tis24dev/statesave/internal/version"
)

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Archive the configured sources and upload them to every provider",
		Args:  positional(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				res, err := s.orch.Backup(ctx)
				if res != nil {
					renderBackup(a.stdout, res)
				}
				return err
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		opts   orchestrator.ListOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  positional(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return &usageError{err: fmt.Errorf("unsupported --output: %s", output)}
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				entries, err := s.orch.List(ctx, opts)
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(a.stdout, entries)
				}
				return renderEntries(a.stdout, entries)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.AllHosts, "all-hosts", false, "Include backups written by other hosts")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "Rebuild the index from the providers instead of using the cache")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		target string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "restore [KEY]",
		Short: "Restore a backup (the newest when KEY is omitted)",
		Args:  positional(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := orchestrator.RestoreOptions{Target: target}
			if len(args) == 1 {
				opts.Key = args[0]
			}
			if !yes && a.interactive != nil && a.interactive() {
				opts.Confirm = a.confirmRestore
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				res, err := s.orch.Restore(ctx, opts)
				if err != nil {
					return err
				}
				printer.Fprintf(a.stdout, "Restored %s from %s: %d entries into %s\n", res.Key, res.Provider, res.Files, res.Target)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Restore into this absolute directory instead of base_dir")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Restore without asking when the backup was made by an incompatible version")
	return cmd
}

// confirmRestore asks the operator whether to go on after a version warning.
func (a *app) confirmRestore(ctx context.Context, compat version.Compatibility) (bool, error) {
	fmt.Fprintf(a.stderr, "WARNING: %s\n", compat.Message)
	ok, err := input.Confirm(ctx, bufio.NewReader(a.stdin), a.stderr, "Restore anyway?")
	if input.IsAborted(err) {
		return false, nil
	}
	return ok, err
}

func newPruneCmd(a *app) *cobra.Command {
	var opts orchestrator.PruneOptions
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backups from every provider",
		Args:  positional(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("keep") {
				opts.Keep = -1
			} else if opts.Keep < 0 {
				return &usageError{err: fmt.Errorf("--keep must not be negative, got %d", opts.Keep)}
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				res, err := s.orch.Prune(ctx, opts)
				if res != nil {
					renderPrune(a.stdout, res)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&opts.Keep, "keep", 0, "Number of newest backups to keep (default: retention.keep)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be deleted without deleting")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe providers, run preflight checks and report the lock",
		Args:  positional(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				report, err := s.orch.Check(ctx)
				if err != nil {
					return err
				}
				if err := renderCheck(a.stdout, report); err != nil {
					return err
				}
				if !report.Healthy() {
					return &orchestrator.PhaseError{Phase: "check", Code: types.ExitStorageError, Err: errors.New("one or more checks failed")}
				}
				return nil
			})
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  positional(cobra.NoArgs),
		// Skips flag binding.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "statesave %s\n", version.Full())
		},
	}
}
