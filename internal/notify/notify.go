// Package notify tells external endpoints how a backup or prune run ended.
// Delivery failures are reported to the caller but never change the outcome
// of the run itself.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/types"
)

// Status is the overall outcome of a run.
type Status int

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFailure
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusFor maps an exit code and the number of logged warnings and errors
// to a status.
func StatusFor(code types.ExitCode, issues int) Status {
	switch {
	case code != types.ExitSuccess:
		return StatusFailure
	case issues > 0:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// Event describes one finished run.
type Event struct {
	Operation string    `json:"operation"`
	Status    Status    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Hostname  string    `json:"hostname"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration_seconds"`
	Warnings  int       `json:"warnings"`
	Errors    int       `json:"errors"`
	Error     string    `json:"error,omitempty"`

	// Backup runs.
	Key         string          `json:"key,omitempty"`
	FileCount   int             `json:"file_count,omitempty"`
	ArchiveSize int64           `json:"archive_size,omitempty"`
	Providers   map[string]bool `json:"providers,omitempty"`

	// Prune runs.
	Deleted     int `json:"deleted,omitempty"`
	Kept        int `json:"kept,omitempty"`
	PruneErrors int `json:"prune_errors,omitempty"`
}

// Summary renders the event as one line of chat text.
func (e *Event) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "statesave %s on %s: %s", e.Operation, e.Hostname, e.Status)
	switch e.Operation {
	case "backup":
		if e.Key != "" {
			fmt.Fprintf(&b, ", backup %s (%d files, %s)", e.Key, e.FileCount, humanize.Bytes(uint64(e.ArchiveSize)))
		}
		if failed := e.failedProviders(); len(failed) > 0 {
			fmt.Fprintf(&b, ", failed on %s", strings.Join(failed, ", "))
		}
	case "prune":
		fmt.Fprintf(&b, ", deleted %d, kept %d", e.Deleted, e.Kept)
		if e.PruneErrors > 0 {
			fmt.Fprintf(&b, ", %d error(s)", e.PruneErrors)
		}
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}

func (e *Event) failedProviders() []string {
	var failed []string
	for name, ok := range e.Providers {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Notifier delivers events to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, ev *Event) error
}

// Dispatch sends ev to every notifier in turn and returns the combined
// delivery failures.
func Dispatch(ctx context.Context, notifiers []Notifier, ev *Event, logger *logging.Logger) error {
	var result *multierror.Error
	for _, n := range notifiers {
		if err := n.Send(ctx, ev); err != nil {
			result = multierror.Append(result, fmt.Errorf("notify %s: %w", n.Name(), err))
			continue
		}
		logger.Debug("Notified %s about %s run", n.Name(), ev.Operation)
	}
	return result.ErrorOrNil()
}
