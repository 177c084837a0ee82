package orchestrator

import (
	"context"

	"github.com/tis24dev/statesave/internal/index"
)

// ListOptions selects what List returns.
type ListOptions struct {
	Refresh  bool // rebuild the index instead of trusting the cache
	AllHosts bool // include backups written by other hosts
}

// List returns the catalogued backups, newest first. A usable cache is read
// without taking the lock; rebuilding it requires the lock.
func (o *Orchestrator) List(ctx context.Context, opts ListOptions) ([]index.Entry, error) {
	var idx *index.Index
	if !opts.Refresh {
		if cached, ok := o.index.ReadCache(); ok {
			o.logger.Debug("Listing from cached index %s", o.index.CachePath())
			idx = cached
		}
	}
	if idx == nil {
		err := o.withLock(ctx, func(ctx context.Context) error {
			var err error
			idx, err = o.index.Refresh(ctx, o.providers)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if opts.AllHosts {
		return idx.Entries, nil
	}
	return filterHost(idx.Entries, o.cfg.Hostname), nil
}

// filterHost keeps entries written by host or stored in the legacy layout,
// which predates per-host directories.
func filterHost(entries []index.Entry, host string) []index.Entry {
	out := make([]index.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Legacy || containsString(e.Hosts, host) {
			out = append(out, e)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
