package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tis24dev/statesave/internal/index"
	"github.com/tis24dev/statesave/internal/orchestrator"
	"github.com/tis24dev/statesave/internal/retention"
)

var (
	printer = message.NewPrinter(language.English)
	title   = cases.Title(language.English)
)

// now is overridable so relative ages are stable in tests.
var now = time.Now

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderEntries(w io.Writer, entries []index.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No backups found")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "KEY\tAGE\tFILES\tSIZE\tENCRYPTED\tVERSION\tPROVIDERS\tHOSTS")
	for _, e := range entries {
		hosts := strings.Join(e.Hosts, ",")
		if e.Legacy {
			hosts = strings.TrimPrefix(hosts+",(legacy)", ",")
		}
		ver := e.ToolVersion
		if ver == "" {
			ver = "-"
		}
		size := "-"
		if e.ArchiveSize > 0 {
			size = humanize.Bytes(uint64(e.ArchiveSize))
		}
		printer.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Key,
			humanize.RelTime(e.Timestamp, now(), "ago", "from now"),
			e.FileCount,
			size,
			yesNo(e.Encrypted),
			ver,
			strings.Join(e.Providers, ","),
			hosts,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	printer.Fprintf(w, "%d backup(s)\n", len(entries))
	return nil
}

func renderBackup(w io.Writer, res *orchestrator.BackupResult) {
	printer.Fprintf(w, "Backup %s: %d entries, %s", res.Key, res.FileCount, humanize.Bytes(uint64(res.ArchiveSize)))
	if res.Encrypted {
		fmt.Fprint(w, " (encrypted)")
	}
	fmt.Fprintln(w)
	sort.Strings(res.Pushed)
	if len(res.Pushed) > 0 {
		fmt.Fprintf(w, "Stored on: %s\n", strings.Join(res.Pushed, ", "))
	}
	failed := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(w, "Failed on %s: %v\n", name, res.Failed[name])
	}
}

func renderPrune(w io.Writer, res *retention.Result) {
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	for _, key := range res.DeletedKeys {
		fmt.Fprintf(w, "%s %s\n", verb, key)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(w, "Failed: %v\n", err)
	}
	printer.Fprintf(w, "%s %d, kept %d, errors %d\n", verb, res.Deleted, res.Kept, len(res.Errors))
}

func renderCheck(w io.Writer, report *orchestrator.CheckReport) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS\tDETAIL")
	for _, p := range report.Providers {
		status := "available"
		if !p.Available {
			status = "unavailable"
		}
		fmt.Fprintf(tw, "provider %s\t%s\t%s\n", p.Name, title.String(status), p.Error)
	}
	for _, r := range report.Preflight {
		status := "passed"
		if !r.Passed {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", strings.ToLower(r.Name), title.String(status), r.Message)
	}
	switch {
	case report.LockErr != nil:
		fmt.Fprintf(tw, "lock\t%s\t%v\n", title.String("unreadable"), report.LockErr)
	case report.Lock != nil:
		fmt.Fprintf(tw, "lock\t%s\tpid %d since %s\n", title.String("held"), report.Lock.PID,
			humanize.RelTime(report.Lock.StartedAt, now(), "ago", "from now"))
	default:
		fmt.Fprintf(tw, "lock\t%s\t\n", title.String("free"))
	}
	return tw.Flush()
}
