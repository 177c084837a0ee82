package version

import (
	"runtime/debug"
	"strings"
)

// Build metadata, set with -ldflags "-X github.com/tis24dev/statesave/internal/version.Version=1.2.0"
// and likewise for Commit and Date. An empty Version falls back to the
// module version recorded by the Go toolchain.
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const devPlaceholder = "0.0.0-dev"

var readBuildInfo = debug.ReadBuildInfo

// String is the version written into manifests and compared on restore,
// without a leading "v". Local builds report 0.0.0-dev.
func String() string {
	v := strings.TrimSpace(Version)

	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}

	if v == "" {
		v = devPlaceholder
	}
	return strings.TrimPrefix(v, "v")
}

// Full renders the version with commit and build date when known, for the
// "version" command.
func Full() string {
	var b strings.Builder
	b.WriteString(String())
	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		b.WriteString(" (" + c + ")")
	}
	if d := strings.TrimSpace(Date); d != "" {
		b.WriteString(" built " + d)
	}
	return b.String()
}
