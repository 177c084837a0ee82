package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Level classifies how risky restoring a backup with the running binary is.
type Level string

const (
	LevelInfo Level = "info"
	LevelOK   Level = "ok"
	LevelWarn Level = "warn"
)

// Compatibility is the outcome of CheckCompatibility. Message is empty when
// there is nothing to tell the operator.
type Compatibility struct {
	Level   Level
	Message string
}

var leadingMajor = regexp.MustCompile(`^[vV]?(\d+)`)

// CheckCompatibility compares the version recorded in a manifest with the
// running version. An empty string means the version is unknown. Versions
// that cannot be parsed never block a restore.
func CheckCompatibility(manifestVersion, currentVersion string) Compatibility {
	manifestVersion = strings.TrimSpace(manifestVersion)
	currentVersion = strings.TrimSpace(currentVersion)

	if manifestVersion == "" {
		return Compatibility{
			Level:   LevelInfo,
			Message: "backup predates version tracking; compatibility with this release cannot be verified",
		}
	}
	if currentVersion == "" {
		return Compatibility{Level: LevelOK}
	}

	backupMajor, ok := majorOf(manifestVersion)
	if !ok {
		return Compatibility{Level: LevelOK}
	}
	runningMajor, ok := majorOf(currentVersion)
	if !ok {
		return Compatibility{Level: LevelOK}
	}
	if backupMajor == runningMajor {
		return Compatibility{Level: LevelOK}
	}

	return Compatibility{
		Level: LevelWarn,
		Message: fmt.Sprintf("⚠ WARNING: backup was created by v%s but this is v%s; the major versions differ and the restored state may not be readable",
			strings.TrimPrefix(manifestVersion, "v"), strings.TrimPrefix(currentVersion, "v")),
	}
}

// majorOf extracts the major version. Strict semantic versions go through
// go-version; anything else falls back to the leading integer.
func majorOf(s string) (int, bool) {
	if v, err := goversion.NewVersion(s); err == nil {
		if segs := v.Segments(); len(segs) > 0 {
			return segs[0], true
		}
	}
	m := leadingMajor.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
