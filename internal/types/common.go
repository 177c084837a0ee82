package types

import "strings"

// ProviderType identifies a storage provider variant.
type ProviderType string

const (
	ProviderLocal  ProviderType = "local"  // directory on a mounted filesystem
	ProviderRclone ProviderType = "rclone" // any remote reachable through rclone
)

func (p ProviderType) String() string {
	return string(p)
}

// Valid reports whether p is a known provider type.
func (p ProviderType) Valid() bool {
	return p == ProviderLocal || p == ProviderRclone
}

// LogLevel is a logging threshold; higher values are more verbose.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelCritical
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

var logLevelNames = [...]string{"NONE", "CRITICAL", "ERROR", "WARNING", "INFO", "DEBUG"}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(logLevelNames) {
		return "UNKNOWN"
	}
	return logLevelNames[l]
}

// ParseLogLevel maps a configuration value to a LogLevel. Unknown values
// yield LogLevelInfo and ok=false.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, true
	case "info", "":
		return LogLevelInfo, true
	case "warning", "warn":
		return LogLevelWarning, true
	case "error":
		return LogLevelError, true
	case "critical":
		return LogLevelCritical, true
	case "none", "off", "0":
		return LogLevelNone, true
	default:
		return LogLevelInfo, false
	}
}
