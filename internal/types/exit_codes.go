// Package types holds the small enums shared across statesave packages.
package types

// ExitCode is the process exit status of a statesave command.
type ExitCode int

// Codes are stable: scripts and the metrics export rely on them.
const (
	ExitSuccess           ExitCode = 0
	ExitGenericError      ExitCode = 1
	ExitConfigError       ExitCode = 2  // bad configuration or invocation
	ExitLockError         ExitCode = 3  // lock held elsewhere or lock path unusable
	ExitBackupError       ExitCode = 4  // preflight, staging or manifest failure
	ExitStorageError      ExitCode = 5  // provider push/pull/list failure
	ExitRestoreError      ExitCode = 6  // unknown key, bad target, extraction failure
	ExitPermissionError   ExitCode = 7
	ExitVerificationError ExitCode = 8  // unreadable archive or checksum mismatch
	ExitPruneError        ExitCode = 9  // at least one deletion failed
	ExitArchiveError      ExitCode = 10 // tar/gzip stream failure
	ExitEncryptionError   ExitCode = 11 // age subprocess failure
	ExitPanicError        ExitCode = 13
	ExitSecurityError     ExitCode = 14 // path traversal or unsafe remote name
)

var exitCodeNames = map[ExitCode]string{
	ExitSuccess:           "success",
	ExitGenericError:      "generic error",
	ExitConfigError:       "configuration error",
	ExitLockError:         "lock error",
	ExitBackupError:       "backup error",
	ExitStorageError:      "storage error",
	ExitRestoreError:      "restore error",
	ExitPermissionError:   "permission error",
	ExitVerificationError: "verification error",
	ExitPruneError:        "prune error",
	ExitArchiveError:      "archive error",
	ExitEncryptionError:   "encryption error",
	ExitPanicError:        "panic",
	ExitSecurityError:     "security error",
}

func (e ExitCode) String() string {
	if name, ok := exitCodeNames[e]; ok {
		return name
	}
	return "unknown error"
}

// Int returns the code for os.Exit.
func (e ExitCode) Int() int {
	return int(e)
}
