package safefs

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrTraversal is matched by every rejection of an unsafe path or remote name.
var ErrTraversal = errors.New("path traversal rejected")

// TraversalError names the offending input and the boundary it tried to leave.
type TraversalError struct {
	Base   string
	Name   string
	Reason string
}

func (e *TraversalError) Error() string {
	if e.Base != "" {
		return fmt.Sprintf("path traversal rejected: %q escapes %s: %s", e.Name, e.Base, e.Reason)
	}
	return fmt.Sprintf("unsafe remote name rejected: %q: %s", e.Name, e.Reason)
}

func (e *TraversalError) Unwrap() error { return ErrTraversal }

// SafePath resolves name against base and returns the absolute result.
// The result is base itself or a descendant of it; anything else fails with
// a *TraversalError. Names are never sanitized.
func SafePath(base, name string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base %s: %w", base, err)
	}
	if strings.ContainsRune(name, 0) {
		return "", &TraversalError{Base: absBase, Name: name, Reason: "contains NUL byte"}
	}

	var target string
	if filepath.IsAbs(name) {
		target = filepath.Clean(name)
	} else {
		target = filepath.Join(absBase, name)
	}

	rel, err := filepath.Rel(absBase, target)
	if err != nil {
		return "", &TraversalError{Base: absBase, Name: name, Reason: err.Error()}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &TraversalError{Base: absBase, Name: name, Reason: "resolves outside base"}
	}
	return target, nil
}

// ValidateRemoteName rejects remote object names that must not reach an
// external command line: empty, absolute, containing ".." segments,
// backslashes or NUL bytes.
func ValidateRemoteName(name string) error {
	reject := func(reason string) error {
		return &TraversalError{Name: name, Reason: reason}
	}
	switch {
	case strings.TrimSpace(name) == "":
		return reject("empty name")
	case strings.ContainsRune(name, 0):
		return reject("contains NUL byte")
	case strings.Contains(name, `\`):
		return reject("contains backslash")
	case strings.HasPrefix(name, "/"):
		return reject("absolute path")
	case strings.HasPrefix(name, "-"):
		return reject("looks like a command-line flag")
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return reject(`contains ".." segment`)
		}
	}
	return nil
}
