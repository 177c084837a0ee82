package storage

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/tis24dev/statesave/internal/safefs"
)

// Object name extensions. Recognition is by suffix only.
const (
	ExtArchive   = ".tar.gz"
	ExtEncrypted = ".tar.gz.age"
	ExtManifest  = ".manifest.json"
)

// Longest first so ".tar.gz.age" is not mistaken for ".tar.gz".
var knownExtensions = []string{ExtEncrypted, ExtManifest, ExtArchive}

// keyLayout is the ISO-8601 UTC timestamp with ':' replaced by '-'. It is
// fixed width, so lexicographic order equals chronological order.
const keyLayout = "2006-01-02T15-04-05.000Z"

// NewBackupKey derives the key of a backup created at t.
func NewBackupKey(t time.Time) string {
	return t.UTC().Format(keyLayout)
}

// ParseBackupKey recovers the creation time from a key.
func ParseBackupKey(key string) (time.Time, error) {
	return time.Parse(keyLayout, key)
}

// ObjectName is a parsed remote name.
type ObjectName struct {
	Host string // empty for the legacy flat layout
	Key  string
	Ext  string
}

// String renders the remote name.
func (o ObjectName) String() string {
	return RemoteName(o.Host, o.Key, o.Ext)
}

// Legacy reports whether the object lives at the provider root.
func (o ObjectName) Legacy() bool { return o.Host == "" }

// RemoteName builds "{host}/{key}{ext}", or "{key}{ext}" when host is empty.
func RemoteName(host, key, ext string) string {
	if host == "" {
		return key + ext
	}
	return host + "/" + key + ext
}

// ParseRemoteName splits a remote name into host, key and extension.
// Names with more than one directory level or an unknown extension are not
// backup objects.
func ParseRemoteName(name string) (ObjectName, bool) {
	dir, file := path.Split(name)
	dir = strings.TrimSuffix(dir, "/")
	if strings.Contains(dir, "/") {
		return ObjectName{}, false
	}
	for _, ext := range knownExtensions {
		if key, ok := strings.CutSuffix(file, ext); ok && key != "" {
			return ObjectName{Host: dir, Key: key, Ext: ext}, true
		}
	}
	return ObjectName{}, false
}

// IsBackupFile reports whether name carries one of the known extensions.
func IsBackupFile(name string) bool {
	_, ok := ParseRemoteName(name)
	return ok
}

// ValidHost reports whether host can be used as a single layout directory.
func ValidHost(host string) bool {
	if host == "" || host == "." || strings.Contains(host, "/") {
		return false
	}
	return safefs.ValidateRemoteName(host) == nil
}

// SortNewestFirst filters names down to backup objects, removes duplicates
// and orders them by key descending (ties by name ascending).
func SortNewestFirst(names []string) []string {
	type item struct {
		name string
		key  string
	}
	seen := make(map[string]bool, len(names))
	items := make([]item, 0, len(names))
	for _, n := range names {
		obj, ok := ParseRemoteName(n)
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		items = append(items, item{name: n, key: obj.Key})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].key != items[j].key {
			return items[i].key > items[j].key
		}
		return items[i].name < items[j].name
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}
