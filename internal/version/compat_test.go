package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		current  string
		level    Level
		contains []string
	}{
		{name: "no manifest version", manifest: "", current: "2.0.0", level: LevelInfo, contains: []string{"predates version tracking"}},
		{name: "no manifest and no current", manifest: "", current: "", level: LevelInfo, contains: []string{"predates version tracking"}},
		{name: "no current version", manifest: "1.0.0", current: "", level: LevelOK},
		{name: "same major", manifest: "1.5.3", current: "1.9.0", level: LevelOK},
		{name: "different major", manifest: "1.0.0", current: "2.0.0", level: LevelWarn, contains: []string{"v1.0.0", "v2.0.0", "WARNING"}},
		{name: "v prefix tolerated", manifest: "v3.1.0", current: "4.0.0", level: LevelWarn, contains: []string{"v3.1.0", "v4.0.0"}},
		{name: "prerelease same major", manifest: "2.0.0-rc.1", current: "2.4.1", level: LevelOK},
		{name: "trailing text", manifest: "3-custom+build", current: "3.0.0", level: LevelOK},
		{name: "trailing text different major", manifest: "5beta", current: "6.0.0", level: LevelWarn, contains: []string{"v5beta", "v6.0.0"}},
		{name: "unparsable manifest", manifest: "not-a-version", current: "2.0.0", level: LevelOK},
		{name: "unparsable current", manifest: "1.0.0", current: "dev-build", level: LevelOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CheckCompatibility(tc.manifest, tc.current)
			assert.Equal(t, tc.level, got.Level)
			if len(tc.contains) == 0 {
				assert.Empty(t, got.Message)
				return
			}
			for _, want := range tc.contains {
				assert.Contains(t, got.Message, want)
			}
		})
	}
}
