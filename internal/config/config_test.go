package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/statesave/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "statesave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func stubHostname(t *testing.T, name string) {
	t.Helper()
	prev := osHostname
	osHostname = func() (string, error) { return name, nil }
	t.Cleanup(func() { osHostname = prev })
}

func TestLoadConfig(t *testing.T) {
	stubHostname(t, "node1.example.com")
	path := writeConfig(t, `
state_dir: /var/lib/statesave
base_dir: /srv/app
sources: [data, conf]
log_level: debug
concurrency: 2
min_free_space: 1GiB
providers:
  - name: disk
    type: local
    path: /mnt/backups
  - name: offsite
    type: rclone
    remote: "b2:bucket/app"
    flags: ["--fast-list"]
    verify: false
encryption:
  enabled: true
  key_file: /etc/statesave/age.key
retention:
  keep: 3
lock:
  stale_after: 45m
notify:
  max_retries: 1
  webhooks:
    - name: ops
      url: https://hooks.example.com/statesave
      format: Slack
      token: abc
`)

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/app", cfg.BaseDir)
	assert.Equal(t, []string{"data", "conf"}, cfg.Sources)
	assert.Equal(t, "node1", cfg.Hostname)
	assert.Equal(t, types.LogLevelDebug, cfg.Level())
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, uint64(1<<30), cfg.MinFreeBytes())
	assert.Equal(t, 3, cfg.Retention.Keep)
	assert.Equal(t, 45*time.Minute, cfg.Lock.StaleAfter)
	assert.Equal(t, "age", cfg.Encryption.Binary)
	assert.Equal(t, 5*time.Minute, cfg.Encryption.Timeout)

	require.Len(t, cfg.Providers, 2)
	assert.True(t, cfg.Providers[0].VerifyEnabled())
	assert.False(t, cfg.Providers[1].VerifyEnabled())
	assert.Equal(t, 2*time.Minute, cfg.Providers[1].Timeout)
	assert.Equal(t, []string{"--fast-list"}, cfg.Providers[1].Flags)

	assert.Equal(t, "/var/lib/statesave/statesave.lock", cfg.LockPath())
	assert.Equal(t, "/var/lib/statesave/index.json", cfg.IndexCachePath())
	assert.Equal(t, "/var/lib/statesave/staging", cfg.StagingDir())

	assert.Equal(t, 1, cfg.Notify.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Notify.RetryDelay)
	require.Len(t, cfg.Notify.Webhooks, 1)
	assert.Equal(t, "POST", cfg.Notify.Webhooks[0].Method)
	assert.Equal(t, "slack", cfg.Notify.Webhooks[0].Format)
	assert.Equal(t, "abc", cfg.Notify.Webhooks[0].Token)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	stubHostname(t, "host")
	path := writeConfig(t, "base_dir: /srv/app\nstate_dir: /tmp/state\n")
	t.Setenv("STATESAVE_BASE_DIR", "/srv/other")
	t.Setenv("STATESAVE_RETENTION_KEEP", "11")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/other", cfg.BaseDir)
	assert.Equal(t, 11, cfg.Retention.Keep)
}

func TestLoadConfigFlagBinding(t *testing.T) {
	stubHostname(t, "host")
	path := writeConfig(t, "base_dir: /srv/app\nstate_dir: /tmp/state\n")
	v := viper.New()
	v.Set("hostname", "pinned")

	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "pinned", cfg.Hostname)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoadConfig))
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, "base_dir: /srv/app\nbogus_key: 1\n")
	_, err := Load(nil, path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoadConfig))
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{
		StateDir:    "/tmp/state",
		BaseDir:     "relative",
		Concurrency: 0,
		MinFree:     "lots",
		LogLevel:    "info",
		Retention:   RetentionConfig{Keep: -1},
		Encryption:  EncryptionConfig{Enabled: true},
		Providers: []ProviderConfig{
			{Name: "a", Type: "local", Path: "/x"},
			{Name: "a", Type: "local", Path: "/y"},
			{Name: "b", Type: "ftp"},
			{Name: "c", Type: "rclone"},
		},
		Notify: NotifyConfig{
			MaxRetries: -1,
			Webhooks: []WebhookConfig{
				{Name: "ops", URL: "ftp://example.com"},
				{Name: "chat", URL: "https://example.com/x", Format: "teams"},
			},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidateConfig))
	msg := err.Error()
	for _, want := range []string{
		"must be absolute",
		"concurrency must be positive",
		`min_free_space "lots"`,
		"retention.keep must not be negative",
		"encryption.key_file is required",
		"provider a: duplicate name",
		`provider b: unknown type "ftp"`,
		"provider c: remote must be set",
		"notify.max_retries must not be negative",
		"webhook ops: url must be an http(s) URL",
		`webhook chat: unknown format "teams"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := &Config{StateDir: "/tmp/state", BaseDir: "/srv/app", Concurrency: 1, LogLevel: "info"}
	assert.NoError(t, cfg.Validate())
}
