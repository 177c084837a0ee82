package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/tis24dev/statesave/internal/types"
)

// ErrLoadConfig indicates a failure to read or parse the configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix is the prefix of every environment override (STATESAVE_BASE_DIR, ...).
const EnvPrefix = "STATESAVE"

const (
	lockFileName  = "statesave.lock"
	indexFileName = "index.json"
	stagingName   = "staging"
)

// Config holds the whole tool configuration.
type Config struct {
	StateDir    string           `mapstructure:"state_dir"`
	BaseDir     string           `mapstructure:"base_dir"`
	Sources     []string         `mapstructure:"sources"`
	Hostname    string           `mapstructure:"hostname"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFile     string           `mapstructure:"log_file"`
	Concurrency int              `mapstructure:"concurrency"`
	MinFree     string           `mapstructure:"min_free_space"` // e.g. "500MB"; empty disables the check
	Providers   []ProviderConfig `mapstructure:"providers"`
	Encryption  EncryptionConfig `mapstructure:"encryption"`
	Retention   RetentionConfig  `mapstructure:"retention"`
	Lock        LockConfig       `mapstructure:"lock"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Notify      NotifyConfig     `mapstructure:"notify"`
}

// ProviderConfig describes one storage destination.
type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"`
	Path    string        `mapstructure:"path"`    // local: target directory
	Remote  string        `mapstructure:"remote"`  // rclone: "remote:bucket/prefix"
	Flags   []string      `mapstructure:"flags"`   // rclone: extra flags after the verb
	Timeout time.Duration `mapstructure:"timeout"` // rclone: per-invocation limit
	Verify  *bool         `mapstructure:"verify"`
}

// EncryptionConfig controls the age subprocess.
type EncryptionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	KeyFile string        `mapstructure:"key_file"`
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetentionConfig specifies how many backups prune keeps.
type RetentionConfig struct {
	Keep int `mapstructure:"keep"`
}

// LockConfig tunes crash recovery of the lock file.
type LockConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// MetricsConfig enables the Prometheus textfile export.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TextfileDir string `mapstructure:"textfile_dir"`
}

// NotifyConfig lists the webhooks told about finished backup and prune runs.
type NotifyConfig struct {
	Webhooks   []WebhookConfig `mapstructure:"webhooks"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	MaxRetries int             `mapstructure:"max_retries"`
	RetryDelay time.Duration   `mapstructure:"retry_delay"`
}

// WebhookConfig is one HTTP endpoint.
type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`  // default POST
	Format  string            `mapstructure:"format"`  // generic|slack|discord
	Headers map[string]string `mapstructure:"headers"`
	Token   string            `mapstructure:"token"`  // sent as a bearer token
	Secret  string            `mapstructure:"secret"` // HMAC-SHA256 key for X-Signature
}

// Overridable for tests.
var (
	osHostname    = os.Hostname
	osUserHomeDir = os.UserHomeDir
)

// SetDefaults registers every known key on v. Keys must be known to viper
// for AutomaticEnv to apply to Unmarshal.
func SetDefaults(v *viper.Viper) {
	stateDir := "/var/lib/statesave"
	if home, err := osUserHomeDir(); err == nil && home != "" {
		stateDir = filepath.Join(home, ".local", "state", "statesave")
	}
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("base_dir", "")
	v.SetDefault("sources", []string{"."})
	v.SetDefault("hostname", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("concurrency", 4)
	v.SetDefault("min_free_space", "")
	v.SetDefault("providers", []map[string]interface{}{})
	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.key_file", "")
	v.SetDefault("encryption.binary", "age")
	v.SetDefault("encryption.timeout", 5*time.Minute)
	v.SetDefault("retention.keep", 7)
	v.SetDefault("lock.stale_after", 30*time.Minute)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.textfile_dir", "")
	v.SetDefault("notify.webhooks", []map[string]interface{}{})
	v.SetDefault("notify.timeout", 30*time.Second)
	v.SetDefault("notify.max_retries", 2)
	v.SetDefault("notify.retry_delay", 2*time.Second)
}

// SetEnvPrefix lets STATESAVE_* variables override file values.
func SetEnvPrefix(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration file at path (or the first statesave.yaml
// found in the default search path when path is empty), applies environment
// overrides and validates the result. v may carry flag bindings; nil means
// a fresh instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	SetEnvPrefix(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %v", ErrLoadConfig, path, err)
		}
	} else {
		v.SetConfigName("statesave")
		v.SetConfigType("yaml")
		if home, err := osUserHomeDir(); err == nil && home != "" {
			v.AddConfigPath(filepath.Join(home, ".config", "statesave"))
		}
		v.AddConfigPath("/etc/statesave")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: read config: %v", ErrLoadConfig, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Hostname == "" {
		host, err := osHostname()
		if err != nil {
			return fmt.Errorf("%w: resolve hostname: %v", ErrLoadConfig, err)
		}
		c.Hostname = host
	}
	if short, _, ok := strings.Cut(c.Hostname, "."); ok && short != "" {
		c.Hostname = short
	}
	if c.StateDir != "" {
		c.StateDir = filepath.Clean(c.StateDir)
	}
	if c.BaseDir != "" {
		c.BaseDir = filepath.Clean(c.BaseDir)
	}
	if len(c.Sources) == 0 {
		c.Sources = []string{"."}
	}
	if c.Encryption.Binary == "" {
		c.Encryption.Binary = "age"
	}
	if c.Encryption.Timeout <= 0 {
		c.Encryption.Timeout = 5 * time.Minute
	}
	if c.Lock.StaleAfter <= 0 {
		c.Lock.StaleAfter = 30 * time.Minute
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 30 * time.Second
	}
	for i := range c.Notify.Webhooks {
		w := &c.Notify.Webhooks[i]
		w.Method = strings.ToUpper(strings.TrimSpace(w.Method))
		if w.Method == "" {
			w.Method = "POST"
		}
		w.Format = strings.ToLower(strings.TrimSpace(w.Format))
		if w.Format == "" {
			w.Format = "generic"
		}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.Type == types.ProviderRclone.String() && p.Timeout <= 0 {
			p.Timeout = 2 * time.Minute
		}
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.StateDir == "" {
		result = multierror.Append(result, errors.New("state_dir must be set"))
	}
	if c.BaseDir == "" {
		result = multierror.Append(result, errors.New("base_dir must be set"))
	} else if !filepath.IsAbs(c.BaseDir) {
		result = multierror.Append(result, fmt.Errorf("base_dir %q must be absolute", c.BaseDir))
	}
	if c.Concurrency <= 0 {
		result = multierror.Append(result, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.Retention.Keep < 0 {
		result = multierror.Append(result, fmt.Errorf("retention.keep must not be negative, got %d", c.Retention.Keep))
	}
	if _, ok := types.ParseLogLevel(c.LogLevel); !ok {
		result = multierror.Append(result, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.Encryption.Enabled && c.Encryption.KeyFile == "" {
		result = multierror.Append(result, errors.New("encryption.key_file is required when encryption is enabled"))
	}
	if c.MinFree != "" {
		if _, err := humanize.ParseBytes(c.MinFree); err != nil {
			result = multierror.Append(result, fmt.Errorf("min_free_space %q: %v", c.MinFree, err))
		}
	}
	if c.Metrics.Enabled && c.Metrics.TextfileDir == "" {
		result = multierror.Append(result, errors.New("metrics.textfile_dir is required when metrics are enabled"))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			result = multierror.Append(result, fmt.Errorf("provider %s: name must be set", label))
		} else if seen[p.Name] {
			result = multierror.Append(result, fmt.Errorf("provider %s: duplicate name", label))
		}
		seen[p.Name] = true

		switch types.ProviderType(p.Type) {
		case types.ProviderLocal:
			if p.Path == "" {
				result = multierror.Append(result, fmt.Errorf("provider %s: path must be set", label))
			}
		case types.ProviderRclone:
			if p.Remote == "" {
				result = multierror.Append(result, fmt.Errorf("provider %s: remote must be set", label))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("provider %s: unknown type %q", label, p.Type))
		}
	}

	if c.Notify.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("notify.max_retries must not be negative, got %d", c.Notify.MaxRetries))
	}
	for i, w := range c.Notify.Webhooks {
		label := w.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			result = multierror.Append(result, fmt.Errorf("webhook %s: name must be set", label))
		}
		if u, err := url.Parse(w.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("webhook %s: url must be an http(s) URL", label))
		}
		switch w.Format {
		case "", "generic", "slack", "discord":
		default:
			result = multierror.Append(result, fmt.Errorf("webhook %s: unknown format %q", label, w.Format))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() types.LogLevel {
	level, _ := types.ParseLogLevel(c.LogLevel)
	return level
}

// LockPath is the cross-process lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, lockFileName)
}

// IndexCachePath is the derived index cache.
func (c *Config) IndexCachePath() string {
	return filepath.Join(c.StateDir, indexFileName)
}

// StagingDir holds temporary archives and manifests.
func (c *Config) StagingDir() string {
	return filepath.Join(c.StateDir, stagingName)
}

// MinFreeBytes returns the staging headroom required before a backup, 0 when unset.
func (c *Config) MinFreeBytes() uint64 {
	if c.MinFree == "" {
		return 0
	}
	n, _ := humanize.ParseBytes(c.MinFree)
	return n
}

// VerifyEnabled reports whether uploads are size-checked (default true).
func (p ProviderConfig) VerifyEnabled() bool {
	return p.Verify == nil || *p.Verify
}
