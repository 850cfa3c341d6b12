// Package config loads offsync configuration through viper.
//
// Settings come from, in increasing precedence: built-in defaults, a config
// file (offsync.yaml, .toml or .json), and OFFSYNC_* environment variables
// (OFFSYNC_SYNC_INTERVAL overrides sync.interval). Without an explicit path
// the file is looked up in ./.offsync/ and then $HOME/.config/offsync/.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/fieldkit/offsync/internal/offline/conflict"
	"github.com/fieldkit/offsync/internal/offline/queue"
	"github.com/fieldkit/offsync/internal/offline/schema"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "OFFSYNC"

// Config is the typed view of every setting.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Conflicts ConflictsConfig `mapstructure:"conflicts"`
	Network   NetworkConfig   `mapstructure:"network"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// dir is the directory of the config file, used to resolve relative
	// schema paths.
	dir string
}

type StoreConfig struct {
	Path string `mapstructure:"path"`

	// QuotaBytes limits the store's logical size. 0 is unlimited.
	QuotaBytes int64 `mapstructure:"quota_bytes"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Interval       time.Duration `mapstructure:"interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

type ConflictsConfig struct {
	DefaultStrategy string                  `mapstructure:"default_strategy"`
	AuditLimit      int                     `mapstructure:"audit_limit"`
	NonMergeable    []string                `mapstructure:"non_mergeable"`
	Entities        map[string]EntityConfig `mapstructure:"entities"`
}

// EntityConfig overrides conflict handling for one entity type and
// optionally names a JSON Schema file its payloads must satisfy.
type EntityConfig struct {
	Strategy     string   `mapstructure:"strategy"`
	NonMergeable []string `mapstructure:"non_mergeable"`

	// Schema is a path to a JSON Schema document, relative to the config
	// file, or an inline document starting with '{'.
	Schema string `mapstructure:"schema"`
}

type NetworkConfig struct {
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type CacheConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig routes component logs to a rotating file when File is set.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// defaults holds every key with its default. Durations are strings so the
// same table renders readably in a generated config file.
var defaults = map[string]any{
	"store.path":                 filepath.Join(".offsync", "offsync.db"),
	"store.quota_bytes":          0,
	"backend.url":                "http://localhost:8787",
	"backend.token":              "",
	"backend.timeout":            "30s",
	"sync.max_concurrency":       4,
	"sync.interval":              "45s",
	"sync.attempt_timeout":       "15s",
	"sync.max_retries":           8,
	"sync.backoff.base":          "1s",
	"sync.backoff.max":           "5m",
	"sync.backoff.jitter":        0.2,
	"conflicts.default_strategy": string(schema.FieldMerge),
	"conflicts.audit_limit":      500,
	"conflicts.non_mergeable":    []string{},
	"network.probe_url":          "",
	"network.probe_interval":     "15s",
	"network.probe_timeout":      "5s",
	"network.failure_threshold":  2,
	"cache.max_entries":          1024,
	"dashboard.port":             8080,
	"log.file":                   "",
	"log.max_size_mb":            10,
	"log.max_backups":            3,
	"log.max_age_days":           28,
	"log.compress":               false,
}

// New returns a viper instance with defaults, environment binding and the
// config file loaded. A missing file is not an error unless path names it
// explicitly.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("offsync")
		v.AddConfigPath(".offsync")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "offsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load reads configuration from path, or from the default locations when
// path is empty.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode converts viper's current settings into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		cfg.dir = filepath.Dir(used)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail far from their source.
// Concurrency is clamped rather than rejected.
func (c *Config) Validate() error {
	c.Sync.MaxConcurrency = queue.ClampConcurrency(c.Sync.MaxConcurrency)
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", schema.ErrInvalid)
	}
	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("%w: store.quota_bytes must not be negative", schema.ErrInvalid)
	}
	if c.Sync.Interval <= 0 || c.Sync.AttemptTimeout <= 0 {
		return fmt.Errorf("%w: sync.interval and sync.attempt_timeout must be positive", schema.ErrInvalid)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("%w: sync.max_retries must not be negative", schema.ErrInvalid)
	}
	if c.Sync.Backoff.Jitter < 0 || c.Sync.Backoff.Jitter > 1 {
		return fmt.Errorf("%w: sync.backoff.jitter must be within 0..1", schema.ErrInvalid)
	}
	if _, err := c.Policies(); err != nil {
		return err
	}
	return nil
}

// Policies builds the resolver policy table.
func (c *Config) Policies() (conflict.Policies, error) {
	p := conflict.Policies{
		Default:      schema.FieldMerge,
		NonMergeable: c.Conflicts.NonMergeable,
	}
	if c.Conflicts.DefaultStrategy != "" {
		s, err := schema.ParseStrategy(c.Conflicts.DefaultStrategy)
		if err != nil {
			return conflict.Policies{}, fmt.Errorf("conflicts.default_strategy: %w", err)
		}
		p.Default = s
	}
	for entityType, ec := range c.Conflicts.Entities {
		policy := conflict.Policy{NonMergeable: ec.NonMergeable}
		if ec.Strategy != "" {
			s, err := schema.ParseStrategy(ec.Strategy)
			if err != nil {
				return conflict.Policies{}, fmt.Errorf("conflicts.entities.%s.strategy: %w", entityType, err)
			}
			policy.Strategy = s
		}
		if p.Entities == nil {
			p.Entities = make(map[string]conflict.Policy)
		}
		p.Entities[entityType] = policy
	}
	return p, nil
}

// Schemas returns the JSON Schema document configured per entity type.
func (c *Config) Schemas() (map[string]string, error) {
	out := make(map[string]string)
	for entityType, ec := range c.Conflicts.Entities {
		ref := strings.TrimSpace(ec.Schema)
		if ref == "" {
			continue
		}
		if strings.HasPrefix(ref, "{") {
			out[entityType] = ref
			continue
		}
		if !filepath.IsAbs(ref) && c.dir != "" {
			ref = filepath.Join(c.dir, ref)
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema for %s: %w", entityType, err)
		}
		out[entityType] = string(data)
	}
	return out, nil
}

// Backoff returns the retry policy.
func (c *Config) Backoff() queue.Backoff {
	return queue.Backoff{
		Base:   c.Sync.Backoff.Base,
		Max:    c.Sync.Backoff.Max,
		Jitter: c.Sync.Backoff.Jitter,
	}
}

// Watch reloads the config file whenever it changes and passes the result
// to onChange. A file that fails to decode is reported with a nil Config
// and the previous settings stay in effect for the caller.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		onChange(cfg, err)
	})
	v.WatchConfig()
}
