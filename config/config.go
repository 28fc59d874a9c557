// Package config loads the tlstrust configuration file.
//
// Load applies defaults before unmarshalling, then validates. A leading
// "~/" in any path is expanded to the user's home directory. Relative
// kvstore paths are resolved against the data directory.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultServerAddress   = "127.0.0.1:8443"
	DefaultKVStorePath     = "trust.db"
	DefaultKVStorePriority = 10
	DefaultFlushInterval   = 10 * time.Second
)

// Config is the top-level configuration.
type Config struct {
	HSTS FileConfig `yaml:"hsts"`
	HPKP FileConfig `yaml:"hpkp"`

	// Plugins lists catalog plugins to load, in order.
	Plugins []string `yaml:"plugins"`

	// PluginOptions are forwarded to plugins after loading, each in
	// "<plugin>.<option>[=<value>]" form.
	PluginOptions []string `yaml:"plugin_options"`

	KVStore KVStoreConfig `yaml:"kvstore"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
}

// FileConfig locates the flat file backing a default store.
type FileConfig struct {
	// File is the trust file path. Empty keeps the store in memory only.
	File string `yaml:"file"`

	// NoLock disables the advisory lock file.
	NoLock bool `yaml:"no_lock"`
}

// KVStoreConfig configures the kvstore plugin.
type KVStoreConfig struct {
	Path     string `yaml:"path"`
	Priority int    `yaml:"priority"`

	// CompressionThreshold is the record size from which zstd is attempted.
	// Zero keeps the plugin default; negative disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is one of: text | json.
	Format string `yaml:"format"`
}

// SlogLevel returns the configured level.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Prometheus    bool          `yaml:"prometheus"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ServerConfig configures the query daemon.
type ServerConfig struct {
	Address string `yaml:"address"`

	// AuthToken is the bearer token required on mutating routes.
	// AuthTokenEnv names an environment variable holding it instead.
	AuthToken    string `yaml:"auth_token"`
	AuthTokenEnv string `yaml:"auth_token_env"`

	// Watch reloads the trust files when they change on disk.
	Watch bool `yaml:"watch"`

	// SaveInterval saves both stores periodically while serving.
	// Zero saves only on shutdown.
	SaveInterval time.Duration `yaml:"save_interval"`
}

// Token returns the configured bearer token, resolving AuthTokenEnv.
func (s ServerConfig) Token() string {
	if s.AuthToken != "" {
		return s.AuthToken
	}
	if s.AuthTokenEnv != "" {
		return os.Getenv(s.AuthTokenEnv)
	}
	return ""
}

// Load reads the config file at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	dir := DataDir()
	return &Config{
		HSTS: FileConfig{File: filepath.Join(dir, "hsts")},
		HPKP: FileConfig{File: filepath.Join(dir, "hpkp")},
		KVStore: KVStoreConfig{
			Path:     DefaultKVStorePath,
			Priority: DefaultKVStorePriority,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			FlushInterval: DefaultFlushInterval,
		},
		Server: ServerConfig{Address: DefaultServerAddress},
	}
}

// DataDir returns the directory trust files live in by default:
// $XDG_DATA_HOME/tlstrust, falling back to ~/.local/share/tlstrust.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "tlstrust")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "tlstrust"
	}
	return filepath.Join(home, ".local", "share", "tlstrust")
}

func (c *Config) resolvePaths() error {
	for _, p := range []*string{&c.HSTS.File, &c.HPKP.File, &c.KVStore.Path} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	if c.KVStore.Path != "" && !filepath.IsAbs(c.KVStore.Path) {
		c.KVStore.Path = filepath.Join(DataDir(), c.KVStore.Path)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q unknown: want text|json", cfg.Log.Format)
	}
	if cfg.Metrics.FlushInterval < 0 {
		return fmt.Errorf("metrics.flush_interval must not be negative")
	}
	for _, name := range cfg.Plugins {
		if name == "" {
			return fmt.Errorf("plugins: empty plugin name")
		}
	}
	for _, opt := range cfg.PluginOptions {
		if !strings.Contains(opt, ".") {
			return fmt.Errorf("plugin_options: %q is not in <plugin>.<option>[=<value>] form", opt)
		}
	}
	if cfg.Server.SaveInterval < 0 {
		return fmt.Errorf("server.save_interval must not be negative")
	}
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	return nil
}
