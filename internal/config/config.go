package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	PlayTime    PlayTimeConfig    `mapstructure:"playtime"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives log output instead of stdout and is rotated.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// EngineConfig defines accounting and enforcement timing
type EngineConfig struct {
	PollInterval               string  `mapstructure:"poll_interval"`
	Slack                      float64 `mapstructure:"slack"`
	ObserverTimeout            string  `mapstructure:"observer_timeout"`
	PublisherTimeout           string  `mapstructure:"publisher_timeout"`
	ActuatorTimeout            string  `mapstructure:"actuator_timeout"`
	EvictionGrace              string  `mapstructure:"eviction_grace"`
	NotifyHysteresis           string  `mapstructure:"notify_hysteresis"`
	FinalWarningThreshold      string  `mapstructure:"final_warning_threshold"`
	FinalNotificationThreshold string  `mapstructure:"final_notification_threshold"`
	FinalCountdown             string  `mapstructure:"final_countdown"`
	DisallowedGrace            string  `mapstructure:"disallowed_grace"`
	// DryRun records lockout actions instead of carrying them out.
	DryRun bool `mapstructure:"dry_run"`
}

// PersistenceConfig defines how runtime state is saved
type PersistenceConfig struct {
	SaveInterval    string `mapstructure:"save_interval"`
	Retention       string `mapstructure:"retention"`
	CleanupInterval string `mapstructure:"cleanup_interval"`
}

// PolicyConfig defines where user policies live
type PolicyConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// PlayTimeConfig defines global PlayTime settings
type PlayTimeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// EnhancedMonitor matches activities against full command lines.
	EnhancedMonitor bool `mapstructure:"enhanced_monitor"`
	CacheSize       int  `mapstructure:"cache_size"`
}

// SessionsConfig selects which sessions are accounted
type SessionsConfig struct {
	ControlledTypes []string `mapstructure:"controlled_types"`
	ExcludedTypes   []string `mapstructure:"excluded_types"`
	ExcludedUsers   []string `mapstructure:"excluded_users"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	// Token, when set, is required as a bearer token on every request.
	Token           string `mapstructure:"token"`
	RateLimit       int    `mapstructure:"rate_limit"`
	RateLimitWindow string `mapstructure:"rate_limit_window"`
}

// MetricsConfig defines metrics server settings
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/ktime/ktime.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Engine defaults
	v.SetDefault("engine.poll_interval", "3s")
	v.SetDefault("engine.slack", 2.0)
	v.SetDefault("engine.observer_timeout", "2s")
	v.SetDefault("engine.publisher_timeout", "2s")
	v.SetDefault("engine.actuator_timeout", "10s")
	v.SetDefault("engine.eviction_grace", "10m")
	v.SetDefault("engine.notify_hysteresis", "1m")
	v.SetDefault("engine.final_warning_threshold", "5m")
	v.SetDefault("engine.final_notification_threshold", "1m")
	v.SetDefault("engine.final_countdown", "15s")
	v.SetDefault("engine.disallowed_grace", "1m")
	v.SetDefault("engine.dry_run", false)

	// Persistence defaults
	v.SetDefault("persistence.save_interval", "30s")
	v.SetDefault("persistence.retention", "2160h")
	v.SetDefault("persistence.cleanup_interval", "24h")

	// Policy defaults
	v.SetDefault("policy.dir", "/etc/ktime/users")
	v.SetDefault("policy.watch", true)

	// PlayTime defaults
	v.SetDefault("playtime.enabled", true)
	v.SetDefault("playtime.enhanced_monitor", false)
	v.SetDefault("playtime.cache_size", 512)

	// Session defaults
	v.SetDefault("sessions.controlled_types", []string{"x11", "wayland", "mir"})
	v.SetDefault("sessions.excluded_types", []string{"tty", "unspecified"})
	v.SetDefault("sessions.excluded_users", []string{"gdm", "sddm", "lightdm"})

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 8737)
	v.SetDefault("admin.bind_address", "127.0.0.1")
	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rate_limit", 100)
	v.SetDefault("admin.rate_limit_window", "1m")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9737)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	durations := map[string]string{
		"engine.poll_interval":                cfg.Engine.PollInterval,
		"engine.observer_timeout":             cfg.Engine.ObserverTimeout,
		"engine.publisher_timeout":            cfg.Engine.PublisherTimeout,
		"engine.actuator_timeout":             cfg.Engine.ActuatorTimeout,
		"engine.eviction_grace":               cfg.Engine.EvictionGrace,
		"engine.notify_hysteresis":            cfg.Engine.NotifyHysteresis,
		"engine.final_warning_threshold":      cfg.Engine.FinalWarningThreshold,
		"engine.final_notification_threshold": cfg.Engine.FinalNotificationThreshold,
		"engine.final_countdown":              cfg.Engine.FinalCountdown,
		"engine.disallowed_grace":             cfg.Engine.DisallowedGrace,
		"persistence.save_interval":           cfg.Persistence.SaveInterval,
		"persistence.retention":               cfg.Persistence.Retention,
		"persistence.cleanup_interval":        cfg.Persistence.CleanupInterval,
		"admin.rate_limit_window":             cfg.Admin.RateLimitWindow,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	poll, _ := time.ParseDuration(cfg.Engine.PollInterval)
	if poll <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	save, _ := time.ParseDuration(cfg.Persistence.SaveInterval)
	if save < poll {
		return fmt.Errorf("persistence.save_interval (%s) must not be shorter than engine.poll_interval (%s)", save, poll)
	}
	warn, _ := time.ParseDuration(cfg.Engine.FinalWarningThreshold)
	final, _ := time.ParseDuration(cfg.Engine.FinalNotificationThreshold)
	if final > warn {
		return fmt.Errorf("engine.final_notification_threshold must not exceed engine.final_warning_threshold")
	}
	if cfg.Engine.Slack < 1 {
		return fmt.Errorf("engine.slack must be at least 1, got %v", cfg.Engine.Slack)
	}

	if cfg.Policy.Dir == "" {
		return fmt.Errorf("policy directory is required")
	}
	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", cfg.Admin.Port)
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}
