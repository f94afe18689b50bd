// Package config loads the YAML configuration for the opcuad server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns. This
// preserves bare $VAR-style tokens that might otherwise appear in a
// shared config tree (e.g. MQTT $share subscriptions in a sibling
// service's config) from being mistaken for shell variables.
func expandEnvBraces(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// Config is the complete opcuad server configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	HTTP        HTTPConfig        `yaml:"http"`
	Server      ServerLimits      `yaml:"server"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServiceConfig identifies this deployment.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// HTTPConfig configures the health and metrics HTTP listener.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ServerLimits bounds the session and subscription core's resource
// consumption, per spec §5.
type ServerLimits struct {
	MaxSessions                 uint32        `yaml:"max_sessions"`
	MaxSubscriptionsPerSession  uint32        `yaml:"max_subscriptions_per_session"`
	MaxMonitoredItemsPerSub     uint32        `yaml:"max_monitored_items_per_subscription"`
	MaxBrowseContinuationPoints int           `yaml:"max_browse_continuation_points"`
	MinPublishingInterval       time.Duration `yaml:"min_publishing_interval"`
	DefaultPublishingInterval   time.Duration `yaml:"default_publishing_interval"`
	MaxLifetimeCount            uint32        `yaml:"max_lifetime_count"`
	MaxKeepAliveCount           uint32        `yaml:"max_keep_alive_count"`
}

// DiagnosticsConfig configures the durable Postgres diagnostics sink.
type DiagnosticsConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Database    string        `yaml:"database"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	PoolSize    int           `yaml:"pool_size"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	QueueSize   int           `yaml:"queue_size"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, env-expands, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvBraces(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "opcuad"
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "development"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}

	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 100
	}
	if cfg.Server.MaxSubscriptionsPerSession == 0 {
		cfg.Server.MaxSubscriptionsPerSession = 50
	}
	if cfg.Server.MaxMonitoredItemsPerSub == 0 {
		cfg.Server.MaxMonitoredItemsPerSub = 10000
	}
	if cfg.Server.MaxBrowseContinuationPoints == 0 {
		cfg.Server.MaxBrowseContinuationPoints = 10
	}
	if cfg.Server.MinPublishingInterval == 0 {
		cfg.Server.MinPublishingInterval = 50 * time.Millisecond
	}
	if cfg.Server.DefaultPublishingInterval == 0 {
		cfg.Server.DefaultPublishingInterval = 1 * time.Second
	}
	if cfg.Server.MaxKeepAliveCount == 0 {
		cfg.Server.MaxKeepAliveCount = 10
	}
	if cfg.Server.MaxLifetimeCount == 0 {
		cfg.Server.MaxLifetimeCount = 3 * cfg.Server.MaxKeepAliveCount
	}

	if cfg.Diagnostics.Host == "" {
		cfg.Diagnostics.Host = "localhost"
	}
	if cfg.Diagnostics.Port == 0 {
		cfg.Diagnostics.Port = 5432
	}
	if cfg.Diagnostics.Database == "" {
		cfg.Diagnostics.Database = "nexus_opcua_diagnostics"
	}
	if cfg.Diagnostics.User == "" {
		cfg.Diagnostics.User = "nexus_opcua"
	}
	if cfg.Diagnostics.PoolSize == 0 {
		cfg.Diagnostics.PoolSize = 5
	}
	if cfg.Diagnostics.MaxIdleTime == 0 {
		cfg.Diagnostics.MaxIdleTime = 5 * time.Minute
	}
	if cfg.Diagnostics.QueueSize == 0 {
		cfg.Diagnostics.QueueSize = 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPCUAD_HTTP_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.Port)
	}
	if v := os.Getenv("OPCUAD_DIAGNOSTICS_HOST"); v != "" {
		cfg.Diagnostics.Host = v
	}
	if v := os.Getenv("OPCUAD_DIAGNOSTICS_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Diagnostics.Port)
	}
	if v := os.Getenv("OPCUAD_DIAGNOSTICS_DATABASE"); v != "" {
		cfg.Diagnostics.Database = v
	}
	if v := os.Getenv("OPCUAD_DIAGNOSTICS_USER"); v != "" {
		cfg.Diagnostics.User = v
	}
	if v := os.Getenv("OPCUAD_DIAGNOSTICS_PASSWORD"); v != "" {
		cfg.Diagnostics.Password = v
	}
	if v := os.Getenv("OPCUAD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validate(cfg *Config) error {
	if cfg.Diagnostics.Enabled && cfg.Diagnostics.Password == "" && cfg.Service.Environment == "production" {
		return fmt.Errorf("diagnostics database password is required in production")
	}
	if cfg.Server.MaxLifetimeCount < 3*cfg.Server.MaxKeepAliveCount {
		return fmt.Errorf("max_lifetime_count must be at least 3x max_keep_alive_count")
	}
	if cfg.Server.MinPublishingInterval <= 0 {
		return fmt.Errorf("min_publishing_interval must be positive")
	}
	if cfg.Server.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1")
	}
	return nil
}
