// Package config provides configuration management for coderelay.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for coderelay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Directory DirectoryConfig `mapstructure:"directory"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Personas  PersonasConfig  `mapstructure:"personas"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DirectoryConfig holds the shared directory store configuration.
// Driver is "sqlite" (default, embedded) or "postgres".
type DirectoryConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"` // sqlite file path
	DSN    string `mapstructure:"dsn"`  // postgres connection string
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-process memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds per-session agent defaults.
type SessionConfig struct {
	DataDir            string `mapstructure:"dataDir"`            // root for per-session sqlite files
	IdleTimeoutMs      int    `mapstructure:"idleTimeoutMs"`      // default idle-hibernate timeout
	QuestionTTLSeconds int    `mapstructure:"questionTtlSeconds"` // pending question expiry
	MaxMessageBytes    int64  `mapstructure:"maxMessageBytes"`    // websocket read limit
	AuditFlushSeconds  int    `mapstructure:"auditFlushSeconds"`  // audit drain period
	EventBuffer        int    `mapstructure:"eventBuffer"`        // actor inbox size
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// TokenKeyDir is the directory holding the master key used to encrypt
	// OAuth tokens at rest.
	TokenKeyDir string `mapstructure:"tokenKeyDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PersonasConfig points at the optional persona catalogue seed file.
type PersonasConfig struct {
	SeedFile string `mapstructure:"seedFile"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the default idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// QuestionTTL returns the pending-question expiry as a time.Duration.
func (s *SessionConfig) QuestionTTL() time.Duration {
	return time.Duration(s.QuestionTTLSeconds) * time.Second
}

// Load reads configuration from config file and environment variables.
// Environment variables use the CODERELAY_ prefix with underscores, e.g.
// CODERELAY_SERVER_PORT=8080.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.coderelay")
	v.AddConfigPath("/etc/coderelay")

	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only a malformed file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("directory.driver", "sqlite")
	v.SetDefault("directory.path", "data/directory.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coderelay")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("session.dataDir", "data/sessions")
	v.SetDefault("session.idleTimeoutMs", 10*60*1000)
	v.SetDefault("session.questionTtlSeconds", 300)
	v.SetDefault("session.maxMessageBytes", 4*1024*1024)
	v.SetDefault("session.auditFlushSeconds", 30)
	v.SetDefault("session.eventBuffer", 256)

	v.SetDefault("auth.tokenKeyDir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("personas.seedFile", "")
}

func (c *Config) validate() error {
	switch c.Directory.Driver {
	case "sqlite":
		if c.Directory.Path == "" {
			return fmt.Errorf("directory.path is required for sqlite driver")
		}
	case "postgres":
		if c.Directory.DSN == "" {
			return fmt.Errorf("directory.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown directory driver %q", c.Directory.Driver)
	}
	if c.Session.IdleTimeoutMs <= 0 {
		return fmt.Errorf("session.idleTimeoutMs must be positive")
	}
	if c.Session.QuestionTTLSeconds <= 0 {
		return fmt.Errorf("session.questionTtlSeconds must be positive")
	}
	return nil
}
