// Package config loads service configuration from environment
// variables (STITCHKEY_ prefix) merged over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Database   DatabaseConfig   `yaml:"database" envconfig:"DATABASE"`
	Credential CredentialConfig `yaml:"credential" envconfig:"CREDENTIAL"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
//
// Single-word fields carry no envconfig name tag: envconfig also
// honors an explicit name as a bare, unprefixed env var, and names
// like PATH or PORT collide with variables every host already sets.
type ServerConfig struct {
	Port            int           `yaml:"port" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains the relational store configuration
type DatabaseConfig struct {
	Path    string `yaml:"path" default:"data/licenses.db"`
	Verbose bool   `yaml:"verbose" default:"false"`
}

// CredentialConfig contains the signed-token settings. The secret has
// no default: the service refuses to start without one.
type CredentialConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl" default:"720h"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" default:"true"`
	RPS     float64 `yaml:"rps" default:"100"`
	Burst   int     `yaml:"burst" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" default:"info"`
	Output   string `yaml:"output" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("STITCHKEY", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfigs overlays env-derived values over file values. Env wins
// for anything it set explicitly.
func mergeConfigs(file, env Config) Config {
	merged := file

	if env.Server.Port != 0 {
		merged.Server.Port = env.Server.Port
	}
	if env.Server.ReadTimeout != 0 {
		merged.Server.ReadTimeout = env.Server.ReadTimeout
	}
	if env.Server.WriteTimeout != 0 {
		merged.Server.WriteTimeout = env.Server.WriteTimeout
	}
	if env.Server.IdleTimeout != 0 {
		merged.Server.IdleTimeout = env.Server.IdleTimeout
	}
	if env.Server.RequestTimeout != 0 {
		merged.Server.RequestTimeout = env.Server.RequestTimeout
	}
	if env.Server.ShutdownTimeout != 0 {
		merged.Server.ShutdownTimeout = env.Server.ShutdownTimeout
	}
	if env.Database.Path != "" {
		merged.Database.Path = env.Database.Path
	}
	if env.Database.Verbose {
		merged.Database.Verbose = true
	}
	if env.Credential.Secret != "" {
		merged.Credential.Secret = env.Credential.Secret
	}
	if env.Credential.TTL != 0 {
		merged.Credential.TTL = env.Credential.TTL
	}
	if len(env.Security.AllowedOrigins) > 0 {
		merged.Security.AllowedOrigins = env.Security.AllowedOrigins
	}
	merged.Security.EnableCORS = env.Security.EnableCORS
	merged.Security.RateLimit = env.Security.RateLimit
	if env.Logging.Level != "" {
		merged.Logging.Level = env.Logging.Level
	}
	if env.Logging.Output != "" {
		merged.Logging.Output = env.Logging.Output
	}
	if env.Logging.FilePath != "" {
		merged.Logging.FilePath = env.Logging.FilePath
	}
	return merged
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Credential.Secret == "" {
		return fmt.Errorf("credential secret is required (set STITCHKEY_CREDENTIAL_SECRET)")
	}
	if c.Credential.TTL <= 0 {
		return fmt.Errorf("credential ttl must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

// configFilePath returns the YAML config location, overridable for
// containerized deployments.
func configFilePath() string {
	if p := os.Getenv("STITCHKEY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
