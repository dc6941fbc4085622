// Package config loads the gateway configuration from an optional YAML
// file, environment variables, and command-line overrides, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// globalConfig stores the configuration loaded with command-line overrides
// so other packages see the same settings as the server entry point.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Target   TargetConfig   `yaml:"target"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	Host              string
	Port              string
	LogLevel          string
	ConfigFile        string
	SkipTLSValidation bool
	TLSServerName     string
}

// ServerConfig holds the gateway HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// TargetConfig holds defaults for the RDP hosts the gateway negotiates with
type TargetConfig struct {
	DefaultPort string        `yaml:"defaultPort"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	AllowedOrigins    []string `yaml:"allowedOrigins"`
	SkipTLSValidation bool     `yaml:"skipTLSValidation"`
	TLSServerName     string   `yaml:"tlsServerName"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration in layers: defaults, then the YAML
// config file when given, then environment variables, then command-line
// overrides.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	config := defaults()

	if opts.ConfigFile != "" {
		if err := loadFile(config, opts.ConfigFile); err != nil {
			return nil, err
		}
	}

	applyEnv(config)

	if opts.Host != "" {
		config.Server.Host = opts.Host
	}
	if opts.Port != "" {
		config.Server.Port = opts.Port
	}
	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}
	if opts.SkipTLSValidation {
		config.Security.SkipTLSValidation = true
	}
	if opts.TLSServerName != "" {
		config.Security.TLSServerName = opts.TLSServerName
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = config
	configMutex.Unlock()

	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Target: TargetConfig{
			DefaultPort: "3389",
			DialTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func loadFile(config *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(config *Config) {
	config.Server.Host = getEnvWithDefault("SERVER_HOST", config.Server.Host)
	config.Server.Port = getEnvWithDefault("SERVER_PORT", config.Server.Port)
	config.Server.ReadTimeout = getDurationWithDefault("SERVER_READ_TIMEOUT", config.Server.ReadTimeout)
	config.Server.WriteTimeout = getDurationWithDefault("SERVER_WRITE_TIMEOUT", config.Server.WriteTimeout)
	config.Server.IdleTimeout = getDurationWithDefault("SERVER_IDLE_TIMEOUT", config.Server.IdleTimeout)

	config.Target.DefaultPort = getEnvWithDefault("RDP_DEFAULT_PORT", config.Target.DefaultPort)
	config.Target.DialTimeout = getDurationWithDefault("RDP_DIAL_TIMEOUT", config.Target.DialTimeout)

	config.Security.AllowedOrigins = getStringSliceWithDefault("ALLOWED_ORIGINS", config.Security.AllowedOrigins)
	config.Security.SkipTLSValidation = getBoolWithDefault("SKIP_TLS_VALIDATION", config.Security.SkipTLSValidation)
	config.Security.TLSServerName = getEnvWithDefault("TLS_SERVER_NAME", config.Security.TLSServerName)

	config.Logging.Level = getEnvWithDefault("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnvWithDefault("LOG_FORMAT", config.Logging.Format)
}

// GetGlobalConfig returns the globally stored configuration, or nil when no
// configuration has been loaded yet.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	if port, err := strconv.Atoi(c.Target.DefaultPort); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid target default port: %s", c.Target.DefaultPort)
	}
	if c.Target.DialTimeout <= 0 {
		return fmt.Errorf("target dial timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceWithDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
