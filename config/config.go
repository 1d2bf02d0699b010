// Package config provides configuration loading and management for the
// MDStudio platform.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete platform configuration.
type Config struct {
	Realm   string        `yaml:"realm"`
	NATS    NATSConfig    `yaml:"nats"`
	Session SessionConfig `yaml:"session"`
	Auth    AuthConfig    `yaml:"auth"`
	Schema  SchemaConfig  `yaml:"schema"`
	Log     LogConfig     `yaml:"log"`
}

// NATSConfig configures the router connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Username and Password authenticate against a secured router
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Embedded indicates whether to run the embedded router
	Embedded bool `yaml:"embedded"`
}

// SessionConfig tunes the component kernels.
type SessionConfig struct {
	// CallTimeout bounds outbound calls without their own deadline
	CallTimeout time.Duration `yaml:"call_timeout"`
	// DependencyTimeout bounds the wait for required peer components
	DependencyTimeout time.Duration `yaml:"dependency_timeout"`
}

// AuthConfig configures the auth component.
type AuthConfig struct {
	// Secret signs claim tokens; empty generates one at boot
	Secret string `yaml:"secret"`
	// OnlyLocalhostAccess rejects logins arriving through non-local domains
	OnlyLocalhostAccess bool `yaml:"only_localhost_access"`
	// DomainBlacklist lists domains denied at login, subdomains included
	DomainBlacklist []string `yaml:"domain_blacklist"`
	// UnsafeProperties are user record fields stripped from login replies
	UnsafeProperties []string `yaml:"unsafe_properties"`
}

// SchemaConfig configures component schema publication.
type SchemaConfig struct {
	// Dir is the root holding per-component schema directories; empty
	// skips the upload
	Dir string `yaml:"dir"`
	// Watch re-uploads schemas when files under Dir change
	Watch bool `yaml:"watch"`
}

// LogConfig configures process logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Realm: "mdstudio",
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Session: SessionConfig{
			CallTimeout:       10 * time.Second,
			DependencyTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			UnsafeProperties: []string{"password"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when the embedded router is disabled")
	}
	if c.Session.CallTimeout < 0 {
		return fmt.Errorf("session.call_timeout must not be negative")
	}
	if c.Session.DependencyTimeout < 0 {
		return fmt.Errorf("session.dependency_timeout must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Realm != "" {
		c.Realm = other.Realm
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Username != "" {
		c.NATS.Username = other.NATS.Username
	}
	if other.NATS.Password != "" {
		c.NATS.Password = other.NATS.Password
	}

	// Session
	if other.Session.CallTimeout != 0 {
		c.Session.CallTimeout = other.Session.CallTimeout
	}
	if other.Session.DependencyTimeout != 0 {
		c.Session.DependencyTimeout = other.Session.DependencyTimeout
	}

	// Auth
	if other.Auth.Secret != "" {
		c.Auth.Secret = other.Auth.Secret
	}
	if other.Auth.OnlyLocalhostAccess {
		c.Auth.OnlyLocalhostAccess = true
	}
	if len(other.Auth.DomainBlacklist) > 0 {
		c.Auth.DomainBlacklist = other.Auth.DomainBlacklist
	}
	if len(other.Auth.UnsafeProperties) > 0 {
		c.Auth.UnsafeProperties = other.Auth.UnsafeProperties
	}

	// Schema
	if other.Schema.Dir != "" {
		c.Schema.Dir = other.Schema.Dir
	}
	if other.Schema.Watch {
		c.Schema.Watch = true
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
