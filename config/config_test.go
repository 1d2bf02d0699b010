package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Realm != "mdstudio" {
		t.Errorf("expected default realm mdstudio, got %s", cfg.Realm)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Session.CallTimeout != 10*time.Second {
		t.Errorf("expected default call timeout 10s, got %v", cfg.Session.CallTimeout)
	}
	if cfg.Session.DependencyTimeout != 30*time.Second {
		t.Errorf("expected default dependency timeout 30s, got %v", cfg.Session.DependencyTimeout)
	}
	if len(cfg.Auth.UnsafeProperties) != 1 || cfg.Auth.UnsafeProperties[0] != "password" {
		t.Errorf("expected password stripped by default, got %v", cfg.Auth.UnsafeProperties)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing realm",
			modify:  func(c *Config) { c.Realm = "" },
			wantErr: true,
		},
		{
			name: "no router at all",
			modify: func(c *Config) {
				c.NATS.Embedded = false
				c.NATS.URL = ""
			},
			wantErr: true,
		},
		{
			name: "external router",
			modify: func(c *Config) {
				c.NATS.Embedded = false
				c.NATS.URL = "nats://router:4222"
			},
			wantErr: false,
		},
		{
			name:    "negative call timeout",
			modify:  func(c *Config) { c.Session.CallTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "negative dependency timeout",
			modify:  func(c *Config) { c.Session.DependencyTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "chatty" },
			wantErr: true,
		},
		{
			name:    "empty log level is allowed",
			modify:  func(c *Config) { c.Log.Level = "" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
realm: "lab"
nats:
  url: "nats://test:4222"
  username: "md"
  password: "secret"
session:
  call_timeout: 5s
  dependency_timeout: 1m
auth:
  only_localhost_access: true
  domain_blacklist:
    - evil.org
  unsafe_properties:
    - password
    - email
schema:
  dir: "/etc/mdstudio/schemas"
  watch: true
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Realm != "lab" {
		t.Errorf("expected realm lab, got %s", cfg.Realm)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.Username != "md" || cfg.NATS.Password != "secret" {
		t.Errorf("expected router credentials md/secret, got %s/%s", cfg.NATS.Username, cfg.NATS.Password)
	}
	if cfg.Session.CallTimeout != 5*time.Second {
		t.Errorf("expected call timeout 5s, got %v", cfg.Session.CallTimeout)
	}
	if cfg.Session.DependencyTimeout != time.Minute {
		t.Errorf("expected dependency timeout 1m, got %v", cfg.Session.DependencyTimeout)
	}
	if !cfg.Auth.OnlyLocalhostAccess {
		t.Error("expected only_localhost_access true")
	}
	if len(cfg.Auth.DomainBlacklist) != 1 || cfg.Auth.DomainBlacklist[0] != "evil.org" {
		t.Errorf("expected domain blacklist [evil.org], got %v", cfg.Auth.DomainBlacklist)
	}
	if len(cfg.Auth.UnsafeProperties) != 2 {
		t.Errorf("expected 2 unsafe properties, got %d", len(cfg.Auth.UnsafeProperties))
	}
	if cfg.Schema.Dir != "/etc/mdstudio/schemas" || !cfg.Schema.Watch {
		t.Errorf("expected watched schema dir, got %+v", cfg.Schema)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Realm: "lab",
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
		Auth: AuthConfig{
			Secret: "s3cret",
		},
	}

	base.Merge(override)

	if base.Realm != "lab" {
		t.Errorf("expected realm lab, got %s", base.Realm)
	}
	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL nats://override:4222, got %s", base.NATS.URL)
	}
	// Pointing at an external router turns the embedded one off
	if base.NATS.Embedded {
		t.Error("expected embedded NATS off after URL override")
	}
	if base.Auth.Secret != "s3cret" {
		t.Errorf("expected auth secret s3cret, got %s", base.Auth.Secret)
	}
	// Untouched fields keep their defaults
	if base.Session.CallTimeout != 10*time.Second {
		t.Errorf("expected call timeout to remain default, got %v", base.Session.CallTimeout)
	}
	if len(base.Auth.UnsafeProperties) != 1 {
		t.Errorf("expected unsafe properties to remain default, got %v", base.Auth.UnsafeProperties)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Realm = "saved"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Realm != "saved" {
		t.Errorf("expected realm saved, got %s", loaded.Realm)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvUsername, "envuser")
	t.Setenv(EnvPassword, "envpass")
	t.Setenv(EnvRealm, "envrealm")
	t.Setenv(EnvNATSURL, "nats://env:4222")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.NATS.Username != "envuser" {
		t.Errorf("expected username envuser, got %s", cfg.NATS.Username)
	}
	if cfg.NATS.Password != "envpass" {
		t.Errorf("expected password envpass, got %s", cfg.NATS.Password)
	}
	if cfg.Realm != "envrealm" {
		t.Errorf("expected realm envrealm, got %s", cfg.Realm)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected NATS URL nats://env:4222, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.Embedded {
		t.Error("expected embedded NATS off after env URL override")
	}
}
