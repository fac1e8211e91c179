package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if *cfg != *want {
		t.Errorf("Load on missing file = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.yaml")
	yaml := `
server_hostname: imap.example.com
server_port: 143
server_username: jdoe
server_password: hunter2
use_tls: false
use_starttls: true
use_idle: false
timeout: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerHostname != "imap.example.com" {
		t.Errorf("ServerHostname = %q", cfg.ServerHostname)
	}
	if cfg.ServerPort != 143 {
		t.Errorf("ServerPort = %d, want 143", cfg.ServerPort)
	}
	if cfg.UseTLS {
		t.Error("UseTLS should be overridden to false")
	}
	if !cfg.UseStartTLS {
		t.Error("UseStartTLS should be overridden to true")
	}
	if cfg.UseIdle {
		t.Error("UseIdle should be overridden to false")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", cfg.Timeout)
	}
	// Fields not present in the file keep their DefaultConfig value.
	if !cfg.UseCondStore {
		t.Error("UseCondStore should retain its default of true")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.ServerHostname = "imap.example.com"
		cfg.ServerUsername = "jdoe"
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(*Config) {}, false},
		{"missing hostname", func(c *Config) { c.ServerHostname = "" }, true},
		{"port too low", func(c *Config) { c.ServerPort = 0 }, true},
		{"port too high", func(c *Config) { c.ServerPort = 70000 }, true},
		{"missing username without oauth2", func(c *Config) { c.ServerUsername = "" }, true},
		{"missing username with oauth2 is fine", func(c *Config) {
			c.ServerUsername = ""
			c.UseOAuth2 = true
		}, false},
		{"tls and starttls both set", func(c *Config) { c.UseStartTLS = true }, true},
		{"starttls on port 993", func(c *Config) {
			c.UseTLS = false
			c.UseStartTLS = true
			c.ServerPort = 993
		}, true},
		{"negative timeout", func(c *Config) { c.Timeout = -1 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
