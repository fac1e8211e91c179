// Package config loads one account's configuration surface, exactly the
// keys spec §6 enumerates and no others. Grounded on
// fenilsonani-email-server/internal/config: the same koanf stack
// (koanf/v2, koanf/parsers/yaml, koanf/providers/file), koanf struct
// tags, a DefaultConfig with sensible values, and a Validate pass that
// turns missing/contradictory settings into actionable errors instead of
// surfacing as a confusing runtime failure later.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is one account's configuration, matching spec §6's table field
// for field. No other keys are recognized.
type Config struct {
	ServerHostname string `koanf:"server_hostname"`
	ServerPort     int    `koanf:"server_port"`
	ServerUsername string `koanf:"server_username"`
	ServerPassword string `koanf:"server_password"`

	UseTLS                   bool          `koanf:"use_tls"`
	UseStartTLS              bool          `koanf:"use_starttls"`
	DangerAcceptInvalidCerts bool          `koanf:"danger_accept_invalid_certs"`
	Timeout                  time.Duration `koanf:"timeout"`

	UseIdle          bool `koanf:"use_idle"`
	UseCondStore     bool `koanf:"use_condstore"`
	UseDeflate       bool `koanf:"use_deflate"`
	UseOAuth2        bool `koanf:"use_oauth2"`
	KeepOfflineCache bool `koanf:"keep_offline_cache"`
}

// DefaultConfig returns a Config with the spec's implied defaults: TLS on
// the standard implicit port, a 60s per-I/O timeout (spec §4.1
// "Timeout semantics"), IDLE and CONDSTORE enabled opportunistically
// (both degrade to a poll/basic-sync fallback when the server doesn't
// advertise them, so defaulting them on is safe), everything else off.
func DefaultConfig() *Config {
	return &Config{
		ServerPort:   993,
		UseTLS:       true,
		Timeout:      60 * time.Second,
		UseIdle:      true,
		UseCondStore: true,
	}
}

// Load reads YAML configuration from path, layering it over DefaultConfig.
// A missing file is not an error: Load returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that can never produce a working
// connection, per spec §6/§4.1's preconditions.
func (c *Config) Validate() error {
	if c.ServerHostname == "" {
		return fmt.Errorf("config: server_hostname is required")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("config: server_port must be between 1 and 65535 (got %d)", c.ServerPort)
	}
	if c.ServerUsername == "" && !c.UseOAuth2 {
		return fmt.Errorf("config: server_username is required unless use_oauth2 is set")
	}
	if c.UseTLS && c.UseStartTLS {
		return fmt.Errorf("config: use_tls and use_starttls are mutually exclusive (use_tls is implicit TLS, use_starttls upgrades a plain connection)")
	}
	if c.ServerPort == 993 && c.UseStartTLS {
		return fmt.Errorf("config: use_starttls=true on port 993 is almost certainly wrong — port 993 is implicit TLS; set use_starttls=false or change server_port")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout cannot be negative (got %s)", c.Timeout)
	}
	return nil
}
