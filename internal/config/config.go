package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Relay    RelayConfig    `yaml:"relay"`
	Estimate EstimateConfig `yaml:"estimate"`
	Staging  StagingConfig  `yaml:"staging"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GatewayConfig struct {
	URL            string   `yaml:"url"`
	Token          string   `yaml:"token"`
	Role           string   `yaml:"role,omitempty"`
	Scopes         []string `yaml:"scopes,omitempty"`
	ClientID       string   `yaml:"client_id,omitempty"`
	ClientMode     string   `yaml:"client_mode,omitempty"`
	SessionKey     string   `yaml:"session_key,omitempty"`
	MessagePrefix  string   `yaml:"message_prefix,omitempty"`
	ChallengeWait  string   `yaml:"challenge_wait,omitempty"`  // e.g. "2s"
	ReconnectDelay string   `yaml:"reconnect_delay,omitempty"` // e.g. "3s"
	CallTimeout    string   `yaml:"call_timeout,omitempty"`    // e.g. "60s"
	HistoryLimit   int      `yaml:"history_limit,omitempty"`
}

// RelayConfig enables the remote bridge when URL is set.
type RelayConfig struct {
	URL            string   `yaml:"url,omitempty"`
	APIKey         string   `yaml:"api_key,omitempty"`
	NodeID         string   `yaml:"node_id,omitempty"`
	ReconnectDelay string   `yaml:"reconnect_delay,omitempty"`
	SendRate       float64  `yaml:"send_rate,omitempty"` // relay.send intents per second
	SendBurst      int      `yaml:"send_burst,omitempty"`
	ICEServers     []string `yaml:"ice_servers,omitempty"`
}

type EstimateConfig struct {
	URL    string `yaml:"url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
}

type StagingConfig struct {
	Dir string `yaml:"dir"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file exists. Paths live
// under dir, normally ~/.gatelink.
func Default(dir string) *Config {
	return &Config{
		Staging:  StagingConfig{Dir: filepath.Join(dir, "workspace", "uploads")},
		Database: DatabaseConfig{Path: filepath.Join(dir, "gatelink.db")},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file and validates it. A missing file
// yields the defaults, so a gateway configured purely through the
// environment still works.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for commands that need no gateway.
func Read(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if v := os.Getenv("GATELINK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("GATELINK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GATELINK_RELAY_KEY"); v != "" {
		cfg.Relay.APIKey = v
	}
	return cfg, nil
}

// Save writes the configuration back to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	for name, v := range map[string]string{
		"gateway.challenge_wait":  c.Gateway.ChallengeWait,
		"gateway.reconnect_delay": c.Gateway.ReconnectDelay,
		"gateway.call_timeout":    c.Gateway.CallTimeout,
		"relay.reconnect_delay":   c.Relay.ReconnectDelay,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Gateway.HistoryLimit < 0 {
		return fmt.Errorf("gateway.history_limit must not be negative")
	}
	if c.Relay.URL != "" && c.Relay.APIKey == "" {
		return fmt.Errorf("relay.api_key is required when relay.url is set")
	}
	if c.Relay.SendRate < 0 || c.Relay.SendBurst < 0 {
		return fmt.Errorf("relay.send_rate and relay.send_burst must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// Timing returns the parsed gateway durations. Unset values are zero, which
// the gateway client replaces with its own defaults.
func (g GatewayConfig) Timing() (challengeWait, reconnectDelay, callTimeout time.Duration) {
	challengeWait, _ = parseDuration(g.ChallengeWait)
	reconnectDelay, _ = parseDuration(g.ReconnectDelay)
	callTimeout, _ = parseDuration(g.CallTimeout)
	return
}

func (r RelayConfig) ReconnectAfter() time.Duration {
	d, _ := parseDuration(r.ReconnectDelay)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
