// Package config loads the settlement daemon configuration. Values come
// from TOKENREWARD_* environment variables, optionally overlaid by a YAML
// file when TOKENREWARD_CONFIG points at one. Environment wins on conflict
// so deployments can override a checked-in file per instance.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" parse naturally.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the settlement daemon.
type Config struct {
	Environment     string   `yaml:"environment"`
	ListenAddress   string   `yaml:"listen"`
	DatabaseURL     string   `yaml:"database_url"`
	LedgerRPCURL    string   `yaml:"ledger_rpc_url"`
	LedgerAuthToken string   `yaml:"ledger_auth_token"`
	OperatorToken   string   `yaml:"operator_token"`
	RPCTimeout      Duration `yaml:"rpc_timeout"`
	ConfirmWait     Duration `yaml:"confirm_wait"`
	PollInterval    Duration `yaml:"poll_interval"`
}

// FromEnv assembles the configuration from the process environment. When
// TOKENREWARD_CONFIG is set the named YAML file is loaded first and the
// environment overrides individual fields.
func FromEnv() (Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("TOKENREWARD_CONFIG")); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = merge(cfg, loaded)
	}

	if v := strings.TrimSpace(os.Getenv("TOKENREWARD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKENREWARD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKENREWARD_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKENREWARD_LEDGER_RPC_URL")); v != "" {
		cfg.LedgerRPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKENREWARD_LEDGER_AUTH_TOKEN")); v != "" {
		cfg.LedgerAuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKENREWARD_OPERATOR_TOKEN")); v != "" {
		cfg.OperatorToken = v
	}
	for _, entry := range []struct {
		env    string
		target *Duration
	}{
		{"TOKENREWARD_RPC_TIMEOUT", &cfg.RPCTimeout},
		{"TOKENREWARD_CONFIRM_WAIT", &cfg.ConfirmWait},
		{"TOKENREWARD_POLL_INTERVAL", &cfg.PollInterval},
	} {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", entry.env, err)
		}
		entry.target.Duration = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required settings are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: TOKENREWARD_DATABASE_URL is required")
	}
	if strings.TrimSpace(c.LedgerRPCURL) == "" {
		return fmt.Errorf("config: TOKENREWARD_LEDGER_RPC_URL is required")
	}
	if c.PollInterval.Duration > 0 && c.ConfirmWait.Duration > 0 && c.PollInterval.Duration > c.ConfirmWait.Duration {
		return fmt.Errorf("config: poll interval exceeds confirmation wait")
	}
	return nil
}

func defaults() Config {
	return Config{
		Environment:   "development",
		ListenAddress: ":8080",
		RPCTimeout:    Duration{15 * time.Second},
		ConfirmWait:   Duration{90 * time.Second},
		PollInterval:  Duration{2 * time.Second},
	}
}

func loadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if v := strings.TrimSpace(overlay.Environment); v != "" {
		base.Environment = v
	}
	if v := strings.TrimSpace(overlay.ListenAddress); v != "" {
		base.ListenAddress = v
	}
	if v := strings.TrimSpace(overlay.DatabaseURL); v != "" {
		base.DatabaseURL = v
	}
	if v := strings.TrimSpace(overlay.LedgerRPCURL); v != "" {
		base.LedgerRPCURL = v
	}
	if v := strings.TrimSpace(overlay.LedgerAuthToken); v != "" {
		base.LedgerAuthToken = v
	}
	if v := strings.TrimSpace(overlay.OperatorToken); v != "" {
		base.OperatorToken = v
	}
	if overlay.RPCTimeout.Duration > 0 {
		base.RPCTimeout = overlay.RPCTimeout
	}
	if overlay.ConfirmWait.Duration > 0 {
		base.ConfirmWait = overlay.ConfirmWait
	}
	if overlay.PollInterval.Duration > 0 {
		base.PollInterval = overlay.PollInterval
	}
	return base
}
