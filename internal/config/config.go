// Package config loads the daemon configuration from a YAML file with
// TRIAGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// ListenAddr is the REST API bind address.
	ListenAddr string `yaml:"listen_addr"`
	// StoreDSN is a sqlite file path or a postgres:// URL.
	StoreDSN string `yaml:"store_dsn"`

	Model       ModelConfig       `yaml:"model"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// PolicyFile is the action policy YAML; empty means the built-in default
	// policy.
	PolicyFile string `yaml:"policy_file"`
}

// ModelConfig selects the reasoning backend. Vendor "scripted" runs the
// pipeline on canned backends, no external calls.
type ModelConfig struct {
	Vendor string `yaml:"vendor"`
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`
}

// Duration wraps time.Duration so YAML can carry values like "30s".
type Duration time.Duration

// UnmarshalYAML parses "200ms"-style strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// GatewayConfig tunes the tool gateway's resilience envelope.
type GatewayConfig struct {
	CallTimeout      Duration `yaml:"call_timeout"`
	MaxAttempts      int      `yaml:"max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffCap       Duration `yaml:"backoff_cap"`
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
}

// CoordinatorConfig tunes the phase machine.
type CoordinatorConfig struct {
	PhaseRetryBudget       int `yaml:"phase_retry_budget"`
	MaxFanOut              int `yaml:"max_fan_out"`
	MaxConcurrentIncidents int `yaml:"max_concurrent_incidents"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8640",
		StoreDSN:   "triage.db",
		Model: ModelConfig{
			Vendor: "scripted",
		},
		Gateway: GatewayConfig{
			CallTimeout:      Duration(30 * time.Second),
			MaxAttempts:      3,
			BackoffBase:      Duration(200 * time.Millisecond),
			BackoffCap:       Duration(5 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
		Coordinator: CoordinatorConfig{
			PhaseRetryBudget:       2,
			MaxFanOut:              4,
			MaxConcurrentIncidents: 8,
		},
	}
}

// Load reads the config file (optional) and applies TRIAGE_* env overrides.
// Environment variables inside the YAML are expanded.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRIAGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TRIAGE_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("TRIAGE_MODEL_VENDOR"); v != "" {
		cfg.Model.Vendor = v
	}
	if v := os.Getenv("TRIAGE_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("TRIAGE_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("TRIAGE_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if cfg.StoreDSN == "" {
		return fmt.Errorf("store_dsn is required")
	}
	switch cfg.Model.Vendor {
	case "scripted", "":
	case "anthropic", "google", "gemini":
		if cfg.Model.Name == "" || cfg.Model.APIKey == "" {
			return fmt.Errorf("model vendor %q requires model.name and model.api_key (or TRIAGE_MODEL_NAME / TRIAGE_API_KEY)", cfg.Model.Vendor)
		}
	default:
		return fmt.Errorf("unknown model vendor %q (supported: scripted, anthropic, google, gemini)", cfg.Model.Vendor)
	}
	if cfg.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("gateway.max_attempts must be at least 1")
	}
	if cfg.Coordinator.MaxFanOut < 1 {
		return fmt.Errorf("coordinator.max_fan_out must be at least 1")
	}
	if cfg.Coordinator.PhaseRetryBudget < 0 {
		return fmt.Errorf("coordinator.phase_retry_budget must not be negative")
	}
	return nil
}
