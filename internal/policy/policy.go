// Package policy gates remediation actions. Rules match action kinds and
// yield allow, deny, or require_approval; with no interactive surface,
// require_approval is treated as denied pending a human.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Effect is the outcome of a rule evaluation.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Rule matches remediation action kinds against an effect. Kind supports
// glob patterns ("rollback-*").
type Rule struct {
	Kind    string `yaml:"kind"`
	Effect  Effect `yaml:"effect"`
	Message string `yaml:"message,omitempty"`
}

// Config is the action policy file.
type Config struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadFile loads an action policy from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(data)
}

// Load parses policy configuration from YAML data. Environment variables in
// the YAML are expanded first.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	for i, r := range cfg.Rules {
		if r.Kind == "" {
			return fmt.Errorf("rule %d: kind is required", i)
		}
		if _, err := filepath.Match(r.Kind, ""); err != nil {
			return fmt.Errorf("rule %d: bad kind pattern %q: %w", i, r.Kind, err)
		}
		switch r.Effect {
		case EffectAllow, EffectDeny, EffectRequireApproval:
		case "":
			return fmt.Errorf("rule %d: effect is required", i)
		default:
			return fmt.Errorf("rule %d: invalid effect %q", i, r.Effect)
		}
	}
	return nil
}

// DefaultConfig allows annotation-style actions and requires approval for
// anything that changes running systems. Used when no policy file is
// configured.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Rules: []Rule{
			{Kind: "annotate-*", Effect: EffectAllow},
			{Kind: "notify-*", Effect: EffectAllow},
			{Kind: "rollback-*", Effect: EffectRequireApproval, Message: "rollbacks require approval"},
			{Kind: "restart-*", Effect: EffectRequireApproval, Message: "restarts require approval"},
			{Kind: "delete-*", Effect: EffectDeny, Message: "destructive actions are not allowed by default policy"},
		},
	}
}

// Decision is the evaluation outcome for one action.
type Decision struct {
	Effect  Effect
	Rule    string
	Message string
}

// Allowed reports whether the action may be applied.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Engine evaluates remediation actions against the loaded rules.
type Engine struct {
	config        *Config
	defaultEffect Effect
}

// NewEngine creates an engine. A nil config falls back to DefaultConfig; the
// default effect for unmatched kinds is deny.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{config: cfg, defaultEffect: EffectDeny}
}

// Evaluate returns the decision for an action kind. Rules are evaluated in
// file order; the first match wins.
func (e *Engine) Evaluate(kind string) Decision {
	for _, r := range e.config.Rules {
		ok, _ := filepath.Match(r.Kind, kind)
		if !ok {
			continue
		}
		d := Decision{Effect: r.Effect, Rule: r.Kind, Message: r.Message}
		slog.Debug("policy decision", "kind", kind, "effect", d.Effect, "rule", d.Rule)
		return d
	}
	return Decision{Effect: e.defaultEffect, Rule: "default", Message: "no matching rule"}
}
