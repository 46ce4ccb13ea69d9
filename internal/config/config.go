// Package config loads and validates the workspace configuration
// (providers, shops, pipelines, budget, session, observability — spec.md
// §6), grounded on pkg/config's loader.go shape: a YAML file parsed with
// gopkg.in/yaml.v3, environment overlay, and a separate validation pass
// that surfaces structured errors rather than failing on the first one.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sibylhq/sibyl/internal/errtax"
)

// ProviderKind discriminates the provider capability a declared provider
// instance offers, per spec.md §6's "discriminated set of provider kinds".
type ProviderKind string

const (
	ProviderKindLLM         ProviderKind = "llm"
	ProviderKindEmbedding   ProviderKind = "embedding"
	ProviderKindVectorStore ProviderKind = "vector_store"
)

// ProviderConfig declares one named provider instance.
type ProviderConfig struct {
	Name       string       `yaml:"name"`
	Kind       ProviderKind `yaml:"kind"`
	Driver     string       `yaml:"driver"` // e.g. "anthropic", "openai", "bedrock"
	APIKeyEnv  string       `yaml:"api_key_env,omitempty"`
	BaseURL    string       `yaml:"base_url,omitempty"`
	Region     string       `yaml:"region,omitempty"`
}

// ShopConfig groups techniques under a named shop (spec.md §6 "shops
// {technique groupings}").
type ShopConfig struct {
	Name       string   `yaml:"name"`
	Techniques []string `yaml:"techniques"`
}

// StepConfig declares one step of a pipeline.
type StepConfig struct {
	Name      string         `yaml:"name"`
	Technique string         `yaml:"technique"`
	Params    map[string]any `yaml:"params,omitempty"`
}

// PipelineConfig declares an ordered list of steps.
type PipelineConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

// BudgetConfig bounds spend for conversations run under this workspace.
type BudgetConfig struct {
	MaxCostUSD     float64 `yaml:"max_cost_usd"`
	MaxTokens      int64   `yaml:"max_tokens"`
	MaxRequests    int64   `yaml:"max_requests"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// SessionConfig configures the Session Manager's rotation behavior.
type SessionConfig struct {
	SummarizeThresholdPct float64 `yaml:"summarize_threshold_pct"`
	RotateThresholdPct    float64 `yaml:"rotate_threshold_pct"`
	Strategy              string  `yaml:"strategy"`
}

// ObservabilityConfig configures ambient logging/metrics/tracing. Backends
// are out of scope; this only records the operator's intent.
type ObservabilityConfig struct {
	LoggingLevel   string `yaml:"logging_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// Workspace is the root configuration document (spec.md §6).
type Workspace struct {
	Providers     []ProviderConfig    `yaml:"providers"`
	Shops         []ShopConfig        `yaml:"shops"`
	Pipelines     []PipelineConfig    `yaml:"pipelines"`
	Budget        BudgetConfig        `yaml:"budget"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads and parses path as a Workspace, then overlays a sibling .env
// file (if present) into the process environment so ${VAR}-style secret
// references in the YAML (provider API keys, store DSNs) resolve the way
// pkg/config's GITHUB_TOKEN/SLACK_BOT_TOKEN env-var indirection does. Load
// does not validate; call Validate separately.
func Load(path string) (*Workspace, error) {
	envPath := path + ".env"
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, errtax.New(errtax.KindConfiguration, "config", fmt.Sprintf("invalid YAML in %s", path), err)
	}
	return &ws, nil
}

// Validate checks ws for the invariants spec.md §6 implies: every provider
// referenced by a shop or pipeline step exists, thresholds are ordered and
// in range, and budget limits are positive. Returns a *errtax.Error of kind
// KindConfiguration on the first violation found — collaborators may wrap
// this to aggregate multiple issues if they need to.
func (ws *Workspace) Validate() error {
	providerNames := make(map[string]struct{}, len(ws.Providers))
	for _, p := range ws.Providers {
		if p.Name == "" {
			return errtax.New(errtax.KindConfiguration, "config", "provider entry missing name", nil)
		}
		switch p.Kind {
		case ProviderKindLLM, ProviderKindEmbedding, ProviderKindVectorStore:
		default:
			return errtax.New(errtax.KindConfiguration, "config", fmt.Sprintf("provider %q has unknown kind %q", p.Name, p.Kind), nil)
		}
		providerNames[p.Name] = struct{}{}
	}

	techniqueNames := make(map[string]struct{})
	for _, s := range ws.Shops {
		if s.Name == "" {
			return errtax.New(errtax.KindConfiguration, "config", "shop entry missing name", nil)
		}
		for _, t := range s.Techniques {
			techniqueNames[t] = struct{}{}
		}
	}

	for _, p := range ws.Pipelines {
		if p.Name == "" {
			return errtax.New(errtax.KindConfiguration, "config", "pipeline entry missing name", nil)
		}
		if len(p.Steps) == 0 {
			return errtax.New(errtax.KindConfiguration, "config", fmt.Sprintf("pipeline %q has no steps", p.Name), nil)
		}
		seen := make(map[string]struct{}, len(p.Steps))
		for _, step := range p.Steps {
			if step.Name == "" {
				return errtax.New(errtax.KindConfiguration, "config", fmt.Sprintf("pipeline %q has a step with no name", p.Name), nil)
			}
			if _, dup := seen[step.Name]; dup {
				return errtax.New(errtax.KindConfiguration, "config", fmt.Sprintf("pipeline %q has duplicate step name %q", p.Name, step.Name), nil)
			}
			seen[step.Name] = struct{}{}
			if step.Technique == "" {
				return errtax.New(errtax.KindConfiguration, "config", fmt.Sprintf("pipeline %q step %q missing technique", p.Name, step.Name), nil)
			}
		}
	}

	if ws.Budget.MaxCostUSD < 0 || ws.Budget.MaxTokens < 0 || ws.Budget.MaxRequests < 0 {
		return errtax.New(errtax.KindConfiguration, "config", "budget limits must be non-negative", nil)
	}
	if ws.Budget.AlertThreshold < 0 || ws.Budget.AlertThreshold > 1 {
		return errtax.New(errtax.KindConfiguration, "config", "budget.alert_threshold must be in [0,1]", nil)
	}

	if ws.Session.SummarizeThresholdPct < 0 || ws.Session.SummarizeThresholdPct > 100 {
		return errtax.New(errtax.KindConfiguration, "config", "session.summarize_threshold_pct must be in [0,100]", nil)
	}
	if ws.Session.RotateThresholdPct < 0 || ws.Session.RotateThresholdPct > 100 {
		return errtax.New(errtax.KindConfiguration, "config", "session.rotate_threshold_pct must be in [0,100]", nil)
	}
	if ws.Session.SummarizeThresholdPct > 0 && ws.Session.RotateThresholdPct > 0 &&
		ws.Session.SummarizeThresholdPct >= ws.Session.RotateThresholdPct {
		return errtax.New(errtax.KindConfiguration, "config", "session.summarize_threshold_pct must be less than session.rotate_threshold_pct", nil)
	}

	return nil
}
