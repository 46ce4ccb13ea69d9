package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/errtax"
)

const validYAML = `
providers:
  - name: primary-llm
    kind: llm
    driver: anthropic
    api_key_env: ANTHROPIC_API_KEY
shops:
  - name: drafting
    techniques: [outline, expand]
pipelines:
  - name: write-review
    steps:
      - name: draft
        technique: outline
      - name: review
        technique: expand
budget:
  max_cost_usd: 5.0
  max_tokens: 100000
  max_requests: 50
  alert_threshold: 0.8
session:
  summarize_threshold_pct: 60
  rotate_threshold_pct: 70
  strategy: llm_compress
observability:
  logging_level: info
  metrics_enabled: true
  tracing_enabled: false
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAndValidateAcceptsWellFormedWorkspace(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	ws, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, ws.Validate())
	require.Len(t, ws.Providers, 1)
	require.Equal(t, "write-review", ws.Pipelines[0].Name)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "providers: [this is not valid: yaml: at all")

	_, err := Load(path)
	require.Error(t, err)
	require.True(t, errtax.Is(err, errtax.KindConfiguration))
}

func TestValidateRejectsPipelineWithNoSteps(t *testing.T) {
	t.Parallel()
	ws := &Workspace{
		Pipelines: []PipelineConfig{{Name: "empty"}},
	}
	err := ws.Validate()
	require.Error(t, err)
	require.True(t, errtax.Is(err, errtax.KindConfiguration))
}

func TestValidateRejectsDuplicateStepNames(t *testing.T) {
	t.Parallel()
	ws := &Workspace{
		Pipelines: []PipelineConfig{{
			Name: "dup",
			Steps: []StepConfig{
				{Name: "draft", Technique: "outline"},
				{Name: "draft", Technique: "expand"},
			},
		}},
	}
	require.Error(t, ws.Validate())
}

func TestValidateRejectsUnorderedThresholds(t *testing.T) {
	t.Parallel()
	ws := &Workspace{
		Session: SessionConfig{SummarizeThresholdPct: 80, RotateThresholdPct: 60},
	}
	require.Error(t, ws.Validate())
}

func TestValidateRejectsUnknownProviderKind(t *testing.T) {
	t.Parallel()
	ws := &Workspace{
		Providers: []ProviderConfig{{Name: "x", Kind: "not-a-kind"}},
	}
	require.Error(t, ws.Validate())
}

func TestValidateAcceptsEmptyWorkspace(t *testing.T) {
	t.Parallel()
	require.NoError(t, (&Workspace{}).Validate())
}
