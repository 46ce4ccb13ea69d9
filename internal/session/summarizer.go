package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sibylhq/sibyl/internal/provider"
	"github.com/sibylhq/sibyl/internal/state"
)

// SummaryResult is the product of a Summarizer, ready to be persisted as a
// session_summary blob and threaded into the new session's row (spec
// §4.F.2).
type SummaryResult struct {
	Payload          []byte
	Ref              string
	Strategy         state.SummarizationStrategy
	CompressionRatio float64
	PreservedState   map[string]any
	PreservedKeys    []string
	FallbackUsed     bool
}

// Summarizer produces the compact session_summary blob consumed by Rotate.
// Implementations MAY call out to a Provider Gateway (llm_compress) or stay
// pure Go (delta_compress), mirroring the teacher's planner/runtime split:
// provider-backed planning with a pure-Go fallback path
// (features/policy/basic takes the same "provider-optional" shape).
type Summarizer interface {
	Summarize(ctx context.Context, sess state.Session) (SummaryResult, error)
}

// fallbackSummarizer is always available as a last resort: Manager falls
// back to it whenever the configured Summarizer fails, per spec §4.F.6
// ("summarization failure: fall back to deterministic strategy; never
// block the conversation").
var fallbackSummarizer Summarizer = NewDeltaCompressSummarizer()

// DeltaCompressSummarizer implements the deterministic delta_compress
// strategy: no model call, just a truncated transcript tail plus the
// preserved_state map serialized as JSON. Always succeeds.
type DeltaCompressSummarizer struct {
	// MaxTailChars bounds how much of preserved_state's "transcript_tail"
	// entry survives compression (default 2000).
	MaxTailChars int
}

// NewDeltaCompressSummarizer builds a DeltaCompressSummarizer with default
// settings.
func NewDeltaCompressSummarizer() *DeltaCompressSummarizer {
	return &DeltaCompressSummarizer{MaxTailChars: 2000}
}

func (d *DeltaCompressSummarizer) Summarize(_ context.Context, sess state.Session) (SummaryResult, error) {
	maxTail := d.MaxTailChars
	if maxTail <= 0 {
		maxTail = 2000
	}

	preserved := make(map[string]any, len(sess.PreservedState))
	for k, v := range sess.PreservedState {
		preserved[k] = v
	}
	keys := make([]string, 0, len(preserved))
	for k := range preserved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tail, _ := preserved["transcript_tail"].(string)
	if len(tail) > maxTail {
		tail = tail[len(tail)-maxTail:]
		preserved["transcript_tail"] = tail
	}

	doc := struct {
		Strategy       string         `json:"strategy"`
		PreservedState map[string]any `json:"preserved_state"`
		SessionID      string         `json:"session_id"`
	}{
		Strategy:       string(state.StrategyDeltaCompress),
		PreservedState: preserved,
		SessionID:      sess.ID,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("session: marshal delta_compress summary: %w", err)
	}

	ratio := 1.0
	if sess.TokensSpent > 0 {
		ratio = float64(sess.TokensSpent) / float64(max64(int64(len(payload))/4, 1))
	}

	return SummaryResult{
		Payload:          payload,
		Strategy:         state.StrategyDeltaCompress,
		CompressionRatio: ratio,
		PreservedState:   preserved,
		PreservedKeys:    keys,
	}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// LLMCompressSummarizer implements the default llm_compress strategy: it
// asks the Provider Gateway to produce a digest of the session's dialog,
// then folds preserved_state in verbatim.
type LLMCompressSummarizer struct {
	Gateway   provider.Gateway
	ModelName string
	// BuildPrompt renders the summarization prompt from session state.
	// Defaults to defaultSummarizationPrompt.
	BuildPrompt func(sess state.Session) string
}

// NewLLMCompressSummarizer builds an LLMCompressSummarizer.
func NewLLMCompressSummarizer(gateway provider.Gateway, modelName string) *LLMCompressSummarizer {
	return &LLMCompressSummarizer{Gateway: gateway, ModelName: modelName}
}

func (l *LLMCompressSummarizer) Summarize(ctx context.Context, sess state.Session) (SummaryResult, error) {
	buildPrompt := l.BuildPrompt
	if buildPrompt == nil {
		buildPrompt = defaultSummarizationPrompt
	}

	resp, err := l.Gateway.Complete(ctx, provider.CompleteRequest{
		Model:       l.ModelName,
		Prompt:      buildPrompt(sess),
		System:      "You compress conversation context into a terse digest preserving only decision-relevant facts.",
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return SummaryResult{}, err
	}

	preserved := make(map[string]any, len(sess.PreservedState))
	for k, v := range sess.PreservedState {
		preserved[k] = v
	}
	keys := make([]string, 0, len(preserved))
	for k := range preserved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := struct {
		Strategy       string         `json:"strategy"`
		Digest         string         `json:"digest"`
		PreservedState map[string]any `json:"preserved_state"`
		SessionID      string         `json:"session_id"`
	}{
		Strategy:       string(state.StrategyLLMCompress),
		Digest:         resp.Text,
		PreservedState: preserved,
		SessionID:      sess.ID,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("session: marshal llm_compress summary: %w", err)
	}

	ratio := 1.0
	if resp.TokensIn > 0 {
		ratio = float64(resp.TokensIn) / float64(max64(int64(resp.TokensOut), 1))
	}

	return SummaryResult{
		Payload:          payload,
		Strategy:         state.StrategyLLMCompress,
		CompressionRatio: ratio,
		PreservedState:   preserved,
		PreservedKeys:    keys,
	}, nil
}

func defaultSummarizationPrompt(sess state.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize session %s (model=%s, agent_type=%s) for handoff to a fresh context window.\n", sess.ID, sess.ModelName, sess.AgentType)
	b.WriteString("Preserve only facts needed to continue the work:\n")
	keys := make([]string, 0, len(sess.PreservedState))
	for k := range sess.PreservedState {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, sess.PreservedState[k])
	}
	return b.String()
}

// FullCopySummarizer implements the full_copy strategy: no compression, the
// entire preserved_state is carried forward verbatim. Used when a pipeline
// step declares it cannot tolerate lossy summarization.
type FullCopySummarizer struct{}

func (FullCopySummarizer) Summarize(_ context.Context, sess state.Session) (SummaryResult, error) {
	preserved := make(map[string]any, len(sess.PreservedState))
	for k, v := range sess.PreservedState {
		preserved[k] = v
	}
	payload, err := json.Marshal(struct {
		Strategy       string         `json:"strategy"`
		PreservedState map[string]any `json:"preserved_state"`
	}{string(state.StrategyFullCopy), preserved})
	if err != nil {
		return SummaryResult{}, err
	}
	return SummaryResult{
		Payload:          payload,
		Strategy:         state.StrategyFullCopy,
		CompressionRatio: 1,
		PreservedState:   preserved,
	}, nil
}

// RestartSummarizer implements the restart strategy of spec §4.F.5/§4.F.6:
// preserves only preserved_state, discarding all dialog history. Used by
// crash recovery when both llm_compress and delta_compress are unavailable
// or when a rotation has timed out.
type RestartSummarizer struct{}

func (RestartSummarizer) Summarize(_ context.Context, sess state.Session) (SummaryResult, error) {
	preserved := make(map[string]any, len(sess.PreservedState))
	for k, v := range sess.PreservedState {
		preserved[k] = v
	}
	payload, err := json.Marshal(struct {
		Strategy       string         `json:"strategy"`
		PreservedState map[string]any `json:"preserved_state"`
	}{string(state.StrategyRestart), preserved})
	if err != nil {
		return SummaryResult{}, err
	}
	return SummaryResult{
		Payload:          payload,
		Strategy:         state.StrategyRestart,
		CompressionRatio: 0,
		PreservedState:   preserved,
		FallbackUsed:     true,
	}, nil
}
