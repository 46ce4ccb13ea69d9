package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Outcome is the result of a successful CallSpec.Invoke.
type Outcome struct {
	ResponseRef     string
	TokensInActual  int64
	TokensOutActual int64
	CostUSDMicro    int64
	FinishReason    string
}

// CallSpec describes a single sub-agent invocation to schedule.
type CallSpec struct {
	ConversationID string
	SessionID      string
	Phase          string
	AgentType      string
	ModelName      string
	Temperature    float64
	TopP           float64
	SystemPrompt   string
	Seed           *int64
	PromptRef      string
	RetryCount     int
	// RetryOf is the ID of the SubagentCall row this attempt retries, set by
	// the scheduler itself when resubmitting after a retryable failure.
	// Empty for a call's first attempt.
	RetryOf string

	// Provider names the provider.Gateway backing this call, used for
	// per-provider concurrency sub-limits.
	Provider string
	// EstimateTokens is the amount reserved against the Budget Tracker
	// before Invoke runs.
	EstimateTokens int64

	// Cacheable asks the scheduler to consult the Cache/Memoizer (keyed on
	// PromptRef, ModelName, Temperature, TopP, SystemPrompt, Seed, and
	// ProviderFingerprint) before running Invoke, and to populate it on
	// success. RetryCount and ConversationID are deliberately excluded from
	// the cache key: a cached response is reusable across conversations and
	// retries as long as the call inputs match.
	Cacheable bool
	// ProviderFingerprint identifies the provider/model build behind this
	// call (e.g. a model version string) for cache-key purposes, since two
	// different backing models can otherwise share every other field.
	ProviderFingerprint string

	// Invoke performs the actual provider call. It must respect ctx
	// cancellation.
	Invoke func(ctx context.Context) (Outcome, error)
}

// callKey computes the idempotency key of spec §3: a deterministic hash of
// {conversation_id, phase, agent_type, model_name, temperature, top_p,
// system_prompt, seed, prompt_ref, retry_count}.
func callKey(spec CallSpec) string {
	seed := "nil"
	if spec.Seed != nil {
		seed = fmt.Sprintf("%d", *spec.Seed)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%.6f|%.6f|%s|%s|%s|%d",
		spec.ConversationID, spec.Phase, spec.AgentType, spec.ModelName,
		spec.Temperature, spec.TopP, spec.SystemPrompt, seed, spec.PromptRef, spec.RetryCount)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
