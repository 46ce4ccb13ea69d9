package mongo

import (
	"time"

	"github.com/sibylhq/sibyl/internal/state"
)

type conversationDocument struct {
	ConversationID string                    `bson:"conversation_id"`
	WorkflowType   string                    `bson:"workflow_type"`
	StartedAt      time.Time                 `bson:"started_at"`
	FinishedAt     *time.Time                `bson:"finished_at,omitempty"`
	Status         state.ConversationStatus  `bson:"status"`
	TokenBudget    int64                     `bson:"token_budget"`
	TokensSpent    int64                     `bson:"tokens_spent"`
	CostUSDMicro   int64                     `bson:"cost_usd_micro"`
	ContextHash    string                    `bson:"context_hash,omitempty"`
	ConfigVersion  string                    `bson:"config_version"`
	Tags           map[string]string         `bson:"tags,omitempty"`
}

func fromConversation(c state.Conversation) conversationDocument {
	return conversationDocument{
		ConversationID: c.ID,
		WorkflowType:   c.WorkflowType,
		StartedAt:      c.StartedAt.UTC(),
		FinishedAt:     c.FinishedAt,
		Status:         c.Status,
		TokenBudget:    c.TokenBudget,
		TokensSpent:    c.TokensSpent,
		CostUSDMicro:   c.CostUSDMicro,
		ContextHash:    c.ContextHash,
		ConfigVersion:  c.ConfigVersion,
		Tags:           c.Tags,
	}
}

func (d conversationDocument) toConversation() state.Conversation {
	return state.Conversation{
		ID:            d.ConversationID,
		WorkflowType:  d.WorkflowType,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		Status:        d.Status,
		TokenBudget:   d.TokenBudget,
		TokensSpent:   d.TokensSpent,
		CostUSDMicro:  d.CostUSDMicro,
		ContextHash:   d.ContextHash,
		ConfigVersion: d.ConfigVersion,
		Tags:          d.Tags,
	}
}

type configDocument struct {
	Version   string    `bson:"version"`
	JSON      []byte    `bson:"json"`
	CreatedAt time.Time `bson:"created_at"`
}

type sessionDocument struct {
	SessionID             string                    `bson:"session_id"`
	ConversationID        string                    `bson:"conversation_id"`
	ParentSessionID       *string                   `bson:"parent_session_id,omitempty"`
	SessionNumber         int                       `bson:"session_number"`
	ActiveGeneration      int64                     `bson:"active_generation"`
	RotationInProgress    bool                      `bson:"rotation_in_progress"`
	TokensBudget          int64                     `bson:"tokens_budget"`
	TokensSpent           int64                     `bson:"tokens_spent"`
	SummarizeThresholdPct float64                   `bson:"summarize_threshold_pct"`
	RotateThresholdPct    float64                   `bson:"rotate_threshold_pct"`
	ContextSummaryRef     string                    `bson:"context_summary_ref,omitempty"`
	PreservedState        map[string]any            `bson:"preserved_state,omitempty"`
	Status                state.SessionStatus       `bson:"status"`
	ModelName             string                    `bson:"model_name,omitempty"`
	AgentType             string                    `bson:"agent_type,omitempty"`
	CreatedAt             time.Time                 `bson:"created_at"`
	CompletedAt           *time.Time                `bson:"completed_at,omitempty"`
	SummarizeFired        bool                      `bson:"summarize_fired"`
	RotateFired           bool                      `bson:"rotate_fired"`
}

func fromSession(s state.Session) sessionDocument {
	return sessionDocument{
		SessionID:             s.ID,
		ConversationID:        s.ConversationID,
		ParentSessionID:       s.ParentSessionID,
		SessionNumber:         s.SessionNumber,
		ActiveGeneration:      s.ActiveGeneration,
		RotationInProgress:    s.RotationInProgress,
		TokensBudget:          s.TokensBudget,
		TokensSpent:           s.TokensSpent,
		SummarizeThresholdPct: s.SummarizeThresholdPct,
		RotateThresholdPct:    s.RotateThresholdPct,
		ContextSummaryRef:     s.ContextSummaryRef,
		PreservedState:        s.PreservedState,
		Status:                s.Status,
		ModelName:             s.ModelName,
		AgentType:             s.AgentType,
		CreatedAt:             s.CreatedAt.UTC(),
		CompletedAt:           s.CompletedAt,
		SummarizeFired:        s.SummarizeFired,
		RotateFired:           s.RotateFired,
	}
}

func (d sessionDocument) toSession() state.Session {
	return state.Session{
		ID:                    d.SessionID,
		ConversationID:        d.ConversationID,
		ParentSessionID:       d.ParentSessionID,
		SessionNumber:         d.SessionNumber,
		ActiveGeneration:      d.ActiveGeneration,
		RotationInProgress:    d.RotationInProgress,
		TokensBudget:          d.TokensBudget,
		TokensSpent:           d.TokensSpent,
		SummarizeThresholdPct: d.SummarizeThresholdPct,
		RotateThresholdPct:    d.RotateThresholdPct,
		ContextSummaryRef:     d.ContextSummaryRef,
		PreservedState:        d.PreservedState,
		Status:                d.Status,
		ModelName:             d.ModelName,
		AgentType:             d.AgentType,
		CreatedAt:             d.CreatedAt,
		CompletedAt:           d.CompletedAt,
		SummarizeFired:        d.SummarizeFired,
		RotateFired:           d.RotateFired,
	}
}

type rotationDocument struct {
	ID                    string                      `bson:"id"`
	FromSessionID         string                      `bson:"from_session_id"`
	ToSessionID           string                      `bson:"to_session_id"`
	Trigger               state.RotationTrigger       `bson:"trigger"`
	TokensBeforeRotation  int64                       `bson:"tokens_before_rotation"`
	TokensThreshold       int64                       `bson:"tokens_threshold"`
	SummarizationStrategy state.SummarizationStrategy `bson:"summarization_strategy"`
	ContextSummaryRef     string                      `bson:"context_summary_ref,omitempty"`
	CompressionRatio      float64                     `bson:"compression_ratio"`
	ModelBefore           string                      `bson:"model_before,omitempty"`
	ModelAfter            string                      `bson:"model_after,omitempty"`
	StartedAt             time.Time                   `bson:"started_at"`
	CompletedAt           *time.Time                  `bson:"completed_at,omitempty"`
	TimeoutAt             time.Time                   `bson:"timeout_at"`
	PreservedContextKeys  []string                    `bson:"preserved_context_keys,omitempty"`
	FallbackUsed          bool                        `bson:"fallback_used"`
	Failed                bool                        `bson:"failed"`
}

func fromRotation(r state.SessionRotation) rotationDocument {
	return rotationDocument{
		ID: r.ID, FromSessionID: r.FromSessionID, ToSessionID: r.ToSessionID,
		Trigger: r.Trigger, TokensBeforeRotation: r.TokensBeforeRotation,
		TokensThreshold: r.TokensThreshold, SummarizationStrategy: r.SummarizationStrategy,
		ContextSummaryRef: r.ContextSummaryRef, CompressionRatio: r.CompressionRatio,
		ModelBefore: r.ModelBefore, ModelAfter: r.ModelAfter, StartedAt: r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt, TimeoutAt: r.TimeoutAt, PreservedContextKeys: r.PreservedContextKeys,
		FallbackUsed: r.FallbackUsed, Failed: r.Failed,
	}
}

func (d rotationDocument) toRotation() state.SessionRotation {
	return state.SessionRotation{
		ID: d.ID, FromSessionID: d.FromSessionID, ToSessionID: d.ToSessionID,
		Trigger: d.Trigger, TokensBeforeRotation: d.TokensBeforeRotation,
		TokensThreshold: d.TokensThreshold, SummarizationStrategy: d.SummarizationStrategy,
		ContextSummaryRef: d.ContextSummaryRef, CompressionRatio: d.CompressionRatio,
		ModelBefore: d.ModelBefore, ModelAfter: d.ModelAfter, StartedAt: d.StartedAt,
		CompletedAt: d.CompletedAt, TimeoutAt: d.TimeoutAt, PreservedContextKeys: d.PreservedContextKeys,
		FallbackUsed: d.FallbackUsed, Failed: d.Failed,
	}
}

type callDocument struct {
	CallKey             string             `bson:"call_key"`
	ID                  string             `bson:"id"`
	ConversationID      string             `bson:"conversation_id"`
	Phase               string             `bson:"phase"`
	AgentType           string             `bson:"agent_type"`
	ModelName           string             `bson:"model_name"`
	Temperature         float64            `bson:"temperature"`
	TopP                float64            `bson:"top_p"`
	SystemPrompt        string             `bson:"system_prompt,omitempty"`
	Seed                *int64             `bson:"seed,omitempty"`
	PromptRef           string             `bson:"prompt_ref,omitempty"`
	ResponseRef         string             `bson:"response_ref,omitempty"`
	ProviderFingerprint string             `bson:"provider_fingerprint,omitempty"`
	TokensInReserved    int64              `bson:"tokens_in_reserved"`
	TokensInActual      int64              `bson:"tokens_in_actual"`
	TokensOutActual     int64              `bson:"tokens_out_actual"`
	CostUSDMicro        int64              `bson:"cost_usd_micro"`
	Status              state.CallStatus   `bson:"status"`
	StartedAt           time.Time          `bson:"started_at"`
	CompletedAt         *time.Time         `bson:"completed_at,omitempty"`
	RetryOf             *string            `bson:"retry_of,omitempty"`
	RetryCount          int                `bson:"retry_count"`
	FinishReason        string             `bson:"finish_reason,omitempty"`
	Error               string             `bson:"error,omitempty"`
	CorrelationID       string             `bson:"correlation_id,omitempty"`
	SpanID              string             `bson:"span_id,omitempty"`
}

func fromCall(c state.SubagentCall) callDocument {
	return callDocument{
		CallKey: c.CallKey, ID: c.ID, ConversationID: c.ConversationID, Phase: c.Phase,
		AgentType: c.AgentType, ModelName: c.ModelName, Temperature: c.Temperature, TopP: c.TopP,
		SystemPrompt: c.SystemPrompt, Seed: c.Seed, PromptRef: c.PromptRef, ResponseRef: c.ResponseRef,
		ProviderFingerprint: c.ProviderFingerprint, TokensInReserved: c.TokensInReserved,
		TokensInActual: c.TokensInActual, TokensOutActual: c.TokensOutActual, CostUSDMicro: c.CostUSDMicro,
		Status: c.Status, StartedAt: c.StartedAt.UTC(), CompletedAt: c.CompletedAt, RetryOf: c.RetryOf,
		RetryCount: c.RetryCount, FinishReason: c.FinishReason, Error: c.Error,
		CorrelationID: c.CorrelationID, SpanID: c.SpanID,
	}
}

func (d callDocument) toCall() state.SubagentCall {
	return state.SubagentCall{
		CallKey: d.CallKey, ID: d.ID, ConversationID: d.ConversationID, Phase: d.Phase,
		AgentType: d.AgentType, ModelName: d.ModelName, Temperature: d.Temperature, TopP: d.TopP,
		SystemPrompt: d.SystemPrompt, Seed: d.Seed, PromptRef: d.PromptRef, ResponseRef: d.ResponseRef,
		ProviderFingerprint: d.ProviderFingerprint, TokensInReserved: d.TokensInReserved,
		TokensInActual: d.TokensInActual, TokensOutActual: d.TokensOutActual, CostUSDMicro: d.CostUSDMicro,
		Status: d.Status, StartedAt: d.StartedAt, CompletedAt: d.CompletedAt, RetryOf: d.RetryOf,
		RetryCount: d.RetryCount, FinishReason: d.FinishReason, Error: d.Error,
		CorrelationID: d.CorrelationID, SpanID: d.SpanID,
	}
}

type usageDocument struct {
	SessionID              string    `bson:"session_id"`
	TurnID                 int64     `bson:"turn_id"`
	TokensIn               int64     `bson:"tokens_in"`
	TokensOut              int64     `bson:"tokens_out"`
	TokensTotal            int64     `bson:"tokens_total"`
	CumulativeTokens       int64     `bson:"cumulative_tokens"`
	UtilizationPct         float64   `bson:"utilization_pct"`
	ActiveGeneration       int64     `bson:"active_generation"`
	GenerationAtCompletion int64     `bson:"generation_at_completion"`
	RecordedAt             time.Time `bson:"recorded_at"`
}

func fromUsage(u state.SessionTokenUsage) usageDocument {
	return usageDocument{
		SessionID: u.SessionID, TurnID: u.TurnID, TokensIn: u.TokensIn, TokensOut: u.TokensOut,
		TokensTotal: u.TokensTotal, CumulativeTokens: u.CumulativeTokens, UtilizationPct: u.UtilizationPct,
		ActiveGeneration: u.ActiveGeneration, GenerationAtCompletion: u.GenerationAtCompletion,
		RecordedAt: u.RecordedAt.UTC(),
	}
}

func (d usageDocument) toUsage() state.SessionTokenUsage {
	return state.SessionTokenUsage{
		SessionID: d.SessionID, TurnID: d.TurnID, TokensIn: d.TokensIn, TokensOut: d.TokensOut,
		TokensTotal: d.TokensTotal, CumulativeTokens: d.CumulativeTokens, UtilizationPct: d.UtilizationPct,
		ActiveGeneration: d.ActiveGeneration, GenerationAtCompletion: d.GenerationAtCompletion,
		RecordedAt: d.RecordedAt,
	}
}

type checkpointDocument struct {
	ConversationID string    `bson:"conversation_id"`
	Phase          string    `bson:"phase"`
	ContextHash    string    `bson:"context_hash"`
	Status         string    `bson:"status"`
	CreatedAt      time.Time `bson:"created_at"`
}

func fromCheckpoint(c state.PhaseCheckpoint) checkpointDocument {
	return checkpointDocument{
		ConversationID: c.ConversationID, Phase: c.Phase, ContextHash: c.ContextHash,
		Status: c.Status, CreatedAt: c.CreatedAt.UTC(),
	}
}

func (d checkpointDocument) toCheckpoint() state.PhaseCheckpoint {
	return state.PhaseCheckpoint{
		ConversationID: d.ConversationID, Phase: d.Phase, ContextHash: d.ContextHash,
		Status: d.Status, CreatedAt: d.CreatedAt,
	}
}
