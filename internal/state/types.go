// Package state defines the durable schema and Store contract for the
// runtime core: conversations, sessions, rotations, subagent calls, token
// usage, budget reconciliation, and config snapshots (spec data model §3).
//
// The shape follows the teacher's runtime/agent/session package (durable
// lifecycle rows with explicit Store interfaces and sentinel not-found
// errors) generalized from "session + run metadata" to the full entity set
// a budget- and rotation-aware orchestrator needs.
package state

import "time"

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationRunning   ConversationStatus = "running"
	ConversationCompleted ConversationStatus = "completed"
	ConversationFailed    ConversationStatus = "failed"
	ConversationCancelled ConversationStatus = "cancelled"
	ConversationCrashed   ConversationStatus = "crashed"
)

// Terminal reports whether the status is one of the conversation's terminal
// states (spec §3: "exactly one terminal status").
func (s ConversationStatus) Terminal() bool {
	switch s {
	case ConversationCompleted, ConversationFailed, ConversationCancelled, ConversationCrashed:
		return true
	default:
		return false
	}
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionSummarizing SessionStatus = "summarizing"
	SessionRotating    SessionStatus = "rotating"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionAbandoned   SessionStatus = "abandoned"
)

// RotationTrigger identifies what caused a SessionRotation to be initiated.
type RotationTrigger string

const (
	TriggerTokenThreshold RotationTrigger = "token_threshold"
	TriggerManual         RotationTrigger = "manual"
	TriggerError          RotationTrigger = "error"
	TriggerTimeout        RotationTrigger = "timeout"
	TriggerForced         RotationTrigger = "forced"
)

// SummarizationStrategy identifies how a session's context was compressed
// ahead of a rotation.
type SummarizationStrategy string

const (
	StrategyLLMCompress   SummarizationStrategy = "llm_compress"
	StrategyDeltaCompress SummarizationStrategy = "delta_compress"
	StrategyFullCopy      SummarizationStrategy = "full_copy"
	StrategyRestart       SummarizationStrategy = "restart"
)

// CallStatus is the lifecycle state of a SubagentCall.
type CallStatus string

const (
	CallQueued          CallStatus = "queued"
	CallRunning         CallStatus = "running"
	CallSucceeded       CallStatus = "succeeded"
	CallFailedRetryable CallStatus = "failed_retryable"
	CallFailedTerminal  CallStatus = "failed_terminal"
	CallCancelled       CallStatus = "cancelled"
)

// SchemaVersion identifies the persisted layout version (spec §6: base v2,
// session-rotation v3; migration is one-way).
type SchemaVersion int

const (
	SchemaV2 SchemaVersion = 2
	SchemaV3 SchemaVersion = 3
)

// CurrentSchemaVersion is the layout this package's Store implementations
// read and write.
const CurrentSchemaVersion = SchemaV3

// Conversation is the unit of work: one execution of a declared pipeline
// against a token/cost budget.
type Conversation struct {
	ID           string
	WorkflowType string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       ConversationStatus
	TokenBudget  int64
	TokensSpent  int64
	CostUSDMicro int64 // fixed-point USD, 6 decimals (1 unit = 1e-6 USD)
	ContextHash  string
	ConfigVersion string
	Tags         map[string]string
}

// ConfigSnapshot is an immutable JSON blob keyed by config_version; every
// Conversation pins one.
type ConfigSnapshot struct {
	Version   string
	JSON      []byte
	CreatedAt time.Time
}

// Session is a rotating context window inside a Conversation.
type Session struct {
	ID                  string
	ConversationID      string
	ParentSessionID      *string
	SessionNumber        int
	ActiveGeneration     int64
	RotationInProgress   bool
	TokensBudget         int64
	TokensSpent          int64
	SummarizeThresholdPct float64
	RotateThresholdPct   float64
	ContextSummaryRef    string
	PreservedState       map[string]any
	Status               SessionStatus
	ModelName            string
	AgentType            string
	CreatedAt            time.Time
	CompletedAt          *time.Time

	// summarizeFired/rotateFired guard edge-triggered threshold crossings
	// (spec §4.F.1: "each fires at most once per session"). Not part of the
	// spec's public field list; represented here as internal bookkeeping
	// alongside Status rather than separate entities.
	SummarizeFired bool
	RotateFired    bool
}

// SessionRotation is an immutable event recording one rotation swap.
type SessionRotation struct {
	ID                     string
	FromSessionID          string
	ToSessionID            string
	Trigger                RotationTrigger
	TokensBeforeRotation   int64
	TokensThreshold        int64
	SummarizationStrategy  SummarizationStrategy
	ContextSummaryRef      string
	CompressionRatio       float64
	ModelBefore            string
	ModelAfter             string
	StartedAt              time.Time
	CompletedAt            *time.Time
	TimeoutAt              time.Time
	PreservedContextKeys   []string
	FallbackUsed           bool
	Failed                 bool
}

// SubagentCall records one external model call.
type SubagentCall struct {
	CallKey         string
	ID              string
	ConversationID  string
	Phase           string
	AgentType       string
	ModelName       string
	Temperature     float64
	TopP            float64
	SystemPrompt    string
	Seed            *int64
	PromptRef       string
	ResponseRef     string
	ProviderFingerprint string
	TokensInReserved  int64
	TokensInActual    int64
	TokensOutActual   int64
	CostUSDMicro      int64
	Status            CallStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	RetryOf           *string
	RetryCount        int
	FinishReason      string
	Error             string
	CorrelationID     string
	SpanID            string
}

// SessionTokenUsage records one external call bound to a session.
type SessionTokenUsage struct {
	SessionID              string
	TurnID                 int64
	TokensIn               int64
	TokensOut              int64
	TokensTotal            int64
	CumulativeTokens       int64
	UtilizationPct         float64
	ActiveGeneration       int64
	GenerationAtCompletion int64
	RecordedAt             time.Time
}

// BudgetReconciliation ties a call_key's reserved tokens to its actual spend.
type BudgetReconciliation struct {
	ConversationID string
	CallKey        string
	TokensReserved int64
	TokensActual   int64
	Delta          int64
	CostUSDMicro   int64
	RecordedAt     time.Time
}

// PhaseCheckpoint is a named phase boundary carrying a context hash for
// replay anchoring.
type PhaseCheckpoint struct {
	ConversationID string
	Phase          string
	ContextHash    string
	Status         string // "completed" once the phase's output is durably recorded
	CreatedAt      time.Time
}
