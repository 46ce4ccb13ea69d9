package state

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors mirror the teacher's session.Store convention: callers
// distinguish "not found" from other failures via errors.Is.
var (
	ErrConversationNotFound = errors.New("state: conversation not found")
	ErrSessionNotFound      = errors.New("state: session not found")
	ErrCallNotFound         = errors.New("state: subagent call not found")
	ErrCheckpointNotFound   = errors.New("state: phase checkpoint not found")
	ErrConfigNotFound       = errors.New("state: config snapshot not found")

	// ErrGenerationMismatch is returned by conditional updates when the
	// caller's expected active_generation no longer matches the stored
	// value (spec §4.B: "Conditional update... critical for rotation
	// correctness").
	ErrGenerationMismatch = errors.New("state: active_generation mismatch")

	// ErrRotationInProgress is returned when a rotation CAS finds another
	// rotation already in flight for the same session.
	ErrRotationInProgress = errors.New("state: rotation already in progress")

	// ErrCallKeyExists is returned by InsertCall when a terminal
	// (non-retryable-failure) row already exists for the call key and the
	// caller did not ask for idempotent lookup semantics.
	ErrCallKeyExists = errors.New("state: call_key already has a terminal result")
)

// NewConversationInput bundles the atomic "create Conversation + initial
// Session + ConfigSnapshot" transaction described in spec §4.B(a).
type NewConversationInput struct {
	Conversation Conversation
	Session      Session
	Config       ConfigSnapshot
}

// RotationSwapInput bundles the atomic rotation swap of spec §4.F.3.
type RotationSwapInput struct {
	// FromSessionID and ExpectedGeneration gate the CAS in step 1.
	FromSessionID     string
	ExpectedGeneration int64

	// To is the new session row created in step 2 (ParentSessionID and
	// SessionNumber are set by the Session Manager before calling Swap).
	To Session

	// Rotation is the event row inserted in step 4.
	Rotation SessionRotation
}

// Store is the durable, structured store implementing the schema in state's
// types.go. Required operations per spec §4.B.
type Store interface {
	// CreateConversation atomically creates a Conversation, its initial
	// Session, and pins a ConfigSnapshot.
	CreateConversation(ctx context.Context, in NewConversationInput) error
	LoadConversation(ctx context.Context, id string) (Conversation, error)
	// UpdateConversationStatus transitions status and, when terminal, sets
	// FinishedAt. Returns ErrConversationNotFound if missing.
	UpdateConversationStatus(ctx context.Context, id string, status ConversationStatus, finishedAt *time.Time) error
	// AdjustConversationSpend atomically adjusts tokens_spent/cost by the
	// given deltas (may be negative, e.g. on Release).
	AdjustConversationSpend(ctx context.Context, id string, tokenDelta, costDeltaMicro int64) (Conversation, error)

	LoadConfigSnapshot(ctx context.Context, version string) (ConfigSnapshot, error)

	LoadSession(ctx context.Context, id string) (Session, error)
	// LoadActiveSession returns the at-most-one active session for a
	// conversation (spec §8: "at most one session with status=active").
	LoadActiveSession(ctx context.Context, conversationID string) (Session, error)
	UpdateSessionTokens(ctx context.Context, id string, tokensSpent int64) error
	// SetRotationInProgress performs the CAS of spec §4.F.3 step 1: it sets
	// rotation_in_progress=true only if active_generation still equals
	// expectedGeneration. Returns ErrGenerationMismatch (another rotation
	// beat us) otherwise.
	SetRotationInProgress(ctx context.Context, sessionID string, expectedGeneration int64) error
	// ClearRotationInProgress releases the flag without advancing generation
	// (used on summarization/rotation failure).
	ClearRotationInProgress(ctx context.Context, sessionID string) error
	// MarkThresholdFired records that summarize/rotate triggers fired for a
	// session, satisfying the edge-triggered-once guarantee of spec §4.F.1.
	MarkThresholdFired(ctx context.Context, sessionID string, summarize, rotate bool) error
	// SwapRotation performs the full atomic rotation swap of spec §4.F.3
	// steps 1-4 as a single transaction.
	SwapRotation(ctx context.Context, in RotationSwapInput) (Session, error)
	// AbandonSession force-completes a session stuck beyond a crash-recovery
	// timeout (spec §4.F.5).
	AbandonSession(ctx context.Context, id string) error

	InsertTokenUsage(ctx context.Context, u SessionTokenUsage) error
	// LatestTokenUsage returns the most recent usage row for a session, used
	// to compute cumulative utilization.
	LatestTokenUsage(ctx context.Context, sessionID string) (SessionTokenUsage, error)

	// InsertCall inserts a new SubagentCall row. Returns ErrCallKeyExists if
	// a terminal row already exists for CallKey (spec §3: "call_key is
	// unique; a retry creates a new row").
	InsertCall(ctx context.Context, call SubagentCall) error
	// LoadCallByKey returns the current (most recent) row for a call key,
	// used by the Worker Scheduler's idempotency check.
	LoadCallByKey(ctx context.Context, callKey string) (SubagentCall, error)
	UpdateCallStatus(ctx context.Context, id string, status CallStatus, patch CallCompletion) error

	// ReconcileBudget atomically writes a BudgetReconciliation row and
	// applies its delta to the conversation's tokens_spent (spec §4.B(c)).
	ReconcileBudget(ctx context.Context, rec BudgetReconciliation) error

	UpsertCheckpoint(ctx context.Context, cp PhaseCheckpoint) error
	LoadCheckpoint(ctx context.Context, conversationID, phase string) (PhaseCheckpoint, error)
	ListCheckpoints(ctx context.Context, conversationID string) ([]PhaseCheckpoint, error)

	// IntegrityViews exposes the boot-time consistency checks of spec §7.
	IntegrityViews
}

// CallCompletion patches a SubagentCall row on state transition.
type CallCompletion struct {
	ResponseRef     string
	TokensInActual  int64
	TokensOutActual int64
	CostUSDMicro    int64
	FinishReason    string
	Error           string
	CompletedAt     *time.Time
}

// IntegrityViews surfaces boot-time consistency checks (spec §7, §4.F.5).
type IntegrityViews interface {
	// ViewStuckRotations returns sessions whose rotation_in_progress has
	// been set for longer than timeout.
	ViewStuckRotations(ctx context.Context, timeout time.Duration) ([]Session, error)
	// ViewOrphanedRotations returns SessionRotation rows whose ToSessionID
	// does not resolve to a stored session.
	ViewOrphanedRotations(ctx context.Context) ([]SessionRotation, error)
	// ViewAbandonedActiveSessions returns sessions marked active whose
	// parent conversation is already terminal.
	ViewAbandonedActiveSessions(ctx context.Context) ([]Session, error)
	// ViewTokenMismatch returns conversations whose tokens_spent disagrees
	// with the sum of committed calls + pending reservations beyond
	// tolerance (spec §8: 100 tokens).
	ViewTokenMismatch(ctx context.Context, tolerance int64) ([]Conversation, error)
}
