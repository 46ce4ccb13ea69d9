// Package session implements the Session Manager: threshold monitoring over
// token utilization, summarization handoff, and the atomic generation-swap
// rotation protocol. It is the hardest subsystem in the runtime core.
//
// The Session/SessionRotation shapes are grounded on the teacher's
// runtime/agent/session.Store contract (explicit lifecycle, idempotent
// creation, terminal states) but generalized from "chat session + run
// metadata" to "rotating context window with token-budget thresholds and a
// compare-and-set handoff", since the teacher's sessions never rotate mid
// conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sibylhq/sibyl/internal/blob"
	"github.com/sibylhq/sibyl/internal/errtax"
	"github.com/sibylhq/sibyl/internal/state"
	"github.com/sibylhq/sibyl/internal/telemetry"
)

// DefaultSummarizeThresholdPct and DefaultRotateThresholdPct are the
// fallback thresholds when a Conversation's ConfigSnapshot does not specify
// its own (spec §4.F.1).
const (
	DefaultSummarizeThresholdPct = 60.0
	DefaultRotateThresholdPct    = 70.0

	// DefaultRotationTimeout bounds how long a rotation may sit in
	// rotation_in_progress before crash recovery force-completes it.
	DefaultRotationTimeout = 5 * time.Minute
)

// ErrRotationSuppressed is returned by CheckThresholds when the rotate
// trigger fires but a rotation is already in progress for the session
// (edge-triggered trigger is a no-op, not an error condition the caller
// should surface).
var ErrRotationSuppressed = errors.New("session: rotation already in progress, trigger suppressed")

// Manager implements spec §4.F.
type Manager struct {
	store      state.Store
	blobs      blob.Store
	summarizer Summarizer
	logger     telemetry.Logger

	summarizeThresholdPct float64
	rotateThresholdPct    float64
	rotationTimeout       time.Duration
}

// Options configures a Manager.
type Options struct {
	Store      state.Store
	Blobs      blob.Store
	Summarizer Summarizer
	Logger     telemetry.Logger

	SummarizeThresholdPct float64
	RotateThresholdPct    float64
	RotationTimeout       time.Duration
}

// New builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("session: blob store is required")
	}
	summarizeThresholdPct := opts.SummarizeThresholdPct
	if summarizeThresholdPct <= 0 {
		summarizeThresholdPct = DefaultSummarizeThresholdPct
	}
	rotateThresholdPct := opts.RotateThresholdPct
	if rotateThresholdPct <= 0 {
		rotateThresholdPct = DefaultRotateThresholdPct
	}
	rotationTimeout := opts.RotationTimeout
	if rotationTimeout <= 0 {
		rotationTimeout = DefaultRotationTimeout
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = NewDeltaCompressSummarizer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		store:                 opts.Store,
		blobs:                 opts.Blobs,
		summarizer:            summarizer,
		logger:                logger,
		summarizeThresholdPct: summarizeThresholdPct,
		rotateThresholdPct:    rotateThresholdPct,
		rotationTimeout:       rotationTimeout,
	}, nil
}

// utilizationPct is the pure function of spec §4.F.1.
func utilizationPct(cumulative, budget int64) float64 {
	if budget <= 0 {
		return 0
	}
	return float64(cumulative) / float64(budget) * 100
}

// RecordUsage implements the operation boundary contract of spec §4.F.4: it
// inserts a SessionTokenUsage row tagged with the active_generation observed
// at entry, recomputes utilization, and fires edge-triggered summarize/
// rotate triggers. The returned bool reports whether a rotation was
// performed.
func (m *Manager) RecordUsage(ctx context.Context, sessionID string, turnID, tokensIn, tokensOut int64, generationAtEntry int64) (bool, error) {
	sess, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	latest, err := m.store.LatestTokenUsage(ctx, sessionID)
	cumulative := tokensIn + tokensOut
	if err == nil {
		cumulative += latest.CumulativeTokens
	}

	pct := utilizationPct(cumulative, sess.TokensBudget)
	usage := state.SessionTokenUsage{
		SessionID:              sessionID,
		TurnID:                 turnID,
		TokensIn:               tokensIn,
		TokensOut:              tokensOut,
		TokensTotal:            tokensIn + tokensOut,
		CumulativeTokens:       cumulative,
		UtilizationPct:         pct,
		ActiveGeneration:       generationAtEntry,
		GenerationAtCompletion: sess.ActiveGeneration,
		RecordedAt:             time.Now().UTC(),
	}
	if err := m.store.InsertTokenUsage(ctx, usage); err != nil {
		return false, err
	}
	if err := m.store.UpdateSessionTokens(ctx, sessionID, cumulative); err != nil {
		return false, err
	}

	if generationAtEntry != sess.ActiveGeneration {
		m.logger.Warn(ctx, "session rotated during call",
			"session_id", sessionID,
			"generation_at_entry", generationAtEntry,
			"active_generation", sess.ActiveGeneration)
	}

	return m.checkThresholds(ctx, sess, pct)
}

// checkThresholds fires the edge-triggered summarize/rotate triggers of
// spec §4.F.1. Each fires at most once per session, guarded by the
// Session's SummarizeFired/RotateFired bookkeeping flags.
func (m *Manager) checkThresholds(ctx context.Context, sess state.Session, pct float64) (bool, error) {
	summarizeThreshold := m.summarizeThresholdPct
	if sess.SummarizeThresholdPct > 0 {
		summarizeThreshold = sess.SummarizeThresholdPct
	}
	rotateThreshold := m.rotateThresholdPct
	if sess.RotateThresholdPct > 0 {
		rotateThreshold = sess.RotateThresholdPct
	}

	if !sess.SummarizeFired && pct >= summarizeThreshold {
		if err := m.store.MarkThresholdFired(ctx, sess.ID, true, false); err != nil {
			return false, err
		}
		go m.beginSummarization(context.WithoutCancel(ctx), sess)
	}

	if !sess.RotateFired && pct >= rotateThreshold {
		if err := m.store.MarkThresholdFired(ctx, sess.ID, false, true); err != nil {
			return false, err
		}
		if err := m.Rotate(ctx, sess.ID, state.TriggerTokenThreshold, pct); err != nil {
			if errors.Is(err, state.ErrRotationInProgress) || errors.Is(err, ErrRotationSuppressed) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// beginSummarization runs in the background once the summarize trigger
// fires, preparing the session_summary blob ahead of the rotate trigger so
// the swap in Rotate does not block on it when it arrives.
func (m *Manager) beginSummarization(ctx context.Context, sess state.Session) {
	if _, err := m.summarizeSession(ctx, sess); err != nil {
		m.logger.Warn(ctx, "background summarization failed",
			"session_id", sess.ID,
			"error", err.Error())
	}
}

func (m *Manager) summarizeSession(ctx context.Context, sess state.Session) (SummaryResult, error) {
	result, err := m.summarizer.Summarize(ctx, sess)
	if err != nil && m.summarizer != fallbackSummarizer {
		m.logger.Warn(ctx, "summarizer failed, falling back to delta_compress",
			"session_id", sess.ID,
			"error", err.Error())
		result, err = fallbackSummarizer.Summarize(ctx, sess)
		result.FallbackUsed = true
	}
	if err != nil {
		return SummaryResult{}, errtax.New(errtax.KindRotationFailed, "session", "summarization failed", err)
	}
	ref, err := m.blobs.Put(ctx, blob.KindSessionSummary, result.Payload)
	if err != nil {
		return SummaryResult{}, err
	}
	result.Ref = string(ref)
	return result, nil
}

// Rotate performs the atomic swap of spec §4.F.3. It is exposed directly so
// callers (and crash recovery) can force a rotation outside the normal
// threshold path (trigger=manual/forced/error/timeout).
func (m *Manager) Rotate(ctx context.Context, sessionID string, trigger state.RotationTrigger, utilization float64) error {
	sess, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.RotationInProgress {
		return ErrRotationSuppressed
	}

	started := time.Now().UTC()
	if err := m.store.SetRotationInProgress(ctx, sessionID, sess.ActiveGeneration); err != nil {
		return err
	}

	summary, sumErr := m.summarizeSession(ctx, sess)
	if sumErr != nil {
		_ = m.store.ClearRotationInProgress(ctx, sessionID)
		return sumErr
	}

	newSession := state.Session{
		ID:                    fmt.Sprintf("%s-gen%d", sess.ConversationID, sess.SessionNumber+1),
		ConversationID:        sess.ConversationID,
		ParentSessionID:       &sess.ID,
		SessionNumber:         sess.SessionNumber + 1,
		ActiveGeneration:      1,
		TokensBudget:          sess.TokensBudget,
		SummarizeThresholdPct: sess.SummarizeThresholdPct,
		RotateThresholdPct:    sess.RotateThresholdPct,
		ContextSummaryRef:     summary.Ref,
		PreservedState:        summary.PreservedState,
		Status:                state.SessionActive,
		ModelName:             sess.ModelName,
		AgentType:             sess.AgentType,
		CreatedAt:             time.Now().UTC(),
	}

	rotation := state.SessionRotation{
		FromSessionID:         sess.ID,
		ToSessionID:           newSession.ID,
		Trigger:               trigger,
		TokensBeforeRotation:  sess.TokensSpent,
		TokensThreshold:       int64(utilization),
		SummarizationStrategy: summary.Strategy,
		ContextSummaryRef:     summary.Ref,
		CompressionRatio:      summary.CompressionRatio,
		ModelBefore:           sess.ModelName,
		ModelAfter:            newSession.ModelName,
		StartedAt:             started,
		TimeoutAt:             started.Add(m.rotationTimeout),
		PreservedContextKeys:  summary.PreservedKeys,
		FallbackUsed:          summary.FallbackUsed,
	}

	_, err = m.store.SwapRotation(ctx, state.RotationSwapInput{
		FromSessionID:      sess.ID,
		ExpectedGeneration: sess.ActiveGeneration,
		To:                 newSession,
		Rotation:           rotation,
	})
	if err != nil {
		_ = m.store.ClearRotationInProgress(ctx, sessionID)
		return err
	}
	return nil
}
