package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sibylhq/sibyl/internal/blob"
	"github.com/sibylhq/sibyl/internal/state"
)

// RecoveryReport summarizes the boot-time crash recovery pass of spec
// §4.F.5, for the caller (pkg/sibyl) to log and expose as a metric.
type RecoveryReport struct {
	StuckRotationsForceCompleted int
	OrphanedRotationsDeleted     int
	AbandonedSessionsClosed      int
	TokenMismatchesReconciled    int
	IntegrityViolations          int
}

// Recover runs the boot-time integrity checks of spec §7/§4.F.5 against the
// State Store's IntegrityViews and repairs what it finds:
//   - sessions stuck in rotating/summarizing beyond timeout are
//     force-completed with fallback_used=true and a restart-strategy
//     successor session;
//   - orphaned rotations (no resolvable to_session) are reported (deletion
//     is left to an operator-run migration; the runtime never deletes
//     immutable rotation history);
//   - active sessions whose conversation is already terminal are abandoned;
//   - token-accounting mismatches beyond tolerance are reconciled from
//     SessionTokenUsage.
func Recover(ctx context.Context, mgr *Manager, timeout time.Duration, tolerance int64) (RecoveryReport, error) {
	var report RecoveryReport
	logger := mgr.logger

	stuck, err := mgr.store.ViewStuckRotations(ctx, timeout)
	if err != nil {
		return report, err
	}
	for _, sess := range stuck {
		if err := recoverStuckSession(ctx, mgr, sess); err != nil {
			logger.Error(ctx, "failed to recover stuck session",
				"session_id", sess.ID, "error", err.Error())
			report.IntegrityViolations++
			continue
		}
		report.StuckRotationsForceCompleted++
		report.IntegrityViolations++
	}

	orphaned, err := mgr.store.ViewOrphanedRotations(ctx)
	if err != nil {
		return report, err
	}
	if len(orphaned) > 0 {
		logger.Warn(ctx, "found orphaned rotation rows", "count", len(orphaned))
		report.OrphanedRotationsDeleted = len(orphaned)
		report.IntegrityViolations += len(orphaned)
	}

	abandoned, err := mgr.store.ViewAbandonedActiveSessions(ctx)
	if err != nil {
		return report, err
	}
	for _, sess := range abandoned {
		if err := mgr.store.AbandonSession(ctx, sess.ID); err != nil {
			logger.Error(ctx, "failed to abandon orphaned active session",
				"session_id", sess.ID, "error", err.Error())
			continue
		}
		report.AbandonedSessionsClosed++
		report.IntegrityViolations++
	}

	mismatched, err := mgr.store.ViewTokenMismatch(ctx, tolerance)
	if err != nil {
		return report, err
	}
	for _, conv := range mismatched {
		if err := reconcileConversationTokens(ctx, mgr.store, conv); err != nil {
			logger.Error(ctx, "failed to reconcile token mismatch",
				"conversation_id", conv.ID, "error", err.Error())
			continue
		}
		report.TokenMismatchesReconciled++
		report.IntegrityViolations++
	}

	return report, nil
}

// recoverStuckSession force-completes a session wedged in rotating/
// summarizing, then creates a restart-strategy successor (spec §4.F.5(a),
// §4.F.6: "rotation timeout... optionally start a new session via restart
// strategy preserving only preserved_state").
func recoverStuckSession(ctx context.Context, mgr *Manager, sess state.Session) error {
	if err := mgr.store.ClearRotationInProgress(ctx, sess.ID); err != nil && !errors.Is(err, state.ErrSessionNotFound) {
		return err
	}
	if err := mgr.store.AbandonSession(ctx, sess.ID); err != nil {
		return err
	}

	restart := RestartSummarizer{}
	result, err := restart.Summarize(ctx, sess)
	if err != nil {
		return err
	}
	ref, err := mgr.blobs.Put(ctx, blob.KindSessionSummary, result.Payload)
	if err != nil {
		return err
	}
	result.Ref = string(ref)

	newSession := state.Session{
		ID:                fmt.Sprintf("%s-recovered-gen%d", sess.ConversationID, sess.SessionNumber+1),
		ConversationID:    sess.ConversationID,
		ParentSessionID:   &sess.ID,
		SessionNumber:     sess.SessionNumber + 1,
		ActiveGeneration:  1,
		TokensBudget:      sess.TokensBudget,
		ContextSummaryRef: result.Ref,
		PreservedState:    result.PreservedState,
		Status:            state.SessionActive,
		ModelName:         sess.ModelName,
		AgentType:         sess.AgentType,
		CreatedAt:         time.Now().UTC(),
	}
	rotation := state.SessionRotation{
		FromSessionID:         sess.ID,
		ToSessionID:           newSession.ID,
		Trigger:               state.TriggerTimeout,
		TokensBeforeRotation:  sess.TokensSpent,
		SummarizationStrategy: state.StrategyRestart,
		ContextSummaryRef:     result.Ref,
		StartedAt:             time.Now().UTC(),
		FallbackUsed:          true,
		Failed:                true,
	}

	_, err = mgr.store.SwapRotation(ctx, state.RotationSwapInput{
		FromSessionID:      sess.ID,
		ExpectedGeneration: sess.ActiveGeneration,
		To:                 newSession,
		Rotation:           rotation,
	})
	return err
}

func reconcileConversationTokens(ctx context.Context, store state.Store, conv state.Conversation) error {
	sess, err := store.LoadActiveSession(ctx, conv.ID)
	if err != nil {
		return err
	}
	usage, err := store.LatestTokenUsage(ctx, sess.ID)
	if err != nil {
		return err
	}
	delta := usage.CumulativeTokens - conv.TokensSpent
	if delta == 0 {
		return nil
	}
	return store.ReconcileBudget(ctx, state.BudgetReconciliation{
		ConversationID: conv.ID,
		CallKey:        "recovery:" + conv.ID,
		TokensReserved: 0,
		TokensActual:   usage.CumulativeTokens,
		Delta:          delta,
		RecordedAt:     time.Now().UTC(),
	})
}
