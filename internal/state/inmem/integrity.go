package inmem

import (
	"context"
	"time"

	"github.com/sibylhq/sibyl/internal/state"
)

// ViewStuckRotations implements state.IntegrityViews.
func (s *Store) ViewStuckRotations(_ context.Context, timeout time.Duration) ([]state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []state.Session
	for _, sess := range s.sessions {
		if !sess.RotationInProgress && sess.Status != state.SessionSummarizing && sess.Status != state.SessionRotating {
			continue
		}
		if now.Sub(sess.CreatedAt) >= timeout {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

// ViewOrphanedRotations implements state.IntegrityViews.
func (s *Store) ViewOrphanedRotations(_ context.Context) ([]state.SessionRotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.SessionRotation
	for _, r := range s.rotations {
		if r.ToSessionID == "" {
			continue
		}
		if _, ok := s.sessions[r.ToSessionID]; !ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ViewAbandonedActiveSessions implements state.IntegrityViews.
func (s *Store) ViewAbandonedActiveSessions(_ context.Context) ([]state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.Session
	for _, sess := range s.sessions {
		if sess.Status != state.SessionActive {
			continue
		}
		conv, ok := s.conversations[sess.ConversationID]
		if !ok || conv.Status.Terminal() {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

// ViewTokenMismatch implements state.IntegrityViews.
func (s *Store) ViewTokenMismatch(_ context.Context, tolerance int64) ([]state.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reserved := make(map[string]int64)
	actual := make(map[string]int64)
	for _, call := range s.calls {
		switch call.Status {
		case state.CallSucceeded:
			actual[call.ConversationID] += call.TokensInActual + call.TokensOutActual
		case state.CallQueued, state.CallRunning:
			reserved[call.ConversationID] += call.TokensInReserved
		}
	}
	var out []state.Conversation
	for id, conv := range s.conversations {
		expected := actual[id] + reserved[id]
		diff := conv.TokensSpent - expected
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			out = append(out, cloneConversation(conv))
		}
	}
	return out, nil
}
