// Package inmem provides an in-memory implementation of state.Store.
//
// It is intended for tests and local development, mirroring the teacher's
// runtime/agent/session/inmem package: a sync.RWMutex-guarded set of maps
// with deep-clone-on-read/write so callers can never observe or corrupt
// another goroutine's view of a row. Production deployments use
// internal/state/mongo.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sibylhq/sibyl/internal/state"
)

// Store is an in-memory implementation of state.Store. Safe for concurrent
// use.
type Store struct {
	mu            sync.Mutex
	conversations map[string]state.Conversation
	configs       map[string]state.ConfigSnapshot
	sessions      map[string]state.Session
	rotations     []state.SessionRotation
	calls         map[string]state.SubagentCall // keyed by call_key, most recent row
	callsByID     map[string]string             // id -> call_key
	usage         map[string][]state.SessionTokenUsage
	checkpoints   map[string]map[string]state.PhaseCheckpoint
	seq           int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]state.Conversation),
		configs:       make(map[string]state.ConfigSnapshot),
		sessions:      make(map[string]state.Session),
		calls:         make(map[string]state.SubagentCall),
		callsByID:     make(map[string]string),
		usage:         make(map[string][]state.SessionTokenUsage),
		checkpoints:   make(map[string]map[string]state.PhaseCheckpoint),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// CreateConversation implements state.Store.
func (s *Store) CreateConversation(_ context.Context, in state.NewConversationInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[in.Conversation.ID]; ok {
		return fmt.Errorf("inmem: conversation %q already exists", in.Conversation.ID)
	}
	s.conversations[in.Conversation.ID] = cloneConversation(in.Conversation)
	s.configs[in.Config.Version] = in.Config
	s.sessions[in.Session.ID] = cloneSession(in.Session)
	return nil
}

// LoadConversation implements state.Store.
func (s *Store) LoadConversation(_ context.Context, id string) (state.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return state.Conversation{}, state.ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

// UpdateConversationStatus implements state.Store.
func (s *Store) UpdateConversationStatus(_ context.Context, id string, status state.ConversationStatus, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return state.ErrConversationNotFound
	}
	c.Status = status
	if finishedAt != nil {
		at := *finishedAt
		c.FinishedAt = &at
	}
	s.conversations[id] = c
	return nil
}

// AdjustConversationSpend implements state.Store.
func (s *Store) AdjustConversationSpend(_ context.Context, id string, tokenDelta, costDeltaMicro int64) (state.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return state.Conversation{}, state.ErrConversationNotFound
	}
	c.TokensSpent += tokenDelta
	c.CostUSDMicro += costDeltaMicro
	s.conversations[id] = c
	return cloneConversation(c), nil
}

// LoadConfigSnapshot implements state.Store.
func (s *Store) LoadConfigSnapshot(_ context.Context, version string) (state.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[version]
	if !ok {
		return state.ConfigSnapshot{}, state.ErrConfigNotFound
	}
	return cfg, nil
}

// LoadSession implements state.Store.
func (s *Store) LoadSession(_ context.Context, id string) (state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return state.Session{}, state.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// LoadActiveSession implements state.Store.
func (s *Store) LoadActiveSession(_ context.Context, conversationID string) (state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID && sess.Status == state.SessionActive {
			return cloneSession(sess), nil
		}
	}
	return state.Session{}, state.ErrSessionNotFound
}

// UpdateSessionTokens implements state.Store.
func (s *Store) UpdateSessionTokens(_ context.Context, id string, tokensSpent int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return state.ErrSessionNotFound
	}
	sess.TokensSpent = tokensSpent
	s.sessions[id] = sess
	return nil
}

// SetRotationInProgress implements state.Store.
func (s *Store) SetRotationInProgress(_ context.Context, sessionID string, expectedGeneration int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return state.ErrSessionNotFound
	}
	if sess.ActiveGeneration != expectedGeneration {
		return state.ErrGenerationMismatch
	}
	if sess.RotationInProgress {
		return state.ErrRotationInProgress
	}
	sess.RotationInProgress = true
	s.sessions[sessionID] = sess
	return nil
}

// ClearRotationInProgress implements state.Store.
func (s *Store) ClearRotationInProgress(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return state.ErrSessionNotFound
	}
	sess.RotationInProgress = false
	s.sessions[sessionID] = sess
	return nil
}

// MarkThresholdFired implements state.Store.
func (s *Store) MarkThresholdFired(_ context.Context, sessionID string, summarize, rotate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return state.ErrSessionNotFound
	}
	if summarize {
		sess.SummarizeFired = true
	}
	if rotate {
		sess.RotateFired = true
	}
	s.sessions[sessionID] = sess
	return nil
}

// SwapRotation implements state.Store.
func (s *Store) SwapRotation(_ context.Context, in state.RotationSwapInput) (state.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.sessions[in.FromSessionID]
	if !ok {
		return state.Session{}, state.ErrSessionNotFound
	}
	if from.ActiveGeneration != in.ExpectedGeneration {
		return state.Session{}, state.ErrGenerationMismatch
	}

	to := cloneSession(in.To)
	s.sessions[to.ID] = to

	now := time.Now().UTC()
	from.Status = state.SessionCompleted
	from.CompletedAt = &now
	from.RotationInProgress = false
	s.sessions[from.ID] = from

	s.rotations = append(s.rotations, in.Rotation)

	return cloneSession(to), nil
}

// AbandonSession implements state.Store.
func (s *Store) AbandonSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return state.ErrSessionNotFound
	}
	sess.Status = state.SessionAbandoned
	sess.RotationInProgress = false
	now := time.Now().UTC()
	sess.CompletedAt = &now
	s.sessions[id] = sess
	return nil
}

// InsertTokenUsage implements state.Store.
func (s *Store) InsertTokenUsage(_ context.Context, u state.SessionTokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[u.SessionID] = append(s.usage[u.SessionID], u)
	return nil
}

// LatestTokenUsage implements state.Store.
func (s *Store) LatestTokenUsage(_ context.Context, sessionID string) (state.SessionTokenUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.usage[sessionID]
	if len(rows) == 0 {
		return state.SessionTokenUsage{}, fmt.Errorf("inmem: no token usage for session %q", sessionID)
	}
	return rows[len(rows)-1], nil
}

// InsertCall implements state.Store.
func (s *Store) InsertCall(_ context.Context, call state.SubagentCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.calls[call.CallKey]; ok && existing.Status == state.CallSucceeded {
		return state.ErrCallKeyExists
	}
	s.calls[call.CallKey] = call
	s.callsByID[call.ID] = call.CallKey
	return nil
}

// LoadCallByKey implements state.Store.
func (s *Store) LoadCallByKey(_ context.Context, callKey string) (state.SubagentCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callKey]
	if !ok {
		return state.SubagentCall{}, state.ErrCallNotFound
	}
	return call, nil
}

// UpdateCallStatus implements state.Store.
func (s *Store) UpdateCallStatus(_ context.Context, id string, status state.CallStatus, patch state.CallCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.callsByID[id]
	if !ok {
		return state.ErrCallNotFound
	}
	call := s.calls[key]
	call.Status = status
	if patch.ResponseRef != "" {
		call.ResponseRef = patch.ResponseRef
	}
	if patch.TokensInActual != 0 {
		call.TokensInActual = patch.TokensInActual
	}
	if patch.TokensOutActual != 0 {
		call.TokensOutActual = patch.TokensOutActual
	}
	call.CostUSDMicro = patch.CostUSDMicro
	call.FinishReason = patch.FinishReason
	call.Error = patch.Error
	call.CompletedAt = patch.CompletedAt
	s.calls[key] = call
	return nil
}

// ReconcileBudget implements state.Store.
func (s *Store) ReconcileBudget(_ context.Context, rec state.BudgetReconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[rec.ConversationID]
	if !ok {
		return state.ErrConversationNotFound
	}
	c.TokensSpent += rec.Delta
	c.CostUSDMicro += rec.CostUSDMicro
	s.conversations[rec.ConversationID] = c
	return nil
}

// UpsertCheckpoint implements state.Store.
func (s *Store) UpsertCheckpoint(_ context.Context, cp state.PhaseCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPhase, ok := s.checkpoints[cp.ConversationID]
	if !ok {
		byPhase = make(map[string]state.PhaseCheckpoint)
		s.checkpoints[cp.ConversationID] = byPhase
	}
	byPhase[cp.Phase] = cp
	return nil
}

// LoadCheckpoint implements state.Store.
func (s *Store) LoadCheckpoint(_ context.Context, conversationID, phase string) (state.PhaseCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPhase, ok := s.checkpoints[conversationID]
	if !ok {
		return state.PhaseCheckpoint{}, state.ErrCheckpointNotFound
	}
	cp, ok := byPhase[phase]
	if !ok {
		return state.PhaseCheckpoint{}, state.ErrCheckpointNotFound
	}
	return cp, nil
}

// ListCheckpoints implements state.Store.
func (s *Store) ListCheckpoints(_ context.Context, conversationID string) ([]state.PhaseCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPhase := s.checkpoints[conversationID]
	out := make([]state.PhaseCheckpoint, 0, len(byPhase))
	for _, cp := range byPhase {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneConversation(c state.Conversation) state.Conversation {
	out := c
	if c.FinishedAt != nil {
		at := *c.FinishedAt
		out.FinishedAt = &at
	}
	if len(c.Tags) > 0 {
		out.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

func cloneSession(s state.Session) state.Session {
	out := s
	if s.ParentSessionID != nil {
		id := *s.ParentSessionID
		out.ParentSessionID = &id
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	if len(s.PreservedState) > 0 {
		out.PreservedState = make(map[string]any, len(s.PreservedState))
		for k, v := range s.PreservedState {
			out.PreservedState[k] = v
		}
	}
	return out
}
