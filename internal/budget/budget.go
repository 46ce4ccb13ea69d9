// Package budget implements the Budget Tracker: per-conversation token/cost
// accounting with reserve/commit/release semantics, grounded on the
// enforce-before-schedule discipline of the teacher's
// activity_input_budget.go (validate deterministically before committing to
// an action, fail fast with a descriptive error) and the cap-limiting idiom
// of features/policy/basic (policy.CapsState, limitCap).
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sibylhq/sibyl/internal/errtax"
	"github.com/sibylhq/sibyl/internal/state"
)

// Reservation is the handle returned by Reserve. It must be passed to
// exactly one of Commit or Release.
type Reservation struct {
	ConversationID string
	SessionID      string
	CallKey        string
	Tokens         int64
}

// Snapshot reports a conversation's current accounting, per spec §4.C.
type Snapshot struct {
	Spent        int64
	Remaining    int64
	Reserved     int64
	CostUSDMicro int64
}

// Tracker implements the Budget Tracker contract of spec §4.C. It serializes
// reserve/commit/release per conversation with a dedicated mutex, the same
// granularity the Session Manager's rotation CAS assumes for
// active_generation: no cross-conversation lock contention, but every
// mutation within one conversation is strictly ordered.
type Tracker struct {
	store state.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// reserved tracks in-flight (uncommitted) reservations per conversation,
	// keyed by call_key, so Snapshot can report Reserved without a store
	// round-trip and so Commit/Release can find the amount to reverse.
	reserved map[string]map[string]int64
}

// New returns a Tracker backed by store.
func New(store state.Store) *Tracker {
	return &Tracker{
		store:    store,
		locks:    make(map[string]*sync.Mutex),
		reserved: make(map[string]map[string]int64),
	}
}

func (t *Tracker) lockFor(conversationID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[conversationID] = l
	}
	return l
}

// Reserve atomically increments tokens_spent by estimateTokens, associated
// with callKey, failing with errtax.KindBudgetExhausted if it would exceed
// token_budget.
func (t *Tracker) Reserve(ctx context.Context, conversationID, sessionID, callKey string, estimateTokens int64) (Reservation, error) {
	if estimateTokens < 0 {
		return Reservation{}, fmt.Errorf("budget: estimate_tokens must be non-negative, got %d", estimateTokens)
	}
	lock := t.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := t.store.LoadConversation(ctx, conversationID)
	if err != nil {
		return Reservation{}, err
	}
	if conv.TokensSpent+estimateTokens > conv.TokenBudget {
		return Reservation{}, errtax.New(errtax.KindBudgetExhausted, "budget",
			fmt.Sprintf("reserve %d tokens would exceed budget (%d spent + %d > %d budget)",
				estimateTokens, conv.TokensSpent, estimateTokens, conv.TokenBudget), nil)
	}
	if _, err := t.store.AdjustConversationSpend(ctx, conversationID, estimateTokens, 0); err != nil {
		return Reservation{}, err
	}
	t.trackReserved(conversationID, callKey, estimateTokens)
	return Reservation{
		ConversationID: conversationID,
		SessionID:      sessionID,
		CallKey:        callKey,
		Tokens:         estimateTokens,
	}, nil
}

func (t *Tracker) trackReserved(conversationID, callKey string, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.reserved[conversationID]
	if !ok {
		m = make(map[string]int64)
		t.reserved[conversationID] = m
	}
	m[callKey] = tokens
}

func (t *Tracker) clearReserved(conversationID, callKey string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.reserved[conversationID]
	if !ok {
		return 0, false
	}
	tokens, ok := m[callKey]
	if ok {
		delete(m, callKey)
	}
	return tokens, ok
}

// Commit writes a BudgetReconciliation row with delta = actual - reserved
// and adjusts tokens_spent by that delta. Idempotent by call_key: a second
// Commit for the same Reservation is a no-op since the reservation has
// already been cleared from in-flight tracking.
func (t *Tracker) Commit(ctx context.Context, r Reservation, actualTokens, costUSDMicro int64) error {
	lock := t.lockFor(r.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	reserved, ok := t.clearReserved(r.ConversationID, r.CallKey)
	if !ok {
		return nil
	}
	delta := actualTokens - reserved
	rec := state.BudgetReconciliation{
		ConversationID: r.ConversationID,
		CallKey:        r.CallKey,
		TokensReserved: reserved,
		TokensActual:   actualTokens,
		Delta:          delta,
		CostUSDMicro:   costUSDMicro,
		RecordedAt:     time.Now().UTC(),
	}
	return t.store.ReconcileBudget(ctx, rec)
}

// Release cancels an unused reservation, refunding the reserved amount.
func (t *Tracker) Release(ctx context.Context, r Reservation) error {
	lock := t.lockFor(r.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	reserved, ok := t.clearReserved(r.ConversationID, r.CallKey)
	if !ok {
		return nil
	}
	_, err := t.store.AdjustConversationSpend(ctx, r.ConversationID, -reserved, 0)
	return err
}

// Snapshot reports spent, remaining, reserved and cost for a conversation.
func (t *Tracker) Snapshot(ctx context.Context, conversationID string) (Snapshot, error) {
	conv, err := t.store.LoadConversation(ctx, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	var reserved int64
	for _, tokens := range t.reserved[conversationID] {
		reserved += tokens
	}
	t.mu.Unlock()
	return Snapshot{
		Spent:        conv.TokensSpent,
		Remaining:    conv.TokenBudget - conv.TokensSpent,
		Reserved:     reserved,
		CostUSDMicro: conv.CostUSDMicro,
	}, nil
}
