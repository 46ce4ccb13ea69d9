package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/errtax"
	"github.com/sibylhq/sibyl/internal/state"
	"github.com/sibylhq/sibyl/internal/state/inmem"
)

func newConversation(t *testing.T, store state.Store, id string, tokenBudget int64) {
	t.Helper()
	err := store.CreateConversation(context.Background(), state.NewConversationInput{
		Conversation: state.Conversation{
			ID:            id,
			WorkflowType:  "test",
			Status:        state.ConversationRunning,
			TokenBudget:   tokenBudget,
			ConfigVersion: "v1",
		},
		Session: state.Session{
			ID:             id + "-session-1",
			ConversationID: id,
			SessionNumber:  1,
			TokensBudget:   tokenBudget,
			Status:         state.SessionActive,
			ModelName:      "test-model",
		},
		Config: state.ConfigSnapshot{Version: "v1", JSON: []byte(`{}`)},
	})
	require.NoError(t, err)
}

func TestReserveCommitAdjustsSpendByDelta(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	newConversation(t, store, "conv-1", 1000)
	tracker := New(store)

	r, err := tracker.Reserve(context.Background(), "conv-1", "conv-1-session-1", "call-1", 100)
	require.NoError(t, err)

	snap, err := tracker.Snapshot(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), snap.Spent)
	require.Equal(t, int64(100), snap.Reserved)

	require.NoError(t, tracker.Commit(context.Background(), r, 80, 500))

	snap, err = tracker.Snapshot(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(80), snap.Spent)
	require.Equal(t, int64(0), snap.Reserved)
}

func TestReserveRejectsOverBudget(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	newConversation(t, store, "conv-2", 50)
	tracker := New(store)

	_, err := tracker.Reserve(context.Background(), "conv-2", "conv-2-session-1", "call-1", 100)
	require.Error(t, err)
	require.True(t, errtax.Is(err, errtax.KindBudgetExhausted))
}

func TestReleaseRefundsReservation(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	newConversation(t, store, "conv-3", 1000)
	tracker := New(store)

	r, err := tracker.Reserve(context.Background(), "conv-3", "conv-3-session-1", "call-1", 200)
	require.NoError(t, err)

	require.NoError(t, tracker.Release(context.Background(), r))

	snap, err := tracker.Snapshot(context.Background(), "conv-3")
	require.NoError(t, err)
	require.Equal(t, int64(0), snap.Spent)
	require.Equal(t, int64(0), snap.Reserved)
}

func TestCommitIsIdempotentPerCallKey(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	newConversation(t, store, "conv-4", 1000)
	tracker := New(store)

	r, err := tracker.Reserve(context.Background(), "conv-4", "conv-4-session-1", "call-1", 100)
	require.NoError(t, err)

	require.NoError(t, tracker.Commit(context.Background(), r, 100, 10))
	// A second Commit for the same (already-cleared) reservation must be a
	// silent no-op rather than double-adjusting spend.
	require.NoError(t, tracker.Commit(context.Background(), r, 100, 10))

	snap, err := tracker.Snapshot(context.Background(), "conv-4")
	require.NoError(t, err)
	require.Equal(t, int64(100), snap.Spent)
}
