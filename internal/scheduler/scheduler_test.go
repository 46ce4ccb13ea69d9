package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/budget"
	"github.com/sibylhq/sibyl/internal/cache"
	"github.com/sibylhq/sibyl/internal/errtax"
	"github.com/sibylhq/sibyl/internal/state"
	"github.com/sibylhq/sibyl/internal/state/inmem"
)

// fakeMemoizer is an in-process cache.Memoizer so scheduler tests can
// exercise the cache-consult/populate path without a Redis dependency.
type fakeMemoizer struct {
	mu      sync.Mutex
	entries map[cache.Key]string
	gets    int32
	puts    int32
}

func newFakeMemoizer() *fakeMemoizer {
	return &fakeMemoizer{entries: make(map[cache.Key]string)}
}

func (f *fakeMemoizer) Get(_ context.Context, key cache.Key) (string, bool, error) {
	atomic.AddInt32(&f.gets, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.entries[key]
	return ref, ok, nil
}

func (f *fakeMemoizer) Put(_ context.Context, key cache.Key, responseRef string) error {
	atomic.AddInt32(&f.puts, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = responseRef
	return nil
}

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
		Config: state.ConfigSnapshot{
			Version: "v1",
			JSON:    []byte(`{}`),
		},
	})
	require.NoError(t, err)
}

func newTestScheduler(t *testing.T) (*Scheduler, state.Store) {
	t.Helper()
	store := inmem.New()
	tracker := budget.New(store)
	return New(Options{
		Store:       store,
		Budget:      tracker,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}), store
}

func TestSchedulerSubmitSucceeds(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(t)
	newConversation(t, store, "conv-1", 1000)

	var invocations int32
	spec := CallSpec{
		ConversationID: "conv-1",
		SessionID:      "conv-1-session-1",
		Phase:          "draft",
		AgentType:      "writer",
		ModelName:      "test-model",
		Provider:       "anthropic",
		EstimateTokens: 10,
		Invoke: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&invocations, 1)
			return Outcome{ResponseRef: "sha256:abc", TokensInActual: 5, TokensOutActual: 5}, nil
		},
	}

	result, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.CallSucceeded, result.Call.Status)
	require.Equal(t, "sha256:abc", result.Outcome.ResponseRef)
	require.Equal(t, int32(1), atomic.LoadInt32(&invocations))
}

func TestSchedulerIdempotentResubmit(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(t)
	newConversation(t, store, "conv-2", 1000)

	var invocations int32
	spec := CallSpec{
		ConversationID: "conv-2",
		SessionID:      "conv-2-session-1",
		Phase:          "draft",
		AgentType:      "writer",
		ModelName:      "test-model",
		Provider:       "anthropic",
		EstimateTokens: 10,
		Invoke: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&invocations, 1)
			return Outcome{ResponseRef: "sha256:abc", TokensInActual: 5, TokensOutActual: 5}, nil
		},
	}

	_, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.NoError(t, err)

	// Resubmitting the identical spec must hit the call_key idempotency
	// check and never invoke the provider a second time.
	result, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sha256:abc", result.Outcome.ResponseRef)
	require.Equal(t, int32(1), atomic.LoadInt32(&invocations))
}

func TestSchedulerRetriesRetryableFailure(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(t)
	newConversation(t, store, "conv-3", 1000)

	var attempts int32
	spec := CallSpec{
		ConversationID: "conv-3",
		SessionID:      "conv-3-session-1",
		Phase:          "draft",
		AgentType:      "writer",
		ModelName:      "test-model",
		Provider:       "anthropic",
		EstimateTokens: 10,
		Invoke: func(ctx context.Context) (Outcome, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				return Outcome{}, errtax.New(errtax.KindProviderRetryable, "provider", "rate limited", nil)
			}
			return Outcome{ResponseRef: "sha256:ok"}, nil
		},
	}

	result, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sha256:ok", result.Outcome.ResponseRef)
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	// The failed first attempt and the succeeding retry are distinct stored
	// rows (call_key depends on retry_count), chained via retry_of.
	firstSpec := spec
	firstSpec.Invoke = nil
	secondSpec := firstSpec
	secondSpec.RetryCount = 1

	first, err := store.LoadCallByKey(context.Background(), callKey(firstSpec))
	require.NoError(t, err)
	require.Equal(t, state.CallFailedRetryable, first.Status)
	require.Nil(t, first.RetryOf)

	second, err := store.LoadCallByKey(context.Background(), callKey(secondSpec))
	require.NoError(t, err)
	require.Equal(t, state.CallSucceeded, second.Status)
	require.NotNil(t, second.RetryOf)
	require.Equal(t, first.ID, *second.RetryOf)
	require.Equal(t, second.ID, result.Call.ID)
}

func TestSchedulerTerminalFailureDoesNotRetry(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(t)
	newConversation(t, store, "conv-4", 1000)

	var attempts int32
	failure := errtax.New(errtax.KindProviderTerminal, "provider", "invalid request", errors.New("400"))
	spec := CallSpec{
		ConversationID: "conv-4",
		SessionID:      "conv-4-session-1",
		Phase:          "draft",
		AgentType:      "writer",
		ModelName:      "test-model",
		Provider:       "anthropic",
		EstimateTokens: 10,
		Invoke: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&attempts, 1)
			return Outcome{}, failure
		},
	}

	_, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestSchedulerRejectsOverBudgetReservation(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(t)
	newConversation(t, store, "conv-5", 5)

	spec := CallSpec{
		ConversationID: "conv-5",
		SessionID:      "conv-5-session-1",
		Phase:          "draft",
		AgentType:      "writer",
		ModelName:      "test-model",
		Provider:       "anthropic",
		EstimateTokens: 10,
		Invoke: func(ctx context.Context) (Outcome, error) {
			t.Fatal("Invoke must not run when the reservation exceeds budget")
			return Outcome{}, nil
		},
	}

	_, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.Error(t, err)
	require.True(t, errtax.Is(err, errtax.KindBudgetExhausted))
}

func TestSchedulerPopulatesAndConsultsCache(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	newConversation(t, store, "conv-cache", 1000)
	memo := newFakeMemoizer()
	sched := New(Options{
		Store:       store,
		Budget:      budget.New(store),
		Cache:       memo,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	var invocations int32
	spec := CallSpec{
		ConversationID:      "conv-cache",
		SessionID:           "conv-cache-session-1",
		Phase:               "draft",
		AgentType:           "writer",
		ModelName:           "test-model",
		Provider:            "anthropic",
		ProviderFingerprint: "anthropic-v1",
		PromptRef:           "sha256:prompt",
		EstimateTokens:      10,
		Cacheable:           true,
		Invoke: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&invocations, 1)
			return Outcome{ResponseRef: "sha256:first-response", TokensInActual: 5}, nil
		},
	}

	result, err := sched.Submit(context.Background(), spec).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sha256:first-response", result.Outcome.ResponseRef)
	require.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	require.Equal(t, int32(1), atomic.LoadInt32(&memo.puts))

	// A distinct conversation (so call_key idempotency can't short-circuit
	// it) with the same cache-relevant fields must hit the populated cache
	// instead of invoking the provider again.
	newConversation(t, store, "conv-cache-2", 1000)
	spec2 := spec
	spec2.ConversationID = "conv-cache-2"
	spec2.SessionID = "conv-cache-2-session-1"
	spec2.Invoke = func(ctx context.Context) (Outcome, error) {
		t.Fatal("Invoke must not run on a cache hit")
		return Outcome{}, nil
	}

	result2, err := sched.Submit(context.Background(), spec2).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sha256:first-response", result2.Outcome.ResponseRef)
	require.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	require.Equal(t, state.CallSucceeded, result2.Call.Status)
}

func TestCallKeyIsDeterministicAndSensitiveToInputs(t *testing.T) {
	t.Parallel()
	base := CallSpec{
		ConversationID: "conv-1",
		Phase:          "draft",
		AgentType:      "writer",
		ModelName:      "test-model",
		Temperature:    0.2,
		TopP:           0.9,
		SystemPrompt:   "be terse",
		PromptRef:      "sha256:deadbeef",
	}
	other := base
	other.RetryCount = 1

	require.Equal(t, callKey(base), callKey(base))
	require.NotEqual(t, callKey(base), callKey(other))
}
