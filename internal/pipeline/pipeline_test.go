package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/blob"
	"github.com/sibylhq/sibyl/internal/budget"
	"github.com/sibylhq/sibyl/internal/scheduler"
	"github.com/sibylhq/sibyl/internal/state"
	"github.com/sibylhq/sibyl/internal/state/inmem"
	"github.com/sibylhq/sibyl/pkg/sibyl/technique"
)

type fakeBlobStore struct {
	mu   sync.Mutex
	data map[blob.Ref][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: make(map[blob.Ref][]byte)}
}

func (f *fakeBlobStore) Put(_ context.Context, _ blob.Kind, payload []byte) (blob.Ref, error) {
	ref := blob.RefOf(payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[ref] = payload
	return ref, nil
}

func (f *fakeBlobStore) Get(_ context.Context, ref blob.Ref) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[ref]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlobStore) Stat(_ context.Context, ref blob.Ref) (blob.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[ref]
	if !ok {
		return blob.Stat{}, blob.ErrNotFound
	}
	return blob.Stat{Ref: ref, Size: int64(len(b))}, nil
}

var _ blob.Store = (*fakeBlobStore)(nil)

// echoTechnique copies a fixed key from inputs/params into its output and
// records how many times it ran, so tests can assert resume-skip behavior.
type echoTechnique struct {
	mu    sync.Mutex
	calls int
	key   string
}

func (e *echoTechnique) Execute(_ context.Context, inputs technique.Inputs, params technique.Params, rc *technique.RuntimeContext) (technique.Outputs, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	out := technique.Outputs{e.key: rc.Phase}
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

func newTestExecutor(t *testing.T) (*Executor, state.Store) {
	t.Helper()
	store := inmem.New()
	tracker := budget.New(store)
	sched := scheduler.New(scheduler.Options{
		Store:  store,
		Budget: tracker,
	})
	exec, err := New(Options{
		Store:     store,
		Blobs:     newFakeBlobStore(),
		Scheduler: sched,
		Budget:    tracker,
	})
	require.NoError(t, err)
	return exec, store
}

func TestExecutorRunsStepsInOrder(t *testing.T) {
	t.Parallel()
	exec, store := newTestExecutor(t)
	draft := &echoTechnique{key: "draft_phase"}
	review := &echoTechnique{key: "review_phase"}
	exec.Register("draft", draft)
	exec.Register("review", review)

	p := Pipeline{
		Name: "write-review",
		Steps: []Step{
			{Name: "draft", Technique: "draft"},
			{Name: "review", Technique: "review"},
		},
	}

	result, err := exec.Run(context.Background(), p, technique.Inputs{"topic": "go"}, RunOptions{
		TokenBudget:   1000,
		ModelName:     "test-model",
		ConfigVersion: "v1",
		ConfigJSON:    []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, "draft", result.Outputs["draft_phase"])
	require.Equal(t, "review", result.Outputs["review_phase"])
	require.Equal(t, "go", result.Outputs["topic"])
	require.Len(t, result.Checkpoints, 2)
	require.Equal(t, 1, draft.calls)
	require.Equal(t, 1, review.calls)

	conv, err := store.LoadConversation(context.Background(), result.ConversationID)
	require.NoError(t, err)
	require.Equal(t, state.ConversationCompleted, conv.Status)
}

func TestExecutorResumeSkipsCompletedSteps(t *testing.T) {
	t.Parallel()
	exec, _ := newTestExecutor(t)
	draft := &echoTechnique{key: "draft_phase"}
	review := &echoTechnique{key: "review_phase"}
	exec.Register("draft", draft)
	exec.Register("review", review)

	p := Pipeline{
		Name: "write-review",
		Steps: []Step{
			{Name: "draft", Technique: "draft"},
			{Name: "review", Technique: "review"},
		},
	}

	first, err := exec.Run(context.Background(), p, technique.Inputs{"topic": "go"}, RunOptions{
		TokenBudget:   1000,
		ModelName:     "test-model",
		ConfigVersion: "v1",
		ConfigJSON:    []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, draft.calls)
	require.Equal(t, 1, review.calls)

	// Re-running against the same conversation ID must reload both
	// checkpoints from the blob store and never re-invoke either technique.
	second, err := exec.Run(context.Background(), p, technique.Inputs{"topic": "go"}, RunOptions{
		ConversationID: first.ConversationID,
	})
	require.NoError(t, err)
	require.Equal(t, 1, draft.calls)
	require.Equal(t, 1, review.calls)
	require.Equal(t, "draft", second.Outputs["draft_phase"])
	require.Equal(t, "review", second.Outputs["review_phase"])
}

func TestExecutorCancellationStopsBeforeNextStep(t *testing.T) {
	t.Parallel()
	exec, _ := newTestExecutor(t)
	draft := &echoTechnique{key: "draft_phase"}
	review := &echoTechnique{key: "review_phase"}
	exec.Register("draft", draft)
	exec.Register("review", review)

	p := Pipeline{
		Name: "write-review",
		Steps: []Step{
			{Name: "draft", Technique: "draft"},
			{Name: "review", Technique: "review"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Run(ctx, p, technique.Inputs{"topic": "go"}, RunOptions{
		TokenBudget:   1000,
		ModelName:     "test-model",
		ConfigVersion: "v1",
		ConfigJSON:    []byte(`{}`),
	})
	require.Error(t, err)
	require.Equal(t, 0, draft.calls)
	require.Equal(t, 0, review.calls)
}

// budgetReadingTechnique records whatever its RuntimeContext's BudgetSnapshot
// reports, so tests can assert the Executor wires a live Budget Tracker view
// rather than leaving the field nil.
type budgetReadingTechnique struct {
	snapshot budget.Snapshot
}

func (b *budgetReadingTechnique) Execute(ctx context.Context, _ technique.Inputs, _ technique.Params, rc *technique.RuntimeContext) (technique.Outputs, error) {
	snap, err := rc.BudgetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	b.snapshot = snap
	return technique.Outputs{}, nil
}

func TestExecutorWiresBudgetSnapshot(t *testing.T) {
	t.Parallel()
	exec, _ := newTestExecutor(t)
	reader := &budgetReadingTechnique{}
	exec.Register("read-budget", reader)

	p := Pipeline{Name: "budget-check", Steps: []Step{{Name: "check", Technique: "read-budget"}}}

	_, err := exec.Run(context.Background(), p, technique.Inputs{}, RunOptions{
		TokenBudget:   500,
		ModelName:     "test-model",
		ConfigVersion: "v1",
		ConfigJSON:    []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), reader.snapshot.Remaining)
	require.Equal(t, int64(0), reader.snapshot.Spent)
}

func TestExecutorRequiresBudget(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	sched := scheduler.New(scheduler.Options{Store: store, Budget: budget.New(store)})
	_, err := New(Options{Store: store, Blobs: newFakeBlobStore(), Scheduler: sched})
	require.Error(t, err)
}

func TestExecutorUnknownTechniqueFailsConversation(t *testing.T) {
	t.Parallel()
	exec, _ := newTestExecutor(t)

	p := Pipeline{
		Name:  "broken",
		Steps: []Step{{Name: "draft", Technique: "missing"}},
	}

	_, err := exec.Run(context.Background(), p, technique.Inputs{}, RunOptions{
		TokenBudget:   1000,
		ModelName:     "test-model",
		ConfigVersion: "v1",
		ConfigJSON:    []byte(`{}`),
	})
	require.ErrorIs(t, err, ErrUnknownTechnique)
}
