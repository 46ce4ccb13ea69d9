// Package scheduler implements the Worker Scheduler: bounded-concurrency
// execution of SubagentCalls with call_key idempotency, retry with backoff,
// cancellation, and per-phase FIFO result ordering. The Future/handle shape
// is grounded on the teacher's runtime/agent/engine/inmem.future (a
// ready-channel plus guarded result/err), generalized from one-shot
// activities to retryable provider calls.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sibylhq/sibyl/internal/budget"
	"github.com/sibylhq/sibyl/internal/cache"
	"github.com/sibylhq/sibyl/internal/errtax"
	"github.com/sibylhq/sibyl/internal/state"
	"github.com/sibylhq/sibyl/internal/telemetry"
)

// CallResult is the outcome delivered through a Future.
type CallResult struct {
	Call    state.SubagentCall
	Outcome Outcome
}

// Future is a cancellable handle to a scheduled call, modeled on the
// teacher's engine.Future (Get blocks until ready or ctx is done).
type Future interface {
	Get(ctx context.Context) (CallResult, error)
	Cancel()
	IsReady() bool
}

type future struct {
	ready  chan struct{}
	once   sync.Once
	result CallResult
	err    error

	cancel context.CancelFunc
}

func newFuture() *future {
	return &future{ready: make(chan struct{})}
}

func (f *future) complete(result CallResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.ready)
	})
}

func (f *future) Get(ctx context.Context) (CallResult, error) {
	select {
	case <-ctx.Done():
		return CallResult{}, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// Reserver is the subset of the Budget Tracker the scheduler depends on.
type Reserver interface {
	Reserve(ctx context.Context, conversationID, sessionID, callKey string, estimateTokens int64) (budget.Reservation, error)
	Commit(ctx context.Context, r budget.Reservation, actualTokens, costUSDMicro int64) error
	Release(ctx context.Context, r budget.Reservation) error
}

// Options configures a Scheduler.
type Options struct {
	Store  state.Store
	Budget Reserver
	// Cache is consulted before a Cacheable CallSpec's Invoke runs and
	// populated on success. Nil disables caching entirely regardless of
	// individual CallSpec.Cacheable values.
	Cache  cache.Memoizer
	Logger telemetry.Logger

	// MaxParallelWorkers bounds total concurrent in-flight calls across all
	// providers and phases.
	MaxParallelWorkers int
	// MaxParallelPerProvider bounds concurrent in-flight calls per
	// CallSpec.Provider. Zero means unbounded (subject only to the global
	// limit).
	MaxParallelPerProvider int

	// MaxRetries bounds retry attempts for retryable errors.
	MaxRetries int
	// BackoffBase and BackoffCap configure exponential backoff with jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Scheduler implements spec §4.E.
type Scheduler struct {
	store  state.Store
	budget Reserver
	cache  cache.Memoizer
	logger telemetry.Logger

	globalSem chan struct{}

	mu           sync.Mutex
	providerSems map[string]chan struct{}
	maxPerProv   int

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	phaseMu     sync.Mutex
	phaseQueues map[string]chan struct{} // one-at-a-time gate per (conversation_id,phase)
}

// New builds a Scheduler.
func New(opts Options) *Scheduler {
	maxWorkers := opts.MaxParallelWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoffCap := opts.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		store:        opts.Store,
		budget:       opts.Budget,
		cache:        opts.Cache,
		logger:       logger,
		globalSem:    make(chan struct{}, maxWorkers),
		providerSems: make(map[string]chan struct{}),
		maxPerProv:   opts.MaxParallelPerProvider,
		maxRetries:   maxRetries,
		backoffBase:  base,
		backoffCap:   backoffCap,
		phaseQueues:  make(map[string]chan struct{}),
	}
}

func (s *Scheduler) providerSem(provider string) chan struct{} {
	if s.maxPerProv <= 0 || provider == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.providerSems[provider]
	if !ok {
		sem = make(chan struct{}, s.maxPerProv)
		s.providerSems[provider] = sem
	}
	return sem
}

func (s *Scheduler) phaseGate(conversationID, phase string) chan struct{} {
	key := conversationID + "|" + phase
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	gate, ok := s.phaseQueues[key]
	if !ok {
		gate = make(chan struct{}, 1)
		gate <- struct{}{}
		s.phaseQueues[key] = gate
	}
	return gate
}

// Submit schedules a single call. Idempotency: if a terminal result already
// exists for spec's call_key, it is returned without invoking the provider.
func (s *Scheduler) Submit(ctx context.Context, spec CallSpec) Future {
	f := newFuture()
	fctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	// Submissions within a (conversation_id, phase) queue FIFO: acquire the
	// phase gate token before starting the worker goroutine, and release it
	// only once this call has fully finished, so a later Submit's goroutine
	// blocks on the channel until earlier ones have run.
	gate := s.phaseGate(spec.ConversationID, spec.Phase)
	go func() {
		select {
		case <-gate:
		case <-fctx.Done():
			f.complete(CallResult{}, fctx.Err())
			return
		}
		defer func() { gate <- struct{}{} }()

		result, err := s.run(fctx, spec)
		f.complete(result, err)
	}()
	return f
}

// SubmitBatch schedules specs and returns Futures in submission order. Since
// callers index into the returned slice positionally, result ordering
// within a phase is preserved regardless of which call finishes first.
func (s *Scheduler) SubmitBatch(ctx context.Context, specs []CallSpec) []Future {
	futures := make([]Future, len(specs))
	for i, spec := range specs {
		futures[i] = s.Submit(ctx, spec)
	}
	return futures
}

func (s *Scheduler) run(ctx context.Context, spec CallSpec) (CallResult, error) {
	key := callKey(spec)

	if existing, err := s.store.LoadCallByKey(ctx, key); err == nil {
		if existing.Status == state.CallSucceeded {
			return CallResult{Call: existing, Outcome: Outcome{
				ResponseRef:     existing.ResponseRef,
				TokensInActual:  existing.TokensInActual,
				TokensOutActual: existing.TokensOutActual,
				CostUSDMicro:    existing.CostUSDMicro,
				FinishReason:    existing.FinishReason,
			}}, nil
		}
	}

	if spec.Cacheable && s.cache != nil {
		if result, ok, err := s.tryCacheHit(ctx, spec, key); err != nil {
			return CallResult{}, err
		} else if ok {
			return result, nil
		}
	}

	if err := s.acquire(ctx, spec.Provider); err != nil {
		return CallResult{}, err
	}
	defer s.release(spec.Provider)

	reservation, err := s.budget.Reserve(ctx, spec.ConversationID, spec.SessionID, key, spec.EstimateTokens)
	if err != nil {
		return CallResult{}, err
	}

	call := state.SubagentCall{
		CallKey:          key,
		ID:               uuid.NewString(),
		ConversationID:   spec.ConversationID,
		Phase:            spec.Phase,
		AgentType:        spec.AgentType,
		ModelName:        spec.ModelName,
		Temperature:      spec.Temperature,
		TopP:             spec.TopP,
		SystemPrompt:     spec.SystemPrompt,
		Seed:             spec.Seed,
		PromptRef:        spec.PromptRef,
		TokensInReserved: spec.EstimateTokens,
		Status:           state.CallQueued,
		StartedAt:        time.Now().UTC(),
		RetryCount:       spec.RetryCount,
	}
	if spec.RetryOf != "" {
		retryOf := spec.RetryOf
		call.RetryOf = &retryOf
	}
	if err := s.store.InsertCall(ctx, call); err != nil {
		_ = s.budget.Release(ctx, reservation)
		return CallResult{}, err
	}

	if ctx.Err() != nil {
		_ = s.store.UpdateCallStatus(ctx, call.ID, state.CallCancelled, state.CallCompletion{})
		_ = s.budget.Release(ctx, reservation)
		return CallResult{}, ctx.Err()
	}

	_ = s.store.UpdateCallStatus(ctx, call.ID, state.CallRunning, state.CallCompletion{})

	outcome, invokeErr := spec.Invoke(ctx)
	now := time.Now().UTC()

	if invokeErr == nil {
		_ = s.budget.Commit(ctx, reservation, outcome.TokensInActual+outcome.TokensOutActual, outcome.CostUSDMicro)
		if spec.Cacheable && s.cache != nil {
			_ = s.cache.Put(ctx, cacheKeyFor(spec), outcome.ResponseRef)
		}
		_ = s.store.UpdateCallStatus(ctx, call.ID, state.CallSucceeded, state.CallCompletion{
			ResponseRef:     outcome.ResponseRef,
			TokensInActual:  outcome.TokensInActual,
			TokensOutActual: outcome.TokensOutActual,
			CostUSDMicro:    outcome.CostUSDMicro,
			FinishReason:    outcome.FinishReason,
			CompletedAt:     &now,
		})
		call.Status = state.CallSucceeded
		return CallResult{Call: call, Outcome: outcome}, nil
	}

	if ctx.Err() != nil {
		_ = s.budget.Release(ctx, reservation)
		_ = s.store.UpdateCallStatus(ctx, call.ID, state.CallCancelled, state.CallCompletion{CompletedAt: &now})
		return CallResult{}, ctx.Err()
	}

	classified, ok := errtax.As(invokeErr)
	retryable := !ok || classified.Retryable()

	if !retryable || spec.RetryCount >= s.maxRetries {
		_ = s.budget.Release(ctx, reservation)
		_ = s.store.UpdateCallStatus(ctx, call.ID, state.CallFailedTerminal, state.CallCompletion{
			Error: invokeErr.Error(), CompletedAt: &now,
		})
		return CallResult{}, invokeErr
	}

	_ = s.budget.Release(ctx, reservation)
	_ = s.store.UpdateCallStatus(ctx, call.ID, state.CallFailedRetryable, state.CallCompletion{
		Error: invokeErr.Error(), CompletedAt: &now,
	})

	if err := s.backoffSleep(ctx, spec.RetryCount); err != nil {
		return CallResult{}, err
	}

	retrySpec := spec
	retrySpec.RetryCount++
	retrySpec.RetryOf = call.ID
	return s.run(ctx, retrySpec)
}

func cacheKeyFor(spec CallSpec) cache.Key {
	return cache.Key{
		PromptRef:           spec.PromptRef,
		ModelName:           spec.ModelName,
		Temperature:         spec.Temperature,
		TopP:                spec.TopP,
		SystemPrompt:        spec.SystemPrompt,
		Seed:                spec.Seed,
		ProviderFingerprint: spec.ProviderFingerprint,
	}
}

// tryCacheHit consults the Cache/Memoizer for spec and, on a hit, writes a
// SubagentCall row reporting success directly from the cached response_ref
// without acquiring a worker slot, reserving budget, or invoking the
// provider. The row still carries call_key so later idempotent resubmits of
// the same spec load it like any other succeeded call.
func (s *Scheduler) tryCacheHit(ctx context.Context, spec CallSpec, key string) (CallResult, bool, error) {
	responseRef, ok, err := s.cache.Get(ctx, cacheKeyFor(spec))
	if err != nil || !ok {
		return CallResult{}, false, err
	}

	now := time.Now().UTC()
	call := state.SubagentCall{
		CallKey:        key,
		ID:             uuid.NewString(),
		ConversationID: spec.ConversationID,
		Phase:          spec.Phase,
		AgentType:      spec.AgentType,
		ModelName:      spec.ModelName,
		Temperature:    spec.Temperature,
		TopP:           spec.TopP,
		SystemPrompt:   spec.SystemPrompt,
		Seed:           spec.Seed,
		PromptRef:      spec.PromptRef,
		Status:         state.CallQueued,
		StartedAt:      now,
		RetryCount:     spec.RetryCount,
	}
	if spec.RetryOf != "" {
		retryOf := spec.RetryOf
		call.RetryOf = &retryOf
	}
	if err := s.store.InsertCall(ctx, call); err != nil {
		return CallResult{}, false, err
	}
	if err := s.store.UpdateCallStatus(ctx, call.ID, state.CallSucceeded, state.CallCompletion{
		ResponseRef: responseRef,
		CompletedAt: &now,
	}); err != nil {
		return CallResult{}, false, err
	}
	call.Status = state.CallSucceeded
	return CallResult{Call: call, Outcome: Outcome{ResponseRef: responseRef}}, true, nil
}

func (s *Scheduler) acquire(ctx context.Context, provider string) error {
	select {
	case s.globalSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if sem := s.providerSem(provider); sem != nil {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			<-s.globalSem
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) release(provider string) {
	<-s.globalSem
	if sem := s.providerSem(provider); sem != nil {
		<-sem
	}
}

func (s *Scheduler) backoffSleep(ctx context.Context, attempt int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffBase
	b.MaxInterval = s.backoffCap
	b.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		d = s.backoffCap
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
