// Package pipeline implements the Pipeline Executor: a declared, ordered
// sequence of technique steps driven against a Conversation, generalized
// from the teacher's runtime/agent/runtime workflow-policy loop ("agent
// planner loop over tool calls") to "declared list of technique steps over
// a budget-bounded conversation". Checkpointing, step sequencing, and
// cancellation propagation follow the teacher's
// engine.WorkflowContext/Future idiom: a Future per unit of work, awaited
// in submission order, with ctx cancellation as the single source of
// truth for "stop starting new work".
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sibylhq/sibyl/internal/blob"
	"github.com/sibylhq/sibyl/internal/budget"
	"github.com/sibylhq/sibyl/internal/errtax"
	"github.com/sibylhq/sibyl/internal/provider"
	"github.com/sibylhq/sibyl/internal/scheduler"
	"github.com/sibylhq/sibyl/internal/state"
	"github.com/sibylhq/sibyl/internal/telemetry"
	"github.com/sibylhq/sibyl/pkg/sibyl/technique"
)

// Step names one technique invocation within a Pipeline.
type Step struct {
	// Name identifies the phase boundary this step checkpoints at. Must be
	// unique within a Pipeline.
	Name      string
	Technique string
	Params    technique.Params
}

// Pipeline is a declared, ordered sequence of steps (spec §4.G).
type Pipeline struct {
	Name  string
	Steps []Step
}

// RunOptions configures a fresh Conversation when Run is not resuming an
// existing one.
type RunOptions struct {
	ConversationID string
	TokenBudget    int64
	ModelName      string
	AgentType      string
	ConfigVersion  string
	ConfigJSON     []byte
}

// Result is returned by Run.
type Result struct {
	ConversationID string
	Outputs        technique.Outputs
	Checkpoints    []state.PhaseCheckpoint
}

// ErrUnknownTechnique is returned when a Step names a technique the
// Executor's registry does not recognize.
var ErrUnknownTechnique = errors.New("pipeline: unknown technique")

// BudgetViewer is the subset of the Budget Tracker the Executor depends on
// to hand techniques a read-only accounting snapshot.
type BudgetViewer interface {
	Snapshot(ctx context.Context, conversationID string) (budget.Snapshot, error)
}

// Executor drives Pipelines, per spec §4.G.
type Executor struct {
	store     state.Store
	blobs     blob.Store
	gateway   provider.Gateway
	scheduler *scheduler.Scheduler
	budget    BudgetViewer
	registry  map[string]technique.Technique
	logger    telemetry.Logger
}

// Options configures an Executor.
type Options struct {
	Store     state.Store
	Blobs     blob.Store
	Gateway   provider.Gateway
	Scheduler *scheduler.Scheduler
	Budget    BudgetViewer
	Registry  map[string]technique.Technique
	Logger    telemetry.Logger
}

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("pipeline: blob store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("pipeline: scheduler is required")
	}
	if opts.Budget == nil {
		return nil, errors.New("pipeline: budget is required")
	}
	registry := opts.Registry
	if registry == nil {
		registry = make(map[string]technique.Technique)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{
		store:     opts.Store,
		blobs:     opts.Blobs,
		gateway:   opts.Gateway,
		scheduler: opts.Scheduler,
		budget:    opts.Budget,
		registry:  registry,
		logger:    logger,
	}, nil
}

// Register adds a technique to the Executor's registry.
func (e *Executor) Register(name string, t technique.Technique) {
	e.registry[name] = t
}

// Run drives a Pipeline against a new or resumed Conversation (spec §4.G).
// Resume: a step whose PhaseCheckpoint already has status=completed is
// skipped and its persisted output is reloaded from the Blob Store instead
// of re-executing the technique.
func (e *Executor) Run(ctx context.Context, p Pipeline, inputs technique.Inputs, opts RunOptions) (Result, error) {
	conversationID := opts.ConversationID
	resuming := conversationID != ""

	var conv state.Conversation
	var sess state.Session
	var err error

	if resuming {
		conv, err = e.store.LoadConversation(ctx, conversationID)
		if err != nil {
			return Result{}, err
		}
		sess, err = e.store.LoadActiveSession(ctx, conversationID)
		if err != nil {
			return Result{}, err
		}
	} else {
		conversationID = fmt.Sprintf("conv-%d", time.Now().UTC().UnixNano())
		sess = state.Session{
			ID:             conversationID + "-session-1",
			ConversationID: conversationID,
			SessionNumber:  1,
			TokensBudget:   opts.TokenBudget,
			Status:         state.SessionActive,
			ModelName:      opts.ModelName,
			AgentType:      opts.AgentType,
		}
		conv = state.Conversation{
			ID:            conversationID,
			WorkflowType:  p.Name,
			StartedAt:     time.Now().UTC(),
			Status:        state.ConversationRunning,
			TokenBudget:   opts.TokenBudget,
			ConfigVersion: opts.ConfigVersion,
		}
		if err := e.store.CreateConversation(ctx, state.NewConversationInput{
			Conversation: conv,
			Session:      sess,
			Config: state.ConfigSnapshot{
				Version:   opts.ConfigVersion,
				JSON:      opts.ConfigJSON,
				CreatedAt: time.Now().UTC(),
			},
		}); err != nil {
			return Result{}, err
		}
	}

	var checkpoints []state.PhaseCheckpoint
	current := inputs

	for _, step := range p.Steps {
		if ctx.Err() != nil {
			_ = e.store.UpdateConversationStatus(ctx, conversationID, state.ConversationCancelled, timePtr(time.Now().UTC()))
			return Result{}, ctx.Err()
		}

		if resuming {
			if cp, err := e.store.LoadCheckpoint(ctx, conversationID, step.Name); err == nil && cp.Status == "completed" {
				outputs, loadErr := e.loadCheckpointOutputs(ctx, cp)
				if loadErr == nil {
					current = outputs
					checkpoints = append(checkpoints, cp)
					continue
				}
			}
		}

		tech, ok := e.registry[step.Technique]
		if !ok {
			_ = e.store.UpdateConversationStatus(ctx, conversationID, state.ConversationFailed, timePtr(time.Now().UTC()))
			return Result{}, fmt.Errorf("%w: %q (step %q)", ErrUnknownTechnique, step.Technique, step.Name)
		}

		rc := &technique.RuntimeContext{
			ConversationID: conversationID,
			SessionID:      sess.ID,
			Phase:          step.Name,
			Gateway:        e.gateway,
			Blobs:          e.blobs,
			Scheduler:      e.scheduler,
			SessionSnapshot: func(ctx context.Context) (state.Session, error) {
				return e.store.LoadSession(ctx, sess.ID)
			},
			BudgetSnapshot: func(ctx context.Context) (budget.Snapshot, error) {
				return e.budget.Snapshot(ctx, conversationID)
			},
		}

		outputs, execErr := tech.Execute(ctx, current, step.Params, rc)
		if execErr != nil {
			status := state.ConversationFailed
			if ctx.Err() != nil {
				status = state.ConversationCancelled
			}
			_ = e.store.UpdateConversationStatus(ctx, conversationID, status, timePtr(time.Now().UTC()))
			return Result{}, errtax.New(errtax.KindProviderTerminal, "pipeline", fmt.Sprintf("step %q failed", step.Name), execErr)
		}

		cp, err := e.checkpoint(ctx, conversationID, step.Name, outputs)
		if err != nil {
			return Result{}, err
		}
		checkpoints = append(checkpoints, cp)
		current = outputs
	}

	_ = e.store.UpdateConversationStatus(ctx, conversationID, state.ConversationCompleted, timePtr(time.Now().UTC()))

	return Result{
		ConversationID: conversationID,
		Outputs:        current,
		Checkpoints:    checkpoints,
	}, nil
}

func (e *Executor) checkpoint(ctx context.Context, conversationID, phase string, outputs technique.Outputs) (state.PhaseCheckpoint, error) {
	payload, err := json.Marshal(outputs)
	if err != nil {
		return state.PhaseCheckpoint{}, fmt.Errorf("pipeline: marshal step %q output: %w", phase, err)
	}
	ref, err := e.blobs.Put(ctx, blob.KindContext, payload)
	if err != nil {
		return state.PhaseCheckpoint{}, err
	}
	cp := state.PhaseCheckpoint{
		ConversationID: conversationID,
		Phase:          phase,
		ContextHash:    string(ref),
		Status:         "completed",
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.UpsertCheckpoint(ctx, cp); err != nil {
		return state.PhaseCheckpoint{}, err
	}
	return cp, nil
}

func (e *Executor) loadCheckpointOutputs(ctx context.Context, cp state.PhaseCheckpoint) (technique.Outputs, error) {
	payload, err := e.blobs.Get(ctx, blob.Ref(cp.ContextHash))
	if err != nil {
		return nil, err
	}
	var outputs technique.Outputs
	if err := json.Unmarshal(payload, &outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

func timePtr(t time.Time) *time.Time { return &t }
