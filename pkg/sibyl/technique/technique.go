// Package technique defines the Technique contract that pipeline steps
// implement, and the RuntimeContext the Pipeline Executor hands each step.
// The explicit "RuntimeContext passed in, not a package-level singleton
// reached for" shape directly follows the teacher's planner/runtime split,
// where the planner receives a *RunContext rather than dialing a global.
package technique

import (
	"context"

	"github.com/sibylhq/sibyl/internal/blob"
	"github.com/sibylhq/sibyl/internal/budget"
	"github.com/sibylhq/sibyl/internal/provider"
	"github.com/sibylhq/sibyl/internal/scheduler"
	"github.com/sibylhq/sibyl/internal/state"
)

// Inputs, Params, and Outputs are opaque key/value bags threaded between
// pipeline steps. Techniques agree on their own shapes out of band (the
// concrete technique content itself is out of scope here).
type (
	Inputs  map[string]any
	Params  map[string]any
	Outputs map[string]any
)

// Technique is a single pipeline step's unit of work.
type Technique interface {
	Execute(ctx context.Context, inputs Inputs, params Params, rc *RuntimeContext) (Outputs, error)
}

// RuntimeContext is the explicit, per-step handle to the runtime core's
// collaborators. It is read-only from the technique's perspective: budget
// and session state can be observed but are mutated only through Submit
// (which itself reserves/commits against the Budget Tracker).
type RuntimeContext struct {
	ConversationID string
	SessionID      string
	Phase          string

	Gateway   provider.Gateway
	Blobs     blob.Store
	Scheduler *scheduler.Scheduler

	// BudgetSnapshot and SessionSnapshot expose read-only views without
	// handing the technique a mutable *budget.Tracker or *session.Manager.
	BudgetSnapshot  func(ctx context.Context) (budget.Snapshot, error)
	SessionSnapshot func(ctx context.Context) (state.Session, error)
}

// Submit is a convenience wrapper that stamps spec's ConversationID,
// SessionID, and Phase from the RuntimeContext before delegating to the
// Worker Scheduler, so techniques cannot accidentally submit calls under
// the wrong conversation.
func (rc *RuntimeContext) Submit(ctx context.Context, spec scheduler.CallSpec) scheduler.Future {
	spec.ConversationID = rc.ConversationID
	spec.SessionID = rc.SessionID
	if spec.Phase == "" {
		spec.Phase = rc.Phase
	}
	return rc.Scheduler.Submit(ctx, spec)
}
