// Package sibyl is the public façade over the runtime core: workspace
// config loading, pipeline invocation, and liveness/readiness wiring.
// Everything it exposes is a thin wrapper over internal/* — the façade
// itself holds no business logic, mirroring how the teacher's cmd/demo
// wires runtime.New() and a planner rather than reimplementing the engine.
package sibyl

import (
	"context"
	"encoding/json"
	"net/http"

	"goa.design/clue/health"

	"github.com/sibylhq/sibyl/internal/config"
	"github.com/sibylhq/sibyl/internal/pipeline"
	"github.com/sibylhq/sibyl/pkg/sibyl/technique"
)

// LoadConfig loads and validates the workspace configuration at path.
func LoadConfig(path string) (*config.Workspace, error) {
	ws, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return ws, nil
}

// RunPipeline drives def against a new or resumed conversation. It is a
// thin wrapper over internal/pipeline.Executor.Run.
func RunPipeline(ctx context.Context, exec *pipeline.Executor, def pipeline.Pipeline, inputs technique.Inputs, opts pipeline.RunOptions) (pipeline.Result, error) {
	return exec.Run(ctx, def, inputs, opts)
}

// LiveHandler reports 200 OK unconditionally: liveness must not depend on
// downstream connectivity, only on the process itself being scheduled.
func LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// readyStatus is one collaborator's reachability, reported by ReadyHandler.
type readyStatus struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
}

// ReadyHandler pings every collaborator that implements health.Pinger (the
// State Store and, when configured, the Cache/Memoizer's Redis connection)
// and reports 200 only if all of them succeed, per spec.md §6's "/ready
// returns ready iff State Store ... reachable". health.Pinger is the same
// contract the teacher's Mongo clients satisfy
// (features/session/mongo/clients/mongo.Client).
func ReadyHandler(pingers ...health.Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		results := make([]readyStatus, 0, len(pingers))
		allOK := true
		for _, p := range pingers {
			status := readyStatus{Name: p.Name(), OK: true}
			if err := p.Ping(ctx); err != nil {
				status.OK = false
				status.Err = err.Error()
				allOK = false
			}
			results = append(results, status)
		}

		w.Header().Set("Content-Type", "application/json")
		if allOK {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(results)
	})
}
