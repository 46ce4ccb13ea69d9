// Command sibyl loads a workspace config and runs one of its declared
// pipelines against an in-memory State Store, the way cmd/demo wires a
// minimal runtime.New() and a stub planner for a single end-to-end run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/sibylhq/sibyl/internal/blob"
	"github.com/sibylhq/sibyl/internal/blob/fsblob"
	"github.com/sibylhq/sibyl/internal/budget"
	"github.com/sibylhq/sibyl/internal/cache"
	"github.com/sibylhq/sibyl/internal/config"
	"github.com/sibylhq/sibyl/internal/pipeline"
	"github.com/sibylhq/sibyl/internal/provider"
	"github.com/sibylhq/sibyl/internal/provider/anthropic"
	"github.com/sibylhq/sibyl/internal/scheduler"
	"github.com/sibylhq/sibyl/internal/state/inmem"
	"github.com/sibylhq/sibyl/internal/telemetry"
	"github.com/sibylhq/sibyl/pkg/sibyl"
	"github.com/sibylhq/sibyl/pkg/sibyl/technique"
)

func main() {
	workspacePath := flag.String("workspace", "workspace.yaml", "path to the workspace config")
	pipelineName := flag.String("pipeline", "", "name of the pipeline to run")
	blobDir := flag.String("blob-dir", "./sibyl-blobs", "filesystem root for the Blob Store")
	healthAddr := flag.String("health-addr", "", "if set, serve /live and /ready on this address instead of running a pipeline")
	flag.Parse()

	ws, err := sibyl.LoadConfig(*workspacePath)
	if err != nil {
		log.Fatalf("sibyl: load workspace: %v", err)
	}

	store := inmem.New()
	tracker := budget.New(store)
	logger := telemetry.NewClueLogger()

	if *healthAddr != "" {
		serveHealth(*healthAddr)
		return
	}

	blobs, err := fsblob.New(*blobDir, blob.NewPipeline(nil, blob.BuiltinRedactionRules()...))
	if err != nil {
		log.Fatalf("sibyl: build blob store: %v", err)
	}

	gateway, err := gatewayFor(ws)
	if err != nil {
		log.Fatalf("sibyl: build provider gateway: %v", err)
	}

	sched := scheduler.New(scheduler.Options{
		Store:  store,
		Budget: tracker,
		Cache:  cacheFor(os.Getenv("SIBYL_REDIS_ADDR")),
		Logger: logger,
	})

	exec, err := pipeline.New(pipeline.Options{
		Store:     store,
		Blobs:     blobs,
		Gateway:   gateway,
		Scheduler: sched,
		Budget:    tracker,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("sibyl: build executor: %v", err)
	}

	def, ok := findPipeline(ws, *pipelineName)
	if !ok {
		log.Fatalf("sibyl: no pipeline named %q in %s", *pipelineName, *workspacePath)
	}

	result, err := sibyl.RunPipeline(context.Background(), exec, def, technique.Inputs{}, pipeline.RunOptions{
		TokenBudget:   ws.Budget.MaxTokens,
		ModelName:     firstLLMModel(ws),
		ConfigVersion: "cli",
		ConfigJSON:    []byte("{}"),
	})
	if err != nil {
		log.Fatalf("sibyl: run %q: %v", *pipelineName, err)
	}

	fmt.Printf("conversation %s completed with %d checkpoints\n", result.ConversationID, len(result.Checkpoints))
}

func findPipeline(ws *config.Workspace, name string) (pipeline.Pipeline, bool) {
	for _, p := range ws.Pipelines {
		if p.Name != name {
			continue
		}
		steps := make([]pipeline.Step, 0, len(p.Steps))
		for _, s := range p.Steps {
			steps = append(steps, pipeline.Step{Name: s.Name, Technique: s.Technique, Params: s.Params})
		}
		return pipeline.Pipeline{Name: p.Name, Steps: steps}, true
	}
	return pipeline.Pipeline{}, false
}

func firstLLMModel(ws *config.Workspace) string {
	for _, p := range ws.Providers {
		if p.Kind == config.ProviderKindLLM {
			return p.Driver
		}
	}
	return "unknown"
}

// gatewayFor builds the Provider Gateway for the workspace's first
// declared LLM provider. Concrete provider client wiring beyond error
// classification is out of scope; this picks the one driver this binary
// knows how to construct directly (spec.md's Non-goals exclude building a
// general provider registry here).
func gatewayFor(ws *config.Workspace) (provider.Gateway, error) {
	for _, p := range ws.Providers {
		if p.Kind != config.ProviderKindLLM || p.Driver != "anthropic" {
			continue
		}
		apiKey := os.Getenv(p.APIKeyEnv)
		return anthropic.NewFromAPIKey(apiKey, "claude-3-5-sonnet-latest")
	}
	return nil, fmt.Errorf("no anthropic LLM provider declared in workspace config")
}

// cacheFor builds the Cache/Memoizer when addr names a reachable Redis
// instance, or returns nil (caching disabled) when addr is empty. A CLI run
// with no SIBYL_REDIS_ADDR set simply never memoizes calls; it does not fail.
func cacheFor(addr string) cache.Memoizer {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	m, err := cache.New(cache.Options{Redis: client, MaxEntries: 1024})
	if err != nil {
		log.Printf("sibyl: cache disabled: %v", err)
		return nil
	}
	return m
}

// serveHealth serves liveness/readiness probes only; the in-memory State
// Store this binary wires for CLI runs has nothing worth pinging, so
// readiness reports healthy unconditionally. A deployment backed by
// internal/state/mongo would pass that Store (it implements health.Pinger)
// into sibyl.ReadyHandler instead.
func serveHealth(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/live", sibyl.LiveHandler())
	mux.Handle("/ready", sibyl.ReadyHandler())
	log.Printf("sibyl: serving health checks on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("sibyl: health server: %v", err)
	}
}
