// Package provider defines the narrow capability-typed boundary to LLM,
// embedding, and vector-store providers, grounded on the teacher's
// runtime/agent/model.Client (Complete/Stream) and ProviderError
// classification, narrowed here to the three capabilities spec §4.D names:
// complete, embed, search. The gateway itself does not enforce budget or
// concurrency — those are the Budget Tracker's and Worker Scheduler's jobs —
// it only normalizes requests/responses and classifies errors.
package provider

import (
	"context"
	"errors"
)

// Fingerprint identifies the exact provider/model/version that produced a
// response, used by the cache and for deterministic-replay auditing (spec
// §3, §4.D).
type Fingerprint struct {
	Provider string
	Model    string
	Version  string
}

// String renders a Fingerprint as a stable cache/log key.
func (f Fingerprint) String() string {
	return f.Provider + "/" + f.Model + "/" + f.Version
}

// CompleteRequest is a normalized text-completion request.
type CompleteRequest struct {
	Model       string
	Prompt      string
	System      string
	Temperature float32
	TopP        float32
	MaxTokens   int
	Seed        *int64
}

// CompleteResponse is a normalized text-completion result.
type CompleteResponse struct {
	Text         string
	TokensIn     int
	TokensOut    int
	Fingerprint  Fingerprint
	LatencyMs    int64
	FinishReason string
}

// EmbedRequest requests vector embeddings for a batch of texts.
type EmbedRequest struct {
	Model string
	Texts []string
}

// EmbedResponse carries one vector per input text, in order.
type EmbedResponse struct {
	Vectors     [][]float32
	Fingerprint Fingerprint
}

// SearchResult is a single vector-store match.
type SearchResult struct {
	ID    string
	Score float32
	Meta  map[string]any
}

// SearchRequest queries a vector store for the k nearest neighbors of a
// query vector.
type SearchRequest struct {
	Vector []float32
	K      int
}

// Gateway is the capability-typed boundary of spec §4.D.
type Gateway interface {
	Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error)
	Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, error)
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// ErrorKind classifies provider failures, mirroring the teacher's
// model.ProviderErrorKind.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// Error describes a classified provider failure that crosses package
// boundaries so the Worker Scheduler can decide retryable vs terminal (spec
// §7) without depending on any specific SDK's error types.
type Error struct {
	Provider  string
	Operation string
	HTTP      int
	Kind      ErrorKind
	Code      string
	Message   string
	RequestID string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return e.Provider + " " + string(e.Kind) + " (" + op + "): " + msg
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
