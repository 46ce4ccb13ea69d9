// Package blob implements the content-addressed Blob Store: Put/Get/Stat
// over immutable byte payloads keyed by the SHA-256 of their (possibly
// redacted) content, with an optional redaction pipeline recording applied
// rules and an HMAC of the pre-image.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Kind classifies what a blob's bytes represent, per spec.
type Kind string

const (
	KindPrompt         Kind = "prompt"
	KindResponse       Kind = "response"
	KindContext        Kind = "context"
	KindError          Kind = "error"
	KindSummary        Kind = "summary"
	KindSessionSummary Kind = "session_summary"
)

// ErrNotFound is returned by Get/Stat when no blob exists for a ref.
var ErrNotFound = errors.New("blob: not found")

// Ref is the content address: "sha256:" followed by the hex digest.
type Ref string

// RefOf computes the ref for a payload without storing it.
func RefOf(payload []byte) Ref {
	sum := sha256.Sum256(payload)
	return Ref("sha256:" + hex.EncodeToString(sum[:]))
}

// Stat describes a stored blob without its bytes.
type Stat struct {
	Ref      Ref
	Kind     Kind
	Size     int64
	Redacted bool
	Redaction *RedactionInfo
}

// RedactionInfo records what the redaction pipeline did to a payload before
// it was hashed and stored.
type RedactionInfo struct {
	// RulesApplied names the RedactionRule entries that matched, in order.
	RulesApplied []string
	// PreimageHMAC is HMAC-SHA256(secret, original_payload), letting an
	// auditor verify what was redacted without recovering the original.
	PreimageHMAC string
}

// Store is the Blob Store contract of spec §4.A. Put is idempotent by
// content hash: storing the same (post-redaction) bytes twice returns the
// same ref and does not duplicate storage.
type Store interface {
	// Put stores payload under kind, applying the store's redaction
	// pipeline first if configured, and returns the resulting ref.
	Put(ctx context.Context, kind Kind, payload []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Stat(ctx context.Context, ref Ref) (Stat, error)
}

// RedactionRule inspects and optionally transforms a payload. It returns the
// (possibly unmodified) bytes and whether it changed anything; a rule must
// be defensive and never panic on malformed input, returning the input
// unchanged rather than erroring, matching the fail-closed discipline of
// masking pipelines in this corpus.
type RedactionRule struct {
	Name  string
	Apply func([]byte) ([]byte, bool)
}

// Pipeline applies an ordered list of RedactionRules and computes the HMAC
// of the pre-image for audit, mirroring codeready-toolchain-tarsy's
// masking.Service: a registry of rules applied in sequence, each one
// structurally or pattern aware, with the original preserved for the HMAC
// witness rather than discarded.
type Pipeline struct {
	rules     []RedactionRule
	hmacKey   []byte
}

// NewPipeline builds a redaction Pipeline. hmacKey may be nil, in which case
// PreimageHMAC is omitted from RedactionInfo.
func NewPipeline(hmacKey []byte, rules ...RedactionRule) *Pipeline {
	return &Pipeline{rules: rules, hmacKey: hmacKey}
}

// Apply runs the pipeline over payload. If no rule matched, it returns
// (payload, nil) unchanged.
func (p *Pipeline) Apply(payload []byte) ([]byte, *RedactionInfo) {
	if p == nil || len(p.rules) == 0 {
		return payload, nil
	}
	out := payload
	var applied []string
	for _, r := range p.rules {
		next, changed := r.Apply(out)
		if changed {
			out = next
			applied = append(applied, r.Name)
		}
	}
	if len(applied) == 0 {
		return payload, nil
	}
	info := &RedactionInfo{RulesApplied: applied}
	if p.hmacKey != nil {
		mac := hmac.New(sha256.New, p.hmacKey)
		mac.Write(payload)
		info.PreimageHMAC = hex.EncodeToString(mac.Sum(nil))
	}
	return out, info
}
