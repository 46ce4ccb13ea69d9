// Package cache implements the Cache/Memoizer (spec §4.H): a keyed lookup
// of (prompt_ref, model_name, temperature, top_p, system_prompt, seed,
// provider_fingerprint) -> response_ref, consulted by the Worker Scheduler
// before submitting a call and populated on success.
//
// The wrapper-around-a-caller-owned-*redis.Client idiom (Options struct
// holding the client, constructor validates it's non-nil) follows
// features/stream/pulse/clients/pulse/client.go. An optional LRU front tier
// mirrors pkg/runbook.Cache's lazy-expiration, thread-safe in-memory shape,
// generalized from a single TTL map to a size-bounded LRU since spec.md
// §4.H allows either size- or age-bounded eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Key identifies a memoizable call per spec.md §4.H.
type Key struct {
	PromptRef          string
	ModelName          string
	Temperature        float64
	TopP               float64
	SystemPrompt       string
	Seed               *int64
	ProviderFingerprint string
}

func (k Key) hash() string {
	h := sha256.New()
	seed := "nil"
	if k.Seed != nil {
		seed = strconv.FormatInt(*k.Seed, 10)
	}
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		k.PromptRef, k.ModelName,
		strconv.FormatFloat(k.Temperature, 'g', -1, 64),
		strconv.FormatFloat(k.TopP, 'g', -1, 64),
		k.SystemPrompt, seed, k.ProviderFingerprint)
	return "memo:" + hex.EncodeToString(h.Sum(nil))
}

// ErrMiss is returned by Get when no cached response_ref exists for the key.
var ErrMiss = errors.New("cache: miss")

// Memoizer is the Cache/Memoizer contract. Get/Put operate in terms of
// opaque response refs (blob.Ref strings); the cache itself never inspects
// or stores call payloads, only the pointer to them.
type Memoizer interface {
	Get(ctx context.Context, key Key) (responseRef string, ok bool, err error)
	Put(ctx context.Context, key Key, responseRef string) error
}

// Options configures a Redis-backed Memoizer.
type Options struct {
	// Redis is the caller-owned connection used to back the cache. Required.
	Redis *redis.Client
	// TTL bounds how long an entry survives in Redis. Zero means no
	// expiration (size-bounded eviction only, via MaxEntries).
	TTL time.Duration
	// MaxEntries, when positive, fronts Redis with an LRU of this size so
	// repeated lookups for hot keys within a process avoid a round trip.
	MaxEntries int
	// KeyPrefix namespaces cache keys, e.g. per-workspace.
	KeyPrefix string
}

type memoizer struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	local  *lru.Cache[string, string]
}

// New constructs a Memoizer backed by opts.Redis. Returns an error if
// opts.Redis is nil.
func New(opts Options) (Memoizer, error) {
	if opts.Redis == nil {
		return nil, errors.New("cache: redis client is required")
	}
	m := &memoizer{
		redis:  opts.Redis,
		ttl:    opts.TTL,
		prefix: opts.KeyPrefix,
	}
	if opts.MaxEntries > 0 {
		local, err := lru.New[string, string](opts.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("cache: build local LRU: %w", err)
		}
		m.local = local
	}
	return m, nil
}

func (m *memoizer) redisKey(key Key) string {
	if m.prefix == "" {
		return key.hash()
	}
	return m.prefix + ":" + key.hash()
}

// Get returns the memoized response_ref for key, if any. A present-but-miss
// result (ok=false, err=nil) is the common case and callers should treat it
// as "submit the call", not as an error.
func (m *memoizer) Get(ctx context.Context, key Key) (string, bool, error) {
	rk := m.redisKey(key)

	if m.local != nil {
		if ref, ok := m.local.Get(rk); ok {
			return ref, true, nil
		}
	}

	ref, err := m.redis.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", rk, err)
	}
	if m.local != nil {
		m.local.Add(rk, ref)
	}
	return ref, true, nil
}

// Put memoizes responseRef under key, overwriting any existing entry.
func (m *memoizer) Put(ctx context.Context, key Key, responseRef string) error {
	rk := m.redisKey(key)
	if err := m.redis.Set(ctx, rk, responseRef, m.ttl).Err(); err != nil {
		return fmt.Errorf("cache: put %s: %w", rk, err)
	}
	if m.local != nil {
		m.local.Add(rk, responseRef)
	}
	return nil
}
