// Package fsblob implements blob.Store on the local filesystem: the default,
// best-effort-durable backend for local development and single-node
// deployments (spec §4.A: "filesystem or object-store backed").
package fsblob

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sibylhq/sibyl/internal/blob"
)

// Store stores each blob as two files under root: the payload bytes at
// <root>/<shard>/<digest>.bin and its Stat sidecar at .../<digest>.json.
// Sharding by the first two hex characters keeps any single directory from
// growing unbounded, the same layout discipline the teacher applies to
// session-scoped collections (split storage by a stable prefix of the key).
type Store struct {
	root     string
	pipeline *blob.Pipeline

	mu sync.Mutex
}

// New returns a Store rooted at dir, creating it if necessary. pipeline may
// be nil to disable redaction.
func New(dir string, pipeline *blob.Pipeline) (*Store, error) {
	if dir == "" {
		return nil, errors.New("fsblob: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir, pipeline: pipeline}, nil
}

var _ blob.Store = (*Store)(nil)

type sidecar struct {
	Kind      blob.Kind          `json:"kind"`
	Size      int64              `json:"size"`
	Redacted  bool               `json:"redacted"`
	Redaction *blob.RedactionInfo `json:"redaction,omitempty"`
}

func (s *Store) paths(ref blob.Ref) (data string, meta string) {
	digest := strings.TrimPrefix(string(ref), "sha256:")
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	dir := filepath.Join(s.root, shard)
	return filepath.Join(dir, digest+".bin"), filepath.Join(dir, digest+".json")
}

// Put stores payload, applying the redaction pipeline first, and returns the
// ref of the (possibly redacted) bytes actually stored. Idempotent: storing
// identical final bytes twice is a no-op beyond overwriting the same path.
func (s *Store) Put(ctx context.Context, kind blob.Kind, payload []byte) (blob.Ref, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	stored, info := s.pipeline.Apply(payload)
	ref := blob.RefOf(stored)

	dataPath, metaPath := s.paths(ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return ref, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(dataPath, stored, 0o644); err != nil {
		return "", err
	}
	sc := sidecar{
		Kind:      kind,
		Size:      int64(len(stored)),
		Redacted:  info != nil,
		Redaction: info,
	}
	encoded, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(metaPath, encoded, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, ref blob.Ref) ([]byte, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	dataPath, _ := s.paths(ref)
	payload, err := os.ReadFile(dataPath)
	if os.IsNotExist(err) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Store) Stat(ctx context.Context, ref blob.Ref) (blob.Stat, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return blob.Stat{}, err
		}
	}
	_, metaPath := s.paths(ref)
	raw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return blob.Stat{}, blob.ErrNotFound
	}
	if err != nil {
		return blob.Stat{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return blob.Stat{}, err
	}
	return blob.Stat{
		Ref:       ref,
		Kind:      sc.Kind,
		Size:      sc.Size,
		Redacted:  sc.Redacted,
		Redaction: sc.Redaction,
	}, nil
}
