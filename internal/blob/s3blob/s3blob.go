// Package s3blob implements blob.Store over an S3-compatible object store,
// for deployments that need shared, multi-node blob storage instead of
// fsblob's local filesystem. It satisfies the same interface as fsblob; ref
// layout and redaction semantics are identical, only the storage_url scheme
// changes (s3://bucket/sha256/<digest>).
package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sibylhq/sibyl/internal/blob"
)

// API is the subset of *s3.Client this package calls, narrowed for testing.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store stores blob payloads as objects under key "sha256/<digest>" and
// their Stat sidecar as user metadata plus a ".meta" sibling object.
type Store struct {
	client   API
	bucket   string
	prefix   string
	pipeline *blob.Pipeline
}

// Options configures a Store.
type Options struct {
	Client   API
	Bucket   string
	Prefix   string
	Pipeline *blob.Pipeline
}

// New returns an s3-backed Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3blob: client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3blob: bucket is required")
	}
	return &Store{
		client:   opts.Client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		pipeline: opts.Pipeline,
	}, nil
}

var _ blob.Store = (*Store)(nil)

type sidecar struct {
	Kind      blob.Kind           `json:"kind"`
	Size      int64               `json:"size"`
	Redacted  bool                `json:"redacted"`
	Redaction *blob.RedactionInfo `json:"redaction,omitempty"`
}

func (s *Store) dataKey(ref blob.Ref) string {
	digest := strings.TrimPrefix(string(ref), "sha256:")
	if s.prefix == "" {
		return "sha256/" + digest
	}
	return s.prefix + "/sha256/" + digest
}

func (s *Store) metaKey(ref blob.Ref) string {
	return s.dataKey(ref) + ".meta"
}

func (s *Store) Put(ctx context.Context, kind blob.Kind, payload []byte) (blob.Ref, error) {
	stored, info := s.pipeline.Apply(payload)
	ref := blob.RefOf(stored)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.dataKey(ref)),
	}); err == nil {
		return ref, nil
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.dataKey(ref)),
		Body:        bytes.NewReader(stored),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return "", fmt.Errorf("s3blob: put object: %w", err)
	}

	sc := sidecar{Kind: kind, Size: int64(len(stored)), Redacted: info != nil, Redaction: info}
	encoded, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(ref)),
		Body:        bytes.NewReader(encoded),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", fmt.Errorf("s3blob: put metadata: %w", err)
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, ref blob.Ref) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.dataKey(ref)),
	})
	if isNotFound(err) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *Store) Stat(ctx context.Context, ref blob.Ref) (blob.Stat, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(ref)),
	})
	if isNotFound(err) {
		return blob.Stat{}, blob.ErrNotFound
	}
	if err != nil {
		return blob.Stat{}, fmt.Errorf("s3blob: get metadata: %w", err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return blob.Stat{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return blob.Stat{}, err
	}
	return blob.Stat{Ref: ref, Kind: sc.Kind, Size: sc.Size, Redacted: sc.Redacted, Redaction: sc.Redaction}, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NoSuchKey
	return errors.As(err, &nf)
}
