package s3blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/blob"
)

type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeAPI) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*params.Key]; !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestNewRequiresClientAndBucket(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Client: newFakeAPI()})
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	store, err := New(Options{Client: newFakeAPI(), Bucket: "sibyl-blobs"})
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), blob.KindPrompt, []byte("hello world"))
	require.NoError(t, err)

	got, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestPutSkipsUploadWhenObjectAlreadyExists(t *testing.T) {
	api := newFakeAPI()
	store, err := New(Options{Client: api, Bucket: "sibyl-blobs"})
	require.NoError(t, err)

	ref1, err := store.Put(context.Background(), blob.KindPrompt, []byte("dup"))
	require.NoError(t, err)
	ref2, err := store.Put(context.Background(), blob.KindPrompt, []byte("dup"))
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
}

func TestGetMissingRefReturnsErrNotFound(t *testing.T) {
	store, err := New(Options{Client: newFakeAPI(), Bucket: "sibyl-blobs"})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), blob.RefOf([]byte("never stored")))
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestStatReportsKindAndRedaction(t *testing.T) {
	rule := blob.RedactionRule{
		Name:  "drop-secret",
		Apply: func(b []byte) ([]byte, bool) { return []byte("REDACTED"), true },
	}
	store, err := New(Options{Client: newFakeAPI(), Bucket: "sibyl-blobs", Pipeline: blob.NewPipeline(nil, rule)})
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), blob.KindResponse, []byte("api_key=sk-live"))
	require.NoError(t, err)

	stat, err := store.Stat(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, blob.KindResponse, stat.Kind)
	require.True(t, stat.Redacted)
}

func TestDataKeyHonorsPrefix(t *testing.T) {
	store, err := New(Options{Client: newFakeAPI(), Bucket: "sibyl-blobs", Prefix: "/workspace-a/"})
	require.NoError(t, err)

	ref := blob.RefOf([]byte("x"))
	require.Equal(t, "workspace-a/sha256/"+string(ref)[len("sha256:"):], store.dataKey(ref))
}
