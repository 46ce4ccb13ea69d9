package fsblob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl/internal/blob"
)

func TestNewRejectsEmptyDir(t *testing.T) {
	_, err := New("", nil)
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), blob.KindPrompt, []byte("hello world"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestPutIsIdempotentByContentHash(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	ref1, err := store.Put(context.Background(), blob.KindPrompt, []byte("same bytes"))
	require.NoError(t, err)
	ref2, err := store.Put(context.Background(), blob.KindPrompt, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
}

func TestGetMissingRefReturnsErrNotFound(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), blob.RefOf([]byte("never stored")))
	require.True(t, errors.Is(err, blob.ErrNotFound))
}

func TestStatReportsKindAndSize(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), blob.KindResponse, []byte("abc"))
	require.NoError(t, err)

	stat, err := store.Stat(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, blob.KindResponse, stat.Kind)
	require.Equal(t, int64(3), stat.Size)
	require.False(t, stat.Redacted)
}

func TestPutAppliesRedactionPipeline(t *testing.T) {
	rule := blob.RedactionRule{
		Name: "drop-secret",
		Apply: func(b []byte) ([]byte, bool) {
			return []byte("REDACTED"), true
		},
	}
	store, err := New(t.TempDir(), blob.NewPipeline(nil, rule))
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), blob.KindPrompt, []byte("api_key=sk-live-123"))
	require.NoError(t, err)

	got, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, []byte("REDACTED"), got)

	stat, err := store.Stat(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, stat.Redacted)
	require.Equal(t, []string{"drop-secret"}, stat.Redaction.RulesApplied)
}

func TestPutRejectsCancelledContext(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, blob.KindPrompt, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}
