package sibyl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	name string
	err  error
}

func (f fakePinger) Name() string                  { return f.name }
func (f fakePinger) Ping(context.Context) error { return f.err }

func TestLiveHandlerAlwaysOK(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyHandlerOKWhenAllPingersSucceed(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	ReadyHandler(fakePinger{name: "store"}, fakePinger{name: "cache"}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyHandlerUnavailableWhenAPingerFails(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	ReadyHandler(fakePinger{name: "store"}, fakePinger{name: "cache", err: errors.New("unreachable")}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoadConfigRejectsInvalidWorkspace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipelines:\n  - name: empty\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
