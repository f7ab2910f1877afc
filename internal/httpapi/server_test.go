package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/engine"
	"github.com/gc3pie/gc3core/internal/session"
	"github.com/gc3pie/gc3core/internal/task"
)

func newTestSession(t *testing.T, root, name string) {
	t.Helper()
	eng := engine.New(engine.Config{})
	tk := task.New("greet", task.Spec{Command: "true"})
	eng.AddTask(tk)

	dir := filepath.Join(root, name)
	storeURL := "file://" + filepath.Join(dir, "store")
	_, err := session.Create(dir, name, storeURL, eng)
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Config{SessionsRoot: t.TempDir()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListAndGetSession(t *testing.T) {
	root := t.TempDir()
	newTestSession(t, root, "demo")

	r := NewRouter(Config{SessionsRoot: root})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	require.Equal(t, []string{"demo"}, names)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/demo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, task.StateNew, summaries[0].State)
}

func TestGetUnknownSessionNotFound(t *testing.T) {
	r := NewRouter(Config{SessionsRoot: t.TempDir()})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
