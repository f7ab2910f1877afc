package stage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchInputHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello from the grid"))
	}))
	defer srv.Close()

	s := New(Config{CacheDir: t.TempDir()})
	local, err := s.FetchInput(context.Background(), srv.URL+"/dataset.dat")
	require.NoError(t, err)

	content, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, "hello from the grid", string(content))
}

func TestPublishOutputHTTP(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		require.NoError(t, err)
		part, err := mr.NextPart()
		require.NoError(t, err)
		received, _ = io.ReadAll(part)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	localFile := filepath.Join(dir, "result.txt")
	require.NoError(t, os.WriteFile(localFile, []byte("computed answer"), 0o644))

	s := New(Config{CacheDir: dir})
	require.NoError(t, s.PublishOutput(context.Background(), localFile, srv.URL+"/results/answer.txt"))
	require.Equal(t, "computed answer", string(received))
}

func TestRemoteSchemeDetection(t *testing.T) {
	require.True(t, Remote("s3://bucket/key"))
	require.True(t, Remote("https://example.com/x"))
	require.False(t, Remote("file:///tmp/x"))
	require.False(t, Remote("/plain/local/path"))
}

func TestFetchInputUnsupportedScheme(t *testing.T) {
	s := New(Config{CacheDir: t.TempDir()})
	_, err := s.FetchInput(context.Background(), "ftp://host/path")
	require.Error(t, err)
}
