package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/adapter/shell"
	"github.com/gc3pie/gc3core/internal/engine"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/store"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

func newTestEngine(t *testing.T, st store.Store) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{MaxSubmittedPerTick: 10, Store: st})
	a := shell.New(shell.Config{WorkDirRoot: t.TempDir(), LocalOutputRoot: t.TempDir(), TotalCores: 8}, transport.NewLocal())
	e.AddResource(resource.NewResource("local", "shellcmd", resource.Caps{MaxCoresTotal: 8, MaxCoresPerTask: 8}, nil, a))
	return e
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "mysession")

	storeURL := "file://" + filepath.Join(dir, "store")
	st, err := store.Open(storeURL)
	require.NoError(t, err)

	e := newTestEngine(t, st)
	tk := task.New("greet", task.Spec{Command: "/bin/echo", Args: []string{"hi"}})
	e.AddTask(tk)

	sess, err := Create(dir, "mysession", storeURL, e)
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "store.url"))
	require.FileExists(t, filepath.Join(dir, "session.start_timestamp"))
	require.FileExists(t, filepath.Join(dir, "session.index"))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.RunUntilDone(runCtx, 20*time.Millisecond))
	require.NoError(t, sess.MarkComplete())
	require.FileExists(t, filepath.Join(dir, "session.end_timestamp"))

	summaries, err := sess.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, task.StateTerminated, summaries[0].State)
	require.True(t, summaries[0].ReturnCode.Success())

	logText, err := sess.Log(ctx)
	require.NoError(t, err)
	require.Contains(t, logText, tk.ID)

	// List/Log must also work after a cold re-Open (no live Engine),
	// reading purely from the Store and on-disk index.
	reopened, err := Open(dir)
	require.NoError(t, err)
	summaries2, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries2, 1)
	require.Equal(t, task.StateTerminated, summaries2[0].State)

	require.NoError(t, sess.Delete(ctx, 20*time.Millisecond))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}
