package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/quantity"
	"github.com/gc3pie/gc3core/internal/task"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	tk := task.New("roundtrip", task.Spec{
		Command: "/bin/true",
		Requirements: task.Requirements{
			Cores:         1,
			MemoryPerCore: quantity.MustNew(1, "GiB"),
		},
	})
	require.NoError(t, tk.Run.Transition(task.StateSubmitted, "submitted"))
	tk.Run.JobID = "42"

	require.NoError(t, s.Save(ctx, tk))

	loaded, err := s.Load(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.ID, loaded.ID)
	require.Equal(t, task.StateSubmitted, loaded.Run.State())
	require.Equal(t, "42", loaded.Run.JobID)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, tk.ID)

	require.NoError(t, s.Remove(ctx, tk.ID))
	_, err = s.Load(ctx, tk.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreGroupRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "group.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	g := task.NewGroup("pipeline", task.KindSequential)
	first := task.New("first", task.Spec{Command: "/bin/true"})
	g.AddChild(first)

	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, g.Task))
	require.NoError(t, s.SaveGroup(ctx, g))

	loaded, err := s.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, task.KindSequential, loaded.GroupKind)
	require.Len(t, loaded.Children, 1)
	require.Equal(t, first.ID, loaded.Children[0].ID)

	_, err = s.LoadGroup(ctx, "no-such-group")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenDispatchesByScheme(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("file://" + dir)
	require.NoError(t, err)
	require.IsType(t, &DirTree{}, s)
	require.NoError(t, s.Close())

	s, err = Open("sqlite://" + filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	require.IsType(t, &sqlStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("carrier-pigeon://nope")
	require.Error(t, err)
}
