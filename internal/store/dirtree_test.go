package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/quantity"
	"github.com/gc3pie/gc3core/internal/task"
)

func TestDirTreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirTree(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tk := task.New("roundtrip", task.Spec{
		Command: "/bin/true",
		Requirements: task.Requirements{
			Cores:         2,
			MemoryPerCore: quantity.MustNew(4, "GiB"),
			Tags:          []string{"amd64"},
		},
	})
	require.NoError(t, tk.Run.Transition(task.StateSubmitted, "submitted"))
	tk.Run.JobID = "12345"

	require.NoError(t, s.Save(ctx, tk))

	loaded, err := s.Load(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.ID, loaded.ID)
	require.Equal(t, tk.Name, loaded.Name)
	require.Equal(t, task.StateSubmitted, loaded.Run.State())
	require.Equal(t, "12345", loaded.Run.JobID)
	require.Equal(t, 2, loaded.Spec.Requirements.Cores)

	cmp, err := loaded.Spec.Requirements.MemoryPerCore.Cmp(tk.Spec.Requirements.MemoryPerCore)
	require.NoError(t, err)
	require.Equal(t, 0, cmp)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, tk.ID)

	require.NoError(t, s.Remove(ctx, tk.ID))
	_, err = s.Load(ctx, tk.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestDirTreeGroupRoundTrip exercises spec.md §4.7's referential-integrity
// requirement: a group's children are saved in their own right, and the
// group's structural metadata (kind, child ids, edges) round-trips
// separately from the embedded Task record.
func TestDirTreeGroupRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirTree(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	g := task.NewGroup("pipeline", task.KindDependency)
	first := task.New("first", task.Spec{Command: "/bin/true"})
	second := task.New("second", task.Spec{Command: "/bin/true"})
	g.AddChild(first)
	g.AddChild(second)
	g.Edges = []task.Edge{{From: first.ID, To: second.ID}}

	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, g.Task))
	require.NoError(t, s.SaveGroup(ctx, g))

	loaded, err := s.LoadGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, task.KindDependency, loaded.GroupKind)
	require.Len(t, loaded.Children, 2)
	require.Equal(t, first.ID, loaded.Children[0].ID)
	require.Equal(t, second.ID, loaded.Children[1].ID)
	require.Equal(t, g.Edges, loaded.Edges)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, g.ID+groupSuffix)
}
