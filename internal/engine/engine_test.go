package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/adapter/shell"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

func newTestShellResource(t *testing.T, name string) *resource.Resource {
	t.Helper()
	a := shell.New(shell.Config{WorkDirRoot: t.TempDir(), LocalOutputRoot: t.TempDir(), TotalCores: 8}, transport.NewLocal())
	return resource.NewResource(name, "shellcmd", resource.Caps{MaxCoresTotal: 8, MaxCoresPerTask: 8}, nil, a)
}

// TestEngineTrivialRun exercises spec.md §8 Scenario S1 end-to-end
// through the Engine instead of the adapter directly: one task, one
// shellcmd resource, terminated with success.
func TestEngineTrivialRun(t *testing.T) {
	e := New(Config{MaxSubmittedPerTick: 10})
	e.AddResource(newTestShellResource(t, "local"))

	tk := task.New("echo", task.Spec{Command: "/bin/echo", Args: []string{"ok"}})
	e.AddTask(tk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.RunUntilDone(ctx, 20*time.Millisecond))

	require.Equal(t, task.StateTerminated, tk.Run.State())
	require.True(t, tk.Run.ReturnCode.Success())
}

// TestEngineSequentialOrdering exercises spec.md §8 Scenario S2: a
// Sequential group of two children runs its second child only after
// the first terminates, and the group's derived state follows.
func TestEngineSequentialOrdering(t *testing.T) {
	e := New(Config{MaxSubmittedPerTick: 10})
	e.AddResource(newTestShellResource(t, "local"))

	outDir := t.TempDir()
	marker := filepath.Join(outDir, "first-ran")

	first := task.New("first", task.Spec{Command: "/bin/sh", Args: []string{"-c", "touch " + marker}})
	var second *task.Task

	g := task.NewGroup("pipeline", task.KindSequential)
	g.Selector = func(lastChild *task.Task, childrenSoFar []*task.Task) (task.SelectorDecision, []*task.Task) {
		switch len(childrenSoFar) {
		case 0:
			return task.SelectorContinue, []*task.Task{first}
		case 1:
			if _, err := os.Stat(marker); err != nil {
				return task.SelectorStop, nil
			}
			second = task.New("second", task.Spec{Command: "/bin/true"})
			return task.SelectorContinue, []*task.Task{second}
		default:
			return task.SelectorStop, nil
		}
	}
	e.AddGroup(g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.RunUntilDone(ctx, 20*time.Millisecond))

	require.Equal(t, task.StateTerminated, first.Run.State())
	require.NotNil(t, second)
	require.Equal(t, task.StateTerminated, second.Run.State())
	require.Equal(t, task.StateTerminated, g.Run.State())
	require.True(t, g.Run.ReturnCode.Success())
}

// TestEngineUnplaceableTaskTerminates exercises spec.md §8's boundary
// behaviour: a task requesting more cores than any resource's Caps
// could ever offer terminates with submission-failed instead of
// spinning in StateNew until the context deadline.
func TestEngineUnplaceableTaskTerminates(t *testing.T) {
	e := New(Config{MaxSubmittedPerTick: 10})
	e.AddResource(newTestShellResource(t, "local"))

	tk := task.New("too-big", task.Spec{
		Command:      "/bin/true",
		Requirements: task.Requirements{Cores: 64},
	})
	e.AddTask(tk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.RunUntilDone(ctx, 20*time.Millisecond))

	require.Equal(t, task.StateTerminated, tk.Run.State())
	require.False(t, tk.Run.ReturnCode.Success())
}

// TestEngineGroupDerivedStateReachesRunning exercises spec.md §4.3's
// derived-state model and S2's literal "group transitions
// new->running->terminated": while one child has started but another
// is still StateNew, the group's own derived state must be able to
// report running rather than being stuck at new.
func TestEngineGroupDerivedStateReachesRunning(t *testing.T) {
	e := New(Config{MaxSubmittedPerTick: 10})
	e.AddResource(newTestShellResource(t, "local"))

	blocker := filepath.Join(t.TempDir(), "go")
	first := task.New("first", task.Spec{Command: "/bin/sh", Args: []string{"-c", "while [ ! -f " + blocker + " ]; do sleep 0.05; done"}})
	second := task.New("second", task.Spec{Command: "/bin/true"})

	g := task.NewGroup("pipeline", task.KindDependency)
	g.AddChild(first)
	g.AddChild(second)
	g.Edges = []task.Edge{{From: first.ID, To: second.ID}}
	e.AddGroup(g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seenRunning := false
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Progress(ctx))
		if g.Run.State() == task.StateRunning {
			seenRunning = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, seenRunning, "group should reach running while first child is mid-run")

	require.NoError(t, os.WriteFile(blocker, []byte("go"), 0o644))
	require.NoError(t, e.RunUntilDone(ctx, 20*time.Millisecond))
	require.Equal(t, task.StateTerminated, g.Run.State())
	require.True(t, g.Run.ReturnCode.Success())
}
