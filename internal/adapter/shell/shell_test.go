package shell

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

func TestShellAdapterTrivialRun(t *testing.T) {
	workDir := t.TempDir()
	outDir := t.TempDir()

	a := New(Config{WorkDirRoot: workDir, LocalOutputRoot: outDir, TotalCores: 4}, transport.NewLocal())

	tk := task.New("echo", task.Spec{
		Command: "/bin/echo",
		Args:    []string{"hello"},
		Outputs: []task.IOMapping{{Source: ".gc3.stdout", Dest: "stdout.txt"}},
		Stdout:  ".gc3.stdout",
	})
	tk.Spec.Requirements.Cores = 1

	ctx := context.Background()
	jobID, err := a.Submit(ctx, tk)
	require.NoError(t, err)
	tk.Run.JobID = jobID

	var result = pollUntilTerminating(t, a, tk)
	require.True(t, result.HasReturnCode)
	require.True(t, result.ReturnCode.Success())

	dir, err := a.FetchOutputs(ctx, tk)
	require.NoError(t, err)

	b, err := os.ReadFile(dir + "/stdout.txt")
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(b))

	require.Equal(t, 4, a.AvailableCores())
}

func pollUntilTerminating(t *testing.T, a *Adapter, tk *task.Task) (res struct {
	HasReturnCode bool
	ReturnCode    task.ReturnCode
}) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pr, err := a.Poll(context.Background(), tk)
		require.NoError(t, err)
		if pr.State == task.StateTerminating {
			res.HasReturnCode = pr.HasReturnCode
			res.ReturnCode = pr.ReturnCode
			return res
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("task did not terminate in time")
	return res
}
