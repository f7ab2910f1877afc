package batch

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

// fakeTransport is a scripted Transport double: each call to Run
// matching a registered substring advances through that substring's
// queued stdouts, repeating the last one once exhausted. Used to drive
// the batch Adapter without a real cluster (SPEC_FULL.md B.4).
type fakeTransport struct {
	responses map[string][]string
	calls     map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: map[string][]string{}, calls: map[string]int{}}
}

func (f *fakeTransport) on(substr string, stdouts ...string) {
	f.responses[substr] = stdouts
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                   { return nil }
func (f *fakeTransport) Put(ctx context.Context, localPath, remotePath string) error { return nil }
func (f *fakeTransport) Get(ctx context.Context, remotePath, localPath string) error { return nil }
func (f *fakeTransport) ListDir(ctx context.Context, path string) ([]transport.FileInfo, error) {
	return nil, nil
}
func (f *fakeTransport) Remove(ctx context.Context, path string) error { return nil }

func (f *fakeTransport) Run(ctx context.Context, command string, stdin io.Reader) (transport.CommandResult, error) {
	for substr, outs := range f.responses {
		if strings.Contains(command, substr) {
			n := f.calls[substr]
			if n >= len(outs) {
				n = len(outs) - 1
			}
			f.calls[substr]++
			return transport.CommandResult{Stdout: outs[n]}, nil
		}
	}
	return transport.CommandResult{}, nil
}

func TestSlurmAccountingRace(t *testing.T) {
	tr := newFakeTransport()

	tr.on("sbatch --parsable", "555")
	// squeue reports the job missing from the live queue immediately
	// after it finishes (already left PENDING/RUNNING).
	tr.on("squeue", "")
	// sacct lags: first poll sees nothing, second poll sees the
	// completed parent job line plus its .batch step.
	tr.on("sacct", "", "555|0:0|00:01:05|COMPLETED\n555.batch|0:0|00:01:05|COMPLETED")

	flavour, err := New("slurm")
	require.NoError(t, err)

	a := NewAdapter(Config{
		Flavour:           flavour,
		RemoteWorkDirRoot: "/remote/work",
		LocalOutputRoot:   t.TempDir(),
		GraceWindow:       time.Hour, // must not fire before accounting catches up
	}, tr)

	tk := task.New("slurm-job", task.Spec{Command: "/bin/true"})
	jobID, err := a.Submit(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, "555", jobID)
	tk.Run.JobID = jobID

	pr, err := a.Poll(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, task.StateUnknown, pr.State, "accounting not caught up yet must not be mistaken for terminal")

	pr, err = a.Poll(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, task.StateTerminating, pr.State)
	require.True(t, pr.HasReturnCode)
	require.True(t, pr.ReturnCode.Success())
	require.Equal(t, 65*time.Second, pr.Usage.Walltime)
}
