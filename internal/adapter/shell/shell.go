// Package shell implements the ShellAdapter of spec.md §4.5: runs a
// task as a direct child process, either local or over the host's
// Transport, enforcing a local core budget. The launched pid is written
// to a .gc3.pid sidecar file with a local file write; in-flight jobs
// are tracked in memory only and nothing reads the sidecar back, so a
// restarted engine does not reattach to jobs launched before it.
package shell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gc3pie/gc3core/internal/gcerror"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/stage"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

// Config configures one ShellAdapter instance.
type Config struct {
	// WorkDirRoot is where per-task working directories are created,
	// local to wherever Transport executes (the local host, or the
	// remote host behind an SSH Transport).
	WorkDirRoot string
	// LocalOutputRoot is where fetched outputs land, always on the
	// machine the Engine itself runs on.
	LocalOutputRoot string
	// TotalCores is the self-declared or auto-detected core budget
	// this adapter enforces locally (spec.md §4.5).
	TotalCores int
	// ForceDeclaredCores, when true, makes TotalCores win over
	// auto-detection even if the adapter could detect a different
	// value (spec.md §4.5 "a configuration override forces the
	// declared value").
	ForceDeclaredCores bool

	// Stager resolves s3://, minio:// and http(s):// input/output URLs
	// that a plain Transport.Put/Get can't reach directly. Nil disables
	// remote staging; inputs/outputs on a local or file:// scheme work
	// either way.
	Stager *stage.Stager
}

// Adapter is the ShellAdapter of spec.md §4.5.
type Adapter struct {
	cfg       Config
	transport transport.Transport

	mu            sync.Mutex
	coresInUse    int
	jobs          map[string]*jobState // jobID -> state
}

type jobState struct {
	pid       int
	coresHeld int
	workDir   string
	started   time.Time
}

// New builds a ShellAdapter over the given Transport (Local or SSH).
func New(cfg Config, t transport.Transport) *Adapter {
	return &Adapter{cfg: cfg, transport: t, jobs: map[string]*jobState{}}
}

// AvailableCores reports the adapter's remaining local core budget.
func (a *Adapter) AvailableCores() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.TotalCores - a.coresInUse
}

// Submit implements resource.Adapter. It refuses the submission
// (transient, the Engine retries next tick) if accepting it would
// drive the local core counter negative.
func (a *Adapter) Submit(ctx context.Context, t *task.Task) (string, error) {
	cores := t.Spec.Requirements.Cores
	if cores <= 0 {
		cores = 1
	}

	a.mu.Lock()
	if a.coresInUse+cores > a.cfg.TotalCores {
		a.mu.Unlock()
		return "", gcerror.Newf(gcerror.KindTransient, "shell: insufficient local cores (%d available, %d requested)", a.cfg.TotalCores-a.coresInUse, cores)
	}
	a.coresInUse += cores
	a.mu.Unlock()

	jobID := t.ID
	workDir := filepath.Join(a.cfg.WorkDirRoot, jobID)
	if err := a.transport.Open(ctx); err != nil {
		a.releaseCores(cores)
		return "", err
	}
	if _, err := a.transport.Run(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(workDir)), nil); err != nil {
		a.releaseCores(cores)
		return "", gcerror.New(gcerror.KindDataStaging, err)
	}

	for _, in := range t.Spec.Inputs {
		if err := stageInput(ctx, a.transport, a.cfg.Stager, in, workDir); err != nil {
			a.releaseCores(cores)
			return "", gcerror.New(gcerror.KindDataStaging, err).WithTask(t.ID)
		}
	}

	pid, err := a.launch(ctx, t, workDir)
	if err != nil {
		a.releaseCores(cores)
		return "", err
	}

	a.mu.Lock()
	a.jobs[jobID] = &jobState{pid: pid, coresHeld: cores, workDir: workDir, started: time.Now()}
	a.mu.Unlock()

	if err := writePIDFile(filepath.Join(workDir, ".gc3.pid"), pid); err != nil {
		t.Run.AppendHistory("warning: failed to write pid sidecar: " + err.Error())
	}

	return jobID, nil
}

func (a *Adapter) releaseCores(n int) {
	a.mu.Lock()
	a.coresInUse -= n
	a.mu.Unlock()
}

// launch wraps the task's command with a time/usage reporting wrapper
// and backgrounds it, returning the spawned shell's pid so Poll can
// check liveness (spec.md §6: "each submitted task is wrapped with a
// time/usage wrapper whose output is parsed to populate resource
// usage").
func (a *Adapter) launch(ctx context.Context, t *task.Task, workDir string) (int, error) {
	script := renderWrapperScript(t, workDir)
	scriptPath := filepath.Join(workDir, ".gc3.wrapper.sh")
	if err := writeRemoteScript(ctx, a.transport, scriptPath, script); err != nil {
		return 0, gcerror.New(gcerror.KindPermanent, err)
	}
	cmd := fmt.Sprintf("cd %s && chmod +x %s && nohup %s >/dev/null 2>&1 & echo $!",
		shellQuote(workDir), shellQuote(scriptPath), shellQuote(scriptPath))
	res, err := a.transport.Run(ctx, cmd, nil)
	if err != nil {
		return 0, gcerror.New(gcerror.KindTransient, err)
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if perr != nil {
		return 0, gcerror.Newf(gcerror.KindPermanent, "shell: could not parse launched pid from %q", res.Stdout)
	}
	return pid, nil
}

// Poll implements resource.Adapter. It reads the wrapper's exit-status
// sidecar file and `/usr/bin/time -v` report through the Transport,
// which is where usage comes from. While no status has been written,
// the local variant also uses gopsutil to check whether the wrapper
// process is still alive.
func (a *Adapter) Poll(ctx context.Context, t *task.Task) (resource.PollResult, error) {
	a.mu.Lock()
	js, ok := a.jobs[t.Run.JobID]
	a.mu.Unlock()
	if !ok {
		return resource.PollResult{}, gcerror.Newf(gcerror.KindPersistence, "shell: unknown job %s", t.Run.JobID)
	}

	statusPath := filepath.Join(js.workDir, ".gc3.exitstatus")
	res, err := a.transport.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", shellQuote(statusPath)), nil)
	if err != nil {
		return resource.PollResult{}, gcerror.New(gcerror.KindTransient, err)
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		if _, local := a.transport.(*transport.Local); local {
			if alive, err := a.processAlive(js.pid); err == nil && !alive {
				// The wrapper exited without writing the status file
				// (e.g. it was killed with SIGKILL); report a
				// best-effort terminal state.
				return resource.PollResult{
					State:         task.StateTerminating,
					ReturnCode:    task.NewSignal(9),
					HasReturnCode: true,
				}, nil
			}
		}
		return resource.PollResult{State: task.StateRunning}, nil
	}

	code, usage, perr := parseWrapperStatus(out)
	if perr != nil {
		return resource.PollResult{}, gcerror.New(gcerror.KindPersistence, perr)
	}

	timePath := filepath.Join(js.workDir, timeReportName)
	if timeRes, terr := a.transport.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", shellQuote(timePath)), nil); terr == nil {
		if cpu, rss, ok := parseTimeReport(timeRes.Stdout); ok {
			usage.CPUTime = cpu
			usage.MaxRSS = rss
		}
	}

	return resource.PollResult{
		State:         task.StateTerminating,
		ReturnCode:    code,
		Usage:         usage,
		HasReturnCode: true,
		HasUsage:      true,
	}, nil
}

func (a *Adapter) processAlive(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}

// Cancel implements resource.Adapter by sending SIGTERM to the tracked
// pid, then SIGKILL shortly after if it is still alive.
func (a *Adapter) Cancel(ctx context.Context, t *task.Task) error {
	a.mu.Lock()
	js, ok := a.jobs[t.Run.JobID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := a.transport.Run(ctx, fmt.Sprintf("kill -TERM %d 2>/dev/null; sleep 1; kill -KILL %d 2>/dev/null || true", js.pid, js.pid), nil)
	return err
}

// FetchOutputs implements resource.Adapter per spec.md §4.2's
// algorithm: copy declared outputs, tolerate missing files (each is
// noted in the task's history), and leave the working directory in
// place.
func (a *Adapter) FetchOutputs(ctx context.Context, t *task.Task) (string, error) {
	a.mu.Lock()
	js, ok := a.jobs[t.Run.JobID]
	a.mu.Unlock()
	if !ok {
		return "", gcerror.Newf(gcerror.KindPersistence, "shell: unknown job %s", t.Run.JobID)
	}

	localDir := filepath.Join(a.cfg.LocalOutputRoot, t.ID)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", gcerror.New(gcerror.KindDataStaging, err)
	}

	for _, out := range t.Spec.Outputs {
		remotePath := filepath.Join(js.workDir, out.Source)
		if err := fetchOneOutput(ctx, a.transport, a.cfg.Stager, remotePath, out.Dest, localDir); err != nil {
			t.Run.AppendHistory(fmt.Sprintf("output %s missing or unfetchable: %v", out.Source, err))
			continue
		}
	}

	a.mu.Lock()
	a.coresInUse -= js.coresHeld
	delete(a.jobs, t.Run.JobID)
	a.mu.Unlock()

	return localDir, nil
}

func shellQuote(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}
