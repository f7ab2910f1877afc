// Package batch implements the BatchAdapter of spec.md §4.2: a
// flavour-parametrised driver translating generic submit/poll/cancel/
// fetch into site-specific batch commands (SGE, Torque/PBS, LSF,
// SLURM), registered by name so a new flavour needs no change to the
// generic driver (SPEC_FULL.md Part D).
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gc3pie/gc3core/internal/gcerror"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/stage"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

// Flavour supplies the three site-specific pieces spec.md §4.2
// describes: a submission-script renderer, submit/cancel/accounting
// command templates, and a status parser.
type Flavour interface {
	Name() string
	// RenderScript emits the flavour's batch-language submission
	// script for t, with prologue/epilogue already woven in per the
	// ordering rule of §4.2 (prologue-global, prologue-per-tag,
	// prologue-inline, user command, epilogue-global, epilogue-per-tag,
	// epilogue-inline).
	RenderScript(t *task.Task, p Prologue, workDir string) string
	// SubmitCommand returns the shell command that submits
	// scriptPath from within workDir, and a function extracting the
	// flavour-specific job id from its stdout.
	SubmitCommand(workDir, scriptPath string) (cmd string, parseJobID func(stdout string) (string, error))
	// LiveQueueCommand polls the "live queue" (qstat/bjobs/squeue).
	LiveQueueCommand(jobID string) string
	// AccountingCommand polls the accounting system
	// (qacct/bacct/sacct) once the job has left the live queue.
	AccountingCommand(jobID string) string
	// CancelCommand cancels a live job.
	CancelCommand(jobID string) string
	// ParseLiveQueue maps live-queue output to a state, or reports
	// "not found" via found=false.
	ParseLiveQueue(stdout string) (state task.State, found bool, err error)
	// ParseAccounting maps accounting output to a terminal return
	// code and usage, or reports "not found" via found=false.
	ParseAccounting(stdout string) (rc task.ReturnCode, usage task.Usage, found bool, err error)
}

// Prologue/epilogue content, both globally configured and per
// application tag, plus an optional inline string held in Inline
// (spec.md §4.2 point 1).
type Prologue struct {
	Global    string
	PerTag    map[string]string
	Inline    string
	Epilogue  Epilogue
}

// Epilogue mirrors Prologue for the trailer half of the script.
type Epilogue struct {
	Global string
	PerTag map[string]string
	Inline string
}

var registry = struct {
	mu sync.RWMutex
	m  map[string]func() Flavour
}{m: map[string]func() Flavour{}}

// Register adds a Flavour constructor under name, so a fifth flavour
// can be added without touching Adapter (spec.md §9's tagged-variant
// dispatch).
func Register(name string, ctor func() Flavour) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.m[name] = ctor
}

// New builds a Flavour by registered name.
func New(name string) (Flavour, error) {
	registry.mu.RLock()
	ctor, ok := registry.m[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, gcerror.Newf(gcerror.KindConfig, "batch: unknown flavour %q", name)
	}
	return ctor(), nil
}

// Config configures one Adapter instance.
type Config struct {
	Flavour Flavour
	Prologue Prologue

	RemoteWorkDirRoot string
	LocalOutputRoot   string
	CleanupOnFetch    bool

	// GraceWindow bounds how long a job may be reported "unknown" by
	// both live-queue and accounting before the Adapter declares it
	// terminated with an unknown exit code (spec.md §4.2 point 2; the
	// 15s figure is a default per SPEC_FULL.md Part A §9, not a
	// hard-coded constant).
	GraceWindow time.Duration

	// Stager resolves s3://, minio:// and http(s):// input/output URLs;
	// nil disables remote staging for this Adapter.
	Stager *stage.Stager
}

// Adapter is the generic BatchAdapter driver of spec.md §4.2, shared
// by all four flavours.
type Adapter struct {
	cfg       Config
	transport transport.Transport

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	workDir        string
	scriptPath     string
	firstMissingAt time.Time // when live-queue first reported "not found"
	lastLiveState  task.State
}

// NewAdapter builds a BatchAdapter.
func NewAdapter(cfg Config, t transport.Transport) *Adapter {
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = 15 * time.Second
	}
	return &Adapter{cfg: cfg, transport: t, jobs: map[string]*jobState{}}
}

// Submit implements resource.Adapter per spec.md §4.2's submit
// algorithm.
func (a *Adapter) Submit(ctx context.Context, t *task.Task) (string, error) {
	if err := a.transport.Open(ctx); err != nil {
		return "", err
	}

	workDir := filepath.Join(a.cfg.RemoteWorkDirRoot, t.ID)
	if _, err := a.transport.Run(ctx, "mkdir -p "+shellQuote(workDir), nil); err != nil {
		return "", gcerror.New(gcerror.KindTransient, err)
	}

	for _, in := range t.Spec.Inputs {
		dest := filepath.Join(workDir, in.Dest)
		src := localPathOf(in.Source)
		if stage.Remote(in.Source) {
			if a.cfg.Stager == nil {
				a.cleanupWorkDir(ctx, workDir)
				return "", gcerror.Newf(gcerror.KindDataStaging, "batch: remote input %q but no stage.Stager configured", in.Source).WithTask(t.ID)
			}
			resolved, err := a.cfg.Stager.FetchInput(ctx, in.Source)
			if err != nil {
				a.cleanupWorkDir(ctx, workDir)
				return "", err
			}
			src = resolved
		}
		if err := a.transport.Put(ctx, src, dest); err != nil {
			a.cleanupWorkDir(ctx, workDir)
			return "", gcerror.New(gcerror.KindDataStaging, err).WithTask(t.ID)
		}
	}

	script := a.cfg.Flavour.RenderScript(t, a.cfg.Prologue, workDir)
	scriptPath := filepath.Join(workDir, "gc3-submit.sh")
	if err := putScript(ctx, a.transport, scriptPath, script); err != nil {
		a.cleanupWorkDir(ctx, workDir)
		return "", gcerror.New(gcerror.KindPermanent, err)
	}

	cmd, parseJobID := a.cfg.Flavour.SubmitCommand(workDir, scriptPath)
	res, err := a.transport.Run(ctx, cmd, nil)
	if err != nil {
		a.cleanupWorkDir(ctx, workDir)
		return "", gcerror.New(gcerror.KindTransient, err)
	}
	jobID, perr := parseJobID(res.Stdout)
	if perr != nil {
		a.cleanupWorkDir(ctx, workDir)
		return "", gcerror.New(gcerror.KindPermanent, fmt.Errorf("%s: %w (stdout=%q stderr=%q)", a.cfg.Flavour.Name(), perr, res.Stdout, res.Stderr))
	}

	a.mu.Lock()
	a.jobs[jobID] = &jobState{workDir: workDir, scriptPath: scriptPath, lastLiveState: task.StateSubmitted}
	a.mu.Unlock()
	return jobID, nil
}

func (a *Adapter) cleanupWorkDir(ctx context.Context, workDir string) {
	_ = a.transport.Remove(ctx, workDir)
}

// Poll implements resource.Adapter per spec.md §4.2's poll algorithm,
// including the SGE/SLURM live-queue-vs-accounting reconciliation
// window of the same section.
func (a *Adapter) Poll(ctx context.Context, t *task.Task) (resource.PollResult, error) {
	a.mu.Lock()
	js, ok := a.jobs[t.Run.JobID]
	a.mu.Unlock()
	if !ok {
		return resource.PollResult{}, gcerror.Newf(gcerror.KindPersistence, "batch: unknown job %s", t.Run.JobID)
	}

	liveOut, liveErr := a.transport.Run(ctx, a.cfg.Flavour.LiveQueueCommand(t.Run.JobID), nil)
	if liveErr != nil {
		return resource.PollResult{}, gcerror.New(gcerror.KindTransient, liveErr)
	}
	liveState, found, perr := a.cfg.Flavour.ParseLiveQueue(liveOut.Stdout)
	if perr != nil {
		return resource.PollResult{}, gcerror.New(gcerror.KindPersistence, perr)
	}

	if found && liveState != task.StateTerminating {
		a.mu.Lock()
		js.lastLiveState = liveState
		js.firstMissingAt = time.Time{}
		a.mu.Unlock()
		return resource.PollResult{State: liveState}, nil
	}

	// Either the live queue reports completion, or the job has
	// disappeared from it; consult accounting. Per §4.2: "a job
	// reported as failed carries its exit status ... accounting is
	// authoritative" when live-queue also reports completion.
	acctOut, acctErr := a.transport.Run(ctx, a.cfg.Flavour.AccountingCommand(t.Run.JobID), nil)
	if acctErr != nil {
		return resource.PollResult{}, gcerror.New(gcerror.KindTransient, acctErr)
	}
	rc, usage, acctFound, aerr := a.cfg.Flavour.ParseAccounting(acctOut.Stdout)
	if aerr != nil {
		return resource.PollResult{}, gcerror.New(gcerror.KindPersistence, aerr)
	}
	if acctFound {
		a.mu.Lock()
		js.firstMissingAt = time.Time{}
		a.mu.Unlock()
		return resource.PollResult{State: task.StateTerminating, ReturnCode: rc, Usage: usage, HasReturnCode: true, HasUsage: true}, nil
	}

	if found && liveState == task.StateTerminating {
		// Live queue says done, accounting not caught up yet: keep
		// polling within the grace window (§4.2 tie-break).
		return resource.PollResult{State: task.StateTerminating}, nil
	}

	// Not found anywhere: track how long this has been true.
	a.mu.Lock()
	if js.firstMissingAt.IsZero() {
		js.firstMissingAt = time.Now()
	}
	elapsed := time.Since(js.firstMissingAt)
	a.mu.Unlock()

	if elapsed > a.cfg.GraceWindow {
		return resource.PollResult{
			State:         task.StateTerminating,
			ReturnCode:    task.NewSignal(task.SigRemoteError),
			HasReturnCode: true,
		}, nil
	}
	return resource.PollResult{State: task.StateUnknown}, nil
}

// Cancel implements resource.Adapter.
func (a *Adapter) Cancel(ctx context.Context, t *task.Task) error {
	_, err := a.transport.Run(ctx, a.cfg.Flavour.CancelCommand(t.Run.JobID), nil)
	if err != nil {
		return gcerror.New(gcerror.KindTransient, err)
	}
	return nil
}

// FetchOutputs implements resource.Adapter per spec.md §4.2's fetch
// algorithm: copy declared outputs, tolerate missing ones, optionally
// clean up the remote working directory.
func (a *Adapter) FetchOutputs(ctx context.Context, t *task.Task) (string, error) {
	a.mu.Lock()
	js, ok := a.jobs[t.Run.JobID]
	a.mu.Unlock()
	if !ok {
		return "", gcerror.Newf(gcerror.KindPersistence, "batch: unknown job %s", t.Run.JobID)
	}

	localDir := filepath.Join(a.cfg.LocalOutputRoot, t.ID)
	for _, out := range t.Spec.Outputs {
		remotePath := filepath.Join(js.workDir, out.Source)
		localPath := filepath.Join(localDir, filepath.Base(out.Dest))
		if err := a.transport.Get(ctx, remotePath, localPath); err != nil {
			t.Run.AppendHistory(fmt.Sprintf("output %s missing: %v", out.Source, err))
			continue
		}
		if stage.Remote(out.Dest) {
			if a.cfg.Stager == nil {
				t.Run.AppendHistory(fmt.Sprintf("output %s fetched locally but no stage.Stager configured to publish to %s", out.Source, out.Dest))
				continue
			}
			if err := a.cfg.Stager.PublishOutput(ctx, localPath, out.Dest); err != nil {
				t.Run.AppendHistory(fmt.Sprintf("output %s failed to publish to %s: %v", out.Source, out.Dest, err))
			}
		}
	}

	if a.cfg.CleanupOnFetch {
		_ = a.transport.Remove(ctx, js.workDir)
	}

	a.mu.Lock()
	delete(a.jobs, t.Run.JobID)
	a.mu.Unlock()
	return localDir, nil
}

func shellQuote(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

func localPathOf(source string) string {
	return strings.TrimPrefix(source, "file://")
}
