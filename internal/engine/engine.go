// Package engine implements the single-threaded cooperative tick loop
// of spec.md §4.4: each call to Progress runs one observation pass,
// one fetch pass, one submission pass, and one group pass over every
// task the Engine currently manages, then (if a Store is configured)
// persists whatever changed.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/gc3pie/gc3core/internal/backoff"
	"github.com/gc3pie/gc3core/internal/gcerror"
	"github.com/gc3pie/gc3core/internal/logger"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/store"
	"github.com/gc3pie/gc3core/internal/task"
)

// Config configures one Engine.
type Config struct {
	Logger logger.Logger
	Store  store.Store // optional; nil disables the persistence pass

	// MaxInFlight caps how many tasks may be Submitted/Running at once
	// across all resources (spec.md §4.4's back-pressure knob); zero
	// means unbounded.
	MaxInFlight int
	// MaxSubmittedPerTick caps how many new submissions one submission
	// pass will attempt, to keep a single tick bounded even with a
	// large backlog.
	MaxSubmittedPerTick int
}

// Engine is the tick-loop scheduler of spec.md §4.4.
type Engine struct {
	cfg Config
	log logger.Logger

	mu sync.Mutex

	resources     []*resource.Resource
	resourceByName map[string]*resource.Resource
	rrIndex       int

	// top-level node ids the Engine manages directly (Kill/Redo/Stats
	// iterate these; group nesting is discovered by walking Children).
	topLevel []string
	tasks    map[string]*task.Task
	groups   map[string]*task.Group // every group, top-level or nested

	// submitBackoff retries a resource's transient Submit failures with
	// increasing delay instead of hammering it every tick.
	submitBackoff map[string]*resourceBackoff

	inFlight int
}

// resourceBackoff tracks one resource's submission backoff state. Next
// is computed via backoff.Policy directly (not the blocking
// backoff.Retrier) because the Engine's tick must never block waiting
// out an interval — it only checks whether enough time has passed.
type resourceBackoff struct {
	policy     backoff.Policy
	retryCount int
	startTime  time.Time
	nextAt     time.Time
}

func (b *resourceBackoff) ready() bool {
	return b.nextAt.IsZero() || !time.Now().Before(b.nextAt)
}

func (b *resourceBackoff) recordFailure() {
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	interval, err := b.policy.ComputeNextInterval(b.retryCount, time.Since(b.startTime))
	b.retryCount++
	if err != nil {
		interval = time.Minute
	}
	b.nextAt = time.Now().Add(interval)
}

func (b *resourceBackoff) recordSuccess() {
	b.retryCount = 0
	b.startTime = time.Time{}
	b.nextAt = time.Time{}
}

// New builds an empty Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	return &Engine{
		cfg:            cfg,
		log:            cfg.Logger,
		resourceByName: map[string]*resource.Resource{},
		tasks:          map[string]*task.Task{},
		groups:         map[string]*task.Group{},
		submitBackoff:  map[string]*resourceBackoff{},
	}
}

// AddResource registers a configured back-end, in the order given;
// order is also the round-robin tie-break order of spec.md §4.4 step
// 3b.
func (e *Engine) AddResource(r *resource.Resource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources = append(e.resources, r)
	e.resourceByName[r.Name] = r
	e.submitBackoff[r.Name] = &resourceBackoff{policy: backoff.NewExponential(time.Second)}
}

// AddTask registers a standalone top-level leaf task.
func (e *Engine) AddTask(t *task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[t.ID] = t
	e.topLevel = append(e.topLevel, t.ID)
}

// AddGroup registers a top-level TaskGroup, recursively registering
// every nested group it contains so the group pass can recognize them
// while walking Children (spec.md §3's group nesting).
func (e *Engine) AddGroup(g *task.Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registerGroupLocked(g)
	e.tasks[g.ID] = g.Task
	e.topLevel = append(e.topLevel, g.ID)
}

func (e *Engine) registerGroupLocked(g *task.Group) {
	e.groups[g.ID] = g
	for _, c := range g.Children {
		e.tasks[c.ID] = c
		if ng, ok := e.groups[c.ID]; ok {
			e.registerGroupLocked(ng)
		}
	}
}

// Remove drops a top-level node from management without touching its
// Store record.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tasks, id)
	delete(e.groups, id)
	for i, tid := range e.topLevel {
		if tid == id {
			e.topLevel = append(e.topLevel[:i], e.topLevel[i+1:]...)
			break
		}
	}
}

// Stats summarizes the Engine's current bookkeeping, for status
// reporting (spec.md §4.7 CLI/HTTP surface).
type Stats struct {
	TotalTasks     int
	ByState        map[task.State]int
	InFlight       int
	ResourcesLive  int
	ResourcesTotal int
}

// Stats reports the Engine's current bookkeeping.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{ByState: map[task.State]int{}}
	for _, t := range e.tasks {
		s.TotalTasks++
		s.ByState[t.Run.State()]++
	}
	s.InFlight = e.inFlight
	s.ResourcesTotal = len(e.resources)
	for _, r := range e.resources {
		if r.Live() {
			s.ResourcesLive++
		}
	}
	return s
}

// AllTasks returns every task and group the Engine currently manages
// (top-level and nested), sorted by id, for Session bookkeeping.
func (e *Engine) AllTasks() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TopLevel returns the ids passed to AddTask/AddGroup, in registration
// order.
func (e *Engine) TopLevel() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.topLevel))
	copy(out, e.topLevel)
	return out
}

// Task looks up a managed task or group by id.
func (e *Engine) Task(id string) (*task.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Kill cancels a task in flight, per spec.md §4.4's kill operation: if
// the task has an assigned resource, its Adapter.Cancel is invoked;
// the task's own state transition follows from the next observation
// pass rather than being forced here, since only the back-end truly
// knows when the process has stopped.
func (e *Engine) Kill(ctx context.Context, id string) error {
	e.log.Info("kill requested", "task", id)
	e.mu.Lock()
	t, ok := e.tasks[id]
	var r *resource.Resource
	if ok && t.Run.Resource != "" {
		r = e.resourceByName[t.Run.Resource]
	}
	e.mu.Unlock()
	if !ok {
		return gcerror.Newf(gcerror.KindConfig, "engine: unknown task %s", id)
	}
	if r == nil {
		return nil
	}
	return r.Adapter.Cancel(ctx, t)
}

// Redo resubmits a terminated task from scratch, preserving its id and
// prior history (spec.md §8 scenario S6).
func (e *Engine) Redo(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return gcerror.Newf(gcerror.KindConfig, "engine: unknown task %s", id)
	}
	t.Redo()
	e.log.Info("task redo", "task", id)
	return nil
}

// RunUntilDone drives Progress until every managed top-level task is
// terminated or ctx is canceled, sleeping pollInterval between ticks
// (spec.md §4.4's run_until_done).
func (e *Engine) RunUntilDone(ctx context.Context, pollInterval time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Progress(ctx); err != nil {
			return err
		}
		if e.allDone() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (e *Engine) allDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.topLevel {
		t := e.tasks[id]
		if t.Run.State() != task.StateTerminated {
			return false
		}
	}
	return true
}

// Progress runs exactly one tick: observation, fetch, submission, and
// group passes in that order, then persists anything that changed
// (spec.md §4.4).
func (e *Engine) Progress(ctx context.Context) error {
	touched := map[string]*task.Task{}
	e.log.Debug("tick starting")

	if err := e.observationPass(ctx, touched); err != nil {
		return err
	}
	if err := e.fetchPass(ctx, touched); err != nil {
		return err
	}
	if err := e.submissionPass(ctx, touched); err != nil {
		return err
	}
	e.groupPass(touched)

	if err := e.persistencePass(ctx, touched); err != nil {
		return err
	}
	e.log.Debug("tick complete", "touched", len(touched))
	return nil
}

func (e *Engine) allLeafTasks() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if _, isGroup := e.groups[t.ID]; isGroup {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// observationPass polls every task with a live in-flight job and moves
// it between running/stopped/unknown/terminating accordingly (spec.md
// §4.4 step 1). It then refreshes every resource's Load from the
// submitted/running tasks placed on it, and runs the readiness probe
// and idle reaping of any adapter that manages a VM pool.
func (e *Engine) observationPass(ctx context.Context, touched map[string]*task.Task) error {
	for _, t := range e.allLeafTasks() {
		switch t.Run.State() {
		case task.StateSubmitted, task.StateRunning, task.StateStopped, task.StateUnknown:
		default:
			continue
		}
		r := e.resourceFor(t)
		if r == nil {
			continue
		}
		pr, err := r.Adapter.Poll(ctx, t)
		if err != nil {
			e.handlePollError(t, r, err)
			touched[t.ID] = t
			continue
		}
		e.applyPollResult(t, pr)
		touched[t.ID] = t
	}

	e.mu.Lock()
	loads := make(map[string]resource.Load, len(e.resources))
	for _, t := range e.tasks {
		l := loads[t.Run.Resource]
		switch t.Run.State() {
		case task.StateSubmitted:
			l.Queued++
		case task.StateRunning:
			l.Running++
		}
		loads[t.Run.Resource] = l
	}
	resources := append([]*resource.Resource(nil), e.resources...)
	for _, r := range resources {
		r.SetLoad(loads[r.Name])
	}
	e.mu.Unlock()

	for _, r := range resources {
		if p, ok := r.Adapter.(interface {
			ProbeReady(context.Context)
			ReapIdle(context.Context)
		}); ok {
			p.ProbeReady(ctx)
			p.ReapIdle(ctx)
		}
	}
	return nil
}

func (e *Engine) resourceFor(t *task.Task) *resource.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resourceByName[t.Run.Resource]
}

func (e *Engine) handlePollError(t *task.Task, r *resource.Resource, err error) {
	if gcerror.Fatal(err) || gcerror.KindOf(err) == gcerror.KindAuth {
		r.MarkDead()
		e.log.Error("resource marked dead", "resource", r.Name, "err", err)
	}
	t.Run.AppendHistory("poll error: " + err.Error())
	if t.Run.State() != task.StateUnknown {
		_ = t.Run.Transition(task.StateUnknown, "observation failed: "+err.Error())
	}
}

func (e *Engine) applyPollResult(t *task.Task, pr resource.PollResult) {
	cur := t.Run.State()
	if pr.HasReturnCode {
		t.Run.ReturnCode = pr.ReturnCode
	}
	if pr.HasUsage {
		t.Run.Usage = pr.Usage
	}

	target := pr.State
	if target == cur {
		return
	}
	if cur == task.StateUnknown && target != task.StateUnknown {
		_ = t.Run.ResolveUnknown("observation resumed: " + target.String())
		if t.Run.State() == target {
			return
		}
		// ResolveUnknown returns to the pre-unknown state; if the
		// back-end now reports something further along, transition
		// again from there.
		if task.CanTransition(t.Run.State(), target) {
			_ = t.Run.Transition(target, "observed "+target.String())
		}
		return
	}
	if task.CanTransition(cur, target) {
		_ = t.Run.Transition(target, "observed "+target.String())
		e.log.Debug("task observed", "task", t.ID, "from", cur, "to", target)
	}
}

// fetchPass retrieves outputs for every task the back-end reports as
// terminating and promotes it to terminated (spec.md §4.4 step 2).
func (e *Engine) fetchPass(ctx context.Context, touched map[string]*task.Task) error {
	for _, t := range e.allLeafTasks() {
		if t.Run.State() != task.StateTerminating {
			continue
		}
		r := e.resourceFor(t)
		if r == nil {
			_ = t.Run.Transition(task.StateTerminated, "no resource to fetch outputs from")
			touched[t.ID] = t
			continue
		}
		dir, err := r.Adapter.FetchOutputs(ctx, t)
		if err != nil {
			t.Run.AppendHistory("fetch error: " + err.Error())
			e.log.Warn("fetch outputs failed", "task", t.ID, "err", err)
		} else {
			t.Run.OutputDir = dir
		}
		_ = t.Run.Transition(task.StateTerminated, "outputs fetched")
		e.log.Info("task terminated", "task", t.ID, "return_code", t.Run.ReturnCode)
		touched[t.ID] = t
		e.mu.Lock()
		e.inFlight--
		if e.inFlight < 0 {
			e.inFlight = 0
		}
		e.mu.Unlock()
	}
	return nil
}

// submissionPass places every eligible StateNew leaf task onto a
// matching live resource (spec.md §4.4 step 3): tag/caps filtering,
// then least-queued-load tie-break, then round robin.
func (e *Engine) submissionPass(ctx context.Context, touched map[string]*task.Task) error {
	budget := e.cfg.MaxSubmittedPerTick
	submitted := 0
	for _, t := range e.allLeafTasks() {
		if budget > 0 && submitted >= budget {
			break
		}
		if t.Run.State() != task.StateNew {
			continue
		}
		if !e.withinInFlightBudget() {
			break
		}
		if e.blockedByGroupOrdering(t) {
			continue
		}

		r := e.pickResource(t)
		if r == nil {
			if !e.anyResourceCanAccommodate(t) {
				t.Run.ReturnCode = task.NewSignal(task.SigSubmissionFailed)
				_ = t.Run.Transition(task.StateTerminated, "no configured resource can ever accommodate requirements")
				e.log.Error("task submission failed permanently", "task", t.ID, "reason", "no eligible resource")
				touched[t.ID] = t
			}
			continue
		}
		jobID, err := r.Adapter.Submit(ctx, t)
		if err != nil {
			e.handleSubmitError(t, r, err)
			touched[t.ID] = t
			continue
		}
		t.Run.JobID = jobID
		t.Run.Resource = r.Name
		_ = t.Run.Transition(task.StateSubmitted, "submitted to "+r.Name)
		e.log.Info("task submitted", "task", t.ID, "resource", r.Name, "job_id", jobID)
		touched[t.ID] = t
		submitted++
		e.mu.Lock()
		e.inFlight++
		if rb, ok := e.submitBackoff[r.Name]; ok {
			rb.recordSuccess()
		}
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) withinInFlightBudget() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.MaxInFlight <= 0 || e.inFlight < e.cfg.MaxInFlight
}

// blockedByGroupOrdering reports whether t is a Dependency-group child
// whose predecessors have not all terminated successfully yet, or a
// Sequential/Staged child not yet reached.
func (e *Engine) blockedByGroupOrdering(t *task.Task) bool {
	if t.GroupParent == "" {
		return false
	}
	e.mu.Lock()
	g, ok := e.groups[t.GroupParent]
	e.mu.Unlock()
	if !ok {
		return false
	}
	switch g.GroupKind {
	case task.KindDependency:
		ready, _ := g.ReadyDependencyChildren()
		for _, c := range ready {
			if c.ID == t.ID {
				return false
			}
		}
		return true
	case task.KindSequential, task.KindStaged:
		// Only the most recently appended, not-yet-terminal child of a
		// Sequential/Staged group is ever eligible; all earlier
		// children are already past StateNew by construction.
		if len(g.Children) == 0 {
			return true
		}
		return g.Children[len(g.Children)-1].ID != t.ID
	default:
		return false
	}
}

// anyResourceCanAccommodate reports whether some registered resource's
// declared Caps could ever fit t's requirements, independent of
// current liveness/enablement/backoff. pickResource returning nil does
// not by itself mean the task is unplaceable forever — a resource may
// simply be backed off or temporarily dead — so submissionPass only
// gives up on the task (§8: "terminates with submission-failed after
// exhausting candidates, not indefinitely") once even this structural
// check fails.
func (e *Engine) anyResourceCanAccommodate(t *task.Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.resources {
		if r.Caps.Accommodates(t.Spec.Requirements) {
			return true
		}
	}
	return false
}

func (e *Engine) pickResource(t *task.Task) *resource.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := lo.Filter(e.resources, func(r *resource.Resource, _ int) bool {
		return r.Eligible(t) && e.resourceReady(r)
	})
	if len(candidates) == 0 {
		return nil
	}

	// spec.md §4.4 step 3b: "prefer resources matching any of the
	// task's tag hints" before the load/round-robin tie-break.
	if tagged := filterByTagHints(candidates, t.Spec.Requirements.Tags); len(tagged) > 0 {
		candidates = tagged
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].Load(), candidates[j].Load()
		return li.Running+li.Queued < lj.Running+lj.Queued
	})
	minLoad := candidates[0].Load().Running + candidates[0].Load().Queued
	tied := lo.Filter(candidates, func(r *resource.Resource, _ int) bool {
		return r.Load().Running+r.Load().Queued == minLoad
	})

	chosen := tied[e.rrIndex%len(tied)]
	e.rrIndex++
	return chosen
}

// filterByTagHints returns the subset of candidates carrying at least
// one of the task's requested tags, or nil if none match (in which
// case the caller falls back to the full candidate set).
func filterByTagHints(candidates []*resource.Resource, tagHints []string) []*resource.Resource {
	if len(tagHints) == 0 {
		return nil
	}
	return lo.Filter(candidates, func(r *resource.Resource, _ int) bool {
		return lo.SomeBy(tagHints, r.HasTag)
	})
}

// resourceReady reports whether r's submission backoff has cleared.
func (e *Engine) resourceReady(r *resource.Resource) bool {
	rb, ok := e.submitBackoff[r.Name]
	if !ok {
		return true
	}
	return rb.ready()
}

func (e *Engine) handleSubmitError(t *task.Task, r *resource.Resource, err error) {
	if gcerror.Fatal(err) || gcerror.KindOf(err) == gcerror.KindAuth {
		r.MarkDead()
		e.log.Error("resource marked dead", "resource", r.Name, "err", err)
		return
	}
	t.Run.AppendHistory("submit error: " + err.Error())
	if gcerror.Retryable(err) {
		e.mu.Lock()
		if rb, ok := e.submitBackoff[r.Name]; ok {
			rb.recordFailure()
		}
		e.mu.Unlock()
		return
	}
	t.Run.ReturnCode = task.NewSignal(task.SigSubmissionFailed)
	_ = t.Run.Transition(task.StateTerminated, "submission failed permanently: "+err.Error())
	e.log.Error("task submission failed permanently", "task", t.ID, "resource", r.Name, "err", err)
}

// groupPass recomputes every managed group's derived state from its
// children and advances Sequential/Staged groups (spec.md §4.4 step
// 4).
func (e *Engine) groupPass(touched map[string]*task.Task) {
	e.mu.Lock()
	groups := make([]*task.Group, 0, len(e.groups))
	for _, g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.Unlock()

	for _, g := range groups {
		switch g.GroupKind {
		case task.KindSequential:
			e.advanceSequential(g, touched)
		case task.KindStaged:
			if next := g.AdvanceStage(); next != nil {
				e.mu.Lock()
				e.tasks[next.ID] = next
				e.mu.Unlock()
				touched[next.ID] = next
			}
		case task.KindDependency:
			_, failed := g.ReadyDependencyChildren()
			for _, c := range failed {
				if c.Run.State() == task.StateNew {
					c.Run.ReturnCode = task.NewSignal(task.SigDataStagingFailed)
					_ = c.Run.Transition(task.StateTerminated, "predecessor failed")
					touched[c.ID] = c
				}
			}
		}

		derived := task.DerivedState(g.Children)
		if derived != g.Run.State() {
			if err := g.Run.TransitionDerived(derived, "derived from children"); err == nil {
				touched[g.ID] = g.Task
			}
		}
		if derived == task.StateTerminated {
			g.Run.ReturnCode = task.DerivedReturnCode(g.Children)
		}
	}
}

func (e *Engine) advanceSequential(g *task.Group, touched map[string]*task.Task) {
	if g.Selector == nil {
		return
	}
	var last *task.Task
	if n := len(g.Children); n > 0 {
		last = g.Children[n-1]
		if last.Run.State() != task.StateTerminated {
			return
		}
	}
	decision, more := g.Selector(last, g.Children)
	if decision != task.SelectorContinue {
		return
	}
	e.mu.Lock()
	for _, c := range more {
		g.AddChild(c)
		e.tasks[c.ID] = c
	}
	e.mu.Unlock()
	for _, c := range more {
		touched[c.ID] = c
	}
}

// persistencePass saves every task touched this tick, when a Store is
// configured (spec.md §4.4 step 5). For a touched TaskGroup whose
// backing Store also implements store.GroupStore, it additionally
// saves the group's own children, then its structural metadata
// (kind/child order/edges) — spec.md §4.7's referential-integrity
// order: "save its children first and record only their ids in the
// parent".
func (e *Engine) persistencePass(ctx context.Context, touched map[string]*task.Task) error {
	if e.cfg.Store == nil {
		return nil
	}
	for _, t := range touched {
		if err := e.cfg.Store.Save(ctx, t); err != nil {
			return gcerror.New(gcerror.KindPersistence, err).WithTask(t.ID)
		}
	}

	gs, ok := e.cfg.Store.(store.GroupStore)
	if !ok {
		return nil
	}
	e.mu.Lock()
	groups := make([]*task.Group, 0, len(touched))
	for id := range touched {
		if g, isGroup := e.groups[id]; isGroup {
			groups = append(groups, g)
		}
	}
	e.mu.Unlock()
	for _, g := range groups {
		for _, c := range g.Children {
			if err := e.cfg.Store.Save(ctx, c); err != nil {
				return gcerror.New(gcerror.KindPersistence, err).WithTask(c.ID)
			}
		}
		if err := gs.SaveGroup(ctx, g); err != nil {
			return gcerror.New(gcerror.KindPersistence, err).WithTask(g.ID)
		}
	}
	return nil
}
