package task

import "fmt"

// Kind discriminates the TaskGroup variants of spec.md §3.
type Kind int

const (
	// KindSequential runs children in order; Selector decides after
	// each termination whether to continue.
	KindSequential Kind = iota
	// KindParallel runs all children concurrently, subject to engine
	// limits.
	KindParallel
	// KindStaged runs a fixed sequence of stages, each constructed
	// lazily when reached.
	KindStaged
	// KindDependency runs children respecting a "must precede" DAG.
	KindDependency
)

// SelectorDecision is returned by a Sequential group's Selector after
// each child terminates.
type SelectorDecision int

const (
	// SelectorContinue appends the tasks returned by Selector and
	// keeps going.
	SelectorContinue SelectorDecision = iota
	// SelectorStop ends the group now; its derived state/exit code are
	// computed from the children run so far.
	SelectorStop
)

// Selector decides, after the most recently appended child of a
// Sequential group terminates, whether to append more children.
// lastChild is nil on the very first invocation (no child has run
// yet).
type Selector func(lastChild *Task, childrenSoFar []*Task) (SelectorDecision, []*Task)

// StageBuilder lazily constructs the next stage of a Staged group once
// the previous stage has terminated successfully. It returns nil when
// there are no more stages.
type StageBuilder func(priorStage *Task, stageIndex int) *Task

// Edge is one "must precede" dependency edge of a Dependency group:
// From must terminate successfully before To is submitted.
type Edge struct {
	From, To string // child Task ids
}

// Group is a Task whose execution is the coordinated execution of
// child Tasks (spec.md §3). Group embeds *Task so a Group is itself
// usable wherever a Task is expected (nesting groups inside groups).
type Group struct {
	*Task

	GroupKind Kind
	Children  []*Task

	// Sequential
	Selector Selector

	// Staged
	StageBuilder StageBuilder
	stages       []*Task

	// Dependency
	Edges []Edge

	// FailDependentsOnPredecessorFailure controls what happens to a Dependency
	// child when one of its predecessors fails (spec.md §5): by
	// default it is transitioned to terminated/data-staging-failed
	// without ever being submitted. Set false to submit it anyway.
	FailDependentsOnPredecessorFailure bool
}

// NewGroup constructs an empty Group of the given kind, owning no
// children yet.
func NewGroup(name string, kind Kind) *Group {
	g := &Group{
		Task:                                New(name, Spec{}),
		GroupKind:                           kind,
		FailDependentsOnPredecessorFailure:  true,
	}
	return g
}

// AddChild appends a child Task, marking this group as its owner.
func (g *Group) AddChild(child *Task) {
	child.GroupParent = g.ID
	g.Children = append(g.Children, child)
}

// DerivedState computes the group's state from its children per
// §4.3: new iff all children are new; terminated iff all children are
// terminated; running otherwise (even if some children are still
// new). An empty group (no children yet, e.g. a Staged group before
// its first stage is built) is new.
func DerivedState(children []*Task) State {
	if len(children) == 0 {
		return StateNew
	}
	allNew, allTerminated := true, true
	for _, c := range children {
		s := c.Run.State()
		if s != StateNew {
			allNew = false
		}
		if s != StateTerminated {
			allTerminated = false
		}
	}
	switch {
	case allTerminated:
		return StateTerminated
	case allNew:
		return StateNew
	default:
		return StateRunning
	}
}

// DerivedReturnCode computes the group's exit code per §4.3: success
// iff all children succeeded, otherwise the first non-success child's
// code in child order.
func DerivedReturnCode(children []*Task) ReturnCode {
	for _, c := range children {
		if !c.Run.ReturnCode.Success() {
			return c.Run.ReturnCode
		}
	}
	return Success
}

// RestoreStages re-seeds a Staged group's internal stage list after it
// has been materialized from a Store (stages mirrors Children for a
// Staged group, but is otherwise private to this package). Callers
// resuming a Staged group after a restart must still re-supply
// StageBuilder before the group pass can construct any further stage.
func (g *Group) RestoreStages(stages []*Task) {
	g.stages = stages
	g.Children = stages
}

// StageChildren returns the Staged group's stages constructed so far.
func (g *Group) StageChildren() []*Task { return g.stages }

// AdvanceStage is called by the Engine's group pass (spec.md §4.4 step
// 4) for a Staged group once the current (last) stage has terminated
// successfully: it asks StageBuilder for the next stage and appends
// it, returning it (nil if there is no next stage).
func (g *Group) AdvanceStage() *Task {
	var prior *Task
	if n := len(g.stages); n > 0 {
		prior = g.stages[n-1]
		if prior.Run.State() != StateTerminated || !prior.Run.ReturnCode.Success() {
			return nil
		}
	}
	next := g.StageBuilder(prior, len(g.stages))
	if next == nil {
		return nil
	}
	next.GroupParent = g.ID
	g.stages = append(g.stages, next)
	g.Children = g.stages
	return next
}

// ReadyDependencyChildren returns the Dependency group's children
// whose predecessors (per Edges) have all terminated successfully and
// which are still StateNew — i.e. eligible for submission this tick
// (spec.md §5: "a child is never submitted before all its
// predecessors are terminated with a successful exit code").
// Children whose predecessors include a failed one are returned
// separately in failed, so the Engine's group pass can transition them
// to terminated/data-staging-failed per the same section; this method
// does not change their state itself.
func (g *Group) ReadyDependencyChildren() (ready []*Task, failed []*Task) {
	byID := make(map[string]*Task, len(g.Children))
	for _, c := range g.Children {
		byID[c.ID] = c
	}
	preds := make(map[string][]string)
	for _, e := range g.Edges {
		preds[e.To] = append(preds[e.To], e.From)
	}

	for _, c := range g.Children {
		if c.Run.State() != StateNew {
			continue
		}
		allDone, anyFailed := true, false
		for _, pid := range preds[c.ID] {
			p, ok := byID[pid]
			if !ok {
				continue
			}
			if p.Run.State() != StateTerminated {
				allDone = false
				break
			}
			if !p.Run.ReturnCode.Success() {
				anyFailed = true
			}
		}
		if !allDone {
			continue
		}
		if anyFailed && g.FailDependentsOnPredecessorFailure {
			failed = append(failed, c)
			continue
		}
		ready = append(ready, c)
	}
	return ready, failed
}

func (k Kind) String() string {
	switch k {
	case KindSequential:
		return "sequential"
	case KindParallel:
		return "parallel"
	case KindStaged:
		return "staged"
	case KindDependency:
		return "dependency"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
