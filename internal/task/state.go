// Package task implements the Task and TaskGroup data model and the
// life-cycle state machine of spec.md §4.3.
package task

import "fmt"

// State is one node of the Task life-cycle state machine.
type State int

const (
	// StateNew: constructed but not yet submitted.
	StateNew State = iota
	// StateSubmitted: known to the back-end but not running.
	StateSubmitted
	// StateRunning: observed executing on the back-end.
	StateRunning
	// StateStopped: held/suspended by the back-end; no automatic
	// progress.
	StateStopped
	// StateUnknown: transient inability to observe; the engine keeps
	// retrying.
	StateUnknown
	// StateTerminating: back-end reports completion but outputs not
	// yet fetched.
	StateTerminating
	// StateTerminated: final state; outputs retrieved (or given up
	// on). Absorbing.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSubmitted:
		return "submitted"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateUnknown:
		return "unknown"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether s is the absorbing terminated state.
func (s State) IsTerminal() bool { return s == StateTerminated }

// edges enumerates the permitted directed transitions of spec.md §4.3,
// excluding the symmetric "any observable state -> unknown -> back to
// the same previous state" rule, which CanTransition special-cases
// below (unknown's permitted destination depends on runtime history,
// not a static table).
var edges = map[State]map[State]bool{
	StateNew:         {StateSubmitted: true, StateTerminated: true},
	StateSubmitted:   {StateRunning: true, StateUnknown: true, StateTerminating: true, StateTerminated: true},
	StateRunning:     {StateStopped: true, StateTerminating: true, StateUnknown: true, StateTerminated: true},
	StateStopped:     {StateRunning: true, StateUnknown: true, StateTerminated: true},
	StateUnknown:     {}, // resolved dynamically: returns to whatever state preceded it, or advances per observation
	StateTerminating: {StateTerminated: true, StateUnknown: true},
	StateTerminated:  {}, // absorbing; redo constructs a fresh run record instead of transitioning
}

// CanTransition reports whether moving from "from" to "to" is a
// statically permitted edge of the state machine. The one dynamic
// exception — "unknown" returning to its pre-unknown state — is
// enforced by the caller (RunRecord.ResolveUnknown), which remembers the
// state that was active before the excursion into unknown.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	if from == StateUnknown {
		// Unknown may resolve to any state a direct observation could
		// have reported; RunRecord enforces the specific previous-state
		// rule using its own memory, so here we only forbid leaving
		// unknown backward into new (submission can never be un-done).
		return to != StateNew
	}
	return edges[from][to]
}

// CanTransitionGroupDerived reports whether moving a TaskGroup's own
// run record to a newly derived state (DerivedState) is permitted. A
// group's own life-cycle is never submitted as a job in its own
// right, so its derived state can move directly from new to running
// once any child leaves new — an edge the leaf state machine above
// forbids (submission is the only way a leaf leaves new). Every other
// edge follows the same rules as a leaf task.
func CanTransitionGroupDerived(from, to State) bool {
	if from == StateNew && to == StateRunning {
		return true
	}
	return CanTransition(from, to)
}
