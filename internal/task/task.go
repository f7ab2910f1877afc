package task

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gc3pie/gc3core/internal/quantity"
)

// Requirements is the resource-matching portion of a Task's
// specification (spec.md §3).
type Requirements struct {
	Cores            int
	MemoryPerCore    quantity.Quantity
	Walltime         quantity.Quantity
	Architectures    []string
	Tags             []string
}

// IOMapping is one entry of a Task's input or output staging list.
// For inputs, Source is a local-or-remote URL and Dest is the name to
// materialize it under in the working directory. For outputs, Source
// is the path inside the working directory and Dest is the URL to
// ship it to.
type IOMapping struct {
	Source string
	Dest   string
}

// Spec is the immutable, write-once portion of a Task, set at
// construction (spec.md §3). Constructing a new Task is the only way
// to change any of these fields — see Redo.
type Spec struct {
	Command     string
	Args        []string
	Inputs      []IOMapping // source URL -> destination name
	Outputs     []IOMapping // source name in working dir -> destination URL
	Stdin       string
	Stdout      string
	Stderr      string
	JoinStderr  bool
	Env         map[string]string
	Requirements Requirements
}

// HistoryEntry is one line of the bounded human-readable event log
// carried in the run record.
type HistoryEntry struct {
	At      time.Time
	Message string
}

// Usage is the resource-usage telemetry recorded once known (spec.md
// §3), populated from the batch accounting command or, for
// ShellAdapter, from the wrapper's exit-status file and its
// `/usr/bin/time -v` report.
type Usage struct {
	CPUTime  time.Duration
	MaxRSS   quantity.Quantity
	Walltime time.Duration
}

const maxHistory = 200

// RunRecord is the mutable portion of a Task (spec.md §3). All fields
// are append-only or monotone along the state machine; RunRecord
// itself enforces that with ResolveUnknown/Transition.
type RunRecord struct {
	mu sync.Mutex

	state State
	// preUnknown remembers the state that was active immediately
	// before an excursion into StateUnknown, so ResolveUnknown can resolve
	// the symmetric "unknown -> previous state" edge of §4.3.
	preUnknown State

	ReturnCode ReturnCode
	JobID      string
	Resource   string

	SubmittedAt   time.Time
	RunningAt     time.Time
	TerminatedAt  time.Time

	History []HistoryEntry
	Usage   Usage
	OutputDir string

	// PriorRuns holds the history logs of earlier life-cycles of this
	// same Task id, preserved across Redo (spec.md §8 scenario S6).
	PriorRuns [][]HistoryEntry

	// unknownSince tracks the wall-clock time at which the job first
	// became unobservable, enabling the grace-window boundary
	// behaviour of §4.2/§8.
	unknownSince time.Time

	// extra carries any JSON fields a loaded record had that this
	// build's runRecordDTO does not recognize — an older or newer
	// schema version's fields that upgradeRunRecord did not rewrite.
	// Round-tripping them verbatim is what lets a downgrade to an
	// older binary still see its own fields (spec.md §4.7 schema
	// evolution: "unknown fields are preserved verbatim").
	extra map[string]json.RawMessage
}

// State returns the task's current state.
func (r *RunRecord) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transition moves the run record to "to", recording a history entry,
// and returns an error if the edge is not permitted by the state
// machine. Callers (the Engine, via t.Run.Transition) are expected to
// already hold whatever serialization keeps a single task from being
// transitioned concurrently — RunRecord's own mutex only protects its
// field reads/writes, not cross-call atomicity.
func (r *RunRecord) Transition(to State, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(CanTransition, to, note)
}

// TransitionDerived moves a TaskGroup's own run record to a state
// derived from its children (DerivedState), permitting the
// new->running edge a leaf Task's state machine forbids — see
// CanTransitionGroupDerived.
func (r *RunRecord) TransitionDerived(to State, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(CanTransitionGroupDerived, to, note)
}

func (r *RunRecord) transitionLocked(can func(from, to State) bool, to State, note string) error {
	from := r.state
	if !can(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	if to == StateUnknown {
		r.preUnknown = from
		r.unknownSince = time.Now()
	}
	if from == StateUnknown {
		r.unknownSince = time.Time{}
	}
	r.state = to
	r.appendHistoryLocked(note)
	switch to {
	case StateSubmitted:
		r.SubmittedAt = time.Now()
	case StateRunning:
		r.RunningAt = time.Now()
	case StateTerminated:
		r.TerminatedAt = time.Now()
	}
	return nil
}

// ResolveUnknown moves the record out of StateUnknown back to the
// state that was active before the excursion, per the symmetric edge
// of §4.3. It is an error to call this when not in StateUnknown.
func (r *RunRecord) ResolveUnknown(note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUnknown {
		return &InvalidTransitionError{From: r.state, To: r.preUnknown}
	}
	r.state = r.preUnknown
	r.unknownSince = time.Time{}
	r.appendHistoryLocked(note)
	return nil
}

// UnknownDuration reports how long the task has been continuously
// unobservable, or zero if it is not currently StateUnknown.
func (r *RunRecord) UnknownDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUnknown || r.unknownSince.IsZero() {
		return 0
	}
	return time.Since(r.unknownSince)
}

func (r *RunRecord) appendHistoryLocked(note string) {
	r.History = append(r.History, HistoryEntry{At: time.Now(), Message: note})
	if len(r.History) > maxHistory {
		r.History = r.History[len(r.History)-maxHistory:]
	}
}

// AppendHistory records an event without a state transition (e.g. a
// retry attempt, a resource-usage sample).
func (r *RunRecord) AppendHistory(note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendHistoryLocked(note)
}

// InvalidTransitionError reports an attempted state-machine edge that
// spec.md §4.3 does not permit.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return "task: invalid transition " + e.From.String() + " -> " + e.To.String()
}

// Task is the central entity of the data model (spec.md §3): an
// immutable Spec plus a mutable RunRecord, identified by a stable
// persistent id.
type Task struct {
	ID   string
	Name string
	Spec Spec

	Run *RunRecord

	// GroupParent, when non-empty, is the id of the TaskGroup that owns
	// this Task as a child, used by the Engine's group pass and by the
	// Store to reconstruct the DAG on load.
	GroupParent string
}

// New constructs a brand-new Task in StateNew with a fresh id.
func New(name string, spec Spec) *Task {
	return &Task{
		ID:   uuid.NewString(),
		Name: name,
		Spec: spec,
		Run:  &RunRecord{state: StateNew},
	}
}

// Redo resets t's life-cycle to a fresh StateNew run record while
// preserving t's id, Spec, and the history log of the previous run
// (spec.md §4.3 "redo"; §8 scenario S6). The JobID and resource
// assignment are cleared so the next submission allocates a fresh
// back-end job id.
func (t *Task) Redo() {
	t.Run.mu.Lock()
	defer t.Run.mu.Unlock()
	prior := t.Run.History
	t.Run = &RunRecord{
		state:     StateNew,
		PriorRuns: append(append([][]HistoryEntry{}, t.Run.PriorRuns...), prior),
	}
}
