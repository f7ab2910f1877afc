package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTaskStartsInNew(t *testing.T) {
	tk := New("echo", Spec{Command: "/bin/echo"})
	require.Equal(t, StateNew, tk.Run.State())
	require.NotEmpty(t, tk.ID)
}

func TestMonotoneLifecycle(t *testing.T) {
	tk := New("echo", Spec{})
	require.NoError(t, tk.Run.Transition(StateSubmitted, "submitted"))
	require.NoError(t, tk.Run.Transition(StateRunning, "running"))
	require.NoError(t, tk.Run.Transition(StateTerminating, "terminating"))
	require.NoError(t, tk.Run.Transition(StateTerminated, "terminated"))
	require.True(t, tk.Run.State().IsTerminal())
}

func TestNoBackwardTransition(t *testing.T) {
	tk := New("echo", Spec{})
	require.NoError(t, tk.Run.Transition(StateSubmitted, "submitted"))
	require.NoError(t, tk.Run.Transition(StateRunning, "running"))
	err := tk.Run.Transition(StateSubmitted, "back?")
	require.Error(t, err)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestUnknownRoundTrip(t *testing.T) {
	tk := New("echo", Spec{})
	require.NoError(t, tk.Run.Transition(StateSubmitted, "submitted"))
	require.NoError(t, tk.Run.Transition(StateRunning, "running"))
	require.NoError(t, tk.Run.Transition(StateUnknown, "lost contact"))
	require.Positive(t, tk.Run.UnknownDuration())
	require.NoError(t, tk.Run.ResolveUnknown("contact restored"))
	require.Equal(t, StateRunning, tk.Run.State())
	require.Zero(t, tk.Run.UnknownDuration())
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	tk := New("echo", Spec{})
	require.NoError(t, tk.Run.Transition(StateTerminated, "submission fatal"))
	err := tk.Run.Transition(StateSubmitted, "cannot")
	require.Error(t, err)
}

func TestRedoPreservesHistoryAndID(t *testing.T) {
	tk := New("echo", Spec{})
	id := tk.ID
	require.NoError(t, tk.Run.Transition(StateSubmitted, "submitted"))
	require.NoError(t, tk.Run.Transition(StateRunning, "running"))
	require.NoError(t, tk.Run.Transition(StateTerminating, "terminating"))
	require.NoError(t, tk.Run.Transition(StateTerminated, "terminated"))
	tk.Run.ReturnCode = Success

	tk.Redo()

	require.Equal(t, id, tk.ID)
	require.Equal(t, StateNew, tk.Run.State())
	require.Empty(t, tk.Run.JobID)
	require.Len(t, tk.Run.PriorRuns, 1)
	require.NotEmpty(t, tk.Run.PriorRuns[0])
}

func TestReturnCodeEncoding(t *testing.T) {
	ok := NewExitCode(0)
	require.True(t, ok.Success())

	failed := NewExitCode(1)
	require.False(t, failed.Success())
	require.Equal(t, 1, failed.ExitCode())
	require.False(t, failed.Signaled())

	cancelled := NewSignal(SigCancelledByUser)
	require.True(t, cancelled.Signaled())
	require.True(t, cancelled.IsPseudoSignal())
	require.False(t, cancelled.Success())
}

func TestDerivedStateAndReturnCode(t *testing.T) {
	a := New("a", Spec{})
	b := New("b", Spec{})
	require.NoError(t, a.Run.Transition(StateSubmitted, ""))
	require.NoError(t, a.Run.Transition(StateRunning, ""))
	require.NoError(t, a.Run.Transition(StateTerminating, ""))
	require.NoError(t, a.Run.Transition(StateTerminated, ""))
	a.Run.ReturnCode = Success

	require.Equal(t, StateRunning, DerivedState([]*Task{a, b}))

	require.NoError(t, b.Run.Transition(StateSubmitted, ""))
	require.NoError(t, b.Run.Transition(StateRunning, ""))
	require.NoError(t, b.Run.Transition(StateTerminating, ""))
	require.NoError(t, b.Run.Transition(StateTerminated, ""))
	b.Run.ReturnCode = NewExitCode(1)

	require.Equal(t, StateTerminated, DerivedState([]*Task{a, b}))
	require.Equal(t, b.Run.ReturnCode, DerivedReturnCode([]*Task{a, b}))
}

func TestDependencyGroupOrdering(t *testing.T) {
	g := NewGroup("seq", KindDependency)
	a := New("a", Spec{})
	b := New("b", Spec{})
	g.AddChild(a)
	g.AddChild(b)
	g.Edges = []Edge{{From: a.ID, To: b.ID}}

	ready, failed := g.ReadyDependencyChildren()
	require.ElementsMatch(t, []*Task{a}, ready)
	require.Empty(t, failed)

	require.NoError(t, a.Run.Transition(StateSubmitted, ""))
	require.NoError(t, a.Run.Transition(StateRunning, ""))
	require.NoError(t, a.Run.Transition(StateTerminating, ""))
	require.NoError(t, a.Run.Transition(StateTerminated, ""))
	a.Run.ReturnCode = Success

	ready, failed = g.ReadyDependencyChildren()
	require.ElementsMatch(t, []*Task{b}, ready)
	require.Empty(t, failed)
}

func TestDependencyGroupPropagatesFailure(t *testing.T) {
	g := NewGroup("seq", KindDependency)
	a := New("a", Spec{})
	b := New("b", Spec{})
	g.AddChild(a)
	g.AddChild(b)
	g.Edges = []Edge{{From: a.ID, To: b.ID}}

	require.NoError(t, a.Run.Transition(StateSubmitted, ""))
	require.NoError(t, a.Run.Transition(StateRunning, ""))
	require.NoError(t, a.Run.Transition(StateTerminating, ""))
	require.NoError(t, a.Run.Transition(StateTerminated, ""))
	a.Run.ReturnCode = NewExitCode(1)

	ready, failed := g.ReadyDependencyChildren()
	require.Empty(t, ready)
	require.ElementsMatch(t, []*Task{b}, failed)
}

func TestRunRecordJSONRoundTrip(t *testing.T) {
	tk := New("echo", Spec{})
	require.NoError(t, tk.Run.Transition(StateSubmitted, "submitted"))
	require.NoError(t, tk.Run.Transition(StateRunning, "running"))
	tk.Run.ReturnCode = Success

	data, err := json.Marshal(tk.Run)
	require.NoError(t, err)

	var reloaded RunRecord
	require.NoError(t, json.Unmarshal(data, &reloaded))
	require.Equal(t, tk.Run.State(), reloaded.State())
	require.Equal(t, tk.Run.ReturnCode, reloaded.ReturnCode)
	require.Equal(t, tk.Run.JobID, reloaded.JobID)
}

func TestRunRecordUnmarshalPreservesUnknownFields(t *testing.T) {
	// Simulates a record written by a newer or differently-shaped
	// binary: a field this schema version does not know about must
	// survive a load/save cycle unchanged (spec.md §4.7).
	raw := map[string]json.RawMessage{
		"State":         mustJSON(t, StateRunning),
		"ReturnCode":    mustJSON(t, Success),
		"FutureField":   mustJSON(t, "some-future-value"),
		"SchemaVersion": mustJSON(t, 0),
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	var r RunRecord
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, StateRunning, r.State())

	out, err := json.Marshal(&r)
	require.NoError(t, err)

	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	require.Contains(t, roundTripped, "FutureField")
	require.JSONEq(t, `"some-future-value"`, string(roundTripped["FutureField"]))
	require.JSONEq(t, string(mustJSON(t, CurrentSchemaVersion)), string(roundTripped["SchemaVersion"]))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTransitionDerivedAllowsNewToRunning(t *testing.T) {
	g := New("group", Spec{})
	// A leaf task's ordinary Transition forbids new->running directly...
	err := g.Run.Transition(StateRunning, "shouldn't work")
	require.Error(t, err)

	// ...but a group's own run record may move there directly once any
	// child leaves new, since a group is never itself submitted.
	require.NoError(t, g.Run.TransitionDerived(StateRunning, "derived from children"))
	require.Equal(t, StateRunning, g.Run.State())

	require.NoError(t, g.Run.TransitionDerived(StateTerminated, "derived from children"))
	require.Equal(t, StateTerminated, g.Run.State())
}

func TestCanTransitionGroupDerived(t *testing.T) {
	require.True(t, CanTransitionGroupDerived(StateNew, StateRunning))
	require.True(t, CanTransitionGroupDerived(StateRunning, StateTerminated))
	require.False(t, CanTransitionGroupDerived(StateTerminated, StateRunning))
}

func TestSequentialSelectorStop(t *testing.T) {
	g := NewGroup("seq", KindSequential)
	a := New("a", Spec{})
	g.AddChild(a)
	require.NoError(t, a.Run.Transition(StateSubmitted, ""))
	require.NoError(t, a.Run.Transition(StateRunning, ""))
	require.NoError(t, a.Run.Transition(StateTerminating, ""))
	require.NoError(t, a.Run.Transition(StateTerminated, ""))
	a.Run.ReturnCode = NewExitCode(1)

	decision, more := (Selector(func(last *Task, soFar []*Task) (SelectorDecision, []*Task) {
		if last != nil && !last.Run.ReturnCode.Success() {
			return SelectorStop, nil
		}
		return SelectorContinue, []*Task{New("next", Spec{})}
	}))(a, g.Children)

	require.Equal(t, SelectorStop, decision)
	require.Nil(t, more)
	require.Equal(t, StateTerminated, DerivedState(g.Children))
	require.Equal(t, a.Run.ReturnCode, DerivedReturnCode(g.Children))
}
