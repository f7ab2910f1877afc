package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gc3pie/gc3core/internal/task"
)

// GroupStore is implemented by every backend in addition to Store, to
// persist a TaskGroup's own structural metadata — kind, ordered child
// ids, dependency edges — alongside its embedded Task's RunRecord
// (already handled by Store.Save). This closes spec.md §4.7's
// referential-integrity requirement: "when saving a TaskGroup, save
// its children first and record only their ids in the parent ...
// Loading materialises children on demand." A Group's live-only
// Selector/StageBuilder callbacks are not serializable and are not
// part of groupDTO; a caller resuming a group after a restart must
// re-supply them before driving it further, the same way it must
// re-supply Resource configuration.
type GroupStore interface {
	SaveGroup(ctx context.Context, g *task.Group) error
	LoadGroup(ctx context.Context, id string) (*task.Group, error)
}

// groupDTO is the JSON shape a GroupStore backend persists for one
// Group, referencing children by id only (spec.md §4.7: "record only
// their ids in the parent").
type groupDTO struct {
	Kind                               task.Kind
	ChildIDs                           []string
	Edges                              []task.Edge
	FailDependentsOnPredecessorFailure bool
}

func marshalGroupDTO(g *task.Group) ([]byte, error) {
	ids := make([]string, len(g.Children))
	for i, c := range g.Children {
		ids[i] = c.ID
	}
	return json.Marshal(groupDTO{
		Kind:                               g.GroupKind,
		ChildIDs:                           ids,
		Edges:                              g.Edges,
		FailDependentsOnPredecessorFailure: g.FailDependentsOnPredecessorFailure,
	})
}

// materializeGroup loads g's own Task (already done by the caller) and
// reconstructs its Children in order ("materialises children on
// demand"). A child id that itself names a saved Group is loaded
// through loadGroup, but only that Group's embedded Task is placed in
// Children: the nested group's kind, children and edges are not
// reachable from the returned parent.
func materializeGroup(
	ctx context.Context,
	dto groupDTO,
	self *task.Task,
	loadTask func(ctx context.Context, id string) (*task.Task, error),
	loadGroup func(ctx context.Context, id string) (*task.Group, error),
) (*task.Group, error) {
	g := &task.Group{
		Task:                                self,
		GroupKind:                           dto.Kind,
		Edges:                               dto.Edges,
		FailDependentsOnPredecessorFailure:  dto.FailDependentsOnPredecessorFailure,
	}
	children := make([]*task.Task, 0, len(dto.ChildIDs))
	for _, id := range dto.ChildIDs {
		if sub, err := loadGroup(ctx, id); err == nil {
			children = append(children, sub.Task)
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		t, err := loadTask(ctx, id)
		if err != nil {
			return nil, err
		}
		children = append(children, t)
	}
	g.Children = children
	if dto.Kind == task.KindStaged {
		// StageChildren/AdvanceStage reads stages, a private mirror of
		// Children the Group builds up itself; reflect the materialized
		// order into it via AddChild-equivalent assignment so a resumed
		// Staged group's derived state/AdvanceStage work the same as a
		// live one's.
		g.RestoreStages(children)
	}
	return g, nil
}
