// Package session ties an Engine to a Store under one on-disk layout
// (spec.md §6 "Session on disk"): a store.url file naming the backing
// Store, start/end timestamp files, and an index of top-level task
// ids. It exposes the idempotent list/log/abort/delete operations of
// spec.md §4.7.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gc3pie/gc3core/internal/engine"
	"github.com/gc3pie/gc3core/internal/gcerror"
	"github.com/gc3pie/gc3core/internal/store"
	"github.com/gc3pie/gc3core/internal/task"
)

const (
	storeURLFile  = "store.url"
	startTSFile   = "session.start_timestamp"
	endTSFile     = "session.end_timestamp"
	indexFile     = "session.index"
)

// Session is one named collection of top-level tasks, backed by a
// Store and (while running) driven by an Engine.
type Session struct {
	Name string
	Dir  string

	Store  store.Store
	Engine *engine.Engine // nil for a Session opened read-only from disk
}

// Create starts a brand-new session directory: writes store.url, the
// start timestamp and the index, saves eng's tasks to the Store, and
// binds eng (which the caller has already built, with its resources
// and initial tasks/groups already added).
func Create(dir, name, storeURL string, eng *engine.Engine) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gcerror.New(gcerror.KindPersistence, err)
	}
	st, err := store.Open(storeURL)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(dir, storeURLFile), storeURL); err != nil {
		return nil, gcerror.New(gcerror.KindPersistence, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, startTSFile), time.Now().Format(time.RFC3339Nano)); err != nil {
		return nil, gcerror.New(gcerror.KindPersistence, err)
	}
	s := &Session{Name: name, Dir: dir, Store: st, Engine: eng}
	if err := s.writeIndex(eng.TopLevel()); err != nil {
		return nil, err
	}
	for _, t := range eng.AllTasks() {
		if err := st.Save(context.Background(), t); err != nil {
			return nil, gcerror.New(gcerror.KindPersistence, err)
		}
	}
	return s, nil
}

// Open reloads an existing session directory read-only: its Store and
// the top-level ids its index names. Engine is left nil; callers that
// need to keep driving the session (e.g. to Abort it) should instead
// rebuild an Engine and pass it through Resume.
func Open(dir string) (*Session, error) {
	rawURL, err := StoreURL(dir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(rawURL)
	if err != nil {
		return nil, err
	}
	return &Session{Name: filepath.Base(dir), Dir: dir, Store: st}, nil
}

// StoreURL returns the store URL recorded in dir's store.url file
// (written by Create), for a caller that wants to open its own
// independent Store handle onto the same backend.
func StoreURL(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, storeURLFile))
	if err != nil {
		return "", gcerror.New(gcerror.KindPersistence, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Resume re-attaches a freshly built Engine (with every top-level id
// named by the on-disk index re-added via AddTask/AddGroup after
// being Load-ed from the Store) to an already-existing session
// directory, for driving it further after an engine restart.
func Resume(dir string, eng *engine.Engine) (*Session, error) {
	s, err := Open(dir)
	if err != nil {
		return nil, err
	}
	s.Engine = eng
	return s, nil
}

// RefreshIndex rewrites the on-disk index from the live Engine's
// current top-level ids. Call it after adding further top-level tasks
// or groups post-Create.
func (s *Session) RefreshIndex() error {
	if s.Engine == nil {
		return gcerror.Newf(gcerror.KindConfig, "session: refresh requires a live Engine")
	}
	return s.writeIndex(s.Engine.TopLevel())
}

func (s *Session) indexPath() string { return filepath.Join(s.Dir, indexFile) }

func (s *Session) writeIndex(ids []string) error {
	return writeFileAtomic(s.indexPath(), strings.Join(ids, "\n")+"\n")
}

// TopLevelIDs returns the session's top-level task/group ids, from the
// live Engine if attached, else from the on-disk index.
func (s *Session) TopLevelIDs() ([]string, error) {
	if s.Engine != nil {
		return s.Engine.TopLevel(), nil
	}
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gcerror.New(gcerror.KindPersistence, err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Summary is one row of Session.List.
type Summary struct {
	ID         string
	Name       string
	State      task.State
	ReturnCode task.ReturnCode
}

// List reports every top-level task/group and its derived state
// (spec.md §4.7's "list" session operation), idempotent and safe to
// call repeatedly.
func (s *Session) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.TopLevelIDs()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		if s.Engine != nil {
			if t, ok := s.Engine.Task(id); ok {
				out = append(out, Summary{ID: t.ID, Name: t.Name, State: t.Run.State(), ReturnCode: t.Run.ReturnCode})
				continue
			}
		}
		t, err := s.Store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{ID: t.ID, Name: t.Name, State: t.Run.State(), ReturnCode: t.Run.ReturnCode})
	}
	return out, nil
}

// Log returns the merged, timestamp-ordered human-readable history of
// every task in the session (top-level plus, for groups, every
// descendant reachable by GroupParent) — spec.md §4.7's "log"
// operation.
func (s *Session) Log(ctx context.Context) (string, error) {
	tasks, err := s.allTasks(ctx)
	if err != nil {
		return "", err
	}

	type line struct {
		at   time.Time
		text string
	}
	var lines []line
	for _, t := range tasks {
		for _, h := range t.Run.History {
			lines = append(lines, line{at: h.At, text: fmt.Sprintf("[%s] %s: %s", h.At.Format(time.RFC3339), t.ID, h.Message)})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].at.Before(lines[j].at) })

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.text)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// allTasks gathers every task under the session's top-level ids: from
// the live Engine when attached (which already tracks nested groups),
// or by walking the Store's full id list and following GroupParent
// links when reopened read-only.
func (s *Session) allTasks(ctx context.Context) ([]*task.Task, error) {
	if s.Engine != nil {
		return s.Engine.AllTasks(), nil
	}

	allIDs, err := s.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*task.Task, len(allIDs))
	for _, id := range allIDs {
		t, err := s.Store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		byID[id] = t
	}

	topLevel, err := s.TopLevelIDs()
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(topLevel))
	for _, id := range topLevel {
		wanted[id] = true
	}
	// Fixed-point: keep pulling in children of anything already wanted,
	// since GroupParent only points one level up.
	for changed := true; changed; {
		changed = false
		for id, t := range byID {
			if wanted[id] {
				continue
			}
			if t.GroupParent != "" && wanted[t.GroupParent] {
				wanted[id] = true
				changed = true
			}
		}
	}

	out := make([]*task.Task, 0, len(wanted))
	for id := range wanted {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Abort kills every non-terminal top-level task, then drives the
// Engine until all of them settle into a terminal state (spec.md
// §4.7's "abort": "kill all non-terminal top-level tasks, then wait
// until all are terminal"). Requires a live Engine.
func (s *Session) Abort(ctx context.Context, pollInterval time.Duration) error {
	if s.Engine == nil {
		return gcerror.Newf(gcerror.KindConfig, "session: abort requires a live Engine (call Resume first)")
	}
	ids, err := s.TopLevelIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, ok := s.Engine.Task(id)
		if !ok || t.Run.State() == task.StateTerminated {
			continue
		}
		if err := s.Engine.Kill(ctx, id); err != nil {
			return err
		}
	}
	if err := s.Engine.RunUntilDone(ctx, pollInterval); err != nil {
		return err
	}
	return s.markComplete()
}

func (s *Session) markComplete() error {
	path := filepath.Join(s.Dir, endTSFile)
	if _, err := os.Stat(path); err == nil {
		return nil // already marked complete; idempotent
	}
	return writeFileAtomic(path, time.Now().Format(time.RFC3339Nano))
}

// MarkComplete records the session's end timestamp once its Engine
// reports every top-level task terminated; callers driving Progress
// directly (instead of through Abort) call this once RunUntilDone
// returns.
func (s *Session) MarkComplete() error { return s.markComplete() }

// Delete aborts the session (if a live Engine is attached) then
// removes every tracked task from the Store and the session directory
// itself — spec.md §4.7's "delete": "abort, then remove the session's
// Store entries". Idempotent: a second call on an already-deleted
// session is a no-op.
func (s *Session) Delete(ctx context.Context, pollInterval time.Duration) error {
	if s.Engine != nil {
		if err := s.Abort(ctx, pollInterval); err != nil {
			return err
		}
	}
	tasks, err := s.allTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.Store.Remove(ctx, t.ID); err != nil {
			return err
		}
	}
	if err := s.Store.Close(); err != nil {
		return gcerror.New(gcerror.KindPersistence, err)
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return gcerror.New(gcerror.KindPersistence, err)
	}
	return nil
}

// ListSessionNames returns the name of every session directory found
// directly under root (any subdirectory carrying a store.url file),
// sorted, for a status surface that needs to enumerate sessions
// without opening each one's Store.
func ListSessionNames(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gcerror.New(gcerror.KindPersistence, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), storeURLFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func writeFileAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
