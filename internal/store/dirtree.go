package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gc3pie/gc3core/internal/task"
)

// DirTree is the directory-tree Store backend (spec.md §4.7): one JSON
// file per task id, written to a temporary file and renamed into place
// so a crash mid-write never corrupts the previous record — the same
// write-new-file-then-promote idiom the teacher's status writer uses
// for its own append-only JSON records.
type DirTree struct {
	root string
	mu   sync.Mutex
}

// NewDirTree opens (creating if necessary) a directory-tree store
// rooted at root.
func NewDirTree(root string) (*DirTree, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root %s: %w", root, err)
	}
	return &DirTree{root: root}, nil
}

func (d *DirTree) pathFor(id string) string {
	// Fan out by the first two characters of the id to keep any single
	// directory from accumulating an unbounded number of entries.
	if len(id) >= 2 {
		return filepath.Join(d.root, id[:2], id+".json")
	}
	return filepath.Join(d.root, "_", id+".json")
}

func (d *DirTree) Save(ctx context.Context, t *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal task %s: %w", t.ID, err)
	}
	return writeAtomic(d.pathFor(t.ID), data)
}

// writeAtomic writes data to a temp file alongside path and renames it
// into place, so a crash mid-write never corrupts the previous record
// — the same write-new-file-then-promote idiom the teacher's status
// writer uses for its own append-only JSON records. Callers hold d.mu.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

func (d *DirTree) Load(ctx context.Context, id string) (*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.pathFor(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", id, err)
	}
	t := &task.Task{Run: &task.RunRecord{}}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("store: unmarshal %s: %w", id, err)
	}
	return t, nil
}

func (d *DirTree) List(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	err := filepath.WalkDir(d.root, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasSuffix(path, groupSuffix) {
			return nil
		}
		base := filepath.Base(path)
		ids = append(ids, strings.TrimSuffix(base, ".json"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: walk %s: %w", d.root, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *DirTree) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(d.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s: %w", id, err)
	}
	if err := os.Remove(d.groupPathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove group %s: %w", id, err)
	}
	return nil
}

func (d *DirTree) Close() error { return nil }

const groupSuffix = ".group.json"

func (d *DirTree) groupPathFor(id string) string {
	if len(id) >= 2 {
		return filepath.Join(d.root, id[:2], id+groupSuffix)
	}
	return filepath.Join(d.root, "_", id+groupSuffix)
}

// SaveGroup implements store.GroupStore.
func (d *DirTree) SaveGroup(ctx context.Context, g *task.Group) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := marshalGroupDTO(g)
	if err != nil {
		return fmt.Errorf("store: marshal group %s: %w", g.ID, err)
	}
	return writeAtomic(d.groupPathFor(g.ID), data)
}

// LoadGroup implements store.GroupStore, recursing through itself for
// any child id that also names a saved group.
func (d *DirTree) LoadGroup(ctx context.Context, id string) (*task.Group, error) {
	d.mu.Lock()
	data, err := os.ReadFile(d.groupPathFor(id))
	d.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read group %s: %w", id, err)
	}
	var dto groupDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("store: unmarshal group %s: %w", id, err)
	}
	self, err := d.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return materializeGroup(ctx, dto, self, d.Load, d.LoadGroup)
}
