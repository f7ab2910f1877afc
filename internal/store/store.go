// Package store implements the URL-addressed persistence layer of
// spec.md §4.7: Save/Load/List/Remove over a directory tree, an
// embedded SQLite database, or a client-server Postgres database,
// selected by the scheme of a configured URL, grounded on the
// teacher's write-then-rename jsondb persistence idiom.
package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gc3pie/gc3core/internal/task"
)

// Store is the persistence contract the Engine and Session depend on
// (spec.md §4.7).
type Store interface {
	// Save persists t, overwriting any prior record with the same id.
	Save(ctx context.Context, t *task.Task) error
	// Load reconstructs the task previously saved under id.
	Load(ctx context.Context, id string) (*task.Task, error)
	// List returns the ids of every top-level and child task known to
	// the store, in no particular order.
	List(ctx context.Context) ([]string, error)
	// Remove deletes the record for id. Removing a non-existent id is
	// not an error.
	Remove(ctx context.Context, id string) error
	// Close releases any held connection.
	Close() error
}

// Open builds a Store from a URL whose scheme selects the backend:
// file:// for the directory-tree backend, sqlite:// for an embedded
// database, postgres:// (or postgresql://) for a client-server one
// (spec.md §4.7 point 1).
func Open(rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return NewDirTree(path)
	case "sqlite":
		return NewSQLite(u.Path)
	case "postgres", "postgresql":
		return NewPostgres(rawURL)
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", u.Scheme)
	}
}
