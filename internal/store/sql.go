package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/gc3pie/gc3core/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore is the Store implementation shared by the SQLite and
// Postgres backends: both speak database/sql and the same schema
// (spec.md §4.7 point 2: "the directory-tree, SQLite, and Postgres
// backends present the same Save/Load/List/Remove contract"), differing
// only in driver name, DSN, and bind-parameter syntax.
type sqlStore struct {
	db       *sql.DB
	positional bool // true for Postgres's $1,$2,... placeholders
}

// bind rewrites a query written with "?" placeholders into the
// target driver's native syntax.
func (s *sqlStore) bind(query string) string {
	if !s.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func openSQLStore(driverName, dsn, gooseDialect string, positional bool) (*sqlStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return nil, fmt.Errorf("store: goose dialect %s: %w", gooseDialect, err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("store: migrate %s: %w", driverName, err)
	}
	return &sqlStore{db: db, positional: positional}, nil
}

func (s *sqlStore) Save(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(upsertTaskSQL),
		t.ID, nullableString(t.GroupParent), time.Now().UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("store: upsert task %s: %w", t.ID, err)
	}
	return nil
}

// upsertTaskSQL relies on SQLite and Postgres both understanding the
// standard "ON CONFLICT ... DO UPDATE" upsert syntax.
const upsertTaskSQL = `
INSERT INTO tasks (id, group_parent, updated_at, data) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET group_parent = excluded.group_parent, updated_at = excluded.updated_at, data = excluded.data
`

func (s *sqlStore) Load(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT data FROM tasks WHERE id = ?`), id)
	var data string
	if err := row.Scan(&data); err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}
	t := &task.Task{Run: &task.RunRecord{}}
	if err := json.Unmarshal([]byte(data), t); err != nil {
		return nil, fmt.Errorf("store: unmarshal %s: %w", id, err)
	}
	return t, nil
}

func (s *sqlStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: remove %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// SaveGroup implements store.GroupStore.
func (s *sqlStore) SaveGroup(ctx context.Context, g *task.Group) error {
	data, err := marshalGroupDTO(g)
	if err != nil {
		return fmt.Errorf("store: marshal group %s: %w", g.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(upsertGroupSQL), g.ID, time.Now().UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("store: upsert group %s: %w", g.ID, err)
	}
	return nil
}

const upsertGroupSQL = `
INSERT INTO groups (id, updated_at, data) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data
`

// LoadGroup implements store.GroupStore, recursing through itself for
// any child id that also names a saved group.
func (s *sqlStore) LoadGroup(ctx context.Context, id string) (*task.Group, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT data FROM groups WHERE id = ?`), id)
	var data string
	if err := row.Scan(&data); err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("store: load group %s: %w", id, err)
	}
	var dto groupDTO
	if err := json.Unmarshal([]byte(data), &dto); err != nil {
		return nil, fmt.Errorf("store: unmarshal group %s: %w", id, err)
	}
	self, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return materializeGroup(ctx, dto, self, s.Load, s.LoadGroup)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
