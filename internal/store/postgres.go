package store

import (
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres opens (creating and migrating if necessary) the
// client-server Postgres backend at the given DSN/URL.
func NewPostgres(dsn string) (Store, error) {
	return openSQLStore("pgx", dsn, "postgres", true)
}
