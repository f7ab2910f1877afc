package store

import (
	_ "modernc.org/sqlite"
)

// NewSQLite opens (creating and migrating if necessary) the embedded
// SQLite backend at path.
func NewSQLite(path string) (Store, error) {
	return openSQLStore("sqlite", path, "sqlite3", false)
}
