package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteDSNParams are appended to DSNs that carry no query string.
const sqliteDSNParams = "_busy_timeout=5000&_foreign_keys=on"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default backend, a single database file in the state directory.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens the database file named by the DSN (a path or a
// file: URI), creating its directory when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite DSN not set")
	}

	path, _, _ := strings.Cut(strings.TrimPrefix(cfg.DSN, "file:"), "?")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}

	// A single connection serializes writers; transactions use only their own handle.
	db, err := openDB("sqlite3", dsn, sqliteMigrations, func(p pool) { p.SetMaxOpenConns(1) })
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: newSQLStore(db, "SQLiteStore", false)}, nil
}
