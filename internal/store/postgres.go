package store

import (
	"fmt"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool limits for Postgres. SQLite always uses a single connection.
const (
	postgresMaxOpenConns    = 20
	postgresMaxIdleConns    = 10
	postgresConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL backend, selected for postgres:// URLs and
// key=value connection strings.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects, applies the schema and returns the store.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN not set")
	}
	db, err := openDB("postgres", cfg.DSN, postgresMigrations, func(p pool) {
		p.SetMaxOpenConns(postgresMaxOpenConns)
		p.SetMaxIdleConns(postgresMaxIdleConns)
		p.SetConnMaxLifetime(postgresConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: newSQLStore(db, "PostgresStore", true)}, nil
}
