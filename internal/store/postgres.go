package store

import (
	"database/sql"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Connection pool limits for the Postgres backend.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the shared-database backend. Row locks taken with
// FOR UPDATE keep mark writes consistent across concurrent runs.
type PostgresStore struct {
	*sqlDB
}

// NewPostgresStore connects with the DSN option and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errDSNNotSet
	}
	db, err := openSQL("PostgresStore", "postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return newPostgresStoreFromDB(db), nil
}

// newPostgresStoreFromDB wraps an already opened and migrated connection.
func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlDB: &sqlDB{
		db:        db,
		name:      "PostgresStore",
		bind:      rebindDollar,
		forUpdate: " FOR UPDATE",
		now:       time.Now,
	}}
}
