package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is used when creating the database directory.
	DefaultDirPermissions = 0o755
	// sqliteBusyTimeoutMs bounds how long a writer waits on a locked database.
	sqliteBusyTimeoutMs = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the single-file backend, the default for one-shop installs.
type SQLiteStore struct {
	*sqlDB
}

// NewSQLiteStore opens (creating if needed) the database file named by the
// DSN, either a plain path or a "file:" URI, and applies the schema.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errDSNNotSet
	}

	path := strings.TrimPrefix(cfg.DSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := openSQL("SQLiteStore", "sqlite3", withSQLiteParams(cfg.DSN), sqliteMigrations, func(db *sql.DB) {
		// Writers are serialized on one connection so claims never see SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlDB: &sqlDB{
		db:   db,
		name: "SQLiteStore",
		bind: func(q string) string { return q },
		now:  time.Now,
	}}, nil
}

// withSQLiteParams appends the busy timeout unless the DSN already sets one.
func withSQLiteParams(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, sqliteBusyTimeoutMs)
}
