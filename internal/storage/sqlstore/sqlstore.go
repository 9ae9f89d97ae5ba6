// Package sqlstore implements storage.Store on a relational database. The
// same schema and queries serve the embedded SQLite backend and PostgreSQL;
// a dialect covers placeholder syntax, id generation and error mapping.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	name          string
	driver        string
	autoIncrement string
	numbered      bool // $1, $2 placeholders instead of ?
	uniqueErr     func(error) bool
}

var sqliteDialect = dialect{
	name:          "sqlite",
	driver:        "sqlite",
	autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT",
	uniqueErr: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

var postgresDialect = dialect{
	name:          "postgres",
	driver:        "postgres",
	autoIncrement: "BIGSERIAL PRIMARY KEY",
	numbered:      true,
	uniqueErr: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
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

// Store implements storage.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	events  *eventLog
	tags    *tagStore
}

// OpenSQLite opens (or creates) the SQLite database at path, configures
// pragmas and runs migrations.
func OpenSQLite(path string) (*Store, error) {
	if path != ":memory:" {
		if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite limitation
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db, sqliteDialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newStore(db, sqliteDialect), nil
}

// OpenPostgres connects to PostgreSQL and runs migrations.
func OpenPostgres(cfg config.PostgresConfig) (*Store, error) {
	db, err := sql.Open(postgresDialect.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := runMigrations(db, postgresDialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newStore(db, postgresDialect), nil
}

func newStore(db *sql.DB, d dialect) *Store {
	return &Store{
		db:      db,
		dialect: d,
		events:  &eventLog{db: db, dialect: d},
		tags:    &tagStore{db: db, dialect: d},
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Events returns the EventLog implementation
func (s *Store) Events() storage.EventLog {
	return s.events
}

// Tags returns the TagStore implementation
func (s *Store) Tags() storage.TagStore {
	return s.tags
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
