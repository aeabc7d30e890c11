package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is bumped whenever createDDL changes incompatibly
const SchemaVersion = 1

// ErrNotFound is returned when a row addressed by id does not exist
var ErrNotFound = errors.New("not found")

const createDDL = `
CREATE TABLE IF NOT EXISTS version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executables (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	path            TEXT NOT NULL,
	last_write_time INTEGER NOT NULL,
	first_seen      INTEGER NOT NULL,
	last_seen       INTEGER NOT NULL,
	last_checked    INTEGER NOT NULL,
	signed          BOOLEAN NOT NULL DEFAULT 0,
	trusted         BOOLEAN NOT NULL DEFAULT 0,
	blocked         BOOLEAN NOT NULL DEFAULT 0,
	md5             BLOB,
	sha1            BLOB,
	sha256          BLOB,
	size            INTEGER NOT NULL DEFAULT 0,
	UNIQUE (path, last_write_time)
);
CREATE INDEX IF NOT EXISTS executables_sha256 ON executables (sha256);

CREATE TABLE IF NOT EXISTS certificates (
	id                          INTEGER PRIMARY KEY AUTOINCREMENT,
	version                     INTEGER NOT NULL DEFAULT 0,
	issuer                      TEXT NOT NULL,
	serial_number               BLOB NOT NULL,
	digest_algorithm            TEXT NOT NULL DEFAULT '',
	digest_encryption_algorithm TEXT NOT NULL DEFAULT '',
	UNIQUE (serial_number, issuer)
);

CREATE TABLE IF NOT EXISTS signers (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	executable_id  INTEGER NOT NULL REFERENCES executables (id),
	position       INTEGER NOT NULL,
	name           TEXT NOT NULL,
	timestamp      INTEGER NOT NULL DEFAULT 0,
	certificate_id INTEGER NOT NULL REFERENCES certificates (id)
);
CREATE INDEX IF NOT EXISTS signers_executable ON signers (executable_id);

CREATE TABLE IF NOT EXISTS rules (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	rank      INTEGER NOT NULL,
	enabled   BOOLEAN NOT NULL DEFAULT 1,
	allow     BOOLEAN NOT NULL,
	last_used INTEGER,
	comment   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rule_attributes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id        INTEGER NOT NULL REFERENCES rules (id),
	position       INTEGER NOT NULL,
	attribute_type TEXT NOT NULL,
	attribute      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS rule_attributes_rule ON rule_attributes (rule_id);

CREATE TABLE IF NOT EXISTS process_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	executable_id INTEGER NOT NULL DEFAULT 0,
	image_path    TEXT NOT NULL DEFAULT '',
	pid           INTEGER NOT NULL,
	ppid          INTEGER NOT NULL,
	command_line  TEXT NOT NULL DEFAULT '',
	event_time    INTEGER NOT NULL,
	state         INTEGER NOT NULL,
	delivered     BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS process_events_undelivered ON process_events (delivered, id);

CREATE TABLE IF NOT EXISTS catalog_files (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path         TEXT NOT NULL UNIQUE,
	sha256            BLOB NOT NULL,
	size              INTEGER NOT NULL,
	first_access_time INTEGER NOT NULL,
	delivered         BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS catalog_files_sha256 ON catalog_files (sha256);

INSERT INTO version (version) VALUES (?);
`

// Store is the agent's transactional trust store, rule set and outbox
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a store transaction handed to WithTx callbacks
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// OpenOrCreate opens the database at path, creating the schema when the
// file does not exist yet
func OpenOrCreate(path string) (*Store, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return create(path)
	}
	return open(path)
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path)
}

func create(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(createDDL, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if version := s.Version(); version != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("database version (%d) does not match latest version (%d)", version, SchemaVersion)
	}

	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the schema version recorded in the database, 0 if unknown
func (s *Store) Version() int {
	var version int
	if err := s.db.QueryRow("SELECT version FROM version").Scan(&version); err != nil {
		return 0
	}
	return version
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a write transaction, committing when fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, now: s.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
