// Package database provides the SQLite record store shared by the location log
// and the upload queue. The store owns exactly one connection; callers check it
// out with Acquire (or Do) and hold it for the whole of an operation, which
// serializes every operation against every other.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

var (
	// ErrUnavailable is returned when the store connection cannot be acquired.
	ErrUnavailable = errors.New("database: store unavailable")
	// ErrNoTransaction is returned by Commit or Rollback without an open transaction.
	ErrNoTransaction = errors.New("database: no transaction in progress")
	// ErrInvalidIdentifier is returned for table, index, or column names that
	// are not plain SQL identifiers.
	ErrInvalidIdentifier = errors.New("database: invalid identifier")
)

// Config holds database configuration.
type Config struct {
	Path          string `yaml:"path"`            // SQLite file path
	LogQueries    bool   `yaml:"log_queries"`     // Log every statement at debug level
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"` // SQLite busy timeout
}

// DefaultConfig returns default database configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:          "locationcapture.db",
		BusyTimeoutMs: 5000,
	}
}

// DB is the process-wide handle to the record store. It is opened once at
// startup and closed at shutdown.
type DB struct {
	db         *sql.DB
	path       string
	logQueries bool
	logger     *log.Entry
}

// Open opens the database, pins it to a single connection and runs pending
// migrations.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultConfig().Path
	}
	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = DefaultConfig().BusyTimeoutMs
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	params := url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"FULL"},
		"_busy_timeout": {fmt.Sprint(busy)},
		"_txlock":       {"immediate"},
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection, never recycled: it is the unit of serialization.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrUnavailable, err)
	}

	d := &DB{
		db:         db,
		path:       path,
		logQueries: cfg.LogQueries,
		logger:     log.WithField("component", "database"),
	}

	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	d.logger.WithField("path", path).Debug("database opened")
	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Acquire checks out the store connection, blocking until it is free or ctx
// is done. The returned Conn must be released.
func (d *DB) Acquire(ctx context.Context) (*Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Conn{
		conn:       conn,
		logQueries: d.logQueries,
		logger:     d.logger,
	}, nil
}

// Do runs fn with the store connection checked out.
func (d *DB) Do(ctx context.Context, fn func(*Conn) error) error {
	conn, err := d.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return fn(conn)
}

// migrate runs all pending goose migrations for the versioned auxiliary
// tables. The location and queue tables are reconciled by their owners.
func (d *DB) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(d.logger.WithField("subsystem", "goose"))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, d.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current goose schema version.
func (d *DB) MigrationVersion(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, d.db)
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, nil
}
