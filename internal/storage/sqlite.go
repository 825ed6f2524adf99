// Package storage persists paired mobile devices in SQLite.
//
// The instance/session registry is deliberately absent here: it is rebuilt
// from editor reports and disk scans on every start. Only the device table,
// which carries the bcrypt hashes of issued bearer tokens, survives restarts.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	// Pure-Go SQLite driver, registered as "sqlite". No CGO needed.
	_ "modernc.org/sqlite"
)

// ErrDeviceNotFound is returned when an update targets an unknown device.
var ErrDeviceNotFound = errors.New("device not found")

// SQLiteStore is the device store. Safe for concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// DefaultPath returns ~/.chatremote/chatremote.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".chatremote", "chatremote.db"), nil
}

// Open opens or creates the database at path and applies pending
// migrations. The parent directory is created with 0700 permissions.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	logger.Debug("opening database", zap.String("path", path))

	// busy_timeout covers the CLI revoking a device while the daemon
	// validates tokens against the same file.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes
	// writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", zap.Int("schema_version", currentSchemaVersion))
	return s, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
