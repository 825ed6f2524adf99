package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// migrations are applied in order; migrations[i] brings the schema to
// version i+1. Append only.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "devices",
		sql: `
			CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				token_hash TEXT NOT NULL,
				created_at TEXT NOT NULL,
				last_seen TEXT NOT NULL
			);
		`,
	},
	{
		name: "devices_created_at_index",
		sql:  `CREATE INDEX IF NOT EXISTS idx_devices_created_at ON devices(created_at);`,
	},
}

var currentSchemaVersion = len(migrations)

func (s *SQLiteStore) migrate() error {
	const versionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(versionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		m := migrations[v]
		s.logger.Info("applying migration", zap.Int("version", v+1), zap.String("name", m.name))

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			v+1, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}
