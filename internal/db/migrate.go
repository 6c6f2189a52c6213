// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationDef is one embedded schema migration. Migrations are compiled
// into the binary so the library always carries its own schema.
type migrationDef struct {
	version     int
	description string
	sql         string
}

// migrations holds all schema migrations in version order.
var migrations = []migrationDef{
	{
		version:     1,
		description: "create operations table",
		sql: `
		CREATE TABLE IF NOT EXISTS operations (
			id             TEXT PRIMARY KEY,
			op_type        TEXT NOT NULL CHECK(length(op_type) > 0),
			resource_id    TEXT NOT NULL CHECK(length(resource_id) > 0),
			payload        BLOB,
			status         TEXT NOT NULL CHECK(status IN ('PENDING','SYNCING','SUCCESS','FAILED')),
			retry_count    INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
			max_retries    INTEGER NOT NULL DEFAULT 3 CHECK(max_retries >= 0),
			next_retry_at  INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL CHECK(created_at > 0),
			updated_at     INTEGER NOT NULL CHECK(updated_at > 0),
			synced_at      INTEGER,
			error_message  TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_operations_pending
			ON operations(status, created_at);

		CREATE INDEX IF NOT EXISTS idx_operations_retry
			ON operations(status, next_retry_at);
		`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum)
		if err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in a transaction each.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedVersions := make(map[int]string)
	for _, mig := range applied {
		appliedVersions[mig.Version] = mig.Checksum
	}

	for _, def := range migrations {
		checksum := checksumSQL(def.sql)

		if prior, ok := appliedVersions[def.version]; ok {
			// Already applied; an edited migration is a programming error.
			if prior != checksum {
				return fmt.Errorf("migration V%d checksum mismatch: applied=%s current=%s",
					def.version, prior, checksum)
			}
			continue
		}

		if err := m.apply(def, checksum); err != nil {
			return fmt.Errorf("failed to apply migration V%d (%s): %w",
				def.version, def.description, err)
		}
	}

	return nil
}

// apply runs one migration and records it atomically.
func (m *Migrator) apply(def migrationDef, checksum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(def.sql); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		def.version, time.Now().Unix(), def.description, checksum,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// checksumSQL computes the sha256 hex digest of a migration body.
func checksumSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
