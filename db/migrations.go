package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version int
	Name    string
	Applied bool
}

const versionTable = "monetizer_schema_version"

// Migrate runs all pending PostgreSQL migrations
func Migrate(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	slog.Default().Info("current schema version", "version", currentVersion)

	for _, m := range sortedMigrations() {
		if m.Version <= currentVersion {
			continue
		}
		if err := runMigration(db, m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

func sortedMigrations() []Migration {
	sorted := make([]Migration, len(postgresMigrations))
	copy(sorted, postgresMigrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return sorted
}

// ensureMigrationsTable creates the version table if it doesn't exist
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + versionTable + ` (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM " + versionTable).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func runMigration(db *sql.DB, m Migration) error {
	slog.Default().Info("applying migration", "version", m.Version, "name", m.Name)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO "+versionTable+" (version, name) VALUES ($1, $2)",
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Rollback rolls back the last migration
func Rollback(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var target *Migration
	for i := range postgresMigrations {
		if postgresMigrations[i].Version == currentVersion {
			target = &postgresMigrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(target.Down); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM "+versionTable+" WHERE version = $1", currentVersion); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	slog.Default().Info("migration rolled back", "version", target.Version, "name", target.Name)
	return tx.Commit()
}

// GetMigrationStatus returns the current migration status
func GetMigrationStatus(db *sql.DB) ([]MigrationStatus, error) {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return nil, err
	}

	var status []MigrationStatus
	for _, m := range sortedMigrations() {
		status = append(status, MigrationStatus{
			Version: m.Version,
			Name:    m.Name,
			Applied: m.Version <= currentVersion,
		})
	}
	return status, nil
}
