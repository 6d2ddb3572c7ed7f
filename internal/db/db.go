package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationStatus holds information about database migration state
type MigrationStatus struct {
	CurrentVersion uint
	LatestVersion  uint
	Dirty          bool
	Pending        bool
}

// Open opens the database connection without running migrations
func Open(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	return database, nil
}

// OpenAndMigrate opens the database and runs all pending migrations.
// Safe to call on every startup: migrations are versioned and additive,
// existing columns and rows are never dropped or rewritten.
func OpenAndMigrate(path string) (*sql.DB, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(database); err != nil {
		database.Close()
		return nil, err
	}

	return database, nil
}

// GetMigrationStatus returns the current migration status
func GetMigrationStatus(database *sql.DB) (*MigrationStatus, error) {
	m, err := getMigrator(database)
	if err != nil {
		return nil, err
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return nil, err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	// Find the latest version
	var latestVersion uint
	first, err := source.First()
	if err == nil {
		latestVersion = first
		for {
			next, err := source.Next(latestVersion)
			if err != nil {
				break
			}
			latestVersion = next
		}
	}

	status := &MigrationStatus{
		CurrentVersion: version,
		LatestVersion:  latestVersion,
		Dirty:          dirty,
		Pending:        version < latestVersion,
	}

	return status, nil
}

// RunMigrations runs all pending migrations
func RunMigrations(database *sql.DB) error {
	m, err := getMigrator(database)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// getMigrator creates a new migrate instance
func getMigrator(database *sql.DB) (*migrate.Migrate, error) {
	driver, err := sqlite3.WithInstance(database, &sqlite3.Config{})
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	return migrate.NewWithInstance("iofs", source, "sqlite3", driver)
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil, rolled back otherwise. A rollback also happens on panic, so
// the connection is released on every exit path.
func WithTx(database *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := database.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
