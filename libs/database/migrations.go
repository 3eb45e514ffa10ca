package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies every pending up migration to db. An empty
// migrationsPath uses the migrations embedded at build time; a non-empty
// path overrides it with an on-disk directory, for operators testing a
// migration before it ships.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("database: build migration driver: %w", err)
	}

	var m *migrate.Migrate
	if migrationsPath == "" {
		sourceDriver, err := iofs.New(migrationFiles, "migrations")
		if err != nil {
			return fmt.Errorf("database: open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
		if err != nil {
			return fmt.Errorf("database: build migrator: %w", err)
		}
	} else {
		m, err = migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", dbDriver)
		if err != nil {
			return fmt.Errorf("database: build migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return nil
}
