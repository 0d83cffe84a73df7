package storage

import (
	"database/sql"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/pressly/goose"

	"github.com/SirClappington/remindq/internal/config"
)

// Migrate applies the goose migrations for driver found under
// dir/<driver>.
func Migrate(db *sql.DB, driver, dir string) error {
	return RunMigrations(db, driver, dir, "up")
}

// RunMigrations runs a goose command (up, down, status, version, redo, ...)
// against the migrations for driver.
func RunMigrations(db *sql.DB, driver, dir, command string, args ...string) error {
	dialect := "postgres"
	if driver == config.DriverSQLite {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.Run(command, db, filepath.Join(dir, driver), args...); err != nil {
		return errors.Wrapf(err, "goose %s", command)
	}
	return nil
}
