package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"specter/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the global database connection pool.
var DB *sql.DB

// InitDB opens (creating if necessary) the SQLite database at dbPath and
// runs any pending schema migrations.
func InitDB(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", filepath.Dir(dbPath), err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to ping database at %s: %w", dbPath, err)
	}

	// SQLite serializes writers; a single connection avoids needless
	// SQLITE_BUSY churn from the pool.
	DB.SetMaxOpenConns(1)

	if err = runMigrations(DB); err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	logger.Info("Database initialized successfully at %s", dbPath)
	return nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Debug("Database schema at version %d (dirty=%t)", version, dirty)
	return nil
}

// CloseDB closes the global database connection pool.
func CloseDB() error {
	if DB != nil {
		logger.Info("Closing database connection.")
		err := DB.Close()
		DB = nil
		return err
	}
	return nil
}
