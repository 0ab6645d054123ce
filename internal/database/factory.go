package database

import (
	"fmt"
	"os"
	"path/filepath"

	"pimstore/internal/config"
)

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
// In-memory databases are migrated immediately; file databases are left for
// the caller to check or migrate.
func NewDatabaseFromConfig(cfg config.DatabaseConfig) (*SQLDatabase, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver
	}

	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteDatabase(driver, filepath.Join(cfg.DataDir, "pimd.db"))
	case "memory":
		db, err := NewSQLiteDatabase(driver, ":memory:")
		if err != nil {
			return nil, err
		}
		if err := db.MigrateUp(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
