package app

import (
	"fmt"

	"pimstore/internal/config"
	"pimstore/internal/database"
	"pimstore/internal/database/migrations"
)

// SchemaStatus describes the metadata database's migration state.
type SchemaStatus struct {
	Version uint
	Latest  uint
	Dirty   bool
}

// UpToDate reports whether the schema matches this binary.
func (s SchemaStatus) UpToDate() bool {
	return !s.Dirty && s.Version == s.Latest
}

// MigrateDatabase applies pending schema migrations to the configured database.
func MigrateDatabase(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.MigrateUp(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// DatabaseStatus reports the configured database's schema version.
func DatabaseStatus(cfg *config.Config) (SchemaStatus, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	version, dirty, err := db.SchemaVersion()
	if err != nil {
		return SchemaStatus{}, err
	}
	latest, err := migrations.LatestVersion()
	if err != nil {
		return SchemaStatus{}, err
	}
	return SchemaStatus{Version: version, Latest: latest, Dirty: dirty}, nil
}

// DatabaseSchema returns the configured database's applied schema.
func DatabaseSchema(cfg *config.Config) (string, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return db.Schema()
}
