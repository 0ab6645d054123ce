package testutil

import (
	"testing"

	"pimstore/internal/database"
)

// NewTestDatabase creates a new in-memory SQLite database with schema applied.
// The database is automatically closed when the test completes. driver
// selects the SQLite driver; empty uses the default.
func NewTestDatabase(t *testing.T, driver string) *database.SQLDatabase {
	t.Helper()

	if driver == "" {
		driver = database.DefaultDriver
	}
	db, err := database.NewSQLiteDatabase(driver, ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return db
}
