package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var drivers = []string{"sqlite3", "sqlite"}

func TestMigrateUp_FreshDatabase(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := openTestDB(t, driver)

			if err := MigrateUp(db, driver); err != nil {
				t.Fatalf("MigrateUp() failed: %v", err)
			}

			tables := []string{"collections", "collection_mime_types", "items", "parts", "schema_migrations"}
			for _, table := range tables {
				var name string
				err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
				if err != nil {
					t.Errorf("Table %s was not created: %v", table, err)
				}
			}
		})
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	err := CheckDBMigrationStatus(db, "sqlite3")
	if err == nil {
		t.Fatal("CheckDBMigrationStatus() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("CheckDBMigrationStatus() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := openTestDB(t, driver)

			if err := MigrateUp(db, driver); err != nil {
				t.Fatalf("MigrateUp() failed: %v", err)
			}
			if err := CheckDBMigrationStatus(db, driver); err != nil {
				t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
			}
		})
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}
	if err := CheckDBMigrationStatus(db, "sqlite3"); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestMigrateUp_UnknownDriver(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	if err := MigrateUp(db, "oracle"); err == nil {
		t.Error("MigrateUp() expected error for unknown driver")
	}
}

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if v < 1 {
		t.Errorf("LatestVersion() = %d, want >= 1", v)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	// Item in a collection that does not exist.
	_, err := db.Exec(`
		INSERT INTO items (collection_id, mime_type, modified_at)
		VALUES (42, 'message/rfc822', 0)
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_PartPayloadCheck(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	mustExec(t, db, "INSERT INTO collections (parent_id, name) VALUES (0, 'Inbox')")
	mustExec(t, db, "INSERT INTO items (collection_id, mime_type, modified_at) VALUES (1, 'message/rfc822', 0)")

	tests := []struct {
		name    string
		data    any
		ref     any
		wantErr bool
	}{
		{"inline only", []byte("hello"), nil, false},
		{"external only", nil, "1_r1", false},
		{"both", []byte("hello"), "1_r2", true},
		{"neither", nil, nil, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Exec("INSERT INTO parts (item_id, name, data, external_ref) VALUES (1, ?, ?, ?)",
				"part"+string(rune('a'+i)), tt.data, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Errorf("insert error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchema_SiblingNamesUnique(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	mustExec(t, db, "INSERT INTO collections (parent_id, name) VALUES (0, 'Inbox')")
	if _, err := db.Exec("INSERT INTO collections (parent_id, name) VALUES (0, 'Inbox')"); err == nil {
		t.Error("Expected unique constraint violation for duplicate sibling name, but insert succeeded")
	}
	mustExec(t, db, "INSERT INTO collections (parent_id, name) VALUES (1, 'Inbox')")
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("Exec(%q) error = %v", query, err)
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()

	db, err := sql.Open(driver, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}

func TestVersion(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	v, dirty, err := Version(db, "sqlite3")
	if err != nil {
		t.Fatalf("Version() on fresh database error = %v", err)
	}
	if v != 0 || dirty {
		t.Errorf("Version() = %d, %v; want 0, false", v, dirty)
	}

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	latest, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	v, dirty, err = Version(db, "sqlite3")
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != latest || dirty {
		t.Errorf("Version() = %d, %v; want %d, false", v, dirty, latest)
	}
}
