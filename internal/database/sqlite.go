package database

import (
	"database/sql"
	"fmt"
	"strings"

	"pimstore/internal/backend"
	"pimstore/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // SQLite driver "sqlite" (pure Go)
)

// DefaultDriver is the SQLite driver used when none is configured.
const DefaultDriver = "sqlite3"

// sqliteDSN appends the connection parameters every SQLite connection needs:
// foreign keys on, a busy timeout instead of immediate SQLITE_BUSY, WAL, and
// write transactions that take the database lock up front so a read-then-write
// transaction cannot fail halfway through with a stale snapshot.
func sqliteDSN(driver, path string) (string, error) {
	var params []string
	switch driver {
	case "sqlite3":
		params = []string{"_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL", "_txlock=immediate"}
	case "sqlite":
		params = []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_pragma=journal_mode(WAL)", "_txlock=immediate"}
	default:
		return "", fmt.Errorf("unsupported sqlite driver: %q", driver)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&"), nil
}

// OpenConnection opens and configures a SQLite database connection.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(driver, path string) (*sql.DB, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	dsn, err := sqliteDSN(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: opens a distinct, empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// NewSQLiteDatabase opens a SQLite database with the given driver ("sqlite3"
// or "sqlite"). The schema is not touched; see MigrateUp and CheckMigrations.
func NewSQLiteDatabase(driver, path string) (*SQLDatabase, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := OpenConnection(driver, path)
	if err != nil {
		return nil, err
	}
	return NewSQLDatabase(db, driver, backend.Lookup(driver)), nil
}

// MigrateUp applies pending schema migrations.
func (s *SQLDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db, s.driver)
}

// CheckMigrations verifies the schema is at the version this binary expects.
func (s *SQLDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, s.driver)
}

// SchemaVersion reports the applied migration version and the dirty flag.
func (s *SQLDatabase) SchemaVersion() (uint, bool, error) {
	return migrations.Version(s.db, s.driver)
}

// Schema returns the CREATE statements of the applied schema, tables first,
// without SQLite internals or the migration bookkeeping table.
func (s *SQLDatabase) Schema() (string, error) {
	rows, err := s.db.Query(`
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type WHEN 'table' THEN 1 ELSE 2 END,
		  name`)
	if err != nil {
		return "", fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scanning schema: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	return b.String(), nil
}
