// Package ledger persists per-request outcomes in an embedded SQLite
// database with bounded retention.
package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	migrationsPath = "migrations"
	migrateTable   = "schema_migrations"

	// Keep these version markers in sync with SQL files under migrations/.
	versionBaseSchema     = 1
	versionAddBodyColumns = 2
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// openDB opens (or creates) the SQLite database at path with WAL,
// synchronous=NORMAL and a busy timeout.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// migrateDB applies the ledger schema migrations.
func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("migrate ledger: init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrateTable,
	})
	if err != nil {
		return fmt.Errorf("migrate ledger: init db driver: %w", err)
	}

	if err := prepareLegacyBaseline(db, dbDriver); err != nil {
		return fmt.Errorf("migrate ledger: prehook: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate ledger: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate ledger: up: %w", err)
	}
	return nil
}

// prepareLegacyBaseline aligns migration version metadata for databases
// created before golang-migrate was introduced. Legacy DBs already carry
// the request_logs table (with or without the body columns) but no
// version row; stamping the matching version keeps the up pass additive.
func prepareLegacyBaseline(db *sql.DB, driver migratedb.Driver) error {
	hasVersion, err := hasMigrationVersion(db, migrateTable)
	if err != nil {
		return err
	}
	if hasVersion {
		return nil
	}

	hasLogs, err := hasTable(db, "request_logs")
	if err != nil {
		return err
	}
	if !hasLogs {
		// Fresh database: migrate from base schema.
		return nil
	}

	hasBody, err := hasTableColumn(db, "request_logs", "request_body")
	if err != nil {
		return err
	}
	version := versionBaseSchema
	if hasBody {
		version = versionAddBodyColumns
	}
	if err := driver.SetVersion(version, false); err != nil {
		return fmt.Errorf("set migration version=%d: %w", version, err)
	}
	return nil
}

func hasMigrationVersion(db *sql.DB, table string) (bool, error) {
	ok, err := hasTable(db, table)
	if err != nil || !ok {
		return false, err
	}
	var count int
	if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return false, fmt.Errorf("read %s: %w", table, err)
	}
	return count > 0, nil
}

func hasTable(db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return true, nil
}

func hasTableColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			defaultV  sql.NullString
			primaryID int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryID); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	return false, nil
}
