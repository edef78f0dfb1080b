package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date: the versioned baseline DDL via
// the embedded migrations, then additive column reconciliation for
// columns introduced after the baseline. Idempotent; safe to run on
// every startup.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("migrate: nil db")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}

	if err := ensureAdditiveColumns(db); err != nil {
		return err
	}
	return ensureAdditiveIndexes(db)
}

// Columns added to links after the baseline schema. Existing databases
// gain them through ALTER TABLE ADD COLUMN; removals and renames are
// not supported.
var linksAdditiveColumns = []struct {
	name string
	ddl  string
}{
	{"repaired_uri", "repaired_uri TEXT"},
	{"parent_id", "parent_id INTEGER"},
	{"inbound_tag", "inbound_tag TEXT"},
	{"test_started_at", "test_started_at TEXT"},
	{"test_lock_until", "test_lock_until TEXT"},
	{"test_lock_owner", "test_lock_owner TEXT"},
	{"test_batch_id", "test_batch_id TEXT"},
	{"last_tested_at", "last_tested_at TEXT"},
	{"last_test_ok", "last_test_ok INTEGER"},
	{"last_test_error", "last_test_error TEXT"},
	{"is_alive", "is_alive INTEGER"},
	{"ip", "ip TEXT"},
	{"country", "country TEXT"},
	{"city", "city TEXT"},
	{"datacenter", "datacenter TEXT"},
	{"is_in_use", "is_in_use INTEGER NOT NULL DEFAULT 0"},
	{"bound_port", "bound_port INTEGER"},
}

func ensureAdditiveColumns(db *sql.DB) error {
	for _, col := range linksAdditiveColumns {
		if err := ensureTableColumn(db, "links", col.name, col.ddl); err != nil {
			return err
		}
	}
	return nil
}

// ensureAdditiveIndexes creates indexes over additive columns and drops
// the legacy unique-role index that predated multi-slot pools.
func ensureAdditiveIndexes(db *sql.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_links_test_lock_until ON links(test_lock_until)",
		"CREATE INDEX IF NOT EXISTS idx_links_test_batch_id ON links(test_batch_id)",
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_links_inbound_tag_unique
			ON links(inbound_tag)
			WHERE inbound_tag IS NOT NULL AND TRIM(inbound_tag) != ''`,
		"DROP INDEX IF EXISTS idx_slots_role_unique",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %s: %w", firstWords(stmt, 4), err)
		}
	}
	return nil
}

// ensureTableColumn adds a column if PRAGMA table_info does not list it.
func ensureTableColumn(db *sql.DB, table, column, columnDDL string) error {
	ok, err := hasTableColumn(db, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDDL)); err != nil {
		return fmt.Errorf("migrate: add column %s.%s: %w", table, column, err)
	}
	return nil
}

func hasTableColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("migrate: table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defaultV sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &pk); err != nil {
			return false, fmt.Errorf("migrate: scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
