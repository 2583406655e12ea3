package storage

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all database migrations. Versions are unique
// and applied in ascending order, each in its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with queries, blocklist and allowlist tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS queries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts_ms INTEGER NOT NULL,
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				query_type TEXT NOT NULL,
				response_code TEXT NOT NULL,
				answers INTEGER NOT NULL DEFAULT 0,
				blocked BOOLEAN NOT NULL,
				block_source TEXT,
				duration_ms REAL NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_queries_ts ON queries(ts_ms);
			CREATE INDEX IF NOT EXISTS idx_queries_client_ts ON queries(client_ip, ts_ms);

			CREATE TABLE IF NOT EXISTS blocklist (
				domain TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				added_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS allowlist (
				domain TEXT PRIMARY KEY,
				added_at INTEGER NOT NULL
			);
		`,
	},
	{
		Version:     2,
		Description: "Record the upstream that answered each query",
		SQL: `
			ALTER TABLE queries ADD COLUMN upstream TEXT;
		`,
	},
	{
		Version:     3,
		Description: "Add indexes for top domains and blocked analytics",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_queries_domain_ts ON queries(domain, ts_ms);
			CREATE INDEX IF NOT EXISTS idx_queries_blocked_ts ON queries(blocked, ts_ms);
			CREATE INDEX IF NOT EXISTS idx_blocklist_source ON blocklist(source);
		`,
	},
	{
		Version:     4,
		Description: "Key blocklist rows by domain and source",
		SQL: `
			CREATE TABLE blocklist_v4 (
				domain TEXT NOT NULL,
				source TEXT NOT NULL,
				added_at INTEGER NOT NULL,
				PRIMARY KEY (domain, source)
			);
			INSERT INTO blocklist_v4 (domain, source, added_at)
				SELECT domain, source, added_at FROM blocklist;
			DROP TABLE blocklist;
			ALTER TABLE blocklist_v4 RENAME TO blocklist;
			CREATE INDEX IF NOT EXISTS idx_blocklist_source ON blocklist(source);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns the highest applied version, 0 for a fresh database
func getCurrentVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations applies every migration newer than the database's version.
// A failure leaves the database at the last successful migration.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}
	return nil
}
