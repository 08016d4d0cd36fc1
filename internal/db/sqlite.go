package db

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/zex-protocol/zexporta/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the shared persistence layer every role writes through. All
// state-machine guarantees live here: writers go through
// insert-if-not-exists or status-scoped updates keyed by the table's
// primary key.
type DB struct {
	conn *sql.DB
	path string
}

// New opens the SQLite database at the given path with WAL mode and
// busy timeout.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, config.DBBusyTimeout)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", config.DBBusyTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// SQLite single writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	slog.Info("database opened", "path", path)

	return &DB{conn: conn, path: path}, nil
}

// Close releases the database connection.
func (d *DB) Close() error {
	slog.Info("closing database", "path", d.path)
	return d.conn.Close()
}

// Conn exposes the raw connection for health checks.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// RunMigrations brings the schema up to date from the embedded
// migration files. Each file is named <version>_<name>.sql; versions
// already recorded in schema_migrations are skipped, and each new one
// runs inside its own transaction together with its bookkeeping row.
func (d *DB) RunMigrations() error {
	if _, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, ok := migrationVersion(name)
		if !ok {
			slog.Warn("skipping migration without a numeric version", "file", name)
			continue
		}

		var applied bool
		if err := d.conn.QueryRow(
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = ?)", version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration version %d: %w", version, err)
		}
		if applied {
			slog.Debug("migration already applied", "version", version, "file", name)
			continue
		}

		if err := d.applyMigration(version, name); err != nil {
			return err
		}
		slog.Info("migration applied", "version", version, "file", name)
	}

	return nil
}

// applyMigration runs one migration file and records its version, both
// inside a single transaction so a partial apply never marks the
// version done.
func (d *DB) applyMigration(version int, name string) error {
	script, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("execute migration %s: %w", name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// migrationVersion parses the leading digits of a migration filename
// ("001_initial.sql" yields 1).
func migrationVersion(name string) (int, bool) {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	version, err := strconv.Atoi(name[:end])
	if err != nil {
		return 0, false
	}
	return version, true
}
