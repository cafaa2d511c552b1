package database

import (
	"cmp"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema change, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations reads the embedded migrations sorted by version. Files
// whose name does not start with a number are skipped.
func loadMigrations() ([]Migration, error) {
	files, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		number, name, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(number)
		if err != nil {
			continue
		}

		body, err := migrationFiles.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(body)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

// runMigrations brings db up to the newest embedded migration. A database
// that already has a schema is snapshotted before it is changed.
func runMigrations(db *sql.DB, dbPath string) error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	pending := slices.DeleteFunc(migrations, func(m Migration) bool { return m.Version <= current })
	if len(pending) == 0 {
		log.Printf("Database schema at version %d", current)
		return nil
	}

	if current > 0 {
		if err := backupDatabase(db, dbPath, current); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}
	}

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Printf("Applied migration %03d_%s", m.Version, m.Name)
	}
	return nil
}

// applyMigration runs m and records it in one transaction
func applyMigration(db *sql.DB, m Migration) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	if _, err = tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err = tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// backupDatabase writes a consistent snapshot of db next to dbPath as
// <path>.backup-v<version>-<time>. In-memory databases are not backed up.
func backupDatabase(db *sql.DB, dbPath string, version int) error {
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}

	target := fmt.Sprintf("%s.backup-v%d-%s", dbPath, version, time.Now().Format("20060102-150405"))
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("backup %s already exists", target)
	}
	if _, err := db.Exec(`VACUUM INTO ?`, target); err != nil {
		return err
	}

	log.Printf("Created database backup: %s", filepath.Base(target))
	return nil
}
