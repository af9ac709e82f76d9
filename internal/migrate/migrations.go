// Package migrate brings the veritrust SQLite schema up to the latest
// embedded version. Safe to run on every startup.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

// loadMigrations reads the embedded scripts and checks the version sequence
// is 1..n with no gaps or duplicates, so a mis-numbered file fails loudly
// instead of silently skipping schema changes.
func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded scripts: %w", err)
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", f.Name(), err)
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migrate: script %s has no numeric version prefix: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	for i, m := range migrations {
		if m.version != i+1 {
			return nil, fmt.Errorf("migrate: script %s breaks the version sequence (want %d, got %d)", m.name, i+1, m.version)
		}
	}
	return migrations, nil
}

// Migrate applies pending migrations in one transaction. The applied
// version is tracked in veritrust_schema.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS veritrust_schema(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("migrate: create veritrust_schema: %w", err)
	}

	current := 0
	err = tx.QueryRow(`SELECT version FROM veritrust_schema LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO veritrust_schema(version) VALUES (0)`); err != nil {
			return fmt.Errorf("migrate: init veritrust_schema: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("migrate: read veritrust_schema: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("migrate: database at version %d is newer than this build (max %d)", current, len(migrations))
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE veritrust_schema SET version=?`, m.version); err != nil {
			return fmt.Errorf("migrate: record version %d: %w", m.version, err)
		}
	}
	return tx.Commit()
}
