package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// migrationLock serialises relay nodes that start at the same time.
const migrationLock = 0x636f6c6c6162

var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with its up and down scripts.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Key is the value recorded in schema_migrations once the migration ran.
func (m Migration) Key() string {
	return filepath.Base(m.Up)
}

// LoadMigrations pairs the scripts of dir by version, in version order. Every
// version needs exactly one up and one down script with the same name.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("parse migration version %s: %w", entry.Name(), err)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: match[2]}
			byVersion[version] = m
		} else if m.Name != match[2] {
			return nil, fmt.Errorf("migration %d has scripts named %s and %s", version, m.Name, match[2])
		}
		script := &m.Up
		if match[3] == "down" {
			script = &m.Down
		}
		if *script != "" {
			return nil, fmt.Errorf("migration %d has more than one %s script", version, match[3])
		}
		*script = filepath.Join(dir, entry.Name())
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %04d_%s needs both up and down scripts", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// ApplyMigrations runs every migration of migrationsDir that has not been
// recorded in schema_migrations, oldest first, each in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		for _, m := range migrations {
			applied, err := isMigrated(ctx, conn, m.Key())
			if err != nil {
				return err
			}
			if applied {
				continue
			}
			if err := runScript(ctx, conn, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Key()); err != nil {
				return err
			}
		}
		return nil
	})
}

// RollbackMigrations reverts every recorded migration of migrationsDir,
// newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		for i := len(migrations) - 1; i >= 0; i-- {
			m := migrations[i]
			applied, err := isMigrated(ctx, conn, m.Key())
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			if err := runScript(ctx, conn, m.Down, `DELETE FROM schema_migrations WHERE version=$1`, m.Key()); err != nil {
				return err
			}
		}
		return nil
	})
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLock)
	}()

	_, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

// runScript executes the script at path and the bookkeeping statement in one
// transaction.
func runScript(ctx context.Context, conn *sql.Conn, path, record, key string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", filepath.Base(path), err)
	}
	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
	}
	if _, err := tx.ExecContext(ctx, record, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", filepath.Base(path), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, key string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", key, err)
	}
	return exists, nil
}
