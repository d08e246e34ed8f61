package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	dir := filepath.Join("..", "..", "db", "migrations")
	migrations, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}

	tableExists := func(name string) bool {
		t.Helper()
		var found bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&found); err != nil {
			t.Fatalf("check table %s: %v", name, err)
		}
		return found
	}
	recorded := func() int {
		t.Helper()
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatalf("count schema_migrations: %v", err)
		}
		return n
	}

	for pass := 1; pass <= 2; pass++ {
		if err := ApplyMigrations(ctx, db, dir); err != nil {
			t.Fatalf("ApplyMigrations() pass %d error = %v", pass, err)
		}
		if !tableExists("collab_updates") || !tableExists("collab_identity_bindings") {
			t.Fatalf("pass %d: collab tables missing after apply", pass)
		}
		if got := recorded(); got != len(migrations) {
			t.Fatalf("pass %d: recorded = %d, want %d", pass, got, len(migrations))
		}
		if err := ApplyMigrations(ctx, db, dir); err != nil {
			t.Fatalf("ApplyMigrations() rerun pass %d error = %v", pass, err)
		}
		if err := RollbackMigrations(ctx, db, dir); err != nil {
			t.Fatalf("RollbackMigrations() pass %d error = %v", pass, err)
		}
		if tableExists("collab_updates") || tableExists("collab_snapshots") || tableExists("collab_identity_bindings") {
			t.Fatalf("pass %d: collab tables left after rollback", pass)
		}
		if got := recorded(); got != 0 {
			t.Fatalf("pass %d: recorded after rollback = %d", pass, got)
		}
	}
}
