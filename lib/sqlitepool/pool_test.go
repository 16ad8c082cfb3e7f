// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tausestack/tausestack/lib/sqlitepool"
)

var testMigrations = []string{
	`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL);`,
	`ALTER TABLE notes ADD COLUMN author TEXT NOT NULL DEFAULT '';`,
}

func openPool(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		PoolSize:   2,
		Migrations: migrations,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pool
}

func TestOpenAppliesPragmas(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "test.db"), nil)
	defer pool.Close()

	err := pool.With(context.Background(), func(conn *sqlite.Conn) error {
		var journalMode string
		err := sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				journalMode = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if journalMode != "wal" {
			t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestMigrationsAreIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	pool := openPool(t, path, testMigrations[:1])
	version, err := pool.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	err = pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO notes (body) VALUES (?)", &sqlitex.ExecOptions{
			Args: []any{"kept"},
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening with the full list runs only the second script; the
	// first would fail with "table already exists".
	pool = openPool(t, path, testMigrations)
	defer pool.Close()

	version, err = pool.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	var body, author string
	err = pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT body, author FROM notes", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body = stmt.ColumnText(0)
				author = stmt.ColumnText(1)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if body != "kept" || author != "" {
		t.Errorf("row = (%q, %q), want (\"kept\", \"\")", body, author)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool := openPool(t, path, testMigrations)
	pool.Close()

	_, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		Migrations: testMigrations[:1],
	})
	if err == nil {
		t.Fatal("Open succeeded against a newer schema")
	}
	if !strings.Contains(err.Error(), "newer than this binary") {
		t.Errorf("error = %v", err)
	}
}

func TestFailedMigrationLeavesVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	_, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		Migrations: []string{testMigrations[0], "THIS IS NOT SQL;"},
	})
	if err == nil {
		t.Fatal("Open succeeded with a broken migration")
	}

	pool := openPool(t, path, testMigrations[:1])
	defer pool.Close()
	version, err := pool.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(context.Background(), sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}
