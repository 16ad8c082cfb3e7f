// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tausestack/tausestack/lib/codec"
	"github.com/tausestack/tausestack/lib/sqlitepool"
	"github.com/tausestack/tausestack/lib/tenant"
)

// SQLiteConfig configures [OpenSQLite].
type SQLiteConfig struct {
	Path     string
	PoolSize int

	// Compression is the preferred body codec. Bodies it cannot shrink
	// are stored uncompressed.
	Compression Compression

	Logger *slog.Logger
}

var sqliteMigrations = []string{
	`CREATE TABLE entries (
		tenant      TEXT    NOT NULL,
		id          TEXT    NOT NULL,
		agent       TEXT    NOT NULL,
		kind        TEXT    NOT NULL,
		origin      TEXT    NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		compression INTEGER NOT NULL,
		body_size   INTEGER NOT NULL,
		body        BLOB    NOT NULL,
		PRIMARY KEY (tenant, id)
	) WITHOUT ROWID;
	CREATE INDEX entries_by_agent ON entries (tenant, agent, created_at DESC);
	CREATE INDEX entries_by_time ON entries (tenant, created_at DESC);`,
}

// storedBody is the CBOR-encoded part of a row. Columns hold what
// queries filter on; everything else lives here.
type storedBody struct {
	Content  string            `cbor:"content"`
	Metadata map[string]string `cbor:"metadata,omitempty"`
}

// SQLiteStore persists entries in a SQLite database.
type SQLiteStore struct {
	pool        *sqlitepool.Pool
	compression Compression
	closed      atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Compression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return nil, fmt.Errorf("memory: unsupported compression %s", cfg.Compression)
	}

	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: sqliteMigrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return &SQLiteStore{
		pool:        pool,
		compression: cfg.Compression,
	}, nil
}

func (s *SQLiteStore) with(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.pool.With(ctx, fn)
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}

	encoded, err := codec.Marshal(storedBody{Content: entry.Content, Metadata: entry.Metadata})
	if err != nil {
		return false, fmt.Errorf("memory: encoding body: %w", err)
	}
	body, tag, err := compress(s.compression, encoded)
	if err != nil {
		return false, err
	}

	var created bool
	err = s.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO entries (tenant, id, agent, kind, origin, created_at, compression, body_size, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant, id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{
				string(entry.Tenant), entry.ID, entry.Agent, entry.Kind, entry.Origin,
				entry.CreatedAt.UnixNano(), int64(tag), len(encoded), body,
			}})
		if err != nil {
			return fmt.Errorf("memory: inserting entry: %w", err)
		}
		created = conn.Changes() > 0
		return nil
	})
	return created, err
}

const selectColumns = `tenant, id, agent, kind, origin, created_at, compression, body_size, body`

func (s *SQLiteStore) Get(ctx context.Context, tenantID tenant.ID, id string) (Entry, error) {
	var (
		entry Entry
		found bool
	)
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+selectColumns+` FROM entries WHERE tenant = ? AND id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(tenantID), id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					entry, err = scanEntry(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *SQLiteStore) List(ctx context.Context, query Query) ([]Entry, error) {
	var (
		conditions = []string{"tenant = ?"}
		args       = []any{string(query.Tenant)}
	)
	if query.Agent != "" {
		conditions = append(conditions, "agent = ?")
		args = append(args, query.Agent)
	}
	if query.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, query.Kind)
	}
	if !query.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, query.Since.UnixNano())
	}
	if query.LocalOnly {
		conditions = append(conditions, "origin = ''")
	}
	args = append(args, query.EffectiveLimit())

	statement := `SELECT ` + selectColumns + ` FROM entries WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC, id ASC LIMIT ?`

	var entries []Entry
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenantID tenant.ID, id string) error {
	return s.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM entries WHERE tenant = ? AND id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(tenantID), id}})
		if err != nil {
			return fmt.Errorf("memory: deleting entry: %w", err)
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) Agents(ctx context.Context, tenantID tenant.ID) ([]string, error) {
	var agents []string
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT DISTINCT agent FROM entries WHERE tenant = ? ORDER BY agent`,
			&sqlitex.ExecOptions{
				Args: []any{string(tenantID)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					agents = append(agents, stmt.ColumnText(0))
					return nil
				},
			})
	})
	return agents, err
}

// Close waits for in-flight operations and closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}

func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	entry := Entry{
		Tenant:    tenant.ID(stmt.ColumnText(0)),
		ID:        stmt.ColumnText(1),
		Agent:     stmt.ColumnText(2),
		Kind:      stmt.ColumnText(3),
		Origin:    stmt.ColumnText(4),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(5)).UTC(),
	}
	tag := Compression(stmt.ColumnInt64(6))
	size := int(stmt.ColumnInt64(7))

	stored := make([]byte, stmt.ColumnLen(8))
	stmt.ColumnBytes(8, stored)

	encoded, err := decompress(tag, stored, size)
	if err != nil {
		return Entry{}, fmt.Errorf("memory: entry %s: %w", entry.ID, err)
	}
	var body storedBody
	if err := codec.Unmarshal(encoded, &body); err != nil {
		return Entry{}, fmt.Errorf("memory: entry %s: decoding body: %w", entry.ID, err)
	}
	entry.Content = body.Content
	entry.Metadata = body.Metadata
	return entry, nil
}

// Compression reports the preferred body codec.
func (s *SQLiteStore) Compression() Compression { return s.compression }
