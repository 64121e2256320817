package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trailbot/internal/ports"
)

// The schema evolves through a linear migration ladder. Each version runs
// inside its own transaction and is recorded in schema_migrations.
// Migrations at startup only ever move forward; rollbacks are explicit
// operator actions via the migrate CLI.

type migration struct {
	version int
	up      func(ctx context.Context, tx *sql.Tx) error
	down    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		up: func(ctx context.Context, tx *sql.Tx) error {
			const schema = `
			CREATE TABLE IF NOT EXISTS positions (
				position_id TEXT PRIMARY KEY,
				entry_client_order_id TEXT,
				value TEXT NOT NULL,
				status TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS orders (
				client_order_id TEXT PRIMARY KEY,
				order_id TEXT,
				position_id TEXT,
				value TEXT NOT NULL,
				state TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);`
			_, err := tx.ExecContext(ctx, schema)
			return err
		},
		down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS orders; DROP TABLE IF EXISTS positions;`)
			return err
		},
	},
	{
		version: 2,
		up: func(ctx context.Context, tx *sql.Tx) error {
			const idx = `
			CREATE INDEX IF NOT EXISTS idx_orders_position_id ON orders (position_id);
			CREATE INDEX IF NOT EXISTS idx_orders_state ON orders (state);
			CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders (order_id);
			CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
			CREATE INDEX IF NOT EXISTS idx_positions_entry_client ON positions (entry_client_order_id);`
			_, err := tx.ExecContext(ctx, idx)
			return err
		},
		down: func(ctx context.Context, tx *sql.Tx) error {
			const idx = `
			DROP INDEX IF EXISTS idx_orders_position_id;
			DROP INDEX IF EXISTS idx_orders_state;
			DROP INDEX IF EXISTS idx_orders_order_id;
			DROP INDEX IF EXISTS idx_positions_status;
			DROP INDEX IF EXISTS idx_positions_entry_client;`
			_, err := tx.ExecContext(ctx, idx)
			return err
		},
	},
}

// applyMigrations brings the schema up to the latest version and returns
// the versions applied during this run.
func (s *Store) applyMigrations(ctx context.Context) ([]int, error) {
	const table = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w: %w", ports.ErrPersistence, err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w: %w", ports.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w: %w", ports.ErrPersistence, err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w: %w", ports.ErrPersistence, err)
	}

	var appliedNow []int
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.runMigration(ctx, m.version, m.up, true); err != nil {
			return appliedNow, err
		}
		appliedNow = append(appliedNow, m.version)
	}
	return appliedNow, nil
}

// SchemaVersion returns the highest applied migration version, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w: %w", ports.ErrPersistence, err)
	}
	return int(v.Int64), nil
}

// RollbackLast reverts the most recently applied migration and returns
// the resulting schema version. Operator tool only; the engine never
// rolls back on its own.
func (s *Store) RollbackLast(ctx context.Context) (int, error) {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if current == 0 {
		return 0, nil
	}
	for _, m := range migrations {
		if m.version == current {
			if err := s.runMigration(ctx, m.version, m.down, false); err != nil {
				return 0, err
			}
			return s.SchemaVersion(ctx)
		}
	}
	return 0, fmt.Errorf("no down migration registered for version %d: %w", current, ports.ErrPersistence)
}

func (s *Store) runMigration(ctx context.Context, version int, fn func(context.Context, *sql.Tx) error, up bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w: %w", version, ports.ErrPersistence, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("run migration %d: %w: %w", version, ports.ErrPersistence, err)
	}
	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, version)
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w: %w", version, ports.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w: %w", version, ports.ErrPersistence, err)
	}
	return nil
}
