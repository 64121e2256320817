package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"trailbot/internal/domain"
	"trailbot/internal/ports"
)

// Store implements ports.Store (position and order repositories plus the
// transactor) on SQLite. Entities are serialized to JSON in the value
// column; decimals round-trip as strings, so Money is preserved exactly.
// The store is the single writer for durable state in the process.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewStore opens (or creates) the store file, applies pending schema
// migrations and returns a ready Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trailbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w: %w", filepath.Dir(dbPath), ports.ErrPersistence, err)
	}

	// WAL mode for concurrent readers; a single connection serializes writes.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w: %w", dbPath, ports.ErrPersistence, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %q: %w: %w", dbPath, ports.ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: cfg.Logger}
	applied, err := s.applyMigrations(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		cfg.Logger.Info(context.Background(), "Schema migrations applied", map[string]interface{}{"versions": applied})
	}
	cfg.Logger.Info(context.Background(), "SQLite store ready", map[string]interface{}{"path": dbPath})
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Transactor ---

type txKey struct{}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTransaction runs fn with all repository writes inside one SQLite
// transaction. Nested calls join the enclosing transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w: %w", ports.ErrPersistence, err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error(ctx, rbErr, "Transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w: %w", ports.ErrPersistence, err)
	}
	return nil
}

// --- PositionRepository ---

// SavePosition upserts a position by its ID.
func (s *Store) SavePosition(ctx context.Context, pos *domain.Position) error {
	value, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w: %w", pos.ID, ports.ErrPersistence, err)
	}
	const query = `
	INSERT INTO positions (position_id, entry_client_order_id, value, status, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(position_id) DO UPDATE SET
		entry_client_order_id = excluded.entry_client_order_id,
		value = excluded.value,
		status = excluded.status,
		updated_at = excluded.updated_at`
	_, err = s.conn(ctx).ExecContext(ctx, query,
		pos.ID, pos.EntryClientOrderID, string(value), string(pos.Status), pos.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save position %s: %w: %w", pos.ID, ports.ErrPersistence, err)
	}
	s.logger.Debug(ctx, "Position saved", map[string]interface{}{"positionID": pos.ID, "status": pos.Status})
	return nil
}

// LoadPosition retrieves a position by ID. Returns nil, nil if not found.
func (s *Store) LoadPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	return s.queryPosition(ctx, `SELECT value FROM positions WHERE position_id = ?`, positionID)
}

// FindPositionByEntryClientID retrieves the position owning an entry
// client order ID. Returns nil, nil if not found.
func (s *Store) FindPositionByEntryClientID(ctx context.Context, clientOrderID string) (*domain.Position, error) {
	return s.queryPosition(ctx, `SELECT value FROM positions WHERE entry_client_order_id = ?`, clientOrderID)
}

func (s *Store) queryPosition(ctx context.Context, query, arg string) (*domain.Position, error) {
	var value string
	err := s.conn(ctx).QueryRowContext(ctx, query, arg).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position %q: %w: %w", arg, ports.ErrPersistence, err)
	}
	pos := &domain.Position{}
	if err := json.Unmarshal([]byte(value), pos); err != nil {
		return nil, fmt.Errorf("unmarshal position %q: %w: %w", arg, ports.ErrPersistence, err)
	}
	return pos, nil
}

// ListPositions returns all position IDs.
func (s *Store) ListPositions(ctx context.Context) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT position_id FROM positions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w: %w", ports.ErrPersistence, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan position id: %w: %w", ports.ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position ids: %w: %w", ports.ErrPersistence, err)
	}
	return ids, nil
}

// ListOpenPositions returns all positions in a non-terminal status.
func (s *Store) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	const query = `SELECT value FROM positions WHERE status IN (?, ?) ORDER BY updated_at DESC`
	rows, err := s.conn(ctx).QueryContext(ctx, query,
		string(domain.StatusPendingEntry), string(domain.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w: %w", ports.ErrPersistence, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan open position: %w: %w", ports.ErrPersistence, err)
		}
		pos := &domain.Position{}
		if err := json.Unmarshal([]byte(value), pos); err != nil {
			return nil, fmt.Errorf("unmarshal open position: %w: %w", ports.ErrPersistence, err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open positions: %w: %w", ports.ErrPersistence, err)
	}
	return positions, nil
}

// --- OrderRepository ---

// SaveOrder upserts an order keyed by client order ID, preserving the
// original created_at across updates.
func (s *Store) SaveOrder(ctx context.Context, order *domain.Order) error {
	value, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w: %w", order.ClientOrderID, ports.ErrPersistence, err)
	}
	const query = `
	INSERT INTO orders (client_order_id, order_id, position_id, value, state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		order_id = excluded.order_id,
		position_id = excluded.position_id,
		value = excluded.value,
		state = excluded.state,
		updated_at = excluded.updated_at`
	_, err = s.conn(ctx).ExecContext(ctx, query,
		order.ClientOrderID, order.OrderID, order.PositionID, string(value),
		string(order.State), order.CreatedAt.Unix(), order.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save order %s: %w: %w", order.ClientOrderID, ports.ErrPersistence, err)
	}
	s.logger.Debug(ctx, "Order saved", map[string]interface{}{
		"clientOrderID": order.ClientOrderID, "orderID": order.OrderID, "state": order.State,
	})
	return nil
}

// LoadOrder retrieves an order by venue order ID. Returns nil, nil if not found.
func (s *Store) LoadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.queryOrder(ctx, `SELECT value FROM orders WHERE order_id = ?`, orderID)
}

// LoadOrderByClientID retrieves an order by client order ID. Returns nil, nil if not found.
func (s *Store) LoadOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	return s.queryOrder(ctx, `SELECT value FROM orders WHERE client_order_id = ?`, clientOrderID)
}

func (s *Store) queryOrder(ctx context.Context, query, arg string) (*domain.Order, error) {
	var value string
	err := s.conn(ctx).QueryRowContext(ctx, query, arg).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order %q: %w: %w", arg, ports.ErrPersistence, err)
	}
	order := &domain.Order{}
	if err := json.Unmarshal([]byte(value), order); err != nil {
		return nil, fmt.Errorf("unmarshal order %q: %w: %w", arg, ports.ErrPersistence, err)
	}
	return order, nil
}

// ListOrders returns all orders belonging to a position, oldest first.
func (s *Store) ListOrders(ctx context.Context, positionID string) ([]*domain.Order, error) {
	const query = `SELECT value FROM orders WHERE position_id = ? ORDER BY created_at ASC`
	return s.queryOrders(ctx, query, positionID)
}

// ListOpenOrders returns all orders in a non-terminal state.
func (s *Store) ListOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	const query = `SELECT value FROM orders WHERE state IN (?, ?, ?) ORDER BY created_at ASC`
	return s.queryOrders(ctx, query,
		string(domain.OrderPendingSubmit), string(domain.OrderOpen), string(domain.OrderPartiallyFilled))
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w: %w", ports.ErrPersistence, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan order: %w: %w", ports.ErrPersistence, err)
		}
		order := &domain.Order{}
		if err := json.Unmarshal([]byte(value), order); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w: %w", ports.ErrPersistence, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w: %w", ports.ErrPersistence, err)
	}
	return orders, nil
}
