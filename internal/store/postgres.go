package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lotbook/ledger-engine/internal/model"
	"github.com/lotbook/ledger-engine/internal/position"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary columns are NUMERIC for exact decimal precision; checkpoint
// records and session summaries are stored in their canonical JSON form.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, rec position.Record) error {
	data, err := position.EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", rec.OrderBookID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO position_checkpoints (order_book_id, record, updated_at)
		 VALUES ($1, $2::JSONB, NOW())
		 ON CONFLICT (order_book_id) DO UPDATE SET record = $2::JSONB, updated_at = NOW()`,
		rec.OrderBookID, data,
	)
	return err
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, orderBookID string) (position.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM position_checkpoints WHERE order_book_id = $1`, orderBookID).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return position.Record{}, ErrNoCheckpoint
	}
	if err != nil {
		return position.Record{}, fmt.Errorf("load checkpoint %s: %w", orderBookID, err)
	}
	return position.DecodeRecord(data)
}

func (s *PostgresStore) SaveSessionSummary(ctx context.Context, orderBookID string, snap position.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", orderBookID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_summaries (order_book_id, snapshot, updated_at)
		 VALUES ($1, $2::JSONB, NOW())
		 ON CONFLICT (order_book_id) DO UPDATE SET snapshot = $2::JSONB, updated_at = NOW()`,
		orderBookID, data,
	)
	return err
}

func (s *PostgresStore) LoadSessionSummary(ctx context.Context, orderBookID string) (position.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM session_summaries WHERE order_book_id = $1`, orderBookID).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return position.Snapshot{}, ErrNoSessionSummary
	}
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("load summary %s: %w", orderBookID, err)
	}
	var snap position.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return position.Snapshot{}, fmt.Errorf("decode summary %s: %w", orderBookID, err)
	}
	return snap, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_book_id FROM position_checkpoints
		 UNION
		 SELECT order_book_id FROM session_summaries
		 ORDER BY order_book_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, order_book_id, side, position_effect, price, quantity, unfilled_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		o.ID, o.OrderBookID, string(o.Side), string(o.PositionEffect),
		o.Price.String(), o.Quantity.String(), o.UnfilledQuantity.String(),
		o.Status, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListWorkingOrders(ctx context.Context, orderBookID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_book_id, side, position_effect,
		        price::TEXT, quantity::TEXT, unfilled_quantity::TEXT,
		        status, created_at
		 FROM orders WHERE order_book_id = $1 AND status = $2
		 ORDER BY created_at`, orderBookID, model.OrderStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, effect, price, qty, unfilled string
		if err := rows.Scan(&o.ID, &o.OrderBookID, &side, &effect,
			&price, &qty, &unfilled, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.PositionEffect = model.PositionEffect(effect)
		o.Price, _ = decimal.NewFromString(price)
		o.Quantity, _ = decimal.NewFromString(qty)
		o.UnfilledQuantity, _ = decimal.NewFromString(unfilled)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, order_id, order_book_id, side, position_effect, last_price, last_quantity, transaction_cost, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.OrderID, t.OrderBookID, string(t.Side), string(t.PositionEffect),
		t.LastPrice.String(), t.LastQuantity.String(), t.TransactionCost.String(),
		t.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context, orderBookID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, order_book_id, side, position_effect,
		        last_price::TEXT, last_quantity::TEXT, transaction_cost::TEXT,
		        executed_at
		 FROM trades WHERE order_book_id = $1
		 ORDER BY executed_at`, orderBookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, effect, price, qty, cost string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.OrderBookID, &side, &effect,
			&price, &qty, &cost, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.PositionEffect = model.PositionEffect(effect)
		t.LastPrice, _ = decimal.NewFromString(price)
		t.LastQuantity, _ = decimal.NewFromString(qty)
		t.TransactionCost, _ = decimal.NewFromString(cost)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
