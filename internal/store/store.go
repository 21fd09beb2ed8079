// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/lotbook/ledger-engine/internal/model"
	"github.com/lotbook/ledger-engine/internal/position"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists for an
	// instrument; callers fall back to recovery from orders and trades.
	ErrNoCheckpoint = errors.New("store: no checkpoint for instrument")

	// ErrNoSessionSummary is returned when no prior-session summary exists.
	ErrNoSessionSummary = errors.New("store: no session summary for instrument")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Checkpoints (codec records) ---

	// SaveCheckpoint persists a ledger checkpoint under its order book id.
	SaveCheckpoint(ctx context.Context, rec position.Record) error

	// LoadCheckpoint returns the checkpoint for an instrument, or
	// ErrNoCheckpoint.
	LoadCheckpoint(ctx context.Context, orderBookID string) (position.Record, error)

	// --- Prior-session summaries (recovery snapshots) ---

	// SaveSessionSummary persists the aggregate snapshot written at session
	// end.
	SaveSessionSummary(ctx context.Context, orderBookID string, snap position.Snapshot) error

	// LoadSessionSummary returns the prior-session snapshot, or
	// ErrNoSessionSummary.
	LoadSessionSummary(ctx context.Context, orderBookID string) (position.Snapshot, error)

	// ListInstruments returns every order book id with a checkpoint or a
	// session summary, for whole-account recovery.
	ListInstruments(ctx context.Context) ([]string, error)

	// --- Order book ---

	// InsertOrder persists an order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// ListWorkingOrders returns the still-active orders for an instrument.
	ListWorkingOrders(ctx context.Context, orderBookID string) ([]model.Order, error)

	// --- Trade tape ---

	// InsertTrade appends an immutable fill to the tape.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns the full trade history for an instrument.
	ListTrades(ctx context.Context, orderBookID string) ([]model.Trade, error)
}
