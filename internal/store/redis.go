package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lotbook/ledger-engine/internal/model"
	"github.com/lotbook/ledger-engine/internal/position"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for checkpoints and the trade tape. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, update or invalidate cache) ---

func (s *CachedStore) SaveCheckpoint(ctx context.Context, rec position.Record) error {
	if err := s.primary.SaveCheckpoint(ctx, rec); err != nil {
		return err
	}
	s.cacheCheckpoint(ctx, rec)
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	// Invalidate the tape; next read re-populates.
	s.rdb.Del(ctx, tapeKey(t.OrderBookID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadCheckpoint(ctx context.Context, orderBookID string) (position.Record, error) {
	data, err := s.rdb.Get(ctx, checkpointKey(orderBookID)).Bytes()
	if err == nil {
		if rec, decodeErr := position.DecodeRecord(data); decodeErr == nil {
			return rec, nil
		}
	}

	rec, err := s.primary.LoadCheckpoint(ctx, orderBookID)
	if err != nil {
		return position.Record{}, err
	}
	s.cacheCheckpoint(ctx, rec)
	return rec, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, orderBookID string) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tapeKey(orderBookID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTrades(ctx, orderBookID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tapeKey(orderBookID), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) SaveSessionSummary(ctx context.Context, orderBookID string, snap position.Snapshot) error {
	return s.primary.SaveSessionSummary(ctx, orderBookID, snap)
}

func (s *CachedStore) LoadSessionSummary(ctx context.Context, orderBookID string) (position.Snapshot, error) {
	return s.primary.LoadSessionSummary(ctx, orderBookID)
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]string, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) ListWorkingOrders(ctx context.Context, orderBookID string) ([]model.Order, error) {
	return s.primary.ListWorkingOrders(ctx, orderBookID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCheckpoint(ctx context.Context, rec position.Record) {
	if data, err := position.EncodeRecord(rec); err == nil {
		s.rdb.Set(ctx, checkpointKey(rec.OrderBookID), data, s.ttl)
	}
}

func checkpointKey(id string) string { return fmt.Sprintf("checkpoint:%s", id) }
func tapeKey(id string) string       { return fmt.Sprintf("tape:%s", id) }
