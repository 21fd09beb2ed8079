package store

import (
	"context"
	"sync"

	"github.com/lotbook/ledger-engine/internal/model"
	"github.com/lotbook/ledger-engine/internal/position"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]position.Record
	summaries   map[string]position.Snapshot
	orders      []model.Order
	trades      []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]position.Record),
		summaries:   make(map[string]position.Snapshot),
	}
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, rec position.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[rec.OrderBookID] = rec
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, orderBookID string) (position.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.checkpoints[orderBookID]
	if !ok {
		return position.Record{}, ErrNoCheckpoint
	}
	return rec, nil
}

func (s *MemoryStore) SaveSessionSummary(_ context.Context, orderBookID string, snap position.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[orderBookID] = snap
	return nil
}

func (s *MemoryStore) LoadSessionSummary(_ context.Context, orderBookID string) (position.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.summaries[orderBookID]
	if !ok {
		return position.Snapshot{}, ErrNoSessionSummary
	}
	return snap, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for id := range s.checkpoints {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range s.summaries {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) ListWorkingOrders(_ context.Context, orderBookID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.OrderBookID == orderBookID && o.Status == model.OrderStatusActive {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, orderBookID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.OrderBookID == orderBookID {
			result = append(result, t)
		}
	}
	return result, nil
}
