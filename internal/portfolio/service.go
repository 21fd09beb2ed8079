// Package portfolio provides the HTTP handlers and fill-application logic
// around the position ledgers: ingesting orders and fills, checkpointing,
// and recovering ledgers after a restart.
//
// All monetary values use shopspring/decimal — never float64 for money.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/lotbook/ledger-engine/internal/instrument"
	"github.com/lotbook/ledger-engine/internal/margin"
	"github.com/lotbook/ledger-engine/internal/metrics"
	"github.com/lotbook/ledger-engine/internal/model"
	"github.com/lotbook/ledger-engine/internal/position"
	"github.com/lotbook/ledger-engine/internal/store"
)

// recoveryConcurrency bounds parallel per-instrument recovery. Every
// instrument's ledger and trade subset are independent; only the result
// aggregation is shared.
const recoveryConcurrency = 4

// Service owns the live ledgers for one account. A mutex serializes all
// mutation, matching the single-writer contract of the ledger core.
type Service struct {
	store       store.Store
	instruments instrument.Source
	margin      margin.Decider
	wsHub       *WSHub // optional WebSocket hub for real-time broadcasts

	mu      sync.Mutex
	ledgers map[string]*position.Ledger
}

// NewService creates a new portfolio service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, src instrument.Source, dec margin.Decider, hub *WSHub) *Service {
	return &Service{
		store:       st,
		instruments: src,
		margin:      dec,
		wsHub:       hub,
		ledgers:     make(map[string]*position.Ledger),
	}
}

// --- Request/Response types ---

// CreatePositionRequest is the JSON body for position creation.
type CreatePositionRequest struct {
	OrderBookID string `json:"order_book_id"`
}

// OrderRequest is the JSON body for POST /orders: a working order whose
// unfilled quantity reserves pending exposure on the ledger.
type OrderRequest struct {
	OrderBookID    string               `json:"order_book_id"`
	Side           model.Side           `json:"side"`
	PositionEffect model.PositionEffect `json:"position_effect"`
	Price          decimal.Decimal      `json:"price"`
	Quantity       decimal.Decimal      `json:"quantity"`
}

// FillRequest is the JSON body for POST /fills: an executed fill produced by
// the external matching engine.
type FillRequest struct {
	OrderBookID     string               `json:"order_book_id"`
	OrderID         string               `json:"order_id,omitempty"`
	Side            model.Side           `json:"side"`
	PositionEffect  model.PositionEffect `json:"position_effect"`
	Price           decimal.Decimal      `json:"price"`
	Quantity        decimal.Decimal      `json:"quantity"`
	TransactionCost decimal.Decimal      `json:"transaction_cost"`
}

// PositionView is the derived-metric contract read by downstream consumers.
type PositionView struct {
	OrderBookID string `json:"order_book_id"`

	LastPrice decimal.Decimal `json:"last_price"`

	BuyQuantity       decimal.Decimal `json:"buy_quantity"`
	SellQuantity      decimal.Decimal `json:"sell_quantity"`
	BuyTodayQuantity  decimal.Decimal `json:"buy_today_quantity"`
	SellTodayQuantity decimal.Decimal `json:"sell_today_quantity"`
	BuyOldQuantity    decimal.Decimal `json:"buy_old_quantity"`
	SellOldQuantity   decimal.Decimal `json:"sell_old_quantity"`

	BuyClosableQuantity  decimal.Decimal `json:"buy_closable_quantity"`
	SellClosableQuantity decimal.Decimal `json:"sell_closable_quantity"`

	BuyAvgHoldingPrice  decimal.Decimal `json:"buy_avg_holding_price"`
	SellAvgHoldingPrice decimal.Decimal `json:"sell_avg_holding_price"`
	BuyAvgOpenPrice     decimal.Decimal `json:"buy_avg_open_price"`
	SellAvgOpenPrice    decimal.Decimal `json:"sell_avg_open_price"`

	BuyHoldingCost  decimal.Decimal `json:"buy_holding_cost"`
	SellHoldingCost decimal.Decimal `json:"sell_holding_cost"`

	BuyPnL           decimal.Decimal `json:"buy_pnl"`
	SellPnL          decimal.Decimal `json:"sell_pnl"`
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	DailyHoldingPnL  decimal.Decimal `json:"daily_holding_pnl"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`

	BuyMargin  decimal.Decimal `json:"buy_margin"`
	SellMargin decimal.Decimal `json:"sell_margin"`
	Margin     decimal.Decimal `json:"margin"`

	TransactionCost decimal.Decimal `json:"transaction_cost"`
}

func (s *Service) viewOf(l *position.Ledger) PositionView {
	return PositionView{
		OrderBookID: l.OrderBookID(),
		LastPrice:   l.LastPrice(),

		BuyQuantity:       l.Quantity(model.SideBuy),
		SellQuantity:      l.Quantity(model.SideSell),
		BuyTodayQuantity:  l.TodayHoldingQuantity(model.SideBuy),
		SellTodayQuantity: l.TodayHoldingQuantity(model.SideSell),
		BuyOldQuantity:    l.OldHoldingQuantity(model.SideBuy),
		SellOldQuantity:   l.OldHoldingQuantity(model.SideSell),

		BuyClosableQuantity:  l.ClosableQuantity(model.SideBuy),
		SellClosableQuantity: l.ClosableQuantity(model.SideSell),

		BuyAvgHoldingPrice:  l.AvgHoldingPrice(model.SideBuy),
		SellAvgHoldingPrice: l.AvgHoldingPrice(model.SideSell),
		BuyAvgOpenPrice:     l.AvgOpenPrice(model.SideBuy),
		SellAvgOpenPrice:    l.AvgOpenPrice(model.SideSell),

		BuyHoldingCost:  l.HoldingCost(model.SideBuy),
		SellHoldingCost: l.HoldingCost(model.SideSell),

		BuyPnL:           l.PnL(model.SideBuy),
		SellPnL:          l.PnL(model.SideSell),
		DailyRealizedPnL: l.DailyRealizedPnL(),
		DailyHoldingPnL:  l.DailyHoldingPnL(),
		DailyPnL:         l.DailyPnL(),

		BuyMargin:  l.SideMargin(s.margin, model.SideBuy),
		SellMargin: l.SideMargin(s.margin, model.SideSell),
		Margin:     l.Margin(s.margin),

		TransactionCost: l.TransactionCost(),
	}
}

// ledger returns the live ledger for an instrument, creating an empty one on
// first use. Caller holds s.mu.
func (s *Service) ledger(orderBookID string) *position.Ledger {
	l, ok := s.ledgers[orderBookID]
	if !ok {
		l = position.New(orderBookID, s.instruments)
		s.ledgers[orderBookID] = l
		metrics.ActivePositions.Set(float64(len(s.ledgers)))
	}
	return l
}

// --- HTTP Handlers ---

// CreatePosition handles POST /api/v1/positions
func (s *Service) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, _, err := instrument.ParseOrderBookID(req.OrderBookID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, exists := s.ledgers[req.OrderBookID]; exists {
		s.mu.Unlock()
		writeError(w, "position already exists", http.StatusConflict)
		return
	}
	l := s.ledger(req.OrderBookID)
	view := s.viewOf(l)
	s.mu.Unlock()

	slog.Info("position created", "order_book_id", req.OrderBookID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(view)
}

// GetPosition handles GET /api/v1/positions/{orderBookID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	orderBookID := chi.URLParam(r, "orderBookID")

	s.mu.Lock()
	l, ok := s.ledgers[orderBookID]
	var view PositionView
	if ok {
		view = s.viewOf(l)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	views := make([]PositionView, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		views = append(views, s.viewOf(l))
	}
	s.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].OrderBookID < views[j].OrderBookID })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// PlaceOrder handles POST /api/v1/orders
// Registers a working order: persists it and reserves pending exposure on
// the ledger.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() || !req.PositionEffect.Valid() {
		writeError(w, "side must be BUY or SELL and position_effect OPEN or CLOSE", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	order := &model.Order{
		ID:               uuid.New().String(),
		OrderBookID:      req.OrderBookID,
		Side:             req.Side,
		PositionEffect:   req.PositionEffect,
		Price:            req.Price,
		Quantity:         req.Quantity,
		UnfilledQuantity: req.Quantity,
		Status:           model.OrderStatusActive,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.InsertOrder(r.Context(), order); err != nil {
		writeError(w, "failed to persist order", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	l := s.ledger(req.OrderBookID)
	if req.PositionEffect == model.EffectOpen {
		l.AddOpenOrderQuantity(req.Side, req.Quantity)
	} else {
		l.AddCloseOrderQuantity(req.Side, req.Quantity)
	}
	s.mu.Unlock()

	slog.Info("order placed",
		"order_id", order.ID,
		"order_book_id", req.OrderBookID,
		"side", req.Side,
		"effect", req.PositionEffect,
		"qty", req.Quantity.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// ApplyFill handles POST /api/v1/fills
// The external fill-application path: records the fill on the trade tape and
// mutates the ledger field by field.
func (s *Service) ApplyFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() || !req.PositionEffect.Valid() {
		writeError(w, "side must be BUY or SELL and position_effect OPEN or CLOSE", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	trade := &model.Trade{
		ID:              uuid.New().String(),
		OrderID:         req.OrderID,
		OrderBookID:     req.OrderBookID,
		Side:            req.Side,
		PositionEffect:  req.PositionEffect,
		LastPrice:       req.Price,
		LastQuantity:    req.Quantity,
		TransactionCost: req.TransactionCost,
		ExecutedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertTrade(r.Context(), trade); err != nil {
		writeError(w, "failed to record fill", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	l := s.ledger(req.OrderBookID)
	s.applyFill(l, req)
	view := s.viewOf(l)
	s.mu.Unlock()

	metrics.FillsTotal.WithLabelValues(string(req.Side), string(req.PositionEffect)).Inc()

	slog.Info("fill applied",
		"trade_id", trade.ID,
		"order_book_id", req.OrderBookID,
		"side", req.Side,
		"effect", req.PositionEffect,
		"price", req.Price.String(),
		"qty", req.Quantity.String(),
	)

	s.broadcast("fill_applied", view)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// applyFill mutates the ledger for one executed fill. Caller holds s.mu.
func (s *Service) applyFill(l *position.Ledger, f FillRequest) {
	mult, _ := l.ContractMultiplier()

	if f.PositionEffect == model.EffectOpen {
		// Lifetime avg open price is maintained incrementally on fills.
		held := l.Quantity(f.Side)
		total := held.Add(f.Quantity)
		if total.IsPositive() {
			avg := l.AvgOpenPrice(f.Side).Mul(held).
				Add(f.Price.Mul(f.Quantity)).
				Div(total)
			l.SetAvgOpenPrice(f.Side, avg)
		}
		l.AppendTodayLot(f.Side, f.Price, f.Quantity)
		if f.OrderID != "" {
			l.AddOpenOrderQuantity(f.Side, f.Quantity.Neg())
		}
	} else {
		// A close fill consumes the opposite side's holding, old lots
		// first; realized PnL accrues to the side being closed.
		holding := f.Side.Opposite()
		basis := l.ConsumeHolding(holding, f.Quantity)
		proceeds := f.Price.Mul(f.Quantity)
		realized := proceeds.Sub(basis).Mul(mult)
		if holding == model.SideSell {
			realized = basis.Sub(proceeds).Mul(mult)
		}
		l.AddRealizedPnL(holding, realized)
		if f.OrderID != "" {
			l.AddCloseOrderQuantity(f.Side, f.Quantity.Neg())
		}
	}

	l.AddTransactionCost(f.Side, f.TransactionCost)
	l.SetLastPrice(f.Price)

	net := l.Quantity(model.SideBuy).Sub(l.Quantity(model.SideSell))
	l.SetMarketValue(f.Price.Mul(net).Mul(mult))
}

// SaveCheckpoint handles POST /api/v1/positions/{orderBookID}/checkpoint
func (s *Service) SaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	orderBookID := chi.URLParam(r, "orderBookID")

	s.mu.Lock()
	l, ok := s.ledgers[orderBookID]
	var rec position.Record
	if ok {
		rec = l.ToRecord()
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err := s.store.SaveCheckpoint(r.Context(), rec); err != nil {
		writeError(w, "failed to save checkpoint", http.StatusInternalServerError)
		return
	}
	metrics.CheckpointSavesTotal.Inc()
	slog.Info("checkpoint saved", "order_book_id", orderBookID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "saved", "order_book_id": orderBookID})
}

// SaveSessionSummary handles POST /api/v1/positions/{orderBookID}/summary
// Writes the aggregate prior-session snapshot used by replay recovery.
func (s *Service) SaveSessionSummary(w http.ResponseWriter, r *http.Request) {
	orderBookID := chi.URLParam(r, "orderBookID")

	s.mu.Lock()
	l, ok := s.ledgers[orderBookID]
	var snap position.Snapshot
	if ok {
		snap = summaryOf(l)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err := s.store.SaveSessionSummary(r.Context(), orderBookID, snap); err != nil {
		writeError(w, "failed to save session summary", http.StatusInternalServerError)
		return
	}
	slog.Info("session summary saved", "order_book_id", orderBookID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// summaryOf collapses a ledger to its aggregate snapshot form.
func summaryOf(l *position.Ledger) position.Snapshot {
	dp := func(v decimal.Decimal) *decimal.Decimal { return &v }
	return position.Snapshot{
		PrevSettlePrice:      dp(l.PrevSettlePrice()),
		BuyQuantity:          dp(l.Quantity(model.SideBuy)),
		SellQuantity:         dp(l.Quantity(model.SideSell)),
		BuyTodayQuantity:     dp(l.TodayHoldingQuantity(model.SideBuy)),
		SellTodayQuantity:    dp(l.TodayHoldingQuantity(model.SideSell)),
		BuyTransactionCost:   dp(l.SideTransactionCost(model.SideBuy)),
		SellTransactionCost:  dp(l.SideTransactionCost(model.SideSell)),
		BuyDailyRealizedPnL:  dp(l.SideDailyRealizedPnL(model.SideBuy)),
		SellDailyRealizedPnL: dp(l.SideDailyRealizedPnL(model.SideSell)),
		BuyAvgOpenPrice:      dp(l.AvgOpenPrice(model.SideBuy)),
		SellAvgOpenPrice:     dp(l.AvgOpenPrice(model.SideSell)),
	}
}

// Recover handles POST /api/v1/positions/{orderBookID}/recover
// Restores the ledger from its checkpoint when one exists, otherwise rebuilds
// it from the session summary, working orders, and trade tape.
func (s *Service) Recover(w http.ResponseWriter, r *http.Request) {
	orderBookID := chi.URLParam(r, "orderBookID")

	l, source, err := s.recoverOne(r.Context(), orderBookID)
	if err != nil {
		if errors.Is(err, store.ErrNoSessionSummary) {
			writeError(w, "no checkpoint or session summary for "+orderBookID, http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.ledgers[orderBookID] = l
	metrics.ActivePositions.Set(float64(len(s.ledgers)))
	view := s.viewOf(l)
	s.mu.Unlock()

	slog.Info("position recovered", "order_book_id", orderBookID, "source", source)
	s.broadcast("position_recovered", view)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// RecoverAllResponse is the JSON body returned from POST /api/v1/recover.
type RecoverAllResponse struct {
	Recovered []PositionView    `json:"recovered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RecoverAll handles POST /api/v1/recover
// Rebuilds every instrument known to the store. Instruments recover in
// parallel; failures are reported per instrument rather than aborting the
// rest.
func (s *Service) RecoverAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}

	type result struct {
		id     string
		ledger *position.Ledger
		source string
		err    error
	}

	results := make([]result, len(ids))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(recoveryConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			l, source, err := s.recoverOne(ctx, id)
			results[i] = result{id: id, ledger: l, source: source, err: err}
			return nil // per-instrument failures are aggregated, not fatal
		})
	}
	g.Wait()

	resp := RecoverAllResponse{Failed: make(map[string]string)}
	s.mu.Lock()
	for _, res := range results {
		if res.err != nil {
			resp.Failed[res.id] = res.err.Error()
			continue
		}
		s.ledgers[res.id] = res.ledger
		resp.Recovered = append(resp.Recovered, s.viewOf(res.ledger))
	}
	metrics.ActivePositions.Set(float64(len(s.ledgers)))
	s.mu.Unlock()

	if len(resp.Failed) == 0 {
		resp.Failed = nil
	}
	sort.Slice(resp.Recovered, func(i, j int) bool {
		return resp.Recovered[i].OrderBookID < resp.Recovered[j].OrderBookID
	})

	slog.Info("account recovery finished",
		"recovered", len(resp.Recovered),
		"failed", len(resp.Failed),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// recoverOne rebuilds a single ledger: checkpoint first, replay fallback.
func (s *Service) recoverOne(ctx context.Context, orderBookID string) (*position.Ledger, string, error) {
	rec, err := s.store.LoadCheckpoint(ctx, orderBookID)
	if err == nil {
		metrics.RecoveriesTotal.WithLabelValues("checkpoint").Inc()
		return position.FromRecord(rec), "checkpoint", nil
	}
	if !errors.Is(err, store.ErrNoCheckpoint) {
		return nil, "", err
	}

	snap, err := s.store.LoadSessionSummary(ctx, orderBookID)
	if err != nil {
		return nil, "", err
	}
	orders, err := s.store.ListWorkingOrders(ctx, orderBookID)
	if err != nil {
		return nil, "", err
	}
	trades, err := s.store.ListTrades(ctx, orderBookID)
	if err != nil {
		return nil, "", err
	}

	l, err := position.FromRecovery(orderBookID, snap, orders, trades, s.instruments)
	if err != nil {
		return nil, "", err
	}
	rebuilt := l.ToRecord()
	metrics.RecoveriesTotal.WithLabelValues("replay").Inc()
	metrics.RecoveredLots.Observe(float64(len(rebuilt.BuyTodayHolding) + len(rebuilt.SellTodayHolding)))
	return l, "replay", nil
}

func (s *Service) broadcast(msgType string, view PositionView) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:         msgType,
		OrderBookID:  view.OrderBookID,
		LastPrice:    view.LastPrice.String(),
		BuyQuantity:  view.BuyQuantity.String(),
		SellQuantity: view.SellQuantity.String(),
		DailyPnL:     view.DailyPnL.String(),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
