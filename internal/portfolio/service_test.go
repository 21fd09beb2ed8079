package portfolio_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lotbook/ledger-engine/internal/instrument"
	"github.com/lotbook/ledger-engine/internal/margin"
	"github.com/lotbook/ledger-engine/internal/model"
	"github.com/lotbook/ledger-engine/internal/portfolio"
	"github.com/lotbook/ledger-engine/internal/position"
	"github.com/lotbook/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*portfolio.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := portfolio.NewService(ms, instrument.DefaultRegistry(), margin.NewRatioDecider(d(0.1)), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/positions", svc.CreatePosition)
	r.Get("/api/v1/positions", svc.ListPositions)
	r.Get("/api/v1/positions/{orderBookID}", svc.GetPosition)
	r.Post("/api/v1/positions/{orderBookID}/checkpoint", svc.SaveCheckpoint)
	r.Post("/api/v1/positions/{orderBookID}/summary", svc.SaveSessionSummary)
	r.Post("/api/v1/positions/{orderBookID}/recover", svc.Recover)
	r.Post("/api/v1/orders", svc.PlaceOrder)
	r.Post("/api/v1/fills", svc.ApplyFill)
	r.Post("/api/v1/recover", svc.RecoverAll)

	return svc, ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createPosition(t *testing.T, router chi.Router, orderBookID string) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/positions",
		portfolio.CreatePositionRequest{OrderBookID: orderBookID})
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to create position: %d %s", w.Code, w.Body.String())
	}
}

func applyFill(t *testing.T, router chi.Router, req portfolio.FillRequest) portfolio.PositionView {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/fills", req)
	if w.Code != http.StatusOK {
		t.Fatalf("fill failed: %d %s", w.Code, w.Body.String())
	}
	var view portfolio.PositionView
	json.Unmarshal(w.Body.Bytes(), &view)
	return view
}

// --- Position lifecycle ---

func TestCreatePosition_Valid(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/positions",
		portfolio.CreatePositionRequest{OrderBookID: "IF2609"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var view portfolio.PositionView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.OrderBookID != "IF2609" {
		t.Errorf("unexpected order_book_id: %s", view.OrderBookID)
	}
	if !view.BuyQuantity.IsZero() || !view.SellQuantity.IsZero() {
		t.Error("new position should be flat")
	}
}

func TestCreatePosition_InvalidID(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/positions",
		portfolio.CreatePositionRequest{OrderBookID: "not-a-ticker"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid order book id, got %d", w.Code)
	}
}

func TestCreatePosition_Duplicate(t *testing.T) {
	_, _, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	w := doJSON(t, router, "POST", "/api/v1/positions",
		portfolio.CreatePositionRequest{OrderBookID: "IF2609"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate position, got %d", w.Code)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/positions/IF2609", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Fill application ---

func TestApplyFill_OpenBuy(t *testing.T) {
	_, ms, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	view := applyFill(t, router, portfolio.FillRequest{
		OrderBookID:     "IF2609",
		Side:            model.SideBuy,
		PositionEffect:  model.EffectOpen,
		Price:           d(4000),
		Quantity:        d(4),
		TransactionCost: d(23),
	})

	if !view.BuyQuantity.Equal(d(4)) {
		t.Errorf("expected buy quantity 4, got %s", view.BuyQuantity)
	}
	if !view.BuyTodayQuantity.Equal(d(4)) {
		t.Errorf("expected today quantity 4, got %s", view.BuyTodayQuantity)
	}
	if !view.BuyAvgOpenPrice.Equal(d(4000)) {
		t.Errorf("expected avg open 4000, got %s", view.BuyAvgOpenPrice)
	}
	if !view.LastPrice.Equal(d(4000)) {
		t.Errorf("expected last price 4000, got %s", view.LastPrice)
	}
	if !view.TransactionCost.Equal(d(23)) {
		t.Errorf("expected transaction cost 23, got %s", view.TransactionCost)
	}
	// Margin at 10% on IF (multiplier 300): 4000*4*300*0.1.
	if !view.BuyMargin.Equal(d(480000)) {
		t.Errorf("expected buy margin 480000, got %s", view.BuyMargin)
	}

	trades, err := ms.ListTrades(context.Background(), "IF2609")
	if err != nil {
		t.Fatalf("failed to list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade on tape, got %d", len(trades))
	}
	if trades[0].ID == "" || trades[0].ExecutedAt.IsZero() {
		t.Error("trade should carry an id and execution time")
	}
}

func TestApplyFill_AvgOpenPriceWeighted(t *testing.T) {
	_, _, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(2),
	})
	view := applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4100), Quantity: d(2),
	})

	if !view.BuyAvgOpenPrice.Equal(d(4050)) {
		t.Errorf("expected weighted avg open 4050, got %s", view.BuyAvgOpenPrice)
	}
}

func TestApplyFill_CloseRealizesPnL(t *testing.T) {
	_, _, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(4),
	})
	// Sell-close consumes the buy holding; profit accrues to the buy side.
	view := applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideSell, PositionEffect: model.EffectClose,
		Price: d(4010), Quantity: d(2),
	})

	if !view.BuyQuantity.Equal(d(2)) {
		t.Errorf("expected buy quantity 2 after close, got %s", view.BuyQuantity)
	}
	// (4010-4000) * 2 * 300 = 6000.
	if !view.DailyRealizedPnL.Equal(d(6000)) {
		t.Errorf("expected realized pnl 6000, got %s", view.DailyRealizedPnL)
	}
	if !view.SellQuantity.IsZero() {
		t.Errorf("close must not create a sell holding, got %s", view.SellQuantity)
	}
}

func TestApplyFill_ShortCloseRealizesPnL(t *testing.T) {
	_, _, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideSell, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(3),
	})
	// Buy-close on a short: profit when price fell.
	view := applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectClose,
		Price: d(3990), Quantity: d(3),
	})

	if !view.SellQuantity.IsZero() {
		t.Errorf("expected flat short, got %s", view.SellQuantity)
	}
	// (4000-3990) * 3 * 300 = 9000.
	if !view.DailyRealizedPnL.Equal(d(9000)) {
		t.Errorf("expected realized pnl 9000, got %s", view.DailyRealizedPnL)
	}
}

func TestApplyFill_InvalidSide(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/fills", map[string]any{
		"order_book_id": "IF2609", "side": "HOLD", "position_effect": "OPEN",
		"price": "4000", "quantity": "1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid side, got %d", w.Code)
	}
}

func TestApplyFill_ZeroQuantity(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/fills", portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: decimal.Zero,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero quantity, got %d", w.Code)
	}
}

// --- Working orders and pending exposure ---

func TestPlaceOrder_ReservesClosable(t *testing.T) {
	_, ms, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(10),
	})

	// A working sell-close order reserves buy-side closable quantity.
	w := doJSON(t, router, "POST", "/api/v1/orders", portfolio.OrderRequest{
		OrderBookID:    "IF2609",
		Side:           model.SideSell,
		PositionEffect: model.EffectClose,
		Price:          d(4050),
		Quantity:       d(4),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.ID == "" {
		t.Error("expected non-empty order id")
	}
	if order.Status != model.OrderStatusActive {
		t.Errorf("expected active order, got %s", order.Status)
	}

	get := doJSON(t, router, "GET", "/api/v1/positions/IF2609", nil)
	var view portfolio.PositionView
	json.Unmarshal(get.Body.Bytes(), &view)
	if !view.BuyClosableQuantity.Equal(d(6)) {
		t.Errorf("expected buy closable 6, got %s", view.BuyClosableQuantity)
	}

	orders, err := ms.ListWorkingOrders(context.Background(), "IF2609")
	if err != nil {
		t.Fatalf("failed to list working orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 working order, got %d", len(orders))
	}
}

func TestApplyFill_ReleasesOrderReservation(t *testing.T) {
	_, _, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(10),
	})
	w := doJSON(t, router, "POST", "/api/v1/orders", portfolio.OrderRequest{
		OrderBookID: "IF2609", Side: model.SideSell, PositionEffect: model.EffectClose,
		Price: d(4050), Quantity: d(4),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	// The fill references the order, so the close reservation is released.
	view := applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", OrderID: order.ID,
		Side: model.SideSell, PositionEffect: model.EffectClose,
		Price: d(4050), Quantity: d(4),
	})

	if !view.BuyQuantity.Equal(d(6)) {
		t.Errorf("expected buy quantity 6, got %s", view.BuyQuantity)
	}
	if !view.BuyClosableQuantity.Equal(d(6)) {
		t.Errorf("expected buy closable 6 after release, got %s", view.BuyClosableQuantity)
	}
}

// --- Checkpoint and recovery ---

func TestRecover_FromCheckpoint(t *testing.T) {
	_, ms, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(4), TransactionCost: d(23),
	})
	before := applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideSell, PositionEffect: model.EffectClose,
		Price: d(4010), Quantity: d(1),
	})

	w := doJSON(t, router, "POST", "/api/v1/positions/IF2609/checkpoint", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("checkpoint save failed: %d %s", w.Code, w.Body.String())
	}

	// A fresh service over the same store restores the ledger verbatim.
	svc2 := portfolio.NewService(ms, instrument.DefaultRegistry(), margin.NewRatioDecider(d(0.1)), nil)
	r2 := chi.NewRouter()
	r2.Post("/api/v1/positions/{orderBookID}/recover", svc2.Recover)
	w = doJSON(t, r2, "POST", "/api/v1/positions/IF2609/recover", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recover failed: %d %s", w.Code, w.Body.String())
	}

	var after portfolio.PositionView
	json.Unmarshal(w.Body.Bytes(), &after)

	if !after.BuyQuantity.Equal(before.BuyQuantity) {
		t.Errorf("buy quantity mismatch: before=%s after=%s", before.BuyQuantity, after.BuyQuantity)
	}
	if !after.DailyRealizedPnL.Equal(before.DailyRealizedPnL) {
		t.Errorf("realized pnl mismatch: before=%s after=%s", before.DailyRealizedPnL, after.DailyRealizedPnL)
	}
	if !after.TransactionCost.Equal(before.TransactionCost) {
		t.Errorf("transaction cost mismatch: before=%s after=%s", before.TransactionCost, after.TransactionCost)
	}
	if !after.LastPrice.Equal(before.LastPrice) {
		t.Errorf("last price mismatch: before=%s after=%s", before.LastPrice, after.LastPrice)
	}
}

func TestRecover_ReplayFallback(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()

	// No checkpoint: only a session summary and the trade tape.
	summary := position.Snapshot{
		PrevSettlePrice:  dp(4000),
		BuyQuantity:      dp(5),
		BuyTodayQuantity: dp(2),
	}
	if err := ms.SaveSessionSummary(ctx, "IF2609", summary); err != nil {
		t.Fatalf("failed to seed summary: %v", err)
	}
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	trades := []*model.Trade{
		{ID: "t1", OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
			LastPrice: d(3990), LastQuantity: d(3), ExecutedAt: base},
		{ID: "t2", OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
			LastPrice: d(4010), LastQuantity: d(2), ExecutedAt: base.Add(time.Hour)},
	}
	for _, tr := range trades {
		if err := ms.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("failed to seed trade: %v", err)
		}
	}

	w := doJSON(t, router, "POST", "/api/v1/positions/IF2609/recover", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recover failed: %d %s", w.Code, w.Body.String())
	}

	var view portfolio.PositionView
	json.Unmarshal(w.Body.Bytes(), &view)

	if !view.BuyQuantity.Equal(d(5)) {
		t.Errorf("expected buy quantity 5, got %s", view.BuyQuantity)
	}
	if !view.BuyTodayQuantity.Equal(d(2)) {
		t.Errorf("expected today quantity 2, got %s", view.BuyTodayQuantity)
	}
	if !view.BuyOldQuantity.Equal(d(3)) {
		t.Errorf("expected old quantity 3, got %s", view.BuyOldQuantity)
	}
	// Old holding is carried at the prior settlement price: 3*4000*300.
	if !view.BuyHoldingCost.Sub(view.BuyTodayQuantity.Mul(d(4010)).Mul(d(300))).Equal(d(3600000)) {
		t.Errorf("unexpected holding cost split: %s", view.BuyHoldingCost)
	}
}

func TestRecover_NothingToRecover(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/positions/IF2609/recover", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 when nothing persisted, got %d", w.Code)
	}
}

func TestRecoverAll(t *testing.T) {
	_, ms, router := newTestEnv(t)
	createPosition(t, router, "IF2609")
	createPosition(t, router, "CU2610")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(4),
	})
	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "CU2610", Side: model.SideSell, PositionEffect: model.EffectOpen,
		Price: d(70000), Quantity: d(2),
	})
	for _, id := range []string{"IF2609", "CU2610"} {
		w := doJSON(t, router, "POST", "/api/v1/positions/"+id+"/checkpoint", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("checkpoint failed for %s: %d", id, w.Code)
		}
	}

	svc2 := portfolio.NewService(ms, instrument.DefaultRegistry(), margin.NewRatioDecider(d(0.1)), nil)
	r2 := chi.NewRouter()
	r2.Post("/api/v1/recover", svc2.RecoverAll)
	w := doJSON(t, r2, "POST", "/api/v1/recover", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recover-all failed: %d %s", w.Code, w.Body.String())
	}

	var resp portfolio.RecoverAllResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if len(resp.Recovered) != 2 {
		t.Fatalf("expected 2 recovered positions, got %d", len(resp.Recovered))
	}
	if len(resp.Failed) != 0 {
		t.Errorf("expected no failures, got %v", resp.Failed)
	}
	// Sorted by order book id.
	if resp.Recovered[0].OrderBookID != "CU2610" || resp.Recovered[1].OrderBookID != "IF2609" {
		t.Errorf("unexpected recovery order: %s, %s",
			resp.Recovered[0].OrderBookID, resp.Recovered[1].OrderBookID)
	}
	if !resp.Recovered[1].BuyQuantity.Equal(d(4)) {
		t.Errorf("expected IF2609 buy quantity 4, got %s", resp.Recovered[1].BuyQuantity)
	}
	if !resp.Recovered[0].SellQuantity.Equal(d(2)) {
		t.Errorf("expected CU2610 sell quantity 2, got %s", resp.Recovered[0].SellQuantity)
	}
}

// --- Session summary ---

func TestSaveSessionSummary(t *testing.T) {
	_, ms, router := newTestEnv(t)
	createPosition(t, router, "IF2609")

	applyFill(t, router, portfolio.FillRequest{
		OrderBookID: "IF2609", Side: model.SideBuy, PositionEffect: model.EffectOpen,
		Price: d(4000), Quantity: d(4), TransactionCost: d(23),
	})

	w := doJSON(t, router, "POST", "/api/v1/positions/IF2609/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary save failed: %d %s", w.Code, w.Body.String())
	}

	snap, err := ms.LoadSessionSummary(context.Background(), "IF2609")
	if err != nil {
		t.Fatalf("failed to load summary: %v", err)
	}
	if snap.BuyQuantity == nil || !snap.BuyQuantity.Equal(d(4)) {
		t.Errorf("expected summary buy quantity 4, got %v", snap.BuyQuantity)
	}
	if snap.BuyAvgOpenPrice == nil || !snap.BuyAvgOpenPrice.Equal(d(4000)) {
		t.Errorf("expected summary avg open 4000, got %v", snap.BuyAvgOpenPrice)
	}
}
