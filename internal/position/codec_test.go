package position

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lotbook/ledger-engine/internal/model"
)

// metricsOf captures every derived metric used to compare ledgers
// observationally.
func metricsOf(l *Ledger) map[string]string {
	out := map[string]string{
		"daily_realized": l.DailyRealizedPnL().String(),
		"daily_holding":  l.DailyHoldingPnL().String(),
		"daily":          l.DailyPnL().String(),
		"txn_cost":       l.TransactionCost().String(),
		"gross":          l.GrossQuantity().String(),
	}
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		p := string(side) + "_"
		out[p+"qty"] = l.Quantity(side).String()
		out[p+"old_qty"] = l.OldHoldingQuantity(side).String()
		out[p+"today_qty"] = l.TodayHoldingQuantity(side).String()
		out[p+"holding_cost"] = l.HoldingCost(side).String()
		out[p+"avg_holding"] = l.AvgHoldingPrice(side).String()
		out[p+"avg_open"] = l.AvgOpenPrice(side).String()
		out[p+"closable"] = l.ClosableQuantity(side).String()
		out[p+"pnl"] = l.PnL(side).String()
		out[p+"daily_pnl"] = l.SideDailyPnL(side).String()
	}
	return out
}

func checkpointLedger(t *testing.T) *Ledger {
	t.Helper()
	snap := Snapshot{
		PrevSettlePrice:      dp(10),
		BuyQuantity:          dp(10),
		BuyTodayQuantity:     dp(4),
		BuyTransactionCost:   dp(15),
		BuyDailyRealizedPnL:  dp(120),
		SellDailyRealizedPnL: dp(-20),
		BuyAvgOpenPrice:      dp(10.2),
	}
	l, err := FromRecovery("IF2609", snap, nil, nil, testSource())
	if err != nil {
		t.Fatalf("building ledger: %v", err)
	}
	l.SetLastPrice(d(11))
	l.SetMarketValue(d(33000))
	l.AppendTodayLot(model.SideBuy, d(12), d(4))
	l.AddCloseOrderQuantity(model.SideSell, d(2))
	return l
}

func TestRecord_RoundTrip(t *testing.T) {
	l := checkpointLedger(t)

	data, err := EncodeRecord(l.ToRecord())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	restored := FromRecord(rec)

	want := metricsOf(l)
	got := metricsOf(restored)
	for k, v := range want {
		if got[k] != v {
			t.Errorf("metric %s: got %s want %s", k, got[k], v)
		}
	}

	mult, ok := restored.ContractMultiplier()
	if !ok || !mult.Equal(d(300)) {
		t.Errorf("expected multiplier 300 to survive, got %s ok=%v", mult, ok)
	}
}

func TestRecord_PreservesAbsentQueue(t *testing.T) {
	l := checkpointLedger(t) // sell old holding was never materialized

	data, _ := EncodeRecord(l.ToRecord())
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	restored := FromRecord(rec)

	if restored.sell.oldHolding != nil {
		t.Errorf("absent queue should stay absent, got %v", restored.sell.oldHolding)
	}
	if restored.buy.oldHolding == nil {
		t.Error("materialized queue should stay present")
	}
}

func TestDecodeRecord_MissingRequiredKey(t *testing.T) {
	l := checkpointLedger(t)
	data, _ := EncodeRecord(l.ToRecord())

	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	delete(raw, "prev_settle_price")
	stripped, _ := json.Marshal(raw)

	_, err := DecodeRecord(stripped)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecodeRecord_LegacyAvgOpenPrice(t *testing.T) {
	l := checkpointLedger(t)
	data, _ := EncodeRecord(l.ToRecord())

	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	delete(raw, "buy_avg_open_price")
	delete(raw, "sell_avg_open_price")
	legacy, _ := json.Marshal(raw)

	rec, err := DecodeRecord(legacy)
	if err != nil {
		t.Fatalf("legacy checkpoint must decode: %v", err)
	}
	restored := FromRecord(rec)
	if !restored.AvgOpenPrice(model.SideBuy).IsZero() || !restored.AvgOpenPrice(model.SideSell).IsZero() {
		t.Error("legacy avg open prices must default to 0")
	}
}

func TestRecord_UnknownInstrument(t *testing.T) {
	l := New("ZZ9999", testSource())
	data, _ := EncodeRecord(l.ToRecord())
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	restored := FromRecord(rec)
	if _, ok := restored.ContractMultiplier(); ok {
		t.Error("unknown instrument must stay unknown after a round trip")
	}
}
