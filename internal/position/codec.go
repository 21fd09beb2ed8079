package position

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotbook/ledger-engine/internal/lot"
)

// RecordVersion is the current checkpoint schema version.
const RecordVersion = 1

// Record is the flat checkpoint schema for a ledger: every tracked field
// under its canonical key. It is the only wire format this core defines and
// must stay stable across versions. The codec is independent of recovery;
// a restored Record reproduces the ledger verbatim.
//
// Holding queues round-trip through JSON null when absent, preserving the
// absent-vs-empty distinction carried by persisted state.
type Record struct {
	Version     int    `json:"version"`
	OrderBookID string `json:"order_book_id"`

	LastPrice   decimal.Decimal `json:"last_price"`
	MarketValue decimal.Decimal `json:"market_value"`

	BuyOpenOrderQuantity   decimal.Decimal `json:"buy_open_order_quantity"`
	SellOpenOrderQuantity  decimal.Decimal `json:"sell_open_order_quantity"`
	BuyCloseOrderQuantity  decimal.Decimal `json:"buy_close_order_quantity"`
	SellCloseOrderQuantity decimal.Decimal `json:"sell_close_order_quantity"`

	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	PrevSettlePrice  decimal.Decimal `json:"prev_settle_price"`

	BuyOldHolding    lot.Queue `json:"buy_old_holding"`
	SellOldHolding   lot.Queue `json:"sell_old_holding"`
	BuyTodayHolding  lot.Queue `json:"buy_today_holding"`
	SellTodayHolding lot.Queue `json:"sell_today_holding"`

	ContractMultiplier *decimal.Decimal `json:"contract_multiplier"`
	DeListedDate       *time.Time       `json:"de_listed_date"`

	BuyTransactionCost  decimal.Decimal `json:"buy_transaction_cost"`
	SellTransactionCost decimal.Decimal `json:"sell_transaction_cost"`

	BuyDailyRealizedPnL  decimal.Decimal `json:"buy_daily_realized_pnl"`
	SellDailyRealizedPnL decimal.Decimal `json:"sell_daily_realized_pnl"`

	BuyAvgOpenPrice  decimal.Decimal `json:"buy_avg_open_price"`
	SellAvgOpenPrice decimal.Decimal `json:"sell_avg_open_price"`
}

// requiredRecordKeys are the keys a decoded checkpoint must carry. Missing
// any of them is a hard error.
var requiredRecordKeys = []string{
	"order_book_id",
	"last_price",
	"market_value",
	"buy_open_order_quantity",
	"sell_open_order_quantity",
	"buy_close_order_quantity",
	"sell_close_order_quantity",
	"daily_realized_pnl",
	"prev_settle_price",
	"buy_old_holding",
	"sell_old_holding",
	"buy_today_holding",
	"sell_today_holding",
	"contract_multiplier",
	"de_listed_date",
	"buy_transaction_cost",
	"sell_transaction_cost",
	"buy_daily_realized_pnl",
	"sell_daily_realized_pnl",
}

// legacyOptionalKeys is the compatibility shim for checkpoints written before
// these fields existed: each listed key may be absent and takes the given
// default. Nothing else belongs here.
var legacyOptionalKeys = map[string]decimal.Decimal{
	"buy_avg_open_price":  decimal.Zero,
	"sell_avg_open_price": decimal.Zero,
}

// ToRecord serializes the ledger field for field.
func (l *Ledger) ToRecord() Record {
	rec := Record{
		Version:     RecordVersion,
		OrderBookID: l.orderBookID,

		LastPrice:   l.lastPrice,
		MarketValue: l.marketValue,

		BuyOpenOrderQuantity:   l.buy.openOrderQuantity,
		SellOpenOrderQuantity:  l.sell.openOrderQuantity,
		BuyCloseOrderQuantity:  l.buy.closeOrderQuantity,
		SellCloseOrderQuantity: l.sell.closeOrderQuantity,

		DailyRealizedPnL: l.dailyRealizedPnL,
		PrevSettlePrice:  l.prevSettlePrice,

		BuyOldHolding:    l.buy.oldHolding.Clone(),
		SellOldHolding:   l.sell.oldHolding.Clone(),
		BuyTodayHolding:  l.buy.todayHolding.Clone(),
		SellTodayHolding: l.sell.todayHolding.Clone(),

		BuyTransactionCost:  l.buy.transactionCost,
		SellTransactionCost: l.sell.transactionCost,

		BuyDailyRealizedPnL:  l.buy.dailyRealizedPnL,
		SellDailyRealizedPnL: l.sell.dailyRealizedPnL,

		BuyAvgOpenPrice:  l.buy.avgOpenPrice,
		SellAvgOpenPrice: l.sell.avgOpenPrice,
	}
	if l.known {
		mult := l.multiplier
		date := l.deListedDate
		rec.ContractMultiplier = &mult
		rec.DeListedDate = &date
	}
	return rec
}

// FromRecord reconstructs a ledger by setting every field from the record.
// The instrument fields come from the record itself, not from reference data.
func FromRecord(rec Record) *Ledger {
	l := &Ledger{orderBookID: rec.OrderBookID}

	l.lastPrice = rec.LastPrice
	l.marketValue = rec.MarketValue

	l.buy.openOrderQuantity = rec.BuyOpenOrderQuantity
	l.sell.openOrderQuantity = rec.SellOpenOrderQuantity
	l.buy.closeOrderQuantity = rec.BuyCloseOrderQuantity
	l.sell.closeOrderQuantity = rec.SellCloseOrderQuantity

	l.dailyRealizedPnL = rec.DailyRealizedPnL
	l.prevSettlePrice = rec.PrevSettlePrice

	l.buy.oldHolding = rec.BuyOldHolding.Clone()
	l.sell.oldHolding = rec.SellOldHolding.Clone()
	l.buy.todayHolding = rec.BuyTodayHolding.Clone()
	l.sell.todayHolding = rec.SellTodayHolding.Clone()

	if rec.ContractMultiplier != nil && rec.DeListedDate != nil {
		l.multiplier = *rec.ContractMultiplier
		l.deListedDate = *rec.DeListedDate
		l.known = true
	}

	l.buy.transactionCost = rec.BuyTransactionCost
	l.sell.transactionCost = rec.SellTransactionCost

	l.buy.dailyRealizedPnL = rec.BuyDailyRealizedPnL
	l.sell.dailyRealizedPnL = rec.SellDailyRealizedPnL

	l.buy.avgOpenPrice = rec.BuyAvgOpenPrice
	l.sell.avgOpenPrice = rec.SellAvgOpenPrice

	return l
}

// EncodeRecord marshals a record to its canonical JSON form.
func EncodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

// DecodeRecord unmarshals a checkpoint strictly: every required key must be
// present, while keys in the legacy-optional table default when absent.
func DecodeRecord(data []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("position: decode record: %w", err)
	}

	for _, key := range requiredRecordKeys {
		if _, ok := raw[key]; !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrMissingField, key)
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("position: decode record: %w", err)
	}
	if rec.Version == 0 {
		rec.Version = RecordVersion
	}

	for key, def := range legacyOptionalKeys {
		if _, ok := raw[key]; ok {
			continue
		}
		switch key {
		case "buy_avg_open_price":
			rec.BuyAvgOpenPrice = def
		case "sell_avg_open_price":
			rec.SellAvgOpenPrice = def
		}
	}
	return rec, nil
}
