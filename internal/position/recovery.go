package position

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lotbook/ledger-engine/internal/instrument"
	"github.com/lotbook/ledger-engine/internal/lot"
	"github.com/lotbook/ledger-engine/internal/model"
)

// ErrMissingField is returned when a snapshot or checkpoint record lacks a
// key treated as mandatory.
var ErrMissingField = errors.New("position: missing required field")

// Snapshot is the prior-session aggregate used to rebuild a ledger when no
// checkpoint exists. Every field is optional except PrevSettlePrice; a nil
// field means the key was absent from the persisted snapshot and takes the
// documented default.
type Snapshot struct {
	PrevSettlePrice *decimal.Decimal `json:"prev_settle_price"`

	// Aggregate holdings. A nil *Quantity leaves the side's old-holding
	// queue absent (structurally distinct from an empty queue with zero
	// quantity). Nil today quantities default to 0.
	BuyQuantity       *decimal.Decimal `json:"buy_quantity"`
	SellQuantity      *decimal.Decimal `json:"sell_quantity"`
	BuyTodayQuantity  *decimal.Decimal `json:"buy_today_quantity"`
	SellTodayQuantity *decimal.Decimal `json:"sell_today_quantity"`

	// Costs and PnL, defaulting to 0 when absent.
	BuyTransactionCost   *decimal.Decimal `json:"buy_transaction_cost"`
	SellTransactionCost  *decimal.Decimal `json:"sell_transaction_cost"`
	BuyDailyRealizedPnL  *decimal.Decimal `json:"buy_daily_realized_pnl"`
	SellDailyRealizedPnL *decimal.Decimal `json:"sell_daily_realized_pnl"`
	BuyAvgOpenPrice      *decimal.Decimal `json:"buy_avg_open_price"`
	SellAvgOpenPrice     *decimal.Decimal `json:"sell_avg_open_price"`
}

func orZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}

// FromRecovery rebuilds a ledger for one instrument from a prior-session
// snapshot, the set of currently-working orders, and the trade tape for the
// account. Used only when no loadable checkpoint exists.
//
// Today-holding lots are reconstructed by replaying opening trades most
// recent first and stopping once the snapshot's today-quantity target is met:
// the minimal, most-recent-first lot set consistent with the aggregate. This
// is a deterministic tie-break, not a recovery of exact historical
// composition.
func FromRecovery(orderBookID string, snap Snapshot, orders []model.Order, trades []model.Trade, src instrument.Source) (*Ledger, error) {
	l := New(orderBookID, src)

	for _, o := range orders {
		switch {
		case o.PositionEffect == model.EffectOpen:
			l.AddOpenOrderQuantity(o.Side, o.UnfilledQuantity)
		default:
			l.AddCloseOrderQuantity(o.Side, o.UnfilledQuantity)
		}
	}

	if snap.PrevSettlePrice == nil {
		return nil, fmt.Errorf("%w: prev_settle_price", ErrMissingField)
	}
	l.prevSettlePrice = *snap.PrevSettlePrice

	buyToday := orZero(snap.BuyTodayQuantity)
	sellToday := orZero(snap.SellTodayQuantity)

	// The aggregate quantity key being absent leaves the old-holding queue
	// absent; present it collapses to one lot at the previous settlement
	// price, even when the resulting quantity is zero.
	if snap.BuyQuantity != nil {
		l.buy.oldHolding = lot.Queue{{Price: l.prevSettlePrice, Quantity: snap.BuyQuantity.Sub(buyToday)}}
	}
	if snap.SellQuantity != nil {
		l.sell.oldHolding = lot.Queue{{Price: l.prevSettlePrice, Quantity: snap.SellQuantity.Sub(sellToday)}}
	}

	l.buy.todayHolding = replayTodayLots(trades, model.SideBuy, buyToday)
	l.sell.todayHolding = replayTodayLots(trades, model.SideSell, sellToday)

	l.buy.transactionCost = orZero(snap.BuyTransactionCost)
	l.sell.transactionCost = orZero(snap.SellTransactionCost)
	l.buy.dailyRealizedPnL = orZero(snap.BuyDailyRealizedPnL)
	l.sell.dailyRealizedPnL = orZero(snap.SellDailyRealizedPnL)
	l.dailyRealizedPnL = l.buy.dailyRealizedPnL.Add(l.sell.dailyRealizedPnL)

	// Avg open prices degrade to 0 for snapshots written before the fields
	// existed.
	l.buy.avgOpenPrice = orZero(snap.BuyAvgOpenPrice)
	l.sell.avgOpenPrice = orZero(snap.SellAvgOpenPrice)

	return l, nil
}

// replayTodayLots walks opening trades on one side in strictly descending
// time order, accumulating filled quantity until the today-quantity target is
// reached. A trade that lands exactly on the target is appended in full; one
// that overshoots is truncated to the remaining amount. Replay stops either
// way.
func replayTodayLots(trades []model.Trade, side model.Side, target decimal.Decimal) lot.Queue {
	if !target.IsPositive() {
		return nil
	}

	sorted := append([]model.Trade(nil), trades...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ExecutedAt.Equal(sorted[j].ExecutedAt) {
			return sorted[i].ExecutedAt.After(sorted[j].ExecutedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	var queue lot.Queue
	accum := decimal.Zero
	for _, t := range sorted {
		if t.Side != side || t.PositionEffect != model.EffectOpen {
			continue
		}
		accum = accum.Add(t.LastQuantity)
		switch accum.Cmp(target) {
		case 0:
			return queue.Append(t.LastPrice, t.LastQuantity)
		case 1:
			// target − (accum − tradeQty): exactly the remainder needed.
			return queue.Append(t.LastPrice, target.Sub(accum.Sub(t.LastQuantity)))
		}
		queue = queue.Append(t.LastPrice, t.LastQuantity)
	}
	return queue
}
