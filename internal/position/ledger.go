// Package position implements the open-position ledger for a single futures
// contract: layered lot queues per side, on-demand derived metrics
// (quantities, costs, margins, PnLs), checkpoint serialization, and state
// reconstruction from historical orders and trades.
//
// A Ledger is synchronous and single-writer by design. The fill-application
// path mutates it field by field; every metric is a pure function of current
// state. All monetary values use shopspring/decimal — never float64 for money.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotbook/ledger-engine/internal/instrument"
	"github.com/lotbook/ledger-engine/internal/lot"
	"github.com/lotbook/ledger-engine/internal/margin"
	"github.com/lotbook/ledger-engine/internal/model"
)

// sideState is the per-side half of a ledger: pending order counters, the two
// holding queues, and the side's accumulated cost/PnL figures.
type sideState struct {
	openOrderQuantity  decimal.Decimal
	closeOrderQuantity decimal.Decimal
	oldHolding         lot.Queue
	todayHolding       lot.Queue
	transactionCost    decimal.Decimal
	dailyRealizedPnL   decimal.Decimal
	avgOpenPrice       decimal.Decimal
}

// Ledger tracks one account's open position in one futures contract across a
// trading session. Buy is the long side, sell the short side.
type Ledger struct {
	orderBookID string
	lastPrice   decimal.Decimal
	marketValue decimal.Decimal

	buy  sideState
	sell sideState

	dailyRealizedPnL decimal.Decimal
	prevSettlePrice  decimal.Decimal

	// Instrument reference data, immutable after construction. When the
	// instrument is unknown both stay at their zero values and known is
	// false; cost/margin/PnL metrics are then undefined and callers must
	// not rely on them.
	multiplier   decimal.Decimal
	deListedDate time.Time
	known        bool
}

// New creates an empty ledger for an instrument, loading the contract
// multiplier and delisting date from reference data. An unknown instrument
// yields a ledger with absent instrument fields.
func New(orderBookID string, src instrument.Source) *Ledger {
	l := &Ledger{orderBookID: orderBookID}
	if src != nil {
		if inst, ok := src.Get(orderBookID); ok {
			l.multiplier = inst.ContractMultiplier
			l.deListedDate = inst.DeListedDate
			l.known = true
		}
	}
	return l
}

func (l *Ledger) state(side model.Side) *sideState {
	if side == model.SideSell {
		return &l.sell
	}
	return &l.buy
}

// --- Identity and session context ---

// OrderBookID returns the instrument identifier.
func (l *Ledger) OrderBookID() string { return l.orderBookID }

// LastPrice returns the live mark price.
func (l *Ledger) LastPrice() decimal.Decimal { return l.lastPrice }

// MarketValue returns the externally maintained market value.
func (l *Ledger) MarketValue() decimal.Decimal { return l.marketValue }

// PrevSettlePrice returns yesterday's settlement price, used to value old lots.
func (l *Ledger) PrevSettlePrice() decimal.Decimal { return l.prevSettlePrice }

// ContractMultiplier returns the multiplier and whether the instrument was
// known at construction.
func (l *Ledger) ContractMultiplier() (decimal.Decimal, bool) { return l.multiplier, l.known }

// DeListedDate returns the delisting date and whether the instrument was
// known at construction.
func (l *Ledger) DeListedDate() (time.Time, bool) { return l.deListedDate, l.known }

// --- Derived quantities ---

// OldHoldingQuantity returns the side's quantity carried over from prior
// sessions.
func (l *Ledger) OldHoldingQuantity(side model.Side) decimal.Decimal {
	return l.state(side).oldHolding.Quantity()
}

// TodayHoldingQuantity returns the side's quantity opened this session.
func (l *Ledger) TodayHoldingQuantity(side model.Side) decimal.Decimal {
	return l.state(side).todayHolding.Quantity()
}

// Quantity returns the side's total holding, old plus today. It is never
// stored, only derived.
func (l *Ledger) Quantity(side model.Side) decimal.Decimal {
	return l.OldHoldingQuantity(side).Add(l.TodayHoldingQuantity(side))
}

// GrossQuantity returns buy quantity plus sell quantity.
func (l *Ledger) GrossQuantity() decimal.Decimal {
	return l.Quantity(model.SideBuy).Add(l.Quantity(model.SideSell))
}

// OpenOrderQuantity returns the side's unfilled opening-order exposure.
func (l *Ledger) OpenOrderQuantity(side model.Side) decimal.Decimal {
	return l.state(side).openOrderQuantity
}

// CloseOrderQuantity returns the side's unfilled closing-order exposure.
func (l *Ledger) CloseOrderQuantity(side model.Side) decimal.Decimal {
	return l.state(side).closeOrderQuantity
}

// ClosableQuantity returns how much of the side's holding is free to close.
// A pending close order on the opposite side reserves capacity against this
// side: closing a long position is done by a sell-close order.
func (l *Ledger) ClosableQuantity(side model.Side) decimal.Decimal {
	return l.Quantity(side).Sub(l.state(side.Opposite()).closeOrderQuantity)
}

// ClosableTodayQuantity returns how much of the side's today holding is free
// to close, under the same cross-side reservation.
func (l *Ledger) ClosableTodayQuantity(side model.Side) decimal.Decimal {
	return l.TodayHoldingQuantity(side).Sub(l.state(side.Opposite()).closeOrderQuantity)
}

// --- Derived costs and prices ---

// OldHoldingCost values the side's old holding at the previous settlement
// price, not individual historical prices.
func (l *Ledger) OldHoldingCost(side model.Side) decimal.Decimal {
	return l.OldHoldingQuantity(side).Mul(l.prevSettlePrice).Mul(l.multiplier)
}

// TodayHoldingCost returns Σ price × quantity × multiplier over today's lots.
func (l *Ledger) TodayHoldingCost(side model.Side) decimal.Decimal {
	return l.state(side).todayHolding.Cost(l.multiplier)
}

// HoldingCost returns the side's total holding cost, old plus today.
func (l *Ledger) HoldingCost(side model.Side) decimal.Decimal {
	return l.OldHoldingCost(side).Add(l.TodayHoldingCost(side))
}

// AvgHoldingPrice returns holding cost per contract unit. Zero quantity
// short-circuits to 0 rather than faulting. Distinct from AvgOpenPrice.
func (l *Ledger) AvgHoldingPrice(side model.Side) decimal.Decimal {
	qty := l.Quantity(side)
	if qty.IsZero() || l.multiplier.IsZero() {
		return decimal.Zero
	}
	return l.HoldingCost(side).Div(qty).Div(l.multiplier)
}

// AvgOpenPrice returns the side's lifetime weighted average entry price.
// It is maintained externally on each fill, never recomputed from the queues.
func (l *Ledger) AvgOpenPrice(side model.Side) decimal.Decimal {
	return l.state(side).avgOpenPrice
}

// --- Derived PnL ---

// SideDailyHoldingPnL marks the side's holding against the live price.
func (l *Ledger) SideDailyHoldingPnL(side model.Side) decimal.Decimal {
	diff := l.lastPrice.Sub(l.AvgHoldingPrice(side))
	if side == model.SideSell {
		diff = l.AvgHoldingPrice(side).Sub(l.lastPrice)
	}
	return diff.Mul(l.Quantity(side)).Mul(l.multiplier)
}

// DailyHoldingPnL is the aggregate holding PnL for a fully marked instrument:
// market value + sell holding cost − buy holding cost.
func (l *Ledger) DailyHoldingPnL() decimal.Decimal {
	return l.marketValue.Add(l.HoldingCost(model.SideSell)).Sub(l.HoldingCost(model.SideBuy))
}

// SideDailyRealizedPnL returns profit from the side's closes executed today.
func (l *Ledger) SideDailyRealizedPnL(side model.Side) decimal.Decimal {
	return l.state(side).dailyRealizedPnL
}

// DailyRealizedPnL returns today's total realized profit across both sides.
func (l *Ledger) DailyRealizedPnL() decimal.Decimal {
	return l.dailyRealizedPnL
}

// SideDailyPnL returns the side's holding plus realized PnL for the day.
func (l *Ledger) SideDailyPnL(side model.Side) decimal.Decimal {
	return l.SideDailyHoldingPnL(side).Add(l.state(side).dailyRealizedPnL)
}

// DailyPnL returns realized plus holding PnL for the day.
func (l *Ledger) DailyPnL() decimal.Decimal {
	return l.dailyRealizedPnL.Add(l.DailyHoldingPnL())
}

// PnL returns the side's cumulative profit since position inception, marked
// against the lifetime average open price.
func (l *Ledger) PnL(side model.Side) decimal.Decimal {
	return l.lastPrice.Sub(l.state(side).avgOpenPrice).Mul(l.Quantity(side)).Mul(l.multiplier)
}

// --- Margin and costs ---

// SideMargin delegates the side's margin to the decider, keyed by holding
// cost.
func (l *Ledger) SideMargin(d margin.Decider, side model.Side) decimal.Decimal {
	return d.CalMargin(l.orderBookID, side, l.HoldingCost(side))
}

// Margin sums both sides' margins. Opposite-direction exposure is not netted;
// single-direction margining rules are out of scope.
func (l *Ledger) Margin(d margin.Decider) decimal.Decimal {
	return l.SideMargin(d, model.SideBuy).Add(l.SideMargin(d, model.SideSell))
}

// PositionValue returns margin + daily holding PnL + daily realized PnL.
func (l *Ledger) PositionValue(d margin.Decider) decimal.Decimal {
	return l.Margin(d).Add(l.DailyHoldingPnL()).Add(l.dailyRealizedPnL)
}

// SideTransactionCost returns the side's accumulated fees.
func (l *Ledger) SideTransactionCost(side model.Side) decimal.Decimal {
	return l.state(side).transactionCost
}

// TransactionCost returns accumulated fees across both sides.
func (l *Ledger) TransactionCost() decimal.Decimal {
	return l.buy.transactionCost.Add(l.sell.transactionCost)
}

// CloseTodayQuantity returns how much of a closing fill of tradeQuantity,
// placed on tradeSide, eats into today's bucket of the position it closes.
// A sell-close first consumes the buy old holding; only the excess hits
// today's lots. Never negative.
func (l *Ledger) CloseTodayQuantity(tradeQuantity decimal.Decimal, tradeSide model.Side) decimal.Decimal {
	closed := l.OldHoldingQuantity(tradeSide.Opposite())
	today := tradeQuantity.Sub(closed)
	if today.IsNegative() {
		return decimal.Zero
	}
	return today
}

// --- Mutators (the external fill-application path) ---

// SetLastPrice updates the live mark price.
func (l *Ledger) SetLastPrice(p decimal.Decimal) { l.lastPrice = p }

// SetMarketValue updates the externally computed market value.
func (l *Ledger) SetMarketValue(v decimal.Decimal) { l.marketValue = v }

// SetPrevSettlePrice updates the previous settlement price.
func (l *Ledger) SetPrevSettlePrice(p decimal.Decimal) { l.prevSettlePrice = p }

// AddOpenOrderQuantity adjusts the side's pending opening exposure. Negative
// deltas release reservations on fill or cancel.
func (l *Ledger) AddOpenOrderQuantity(side model.Side, delta decimal.Decimal) {
	s := l.state(side)
	s.openOrderQuantity = s.openOrderQuantity.Add(delta)
}

// AddCloseOrderQuantity adjusts the side's pending closing exposure.
func (l *Ledger) AddCloseOrderQuantity(side model.Side, delta decimal.Decimal) {
	s := l.state(side)
	s.closeOrderQuantity = s.closeOrderQuantity.Add(delta)
}

// AppendTodayLot records an opening fill as a new lot in the side's today
// queue.
func (l *Ledger) AppendTodayLot(side model.Side, price, quantity decimal.Decimal) {
	s := l.state(side)
	s.todayHolding = s.todayHolding.Append(price, quantity)
}

// ConsumeHolding removes quantity from the side's holdings, old lots first,
// then today lots, and returns the consumed cost basis Σ price × quantity.
func (l *Ledger) ConsumeHolding(side model.Side, quantity decimal.Decimal) decimal.Decimal {
	s := l.state(side)
	oldQty := s.oldHolding.Quantity()

	fromOld := quantity
	if fromOld.GreaterThan(oldQty) {
		fromOld = oldQty
	}
	var basis decimal.Decimal
	s.oldHolding, basis = s.oldHolding.Consume(fromOld)

	if rest := quantity.Sub(fromOld); rest.IsPositive() {
		var todayBasis decimal.Decimal
		s.todayHolding, todayBasis = s.todayHolding.Consume(rest)
		basis = basis.Add(todayBasis)
	}
	return basis
}

// AddTransactionCost accrues fees on a side.
func (l *Ledger) AddTransactionCost(side model.Side, amount decimal.Decimal) {
	s := l.state(side)
	s.transactionCost = s.transactionCost.Add(amount)
}

// AddRealizedPnL accrues realized profit on a side and keeps the aggregate
// consistent.
func (l *Ledger) AddRealizedPnL(side model.Side, amount decimal.Decimal) {
	s := l.state(side)
	s.dailyRealizedPnL = s.dailyRealizedPnL.Add(amount)
	l.dailyRealizedPnL = l.buy.dailyRealizedPnL.Add(l.sell.dailyRealizedPnL)
}

// SetAvgOpenPrice overwrites the side's lifetime average open price.
func (l *Ledger) SetAvgOpenPrice(side model.Side, price decimal.Decimal) {
	l.state(side).avgOpenPrice = price
}
