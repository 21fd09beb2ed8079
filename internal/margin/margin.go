// Package margin implements the margin-decider consumed by the position
// ledger. The decider is a read-only service: the ledger calls it with a
// side's holding cost and never mutates it, so it is safe to share across
// ledgers without locking.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/lotbook/ledger-engine/internal/model"
)

// Decider computes the margin attributable to one side of one instrument.
type Decider interface {
	// CalMargin returns the margin amount for (instrument, side, holding cost).
	CalMargin(orderBookID string, side model.Side, holdingCost decimal.Decimal) decimal.Decimal
}

// RatioDecider charges a flat ratio of holding cost per side, with optional
// per-product overrides.
type RatioDecider struct {
	// BuyRatio and SellRatio are the default margin ratios per side.
	BuyRatio  decimal.Decimal
	SellRatio decimal.Decimal

	// ProductRatios overrides both sides for specific product codes,
	// keyed by the leading letters of the order book id.
	ProductRatios map[string]decimal.Decimal
}

// NewRatioDecider creates a decider charging the same ratio on both sides.
func NewRatioDecider(ratio decimal.Decimal) *RatioDecider {
	return &RatioDecider{BuyRatio: ratio, SellRatio: ratio}
}

// CalMargin implements Decider. Margin is holdingCost × ratio, never negative.
func (d *RatioDecider) CalMargin(orderBookID string, side model.Side, holdingCost decimal.Decimal) decimal.Decimal {
	ratio := d.BuyRatio
	if side == model.SideSell {
		ratio = d.SellRatio
	}
	if override, ok := d.ProductRatios[productCode(orderBookID)]; ok {
		ratio = override
	}
	m := holdingCost.Mul(ratio)
	if m.IsNegative() {
		return decimal.Zero
	}
	return m
}

func productCode(orderBookID string) string {
	for i, r := range orderBookID {
		if r >= '0' && r <= '9' {
			return orderBookID[:i]
		}
	}
	return orderBookID
}
