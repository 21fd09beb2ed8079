// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or holding. Buy maps to the long side of
// a futures position, sell to the short side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PositionEffect says whether an order opens (increases) or closes (decreases)
// a position.
type PositionEffect string

const (
	EffectOpen  PositionEffect = "OPEN"
	EffectClose PositionEffect = "CLOSE"
)

// Valid reports whether the effect is one of the two known values.
func (e PositionEffect) Valid() bool {
	return e == EffectOpen || e == EffectClose
}

// Order statuses for the working-order book.
const (
	OrderStatusActive    = "active"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
)

// Order is a working or historical order for one instrument. Only the
// unfilled quantity of active orders contributes to pending counters.
type Order struct {
	ID               string          `json:"id" db:"id"`
	OrderBookID      string          `json:"order_book_id" db:"order_book_id"`
	Side             Side            `json:"side" db:"side"`
	PositionEffect   PositionEffect  `json:"position_effect" db:"position_effect"`
	Price            decimal.Decimal `json:"price" db:"price"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	UnfilledQuantity decimal.Decimal `json:"unfilled_quantity" db:"unfilled_quantity"`
	Status           string          `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Trade is an immutable fill on the trade tape. Side and position effect are
// denormalized from the originating order so the tape can be replayed without
// a join against the order book.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	OrderID         string          `json:"order_id" db:"order_id"`
	OrderBookID     string          `json:"order_book_id" db:"order_book_id"`
	Side            Side            `json:"side" db:"side"`
	PositionEffect  PositionEffect  `json:"position_effect" db:"position_effect"`
	LastPrice       decimal.Decimal `json:"last_price" db:"last_price"`
	LastQuantity    decimal.Decimal `json:"last_quantity" db:"last_quantity"`
	TransactionCost decimal.Decimal `json:"transaction_cost" db:"transaction_cost"`
	ExecutedAt      time.Time       `json:"executed_at" db:"executed_at"`
}
