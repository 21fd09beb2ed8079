// Package instrument handles futures order-book-id parsing, validation, and
// the reference-data lookup consumed by the position ledger (contract
// multiplier and delisting date).
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// orderBookIDRegex matches: {product}{YYMM}
// Example: IF2609 — index futures expiring September 2026.
var orderBookIDRegex = regexp.MustCompile(`^([A-Z]{1,2})(\d{2})(\d{2})$`)

// ErrInvalidOrderBookID is returned for ids that do not match the
// {PRODUCT}{YYMM} format.
var ErrInvalidOrderBookID = errors.New("instrument: invalid order book id format")

// Instrument is the reference-data record for one tradable contract.
type Instrument struct {
	OrderBookID        string          `json:"order_book_id"`
	Product            string          `json:"product"`
	ContractMultiplier decimal.Decimal `json:"contract_multiplier"`
	DeListedDate       time.Time       `json:"de_listed_date"`
}

// Source is the reference-data lookup contract. Implementations are
// read-only; the ledger core never mutates them.
type Source interface {
	// Get returns the instrument for an order book id, or ok=false when the
	// instrument is unknown.
	Get(orderBookID string) (*Instrument, bool)
}

// Registry is a static product table keyed by product code. It derives
// per-contract instruments on lookup.
type Registry struct {
	multipliers map[string]decimal.Decimal
}

// NewRegistry creates a registry with the given product → contract multiplier
// table.
func NewRegistry(multipliers map[string]decimal.Decimal) *Registry {
	m := make(map[string]decimal.Decimal, len(multipliers))
	for k, v := range multipliers {
		m[k] = v
	}
	return &Registry{multipliers: m}
}

// DefaultRegistry returns a registry covering the common CFFEX/SHFE products.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]decimal.Decimal{
		"IF": decimal.NewFromInt(300), // CSI 300 index
		"IH": decimal.NewFromInt(300), // SSE 50 index
		"IC": decimal.NewFromInt(200), // CSI 500 index
		"T":  decimal.NewFromInt(10000),
		"TF": decimal.NewFromInt(10000),
		"CU": decimal.NewFromInt(5),
		"AL": decimal.NewFromInt(5),
		"AU": decimal.NewFromInt(1000),
		"RB": decimal.NewFromInt(10),
	})
}

// Get implements Source. Unknown products resolve to ok=false; the caller
// constructs the ledger with absent instrument data.
func (r *Registry) Get(orderBookID string) (*Instrument, bool) {
	product, expiry, err := ParseOrderBookID(orderBookID)
	if err != nil {
		return nil, false
	}
	mult, ok := r.multipliers[product]
	if !ok {
		return nil, false
	}
	return &Instrument{
		OrderBookID:        orderBookID,
		Product:            product,
		ContractMultiplier: mult,
		DeListedDate:       deListedDate(expiry),
	}, true
}

// ParseOrderBookID splits an order book id into its product code and expiry
// month. Format: {product}{YYMM}, e.g. IF2609.
func ParseOrderBookID(orderBookID string) (product string, expiry time.Time, err error) {
	matches := orderBookIDRegex.FindStringSubmatch(orderBookID)
	if matches == nil {
		return "", time.Time{}, fmt.Errorf("%w: %s (expected {PRODUCT}{YYMM})",
			ErrInvalidOrderBookID, orderBookID)
	}

	year := 2000 + int(matches[2][0]-'0')*10 + int(matches[2][1]-'0')
	month := time.Month(int(matches[3][0]-'0')*10 + int(matches[3][1]-'0'))
	if month < time.January || month > time.December {
		return "", time.Time{}, fmt.Errorf("%w: %s (bad month)", ErrInvalidOrderBookID, orderBookID)
	}
	return matches[1], time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), nil
}

// deListedDate returns the third Friday of the expiry month, the standard
// last trading day for index futures.
func deListedDate(expiry time.Time) time.Time {
	d := expiry
	fridays := 0
	for {
		if d.Weekday() == time.Friday {
			fridays++
			if fridays == 3 {
				return d
			}
		}
		d = d.AddDate(0, 0, 1)
	}
}
