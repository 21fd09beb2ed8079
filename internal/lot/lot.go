// Package lot implements the layered holding queues of a futures position.
//
// A Queue is an ordered sequence of priced batches for one side of one
// instrument and one aging bucket (old vs today). Old holdings are collapsed
// to a single lot valued at the previous settlement price; today holdings
// keep one lot per opening fill.
//
// All monetary values use shopspring/decimal — never float64 for money.
package lot

import "github.com/shopspring/decimal"

// Lot is an immutable record of one acquisition batch. Quantity is
// non-negative once committed; recovery may truncate a lot to avoid
// overshooting an aggregate target but never produces a negative one.
type Lot struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Queue is an insertion-ordered sequence of lots. A nil Queue is valid and
// behaves as empty; it is kept structurally distinct from a non-nil empty
// queue because persisted state preserves that difference.
type Queue []Lot

// Quantity returns the sum of lot quantities.
func (q Queue) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range q {
		total = total.Add(l.Quantity)
	}
	return total
}

// Cost returns Σ price × quantity × multiplier over the queue.
func (q Queue) Cost(multiplier decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range q {
		total = total.Add(l.Price.Mul(l.Quantity).Mul(multiplier))
	}
	return total
}

// Append returns the queue with one more lot at the tail.
func (q Queue) Append(price, quantity decimal.Decimal) Queue {
	return append(q, Lot{Price: price, Quantity: quantity})
}

// Consume removes quantity from the head of the queue and returns the
// remaining queue together with the realized cost basis Σ price × consumed.
// Consuming more than the queue holds drains it and ignores the excess.
func (q Queue) Consume(quantity decimal.Decimal) (Queue, decimal.Decimal) {
	remaining := quantity
	basis := decimal.Zero
	out := q
	for len(out) > 0 && remaining.IsPositive() {
		head := out[0]
		if head.Quantity.GreaterThan(remaining) {
			basis = basis.Add(head.Price.Mul(remaining))
			out = append(Queue{{Price: head.Price, Quantity: head.Quantity.Sub(remaining)}}, out[1:]...)
			return out, basis
		}
		basis = basis.Add(head.Price.Mul(head.Quantity))
		remaining = remaining.Sub(head.Quantity)
		out = out[1:]
	}
	return out, basis
}

// Clone returns a deep copy. A nil queue clones to nil.
func (q Queue) Clone() Queue {
	if q == nil {
		return nil
	}
	out := make(Queue, len(q))
	copy(out, q)
	return out
}
