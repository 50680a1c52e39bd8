package enrich

import (
	"sync"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/scanerr"
)

// CostTracker enforces the daily USD ceiling across concurrent analyses.
// Reservations hold the estimate until the actual cost is known; the budget
// check covers spent plus reserved so parallel workers cannot overshoot.
type CostTracker struct {
	mu       sync.Mutex
	limit    decimal.Decimal // zero = unlimited
	spent    decimal.Decimal
	reserved decimal.Decimal
}

// NewCostTracker creates a tracker with the given USD limit. A non-positive
// limit disables enforcement.
func NewCostTracker(limit decimal.Decimal) *CostTracker {
	return &CostTracker{limit: limit}
}

// Reserve holds estimate against the budget. Reaching the limit exactly is
// allowed; crossing it returns BudgetExceeded with nothing held.
func (t *CostTracker) Reserve(estimate decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit.IsPositive() {
		if t.spent.Add(t.reserved).Add(estimate).GreaterThan(t.limit) {
			return scanerr.New(scanerr.KindBudgetExceeded,
				"cost %s + estimate %s exceeds daily limit %s",
				t.spent.Add(t.reserved), estimate, t.limit)
		}
	}
	t.reserved = t.reserved.Add(estimate)
	return nil
}

// Settle converts a reservation into actual spend. Call with actual zero to
// release a reservation whose call never went out.
func (t *CostTracker) Settle(estimate, actual decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reserved = t.reserved.Sub(estimate)
	if t.reserved.IsNegative() {
		t.reserved = decimal.Zero
	}
	t.spent = t.spent.Add(actual)
}

// Spent returns the settled USD total.
func (t *CostTracker) Spent() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}
