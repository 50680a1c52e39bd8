// Package models defines the market-data and strategy domain types shared
// across the scanner: quotes, option contracts and chains, PMCC candidates,
// enhanced per-symbol data, AI analyses, and per-scan result envelopes.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OptionSide identifies the contract type.
type OptionSide string

const (
	// SideCall represents a call option contract.
	SideCall OptionSide = "call"
	// SidePut represents a put option contract.
	SidePut OptionSide = "put"
)

// Quote is a current market quote for an underlying symbol.
// All numeric fields are optional; providers frequently omit one side.
type Quote struct {
	Symbol    string           `json:"symbol"`
	Bid       *decimal.Decimal `json:"bid,omitempty"`
	Ask       *decimal.Decimal `json:"ask,omitempty"`
	Last      *decimal.Decimal `json:"last,omitempty"`
	Volume    int64            `json:"volume,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Validate checks quote-level invariants.
func (q *Quote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("quote: symbol is required")
	}
	if q.Bid != nil && q.Ask != nil && q.Bid.GreaterThan(*q.Ask) {
		return fmt.Errorf("quote %s: bid %s > ask %s", q.Symbol, q.Bid, q.Ask)
	}
	return nil
}

// Mid returns the bid/ask midpoint, or nil when either side is missing.
func (q *Quote) Mid() *decimal.Decimal {
	if q.Bid == nil || q.Ask == nil {
		return nil
	}
	m := q.Bid.Add(*q.Ask).Div(decimal.NewFromInt(2))
	return &m
}

// Price returns the best available price for the quote: last, then mid,
// then whichever side is present.
func (q *Quote) Price() *decimal.Decimal {
	if q.Last != nil && q.Last.IsPositive() {
		return q.Last
	}
	if m := q.Mid(); m != nil {
		return m
	}
	if q.Bid != nil {
		return q.Bid
	}
	return q.Ask
}

// IsStale reports whether the quote is older than maxAge relative to now.
func (q *Quote) IsStale(now time.Time, maxAge time.Duration) bool {
	return q.UpdatedAt.IsZero() || now.Sub(q.UpdatedAt) > maxAge
}

// OptionContract is a single option with pricing and Greeks.
type OptionContract struct {
	OptionSymbol string          `json:"option_symbol"`
	Underlying   string          `json:"underlying"`
	Side         OptionSide      `json:"side"`
	Strike       decimal.Decimal `json:"strike"`
	Expiration   time.Time       `json:"expiration_date"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Last         decimal.Decimal `json:"last"`
	Mid          decimal.Decimal `json:"mid"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	Delta        decimal.Decimal `json:"delta"`
	Gamma        decimal.Decimal `json:"gamma"`
	Theta        decimal.Decimal `json:"theta"`
	Vega         decimal.Decimal `json:"vega"`
	IV           decimal.Decimal `json:"iv"`
	DTE          int             `json:"dte"`
	NonStandard  bool            `json:"non_standard,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validate checks contract-level invariants against the given reference date.
func (c *OptionContract) Validate(today time.Time) error {
	if c.Side != SideCall && c.Side != SidePut {
		return fmt.Errorf("contract %s: invalid side %q", c.OptionSymbol, c.Side)
	}
	if !c.Strike.IsPositive() {
		return fmt.Errorf("contract %s: strike must be > 0, got %s", c.OptionSymbol, c.Strike)
	}
	if dateOf(c.Expiration).Before(dateOf(today)) {
		return fmt.Errorf("contract %s: expired %s", c.OptionSymbol, c.Expiration.Format("2006-01-02"))
	}
	if c.AbsDelta().GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("contract %s: |delta| %s > 1", c.OptionSymbol, c.AbsDelta())
	}
	if want := DaysBetween(today, c.Expiration); c.DTE != want {
		return fmt.Errorf("contract %s: dte %d inconsistent with expiration (want %d)", c.OptionSymbol, c.DTE, want)
	}
	return nil
}

// AbsDelta returns the absolute delta. Put deltas arrive negative.
func (c *OptionContract) AbsDelta() decimal.Decimal {
	return c.Delta.Abs()
}

// MidPrice computes (bid+ask)/2 when both sides are positive; otherwise it
// falls back to the stored mid.
func (c *OptionContract) MidPrice() decimal.Decimal {
	if c.Bid.IsPositive() && c.Ask.IsPositive() {
		return c.Bid.Add(c.Ask).Div(decimal.NewFromInt(2))
	}
	return c.Mid
}

// SpreadPct returns the bid-ask spread as a fraction of the mid price.
// Returns zero when no mid is computable.
func (c *OptionContract) SpreadPct() decimal.Decimal {
	mid := c.MidPrice()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return c.Ask.Sub(c.Bid).Div(mid)
}

// OptionChain is an immutable snapshot of contracts for one underlying.
type OptionChain struct {
	Underlying      string           `json:"underlying"`
	UnderlyingPrice decimal.Decimal  `json:"underlying_price"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Contracts       []OptionContract `json:"contracts"`
}

// Len returns the number of contracts in the chain.
func (ch *OptionChain) Len() int { return len(ch.Contracts) }

// Calls returns the call contracts in chain order.
func (ch *OptionChain) Calls() []OptionContract {
	return ch.filter(func(c *OptionContract) bool { return c.Side == SideCall })
}

// Puts returns the put contracts in chain order.
func (ch *OptionChain) Puts() []OptionContract {
	return ch.filter(func(c *OptionContract) bool { return c.Side == SidePut })
}

// ByExpiration returns contracts expiring on the given date.
func (ch *OptionChain) ByExpiration(exp time.Time) []OptionContract {
	want := dateOf(exp)
	return ch.filter(func(c *OptionContract) bool { return dateOf(c.Expiration).Equal(want) })
}

// ByDTERange returns contracts whose DTE falls in [minDTE, maxDTE].
func (ch *OptionChain) ByDTERange(minDTE, maxDTE int) []OptionContract {
	return ch.filter(func(c *OptionContract) bool { return c.DTE >= minDTE && c.DTE <= maxDTE })
}

// ByDeltaRange returns contracts whose |delta| falls in [minDelta, maxDelta].
func (ch *OptionChain) ByDeltaRange(minDelta, maxDelta decimal.Decimal) []OptionContract {
	return ch.filter(func(c *OptionContract) bool {
		d := c.AbsDelta()
		return d.GreaterThanOrEqual(minDelta) && d.LessThanOrEqual(maxDelta)
	})
}

func (ch *OptionChain) filter(keep func(*OptionContract) bool) []OptionContract {
	var out []OptionContract
	for i := range ch.Contracts {
		if keep(&ch.Contracts[i]) {
			out = append(out, ch.Contracts[i])
		}
	}
	return out
}

// DaysBetween returns the whole-day distance between two dates, ignoring the
// time-of-day component.
func DaysBetween(from, to time.Time) int {
	f := dateOf(from)
	t := dateOf(to)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

func dateOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
