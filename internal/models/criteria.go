package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LegCriteria constrains one leg of the spread: DTE window, |delta| window,
// and liquidity floors. Delta bounds are closed intervals.
type LegCriteria struct {
	MinDTE             int             `yaml:"min_dte" json:"min_dte"`
	MaxDTE             int             `yaml:"max_dte" json:"max_dte"`
	MinDelta           decimal.Decimal `yaml:"min_delta" json:"min_delta"`
	MaxDelta           decimal.Decimal `yaml:"max_delta" json:"max_delta"`
	MinOpenInterest    int64           `yaml:"min_open_interest" json:"min_open_interest"`
	MaxBidAskSpreadPct decimal.Decimal `yaml:"max_bid_ask_spread_pct" json:"max_bid_ask_spread_pct"`
}

// Validate checks internal consistency of the criteria.
func (lc *LegCriteria) Validate() error {
	if lc.MinDTE <= 0 || lc.MaxDTE <= 0 || lc.MinDTE > lc.MaxDTE {
		return fmt.Errorf("dte window [%d,%d] invalid", lc.MinDTE, lc.MaxDTE)
	}
	if lc.MinDelta.IsNegative() || lc.MaxDelta.GreaterThan(decimal.NewFromInt(1)) || lc.MinDelta.GreaterThan(lc.MaxDelta) {
		return fmt.Errorf("delta window [%s,%s] invalid", lc.MinDelta, lc.MaxDelta)
	}
	if lc.MaxBidAskSpreadPct.IsNegative() {
		return fmt.Errorf("max_bid_ask_spread_pct must be >= 0")
	}
	return nil
}

// Matches reports whether the contract satisfies the DTE and delta windows.
// Liquidity floors are applied separately by the analyzer.
func (lc *LegCriteria) Matches(c *OptionContract) bool {
	if c.DTE < lc.MinDTE || c.DTE > lc.MaxDTE {
		return false
	}
	d := c.AbsDelta()
	return d.GreaterThanOrEqual(lc.MinDelta) && d.LessThanOrEqual(lc.MaxDelta)
}

// DefaultLEAPSCriteria returns the long-leg defaults: deep ITM, 9-24 months out.
func DefaultLEAPSCriteria() LegCriteria {
	return LegCriteria{
		MinDTE:             270,
		MaxDTE:             720,
		MinDelta:           decimal.RequireFromString("0.75"),
		MaxDelta:           decimal.RequireFromString("0.90"),
		MinOpenInterest:    50,
		MaxBidAskSpreadPct: decimal.RequireFromString("0.10"),
	}
}

// DefaultShortCallCriteria returns the short-leg defaults: OTM, 3-6 weeks out.
func DefaultShortCallCriteria() LegCriteria {
	return LegCriteria{
		MinDTE:             21,
		MaxDTE:             45,
		MinDelta:           decimal.RequireFromString("0.20"),
		MaxDelta:           decimal.RequireFromString("0.35"),
		MinOpenInterest:    10,
		MaxBidAskSpreadPct: decimal.RequireFromString("0.15"),
	}
}
