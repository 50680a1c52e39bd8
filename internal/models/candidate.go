package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMultiplier is the per-contract share multiplier for standard US
// equity options.
const DefaultMultiplier = 100

// ErrInvariantViolation marks a candidate that failed construction-time
// invariants. Such candidates are dropped and counted, never propagated.
var ErrInvariantViolation = errors.New("pmcc invariant violation")

// WarnEarlyAssignmentRisk flags a short leg whose extrinsic value is below an
// upcoming dividend, making early assignment economically rational.
const WarnEarlyAssignmentRisk = "EarlyAssignmentRisk"

// StrategyGreeks aggregates net position Greeks: long leg minus short leg.
type StrategyGreeks struct {
	Delta decimal.Decimal `json:"delta"`
	Gamma decimal.Decimal `json:"gamma"`
	Theta decimal.Decimal `json:"theta"`
	Vega  decimal.Decimal `json:"vega"`
}

// PMCCCandidate is a validated long-LEAPS / short-call pair with its strategy
// economics. Construct only via NewPMCCCandidate.
type PMCCCandidate struct {
	Symbol           string          `json:"symbol"`
	UnderlyingPrice  decimal.Decimal `json:"underlying_price"`
	LongLeaps        OptionContract  `json:"long_leaps"`
	ShortCall        OptionContract  `json:"short_call"`
	NetDebit         decimal.Decimal `json:"net_debit"`
	CreditReceived   decimal.Decimal `json:"credit_received"`
	MaxProfit        decimal.Decimal `json:"max_profit"`
	MaxLoss          decimal.Decimal `json:"max_loss"`
	BreakevenPrice   decimal.Decimal `json:"breakeven_price"`
	RiskRewardRatio  decimal.Decimal `json:"risk_reward_ratio"`
	StrategyGreeks   StrategyGreeks  `json:"strategy_greeks"`
	LiquidityScore   decimal.Decimal `json:"liquidity_score"`
	TraditionalScore decimal.Decimal `json:"traditional_score"`
	Warnings         []string        `json:"warnings,omitempty"`
	AnalyzedAt       time.Time       `json:"analyzed_at"`
}

// NewPMCCCandidate builds a candidate from a long and short call, enforcing
// every structural invariant. Pricing is pessimistic: buy the long at the ask,
// sell the short at the bid. multiplier <= 0 falls back to DefaultMultiplier.
func NewPMCCCandidate(symbol string, underlyingPrice decimal.Decimal, long, short OptionContract, multiplier int64) (*PMCCCandidate, error) {
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	mult := decimal.NewFromInt(multiplier)

	if long.Side != SideCall || short.Side != SideCall {
		return nil, invariant("both legs must be calls (long=%s short=%s)", long.Side, short.Side)
	}
	if long.Strike.GreaterThan(underlyingPrice) {
		return nil, invariant("long strike %s above underlying %s (LEAPS must be ITM)", long.Strike, underlyingPrice)
	}
	if !short.Strike.GreaterThan(long.Strike) {
		return nil, invariant("short strike %s must exceed long strike %s", short.Strike, long.Strike)
	}
	if !dateOf(long.Expiration).After(dateOf(short.Expiration)) {
		return nil, invariant("long expiration %s must be after short expiration %s",
			long.Expiration.Format("2006-01-02"), short.Expiration.Format("2006-01-02"))
	}

	netDebit := long.Ask.Sub(short.Bid)
	if !netDebit.IsPositive() {
		return nil, invariant("net debit %s must be > 0", netDebit)
	}
	// Profitability guard: width must exceed the debit or max profit is negative.
	if !short.Strike.GreaterThan(long.Strike.Add(netDebit)) {
		return nil, invariant("short strike %s must exceed long strike %s + net debit %s",
			short.Strike, long.Strike, netDebit)
	}

	maxLoss := netDebit.Mul(mult)
	maxProfit := short.Strike.Sub(long.Strike).Sub(netDebit).Mul(mult)

	return &PMCCCandidate{
		Symbol:          symbol,
		UnderlyingPrice: underlyingPrice,
		LongLeaps:       long,
		ShortCall:       short,
		NetDebit:        netDebit,
		CreditReceived:  short.Bid,
		MaxProfit:       maxProfit,
		MaxLoss:         maxLoss,
		BreakevenPrice:  long.Strike.Add(netDebit),
		RiskRewardRatio: maxProfit.Div(maxLoss),
		StrategyGreeks: StrategyGreeks{
			Delta: long.Delta.Sub(short.Delta),
			Gamma: long.Gamma.Sub(short.Gamma),
			Theta: long.Theta.Sub(short.Theta),
			Vega:  long.Vega.Sub(short.Vega),
		},
		AnalyzedAt: time.Now().UTC(),
	}, nil
}

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// AddWarning appends a warning flag if not already present.
func (c *PMCCCandidate) AddWarning(w string) {
	for _, have := range c.Warnings {
		if have == w {
			return
		}
	}
	c.Warnings = append(c.Warnings, w)
}

// OpenInterestSum returns the combined open interest of both legs, used as a
// ranking tie-break.
func (c *PMCCCandidate) OpenInterestSum() int64 {
	return c.LongLeaps.OpenInterest + c.ShortCall.OpenInterest
}

// ShortExtrinsic returns the extrinsic (time) value of the short call at its
// bid. OTM short calls are pure extrinsic value.
func (c *PMCCCandidate) ShortExtrinsic() decimal.Decimal {
	intrinsic := c.UnderlyingPrice.Sub(c.ShortCall.Strike)
	if intrinsic.IsNegative() {
		intrinsic = decimal.Zero
	}
	ext := c.ShortCall.Bid.Sub(intrinsic)
	if ext.IsNegative() {
		return decimal.Zero
	}
	return ext
}

// Better orders candidates for ranking: higher traditional score first, then
// higher risk/reward, then higher combined open interest, then the earlier
// short expiration. Deterministic by construction.
func (c *PMCCCandidate) Better(other *PMCCCandidate) bool {
	if !c.TraditionalScore.Equal(other.TraditionalScore) {
		return c.TraditionalScore.GreaterThan(other.TraditionalScore)
	}
	if !c.RiskRewardRatio.Equal(other.RiskRewardRatio) {
		return c.RiskRewardRatio.GreaterThan(other.RiskRewardRatio)
	}
	if c.OpenInterestSum() != other.OpenInterestSum() {
		return c.OpenInterestSum() > other.OpenInterestSum()
	}
	return c.ShortCall.Expiration.Before(other.ShortCall.Expiration)
}
