package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fundamentals holds the per-symbol fundamental snapshot from provider F.
type Fundamentals struct {
	MarketCap     *decimal.Decimal `json:"market_cap,omitempty"`
	PERatio       *decimal.Decimal `json:"pe_ratio,omitempty"`
	EPS           *decimal.Decimal `json:"eps,omitempty"`
	DividendYield *decimal.Decimal `json:"dividend_yield,omitempty"`
	Beta          *decimal.Decimal `json:"beta,omitempty"`
	ProfitMargin  *decimal.Decimal `json:"profit_margin,omitempty"`
	DebtToEquity  *decimal.Decimal `json:"debt_to_equity,omitempty"`
	Sector        string           `json:"sector,omitempty"`
	Industry      string           `json:"industry,omitempty"`
}

// CalendarEventKind distinguishes the calendar entries we care about.
type CalendarEventKind string

const (
	// EventEarnings is a scheduled earnings release.
	EventEarnings CalendarEventKind = "earnings"
	// EventExDividend is an ex-dividend date.
	EventExDividend CalendarEventKind = "ex_dividend"
)

// CalendarEvent is a dated corporate event for a symbol.
type CalendarEvent struct {
	Kind   CalendarEventKind `json:"kind"`
	Date   time.Time         `json:"date"`
	Amount *decimal.Decimal  `json:"amount,omitempty"` // dividend amount when applicable
}

// Technicals holds the per-symbol technical summary from provider F.
type Technicals struct {
	SMA50  *decimal.Decimal `json:"sma_50,omitempty"`
	SMA200 *decimal.Decimal `json:"sma_200,omitempty"`
	RSI14  *decimal.Decimal `json:"rsi_14,omitempty"`
	ATR14  *decimal.Decimal `json:"atr_14,omitempty"`
	Trend  string           `json:"trend,omitempty"` // uptrend | downtrend | sideways
}

// RiskMetrics holds volatility context for a symbol.
type RiskMetrics struct {
	HistoricalVol30 *decimal.Decimal `json:"historical_vol_30,omitempty"`
	IVRank          *decimal.Decimal `json:"iv_rank,omitempty"`
}

// EnhancedStockData aggregates the optional per-symbol context gathered ahead
// of AI analysis. Sub-objects are nil when their fetch failed or returned
// nothing; CompletenessScore records how much actually arrived.
type EnhancedStockData struct {
	Symbol            string          `json:"symbol"`
	Fundamentals      *Fundamentals   `json:"fundamentals,omitempty"`
	CalendarEvents    []CalendarEvent `json:"calendar_events,omitempty"`
	Technicals        *Technicals     `json:"technicals,omitempty"`
	RiskMetrics       *RiskMetrics    `json:"risk_metrics,omitempty"`
	CompletenessScore decimal.Decimal `json:"completeness_score"`
	CollectedAt       time.Time       `json:"collected_at"`
}

// ComputeCompleteness recomputes the 0-100 completeness score as the fraction
// of expected fields that are populated across all sub-objects.
func (e *EnhancedStockData) ComputeCompleteness() decimal.Decimal {
	var expected, populated int

	count := func(present bool) {
		expected++
		if present {
			populated++
		}
	}

	if e.Fundamentals != nil {
		count(e.Fundamentals.MarketCap != nil)
		count(e.Fundamentals.PERatio != nil)
		count(e.Fundamentals.EPS != nil)
		count(e.Fundamentals.DividendYield != nil)
		count(e.Fundamentals.Beta != nil)
		count(e.Fundamentals.ProfitMargin != nil)
		count(e.Fundamentals.DebtToEquity != nil)
		count(e.Fundamentals.Sector != "")
	} else {
		expected += 8
	}

	// Calendar data counts as a single expected field: an empty event list is
	// a legitimate answer only when the fetch succeeded.
	count(e.CalendarEvents != nil)

	if e.Technicals != nil {
		count(e.Technicals.SMA50 != nil)
		count(e.Technicals.SMA200 != nil)
		count(e.Technicals.RSI14 != nil)
		count(e.Technicals.ATR14 != nil)
		count(e.Technicals.Trend != "")
	} else {
		expected += 5
	}

	// Risk metrics have no dedicated fetch; they enter the expected count only
	// when a source supplied them, so their absence never caps the score.
	if e.RiskMetrics != nil {
		count(e.RiskMetrics.HistoricalVol30 != nil)
		count(e.RiskMetrics.IVRank != nil)
	}

	if expected == 0 {
		e.CompletenessScore = decimal.Zero
		return e.CompletenessScore
	}
	e.CompletenessScore = decimal.NewFromInt(int64(populated)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(expected))).
		Round(1)
	return e.CompletenessScore
}

// EarningsWithin returns the first earnings event within the next n days of
// now, or nil when none is scheduled.
func (e *EnhancedStockData) EarningsWithin(now time.Time, days int) *CalendarEvent {
	limit := now.AddDate(0, 0, days)
	for i := range e.CalendarEvents {
		ev := &e.CalendarEvents[i]
		if ev.Kind != EventEarnings {
			continue
		}
		if !ev.Date.Before(now) && !ev.Date.After(limit) {
			return ev
		}
	}
	return nil
}

// NextExDividend returns the first ex-dividend event on or after now, or nil.
func (e *EnhancedStockData) NextExDividend(now time.Time) *CalendarEvent {
	var best *CalendarEvent
	for i := range e.CalendarEvents {
		ev := &e.CalendarEvents[i]
		if ev.Kind != EventExDividend || ev.Date.Before(now) {
			continue
		}
		if best == nil || ev.Date.Before(best.Date) {
			best = ev
		}
	}
	return best
}
