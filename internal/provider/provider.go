// Package provider implements the multi-provider data-access layer: a typed
// operation catalog, per-provider health and circuit breakers, token-bucket
// rate limiting, and a registry that routes each operation to a healthy
// provider with retries and one-step fallback.
package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
)

// Op names a routable provider operation. The strings are part of the
// configuration surface; adapters declare which they support.
type Op string

const (
	// OpScreenStocks filters the equity universe by fundamentals.
	OpScreenStocks Op = "screen_stocks"
	// OpGetQuote fetches one underlying quote.
	OpGetQuote Op = "get_quote"
	// OpGetQuotesBatch fetches quotes for many symbols in one call.
	OpGetQuotesBatch Op = "get_quotes_batch"
	// OpGetOptionChain fetches a filtered option chain with Greeks.
	OpGetOptionChain Op = "get_option_chain"
	// OpGetExpirations lists option expiration dates for an underlying.
	OpGetExpirations Op = "get_expirations"
	// OpGetStrikes lists strikes for an underlying and expiration.
	OpGetStrikes Op = "get_strikes"
	// OpGetFundamentals fetches the fundamental snapshot for a symbol.
	OpGetFundamentals Op = "get_fundamentals"
	// OpGetCalendarEvents fetches earnings/dividend calendar entries.
	OpGetCalendarEvents Op = "get_calendar_events"
	// OpGetTechnicals fetches the technical summary for a symbol.
	OpGetTechnicals Op = "get_technicals"
	// OpAnalyzePMCC runs the LLM analysis for one candidate dossier.
	OpAnalyzePMCC Op = "analyze_pmcc_opportunity"
)

// Provider is the minimal contract every adapter fulfils. Op handlers live on
// the per-group interfaces below; the registry verifies at registration time
// that a provider implements the group interface for every op it declares.
type Provider interface {
	Name() string
	SupportedOps() []Op
	// EstimateCredits predicts the upstream credit cost of one call covering
	// n units (symbols, contracts, or analyses depending on the op).
	EstimateCredits(op Op, n int) decimal.Decimal
	// HealthProbe performs a cheap upstream liveness check.
	HealthProbe(ctx context.Context) error
}

// ScreenRequest is the filter set for OpScreenStocks.
type ScreenRequest struct {
	Symbols      []string // non-empty restricts screening to these symbols
	MinMarketCap *decimal.Decimal
	MaxMarketCap *decimal.Decimal
	MinPrice     *decimal.Decimal
	MaxPrice     *decimal.Decimal
	MinAvgVolume int64
	Exchanges    []string
	Limit        int
}

// ScreenedStock is one row of a screening response.
type ScreenedStock struct {
	Symbol    string          `json:"symbol"`
	MarketCap decimal.Decimal `json:"market_cap"`
	Exchange  string          `json:"exchange"`
	Sector    string          `json:"sector"`
}

// StockScreener is the op group for OpScreenStocks.
type StockScreener interface {
	ScreenStocks(ctx context.Context, req ScreenRequest) ([]ScreenedStock, error)
}

// QuoteReader is the op group for OpGetQuote and OpGetQuotesBatch.
type QuoteReader interface {
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
	GetQuotesBatch(ctx context.Context, symbols []string) (map[string]*models.Quote, error)
}

// ChainFeed selects the upstream pricing feed for chain requests.
type ChainFeed string

const (
	// FeedLive requests live pricing; credits scale with response size.
	FeedLive ChainFeed = "live"
	// FeedCached requests cached pricing at a flat one-credit cost.
	FeedCached ChainFeed = "cached"
)

// ChainRequest is the filter set for OpGetOptionChain.
type ChainRequest struct {
	Underlying      string
	Side            models.OptionSide // empty = both sides
	MinDTE          int
	MaxDTE          int
	MinOpenInterest int64
	IncludeGreeks   bool
	Feed            ChainFeed
}

// OptionsReader is the op group for chain, expiration, and strike lookups.
type OptionsReader interface {
	GetOptionChain(ctx context.Context, req ChainRequest) (*models.OptionChain, error)
	GetExpirations(ctx context.Context, underlying string) ([]time.Time, error)
	GetStrikes(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error)
}

// FundamentalsReader is the op group for per-symbol fundamental data.
type FundamentalsReader interface {
	GetFundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error)
	GetCalendarEvents(ctx context.Context, symbol string, from, to time.Time) ([]models.CalendarEvent, error)
	GetTechnicals(ctx context.Context, symbol string) (*models.Technicals, error)
}

// MarketContext is scan-level context handed to the LLM alongside each
// candidate dossier.
type MarketContext struct {
	AsOf      time.Time        `json:"as_of"`
	VIX       *decimal.Decimal `json:"vix,omitempty"`
	TrendNote string           `json:"trend_note,omitempty"`
}

// AnalyzeRequest is the per-candidate dossier for OpAnalyzePMCC.
type AnalyzeRequest struct {
	Candidate models.PMCCCandidate      `json:"candidate"`
	Enhanced  *models.EnhancedStockData `json:"enhanced,omitempty"`
	Market    MarketContext             `json:"market"`
}

// PMCCAnalyzer is the op group for OpAnalyzePMCC.
type PMCCAnalyzer interface {
	AnalyzePMCC(ctx context.Context, req AnalyzeRequest) (*models.AIAnalysis, error)
}

// opGroup maps each op to a checker for the interface that must back it.
var opGroup = map[Op]func(Provider) bool{
	OpScreenStocks:      func(p Provider) bool { _, ok := p.(StockScreener); return ok },
	OpGetQuote:          func(p Provider) bool { _, ok := p.(QuoteReader); return ok },
	OpGetQuotesBatch:    func(p Provider) bool { _, ok := p.(QuoteReader); return ok },
	OpGetOptionChain:    func(p Provider) bool { _, ok := p.(OptionsReader); return ok },
	OpGetExpirations:    func(p Provider) bool { _, ok := p.(OptionsReader); return ok },
	OpGetStrikes:        func(p Provider) bool { _, ok := p.(OptionsReader); return ok },
	OpGetFundamentals:   func(p Provider) bool { _, ok := p.(FundamentalsReader); return ok },
	OpGetCalendarEvents: func(p Provider) bool { _, ok := p.(FundamentalsReader); return ok },
	OpGetTechnicals:     func(p Provider) bool { _, ok := p.(FundamentalsReader); return ok },
	OpAnalyzePMCC:       func(p Provider) bool { _, ok := p.(PMCCAnalyzer); return ok },
}

// KnownOp reports whether the op string is part of the catalog.
func KnownOp(op Op) bool {
	_, ok := opGroup[op]
	return ok
}

// DefaultRoutes builds the standard preference lists from the three provider
// roles: f screens and supplies fundamentals, o supplies options and quotes,
// l analyzes. Quotes prefer o with f as fallback.
func DefaultRoutes(f, o, l string) map[Op][]string {
	return map[Op][]string{
		OpScreenStocks:      {f},
		OpGetQuote:          {o, f},
		OpGetQuotesBatch:    {o, f},
		OpGetOptionChain:    {o},
		OpGetExpirations:    {o},
		OpGetStrikes:        {o},
		OpGetFundamentals:   {f},
		OpGetCalendarEvents: {f},
		OpGetTechnicals:     {f},
		OpAnalyzePMCC:       {l},
	}
}
