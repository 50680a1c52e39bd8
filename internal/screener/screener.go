// Package screener resolves the scan universe: it screens the equity universe
// by fundamentals, attaches fresh quotes, and produces the capped, market-cap
// ordered symbol list the per-symbol analysis fans out over.
package screener

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
)

// DefaultMaxSymbols caps the universe for one scan.
const DefaultMaxSymbols = 500

// Universe selects how candidate symbols are resolved.
type Universe string

const (
	// UniversePredefined screens the whole market through the provider's
	// screener with the configured numeric filters.
	UniversePredefined Universe = "predefined_list"
	// UniverseCustom restricts the scan to an explicit symbol list.
	UniverseCustom Universe = "custom_symbols"
)

// Criteria is the screening filter set.
type Criteria struct {
	Universe     Universe
	Symbols      []string // required for UniverseCustom
	MinMarketCap *decimal.Decimal
	MaxMarketCap *decimal.Decimal
	MinPrice     *decimal.Decimal
	MaxPrice     *decimal.Decimal
	MinAvgVolume int64
	Exchanges    []string
	MaxSymbols   int  // 0 = DefaultMaxSymbols
	AttachQuotes bool // fetch quotes and drop symbols with stale or missing ones
}

// Validate checks the criteria before a scan starts.
func (c *Criteria) Validate() error {
	switch c.Universe {
	case UniversePredefined:
	case UniverseCustom:
		if len(c.Symbols) == 0 {
			return scanerr.New(scanerr.KindConfig, "screening: custom_symbols universe needs at least one symbol")
		}
	default:
		return scanerr.New(scanerr.KindConfig, "screening: unknown universe %q", c.Universe)
	}
	if c.MinMarketCap != nil && c.MaxMarketCap != nil && c.MinMarketCap.GreaterThan(*c.MaxMarketCap) {
		return scanerr.New(scanerr.KindConfig, "screening: min_market_cap above max_market_cap")
	}
	if c.MinPrice != nil && c.MaxPrice != nil && c.MinPrice.GreaterThan(*c.MaxPrice) {
		return scanerr.New(scanerr.KindConfig, "screening: min_price above max_price")
	}
	return nil
}

// ScreenedSymbol is one universe entry with its market cap and, when quote
// attachment is enabled, a fresh quote.
type ScreenedSymbol struct {
	Symbol    string
	MarketCap decimal.Decimal
	Quote     *models.Quote
}

// MarketData is the slice of the provider registry the screener needs.
type MarketData interface {
	ScreenStocks(ctx context.Context, req provider.ScreenRequest) ([]provider.ScreenedStock, error)
	GetQuotesBatch(ctx context.Context, symbols []string) (map[string]*models.Quote, error)
}

// Screener turns screening criteria into the ordered scan universe.
type Screener struct {
	data   MarketData
	logger *log.Logger
	now    func() time.Time
}

// New creates a screener on top of the given data source.
func New(data MarketData, logger *log.Logger) *Screener {
	return &Screener{data: data, logger: logger, now: time.Now}
}

// Screen resolves the universe: screen, optionally attach quotes and drop
// stale ones, dedupe, sort by market cap descending, cap.
func (s *Screener) Screen(ctx context.Context, crit Criteria) ([]ScreenedSymbol, error) {
	if err := crit.Validate(); err != nil {
		return nil, err
	}

	req := provider.ScreenRequest{
		MinMarketCap: crit.MinMarketCap,
		MaxMarketCap: crit.MaxMarketCap,
		MinPrice:     crit.MinPrice,
		MaxPrice:     crit.MaxPrice,
		MinAvgVolume: crit.MinAvgVolume,
		Exchanges:    crit.Exchanges,
		Limit:        maxSymbols(crit),
	}
	if crit.Universe == UniverseCustom {
		req.Symbols = crit.Symbols
	}

	rows, err := s.data.ScreenStocks(ctx, req)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	out := make([]ScreenedSymbol, 0, len(rows))
	for _, row := range rows {
		if row.Symbol == "" || seen[row.Symbol] {
			continue
		}
		seen[row.Symbol] = true
		out = append(out, ScreenedSymbol{Symbol: row.Symbol, MarketCap: row.MarketCap})
	}

	if crit.AttachQuotes && len(out) > 0 {
		out, err = s.attachQuotes(ctx, out)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].MarketCap.Equal(out[j].MarketCap) {
			return out[i].MarketCap.GreaterThan(out[j].MarketCap)
		}
		return out[i].Symbol < out[j].Symbol
	})

	if limit := maxSymbols(crit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// attachQuotes fetches quotes for the screened list and drops symbols whose
// quote is missing or older than one trading day.
func (s *Screener) attachQuotes(ctx context.Context, in []ScreenedSymbol) ([]ScreenedSymbol, error) {
	symbols := make([]string, len(in))
	for i, row := range in {
		symbols[i] = row.Symbol
	}

	quotes, err := s.data.GetQuotesBatch(ctx, symbols)
	if err != nil {
		return nil, err
	}

	cutoff := previousTradingDay(s.now().UTC())
	out := in[:0]
	for _, row := range in {
		q, ok := quotes[row.Symbol]
		if !ok || q == nil || q.Price() == nil {
			if s.logger != nil {
				s.logger.Printf("screener: dropping %s, no usable quote", row.Symbol)
			}
			continue
		}
		if q.UpdatedAt.Before(cutoff) {
			if s.logger != nil {
				s.logger.Printf("screener: dropping %s, quote stale since %s", row.Symbol, q.UpdatedAt.Format(time.RFC3339))
			}
			continue
		}
		row.Quote = q
		out = append(out, row)
	}
	return out, nil
}

func maxSymbols(crit Criteria) int {
	if crit.MaxSymbols > 0 {
		return crit.MaxSymbols
	}
	return DefaultMaxSymbols
}

// previousTradingDay returns midnight UTC of the trading day before now,
// skipping weekends. A quote older than this is more than one trading day old.
func previousTradingDay(now time.Time) time.Time {
	day := now.Truncate(24 * time.Hour)
	for {
		day = day.AddDate(0, 0, -1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return day
		}
	}
}
