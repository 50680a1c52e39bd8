// Package collector gathers the optional per-symbol context (fundamentals,
// calendar events, technicals) ahead of AI analysis. It fans out over the top
// candidates with bounded concurrency; individual fetch failures degrade the
// symbol's completeness score instead of failing the batch.
package collector

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/scanerr"
)

// Defaults.
const (
	DefaultTopM                  = 25
	DefaultConcurrency           = 5
	DefaultMinCompletenessForAI  = 60
	DefaultCalendarLookaheadDays = 90
	DefaultEarningsFlagDays      = 21
)

// Config tunes the collection fan-out.
type Config struct {
	TopM                  int     // symbols collected per scan, 0 = DefaultTopM
	Concurrency           int     // parallel symbol fetches, 0 = DefaultConcurrency
	MinCompletenessForAI  float64 // 0 = DefaultMinCompletenessForAI
	CalendarLookaheadDays int     // 0 = DefaultCalendarLookaheadDays
	EarningsFlagDays      int     // 0 = DefaultEarningsFlagDays
}

func (c *Config) normalize() {
	if c.TopM <= 0 {
		c.TopM = DefaultTopM
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MinCompletenessForAI <= 0 {
		c.MinCompletenessForAI = DefaultMinCompletenessForAI
	}
	if c.CalendarLookaheadDays <= 0 {
		c.CalendarLookaheadDays = DefaultCalendarLookaheadDays
	}
	if c.EarningsFlagDays <= 0 {
		c.EarningsFlagDays = DefaultEarningsFlagDays
	}
}

// DataSource is the slice of the provider registry the collector needs.
type DataSource interface {
	GetFundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error)
	GetCalendarEvents(ctx context.Context, symbol string, from, to time.Time) ([]models.CalendarEvent, error)
	GetTechnicals(ctx context.Context, symbol string) (*models.Technicals, error)
}

// Result is the outcome of one collection batch.
type Result struct {
	Data     map[string]*models.EnhancedStockData
	Warnings []string
	Errors   []models.ScanError
}

// Collector fetches enhanced data for the top candidates of a scan.
type Collector struct {
	data   DataSource
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New creates a collector with defaults filled in.
func New(data DataSource, cfg Config, logger *log.Logger) *Collector {
	cfg.normalize()
	return &Collector{data: data, cfg: cfg, logger: logger, now: time.Now}
}

// Collect fetches enhanced data for up to TopM symbols in parallel. Symbols
// beyond the cap are skipped. The returned map has an entry for every symbol
// attempted, including ones whose fetches all failed.
func (c *Collector) Collect(ctx context.Context, symbols []string) *Result {
	symbols = dedupe(symbols)
	if len(symbols) > c.cfg.TopM {
		symbols = symbols[:c.cfg.TopM]
	}

	res := &Result{Data: make(map[string]*models.EnhancedStockData, len(symbols))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, symbol := range symbols {
		g.Go(func() error {
			data, warnings, errs := c.collectOne(gctx, symbol)
			mu.Lock()
			res.Data[symbol] = data
			res.Warnings = append(res.Warnings, warnings...)
			res.Errors = append(res.Errors, errs...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // workers never return errors; partial data is the contract

	return res
}

// Eligible reports whether the symbol's data is complete enough for AI
// analysis.
func (c *Collector) Eligible(e *models.EnhancedStockData) bool {
	if e == nil {
		return false
	}
	return e.CompletenessScore.GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.MinCompletenessForAI))
}

// collectOne runs the three fetches for a single symbol sequentially, tolerating
// each failure independently.
func (c *Collector) collectOne(ctx context.Context, symbol string) (*models.EnhancedStockData, []string, []models.ScanError) {
	now := c.now().UTC()
	data := &models.EnhancedStockData{Symbol: symbol, CollectedAt: now}

	var warnings []string
	var errs []models.ScanError
	record := func(op string, err error) {
		if err == nil {
			return
		}
		if c.logger != nil {
			c.logger.Printf("collector: %s %s: %v", op, symbol, err)
		}
		if scanerr.IsKind(err, scanerr.KindNoData) {
			warnings = append(warnings, fmt.Sprintf("%s: no %s data", symbol, op))
			return
		}
		errs = append(errs, models.ScanError{
			Phase:      "collect",
			Symbol:     symbol,
			Kind:       string(scanerr.KindOf(err)),
			Message:    err.Error(),
			ProviderID: scanerr.ProviderOf(err),
			Retryable:  scanerr.IsRetryable(err),
			At:         now,
		})
	}

	fundamentals, err := c.data.GetFundamentals(ctx, symbol)
	record("fundamentals", err)
	if err == nil {
		data.Fundamentals = fundamentals
	}

	to := now.AddDate(0, 0, c.cfg.CalendarLookaheadDays)
	events, err := c.data.GetCalendarEvents(ctx, symbol, now, to)
	record("calendar", err)
	if err == nil {
		data.CalendarEvents = events
		if data.CalendarEvents == nil {
			data.CalendarEvents = []models.CalendarEvent{}
		}
		if ev := data.EarningsWithin(now, c.cfg.EarningsFlagDays); ev != nil {
			warnings = append(warnings, fmt.Sprintf("%s: earnings on %s within %d days",
				symbol, ev.Date.Format("2006-01-02"), c.cfg.EarningsFlagDays))
		}
	}

	technicals, err := c.data.GetTechnicals(ctx, symbol)
	record("technicals", err)
	if err == nil {
		data.Technicals = technicals
	}

	data.ComputeCompleteness()
	return data, warnings, errs
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := symbols[:0:0]
	for _, s := range symbols {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
