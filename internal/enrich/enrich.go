// Package enrich dispatches one LLM analysis per eligible opportunity through
// a bounded worker pool, under a daily USD budget. Results merge back into the
// opportunities as combined scores; failures leave the AI slot empty.
package enrich

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
)

// DefaultMaxConcurrent is the default analysis worker pool size.
const DefaultMaxConcurrent = 3

// Config tunes the enrichment stage.
type Config struct {
	MaxConcurrent  int             // 0 = DefaultMaxConcurrent
	DailyCostLimit decimal.Decimal // USD, zero = unlimited
}

// AnalysisSource is the slice of the provider registry the orchestrator needs.
type AnalysisSource interface {
	AnalyzePMCC(ctx context.Context, req provider.AnalyzeRequest) (*models.AIAnalysis, error)
	EstimateCredits(op provider.Op, units int) (decimal.Decimal, error)
}

// Report summarizes one enrichment batch.
type Report struct {
	Analyzed       int
	Failed         int
	BudgetExceeded int
	Cancelled      int
	Cost           decimal.Decimal
	Errors         []models.ScanError
}

// Orchestrator fans eligible opportunities out to the LLM provider.
type Orchestrator struct {
	source AnalysisSource
	cfg    Config
	logger *log.Logger
}

// New creates an orchestrator with defaults filled in.
func New(source AnalysisSource, cfg Config, logger *log.Logger) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Orchestrator{source: source, cfg: cfg, logger: logger}
}

// Enrich analyzes the given opportunities in place. Dispatch is FIFO over a
// worker pool; completions land in any order, so callers re-sort afterwards.
// Cancellation is honoured between candidates: in-flight analyses finish, the
// rest are counted as cancelled and keep their AI slot empty.
func (o *Orchestrator) Enrich(ctx context.Context, opps []*models.RankedOpportunity, market provider.MarketContext) *Report {
	report := &Report{}
	if len(opps) == 0 {
		return report
	}

	tracker := NewCostTracker(o.cfg.DailyCostLimit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	tasks := make(chan *models.RankedOpportunity)

	for range o.cfg.MaxConcurrent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for opp := range tasks {
				o.analyzeOne(ctx, opp, market, tracker, report, &mu)
			}
		}()
	}

dispatch:
	for _, opp := range opps {
		select {
		case <-ctx.Done():
			mu.Lock()
			report.Cancelled++
			report.Errors = append(report.Errors, scanError(opp.PMCC.Symbol,
				scanerr.Wrap(scanerr.KindCancelled, ctx.Err(), "analysis not dispatched")))
			mu.Unlock()
			continue dispatch // count every undispatched candidate
		case tasks <- opp:
		}
	}
	close(tasks)
	wg.Wait()

	report.Cost = tracker.Spent()
	return report
}

func (o *Orchestrator) analyzeOne(ctx context.Context, opp *models.RankedOpportunity, market provider.MarketContext, tracker *CostTracker, report *Report, mu *sync.Mutex) {
	symbol := opp.PMCC.Symbol

	estimate, err := o.source.EstimateCredits(provider.OpAnalyzePMCC, 1)
	if err != nil {
		o.fail(report, mu, symbol, err)
		return
	}
	if err := tracker.Reserve(estimate); err != nil {
		mu.Lock()
		report.BudgetExceeded++
		report.Errors = append(report.Errors, scanError(symbol, err))
		mu.Unlock()
		if o.logger != nil {
			o.logger.Printf("enrich: %s skipped: %v", symbol, err)
		}
		return
	}

	analysis, err := o.source.AnalyzePMCC(ctx, provider.AnalyzeRequest{
		Candidate: opp.PMCC,
		Enhanced:  opp.Enhanced,
		Market:    market,
	})
	if err != nil {
		// A parse failure consumed tokens upstream; keep the estimate as
		// spend. Everything else releases the reservation.
		if scanerr.IsKind(err, scanerr.KindParse) {
			tracker.Settle(estimate, estimate)
		} else {
			tracker.Settle(estimate, decimal.Zero)
		}
		o.fail(report, mu, symbol, err)
		return
	}

	tracker.Settle(estimate, analysis.CostEstimate)

	mu.Lock()
	report.Analyzed++
	mu.Unlock()
	opp.ApplyAI(analysis)
}

func (o *Orchestrator) fail(report *Report, mu *sync.Mutex, symbol string, err error) {
	if o.logger != nil {
		o.logger.Printf("enrich: %s failed: %v", symbol, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if scanerr.IsKind(err, scanerr.KindCancelled) {
		report.Cancelled++
	} else {
		report.Failed++
	}
	report.Errors = append(report.Errors, scanError(symbol, err))
}

func scanError(symbol string, err error) models.ScanError {
	return models.ScanError{
		Phase:      "enrich",
		Symbol:     symbol,
		Kind:       string(scanerr.KindOf(err)),
		Message:    err.Error(),
		ProviderID: scanerr.ProviderOf(err),
		Retryable:  scanerr.IsRetryable(err),
		At:         time.Now().UTC(),
	}
}
