// Package scanner orchestrates one end-to-end scan: screen, analyze chains in
// a bounded worker pool, score, optionally enhance and AI-enrich the top
// candidates, export the artifact, and notify.
package scanner

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pmcc-scanner/internal/analyzer"
	"pmcc-scanner/internal/collector"
	"pmcc-scanner/internal/enrich"
	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/notify"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
	"pmcc-scanner/internal/screener"
)

// Defaults.
const (
	DefaultAnalysisWorkers = 10
	DefaultDeadline        = 30 * time.Minute
	DefaultTopK            = 10
)

// Config tunes one scan run.
type Config struct {
	Screening       screener.Criteria
	AnalysisWorkers int           // 0 = DefaultAnalysisWorkers
	Deadline        time.Duration // 0 = DefaultDeadline
	TopK            int           // final list size, 0 = DefaultTopK
	AIEnabled       bool
	RetainChains    bool // include full chains in the artifact
	ChatTopN        int
	ExportJSONPath  string
	ExportCSVPath   string
	ConfigSnapshot  json.RawMessage
	Market          provider.MarketContext
}

func (c *Config) normalize() {
	if c.AnalysisWorkers <= 0 {
		c.AnalysisWorkers = DefaultAnalysisWorkers
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
}

// Screener produces the symbol list for a scan.
type Screener interface {
	Screen(ctx context.Context, crit screener.Criteria) ([]screener.ScreenedSymbol, error)
}

// Analyzer produces per-symbol candidates and re-scores them once collected
// technicals are available.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string, quote *models.Quote, events []models.CalendarEvent) (*analyzer.Result, error)
	Rescore(cand *models.PMCCCandidate, technicals *models.Technicals)
}

// Collector gathers enhanced data for the AI stage.
type Collector interface {
	Collect(ctx context.Context, symbols []string) *collector.Result
	Eligible(e *models.EnhancedStockData) bool
}

// Enricher runs the LLM stage.
type Enricher interface {
	Enrich(ctx context.Context, opps []*models.RankedOpportunity, market provider.MarketContext) *enrich.Report
}

// Notifier delivers the final report.
type Notifier interface {
	Deliver(ctx context.Context, primary, secondary *notify.Message) error
}

// UsageSource exposes per-provider traffic accounting.
type UsageSource interface {
	Usage() map[string]models.ProviderUsage
}

// Scanner is the coordinator. All stage dependencies are injected; collector,
// enricher, and notifier may be nil when their stages are disabled.
type Scanner struct {
	screener  Screener
	analyzer  Analyzer
	collector Collector
	enricher  Enricher
	notifier  Notifier
	usage     UsageSource
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
}

// New wires a scanner.
func New(scr Screener, an Analyzer, col Collector, enr Enricher, ntf Notifier, usage UsageSource, cfg Config, logger *log.Logger) *Scanner {
	cfg.normalize()
	return &Scanner{
		screener:  scr,
		analyzer:  an,
		collector: col,
		enricher:  enr,
		notifier:  ntf,
		usage:     usage,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type symbolOutcome struct {
	symbol string
	result *analyzer.Result
	err    error
}

// Run executes one scan. The returned results are populated even on error so
// partial runs can still be exported; a non-nil error marks the run as
// unrecoverable (empty screen, cancelled before any work).
func (s *Scanner) Run(ctx context.Context) (*models.ScanResults, error) {
	results := &models.ScanResults{
		ScanID:         uuid.NewString(),
		StartedAt:      s.now().UTC(),
		ConfigSnapshot: s.cfg.ConfigSnapshot,
		Opportunities:  []models.RankedOpportunity{},
	}
	defer s.finish(results)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	symbols, err := s.screener.Screen(ctx, s.cfg.Screening)
	if err != nil {
		results.AddError(stageError("screen", "", err))
		return results, scanerr.Wrap(scanerr.KindOf(err), err, "screening failed")
	}
	results.Stats.Screened = len(symbols)
	results.Stats.PassedScreening = len(symbols)
	if len(symbols) == 0 {
		return results, scanerr.New(scanerr.KindNoData, "screening produced no symbols")
	}
	s.logf("scan %s: %d symbols to analyze", results.ScanID, len(symbols))

	candidates := s.analyzeAll(ctx, symbols, results)
	results.Stats.CandidatesFound = len(candidates)

	for _, cand := range candidates {
		opp := models.NewRankedOpportunity(*cand)
		results.Opportunities = append(results.Opportunities, opp)
	}
	results.SortOpportunities()

	if s.cfg.AIEnabled && s.collector != nil && s.enricher != nil && len(results.Opportunities) > 0 {
		s.enrichTop(ctx, results)
	}

	results.SortOpportunities()
	results.Truncate(s.cfg.TopK)
	return results, nil
}

// analyzeAll fans symbols out to the analysis pool and drains candidate
// results. Chain errors stay local to their symbol.
func (s *Scanner) analyzeAll(ctx context.Context, symbols []screener.ScreenedSymbol, results *models.ScanResults) []*models.PMCCCandidate {
	workers := min(s.cfg.AnalysisWorkers, len(symbols))
	jobs := make(chan screener.ScreenedSymbol)
	outcomes := make(chan symbolOutcome, workers*2)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range jobs {
				if err := ctx.Err(); err != nil {
					outcomes <- symbolOutcome{symbol: sym.Symbol,
						err: scanerr.Wrap(scanerr.KindCancelled, err, "analysis abandoned").WithSymbol(sym.Symbol)}
					continue
				}
				res, err := s.analyzer.Analyze(ctx, sym.Symbol, sym.Quote, nil)
				outcomes <- symbolOutcome{symbol: sym.Symbol, result: res, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, sym := range symbols {
			select {
			case jobs <- sym:
			case <-ctx.Done():
				// undispatched symbols are reported after the drain
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var candidates []*models.PMCCCandidate
	dispatched := make(map[string]bool, len(symbols))
	for out := range outcomes {
		dispatched[out.symbol] = true
		s.recordOutcome(out, results, &candidates)
	}

	if ctx.Err() != nil {
		for _, sym := range symbols {
			if !dispatched[sym.Symbol] {
				results.AddError(stageError("analyze", sym.Symbol,
					scanerr.Wrap(scanerr.KindCancelled, ctx.Err(), "scan deadline reached")))
			}
		}
	}
	return candidates
}

func (s *Scanner) recordOutcome(out symbolOutcome, results *models.ScanResults, candidates *[]*models.PMCCCandidate) {
	if out.err != nil {
		if scanerr.IsKind(out.err, scanerr.KindNoChain) || scanerr.IsKind(out.err, scanerr.KindNoData) {
			results.AddWarning(out.symbol + ": " + out.err.Error())
		} else {
			results.AddError(stageError("analyze", out.symbol, out.err))
		}
		return
	}
	results.Stats.ChainsAnalyzed++
	results.Stats.InvariantViolations += out.result.InvariantViolations
	*candidates = append(*candidates, out.result.Candidates...)
}

// enrichTop runs the collector and LLM stages over the current top
// opportunities: collected calendar data refreshes the early-assignment flag,
// collected technicals replace the neutral technical sub-score, and eligible
// candidates go to the LLM. Warnings and errors merge back into the results.
func (s *Scanner) enrichTop(ctx context.Context, results *models.ScanResults) {
	var symbols []string
	seen := make(map[string]bool)
	for i := range results.Opportunities {
		sym := results.Opportunities[i].PMCC.Symbol
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	collected := s.collector.Collect(ctx, symbols)
	results.Warnings = append(results.Warnings, collected.Warnings...)
	results.Errors = append(results.Errors, collected.Errors...)

	now := s.now().UTC()
	var eligible []*models.RankedOpportunity
	for i := range results.Opportunities {
		opp := &results.Opportunities[i]
		data, ok := collected.Data[opp.PMCC.Symbol]
		if !ok {
			continue
		}
		opp.Enhanced = data
		if data != nil {
			analyzer.FlagEarlyAssignment(&opp.PMCC, data.CalendarEvents, now)
			if data.Technicals != nil {
				s.analyzer.Rescore(&opp.PMCC, data.Technicals)
				opp.CombinedScore = opp.PMCC.TraditionalScore
			}
		}
		if s.collector.Eligible(data) {
			eligible = append(eligible, opp)
		}
	}

	report := s.enricher.Enrich(ctx, eligible, s.cfg.Market)
	results.Stats.AIAnalyzed = report.Analyzed
	results.Errors = append(results.Errors, report.Errors...)
	s.logf("scan %s: ai analyzed %d, failed %d, budget-stopped %d, cost $%s",
		results.ScanID, report.Analyzed, report.Failed, report.BudgetExceeded, report.Cost)
}

// Finalize exports the artifact and sends notifications. Call after Run,
// including for failed runs; export happens even when the scan aborted.
func (s *Scanner) Finalize(ctx context.Context, results *models.ScanResults) {
	if !s.cfg.RetainChains {
		for i := range results.Opportunities {
			results.Opportunities[i].Chain = nil
		}
	}
	if s.usage != nil {
		results.ProviderUsage = s.usage.Usage()
	}

	var artifact []byte
	if s.cfg.ExportJSONPath != "" {
		data, err := ExportJSON(results, s.cfg.ExportJSONPath)
		if err != nil {
			results.AddError(stageError("export", "", err))
			s.logf("scan %s: json export failed: %v", results.ScanID, err)
		} else {
			artifact = data
		}
	}
	if s.cfg.ExportCSVPath != "" {
		if err := ExportCSV(results, s.cfg.ExportCSVPath); err != nil {
			results.AddError(stageError("export", "", err))
			s.logf("scan %s: csv export failed: %v", results.ScanID, err)
		}
	}

	if s.notifier != nil {
		primary, secondary := notify.BuildMessages(results, artifact, s.cfg.ChatTopN)
		if err := s.notifier.Deliver(ctx, primary, secondary); err != nil {
			results.AddError(stageError("notify", "", err))
			s.logf("scan %s: notification failed: %v", results.ScanID, err)
		}
	}
}

func (s *Scanner) finish(results *models.ScanResults) {
	results.CompletedAt = s.now().UTC()
}

func (s *Scanner) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func stageError(phase, symbol string, err error) models.ScanError {
	return models.ScanError{
		Phase:      phase,
		Symbol:     symbol,
		Kind:       string(scanerr.KindOf(err)),
		Message:    err.Error(),
		ProviderID: scanerr.ProviderOf(err),
		Retryable:  scanerr.IsRetryable(err),
	}
}

// ExitCode maps a finished run onto the process exit status: 0 for a
// completed scan even with warnings, 1 for an unrecoverable abort or a
// deadline hit with nothing found.
func ExitCode(results *models.ScanResults, err error) int {
	if err != nil {
		return 1
	}
	if results == nil {
		return 1
	}
	for _, e := range results.Errors {
		if e.Kind == string(scanerr.KindCancelled) && len(results.Opportunities) == 0 {
			return 1
		}
	}
	return 0
}
