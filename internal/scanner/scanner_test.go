package scanner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmcc-scanner/internal/analyzer"
	"pmcc-scanner/internal/collector"
	"pmcc-scanner/internal/enrich"
	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/notify"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
	"pmcc-scanner/internal/screener"
)

func candidate(t *testing.T, symbol string, score float64) *models.PMCCCandidate {
	t.Helper()
	now := time.Now().UTC()
	long := models.OptionContract{
		Side:       models.SideCall,
		Strike:     decimal.NewFromInt(160),
		Expiration: now.AddDate(0, 0, 400),
		Bid:        decimal.NewFromFloat(38.00),
		Ask:        decimal.NewFromFloat(39.00),
	}
	short := models.OptionContract{
		Side:       models.SideCall,
		Strike:     decimal.NewFromInt(210),
		Expiration: now.AddDate(0, 0, 35),
		Bid:        decimal.NewFromFloat(2.40),
		Ask:        decimal.NewFromFloat(2.50),
	}
	cand, err := models.NewPMCCCandidate(symbol, decimal.NewFromInt(190), long, short, 0)
	require.NoError(t, err)
	cand.TraditionalScore = decimal.NewFromFloat(score)
	return cand
}

type fakeScreener struct {
	symbols []screener.ScreenedSymbol
	err     error
}

func (f *fakeScreener) Screen(ctx context.Context, crit screener.Criteria) ([]screener.ScreenedSymbol, error) {
	return f.symbols, f.err
}

type fakeAnalyzer struct {
	results  map[string]*analyzer.Result
	errs     map[string]error
	block    bool // wait for ctx cancellation before answering
	rescored []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, symbol string, quote *models.Quote, events []models.CalendarEvent) (*analyzer.Result, error) {
	if f.block {
		<-ctx.Done()
		return &analyzer.Result{Symbol: symbol},
			scanerr.Wrap(scanerr.KindCancelled, ctx.Err(), "chain fetch abandoned").WithSymbol(symbol)
	}
	if err := f.errs[symbol]; err != nil {
		return &analyzer.Result{Symbol: symbol}, err
	}
	if res := f.results[symbol]; res != nil {
		return res, nil
	}
	return &analyzer.Result{Symbol: symbol}, nil
}

func (f *fakeAnalyzer) Rescore(cand *models.PMCCCandidate, technicals *models.Technicals) {
	f.rescored = append(f.rescored, cand.Symbol)
	cand.TraditionalScore = cand.TraditionalScore.Add(decimal.NewFromInt(10))
}

type fakeCollector struct {
	data     map[string]*models.EnhancedStockData
	eligible map[string]bool
}

func (f *fakeCollector) Collect(ctx context.Context, symbols []string) *collector.Result {
	out := &collector.Result{Data: map[string]*models.EnhancedStockData{}}
	for _, s := range symbols {
		if d, ok := f.data[s]; ok {
			out.Data[s] = d
		}
	}
	return out
}

func (f *fakeCollector) Eligible(e *models.EnhancedStockData) bool {
	return e != nil && f.eligible[e.Symbol]
}

type fakeEnricher struct {
	score decimal.Decimal
	got   []string
}

func (f *fakeEnricher) Enrich(ctx context.Context, opps []*models.RankedOpportunity, market provider.MarketContext) *enrich.Report {
	report := &enrich.Report{}
	for _, opp := range opps {
		f.got = append(f.got, opp.PMCC.Symbol)
		opp.ApplyAI(&models.AIAnalysis{
			Symbol:         opp.PMCC.Symbol,
			AIScore:        f.score,
			Recommendation: models.RecommendBuy,
			Confidence:     decimal.NewFromInt(70),
		})
		report.Analyzed++
	}
	return report
}

type fakeNotifier struct {
	primary   *notify.Message
	secondary *notify.Message
	err       error
}

func (f *fakeNotifier) Deliver(ctx context.Context, primary, secondary *notify.Message) error {
	f.primary, f.secondary = primary, secondary
	return f.err
}

type fakeUsage struct{ usage map[string]models.ProviderUsage }

func (f *fakeUsage) Usage() map[string]models.ProviderUsage { return f.usage }

func symbolsOf(names ...string) []screener.ScreenedSymbol {
	out := make([]screener.ScreenedSymbol, 0, len(names))
	for _, n := range names {
		out = append(out, screener.ScreenedSymbol{Symbol: n})
	}
	return out
}

func TestRun_HappyPathAIOff(t *testing.T) {
	scr := &fakeScreener{symbols: symbolsOf("AAA", "BBB", "CCC")}
	an := &fakeAnalyzer{
		results: map[string]*analyzer.Result{
			"AAA": {Symbol: "AAA", Candidates: []*models.PMCCCandidate{candidate(t, "AAA", 72)}},
			"CCC": {Symbol: "CCC", Candidates: []*models.PMCCCandidate{candidate(t, "CCC", 81)}},
		},
		errs: map[string]error{
			"BBB": scanerr.New(scanerr.KindNoChain, "empty chain").WithSymbol("BBB"),
		},
	}

	s := New(scr, an, nil, nil, nil, nil, Config{}, nil)
	results, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, results.Stats.Screened)
	assert.Equal(t, 2, results.Stats.ChainsAnalyzed)
	assert.Equal(t, 2, results.Stats.CandidatesFound)
	assert.Equal(t, 0, results.Stats.AIAnalyzed)

	require.Len(t, results.Opportunities, 2)
	assert.Equal(t, "CCC", results.Opportunities[0].PMCC.Symbol, "sorted by score desc")
	for _, opp := range results.Opportunities {
		assert.True(t, opp.CombinedScore.Equal(opp.PMCC.TraditionalScore))
	}

	require.Len(t, results.Warnings, 1, "missing chain is a warning, not an error")
	assert.Contains(t, results.Warnings[0], "BBB")
	assert.Empty(t, results.Errors)
	assert.NotEmpty(t, results.ScanID)
	assert.False(t, results.CompletedAt.IsZero())
	assert.Equal(t, 0, ExitCode(results, err))
}

func TestRun_AIEnabledMergesEligibleOnly(t *testing.T) {
	scr := &fakeScreener{symbols: symbolsOf("AAA", "BBB")}
	an := &fakeAnalyzer{
		results: map[string]*analyzer.Result{
			"AAA": {Symbol: "AAA", Candidates: []*models.PMCCCandidate{candidate(t, "AAA", 70)}},
			"BBB": {Symbol: "BBB", Candidates: []*models.PMCCCandidate{candidate(t, "BBB", 75)}},
		},
	}
	col := &fakeCollector{
		data: map[string]*models.EnhancedStockData{
			"AAA": {Symbol: "AAA", CompletenessScore: decimal.NewFromInt(90)},
			"BBB": {Symbol: "BBB", CompletenessScore: decimal.NewFromInt(10)},
		},
		eligible: map[string]bool{"AAA": true},
	}
	enr := &fakeEnricher{score: decimal.NewFromInt(85)}

	s := New(scr, an, col, enr, nil, nil, Config{AIEnabled: true}, nil)
	results, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, enr.got, "only complete-enough symbols reach the LLM")
	assert.Equal(t, 1, results.Stats.AIAnalyzed)

	byName := map[string]*models.RankedOpportunity{}
	for i := range results.Opportunities {
		byName[results.Opportunities[i].PMCC.Symbol] = &results.Opportunities[i]
	}
	require.NotNil(t, byName["AAA"].AI)
	assert.Nil(t, byName["BBB"].AI)
	assert.NotNil(t, byName["BBB"].Enhanced, "partial data still attached")

	// AAA: 0.6*70 + 0.4*85 = 76 beats BBB's 75
	assert.Equal(t, "AAA", results.Opportunities[0].PMCC.Symbol)
}

func TestRun_CollectedTechnicalsRescoreTopCandidates(t *testing.T) {
	scr := &fakeScreener{symbols: symbolsOf("AAA", "BBB")}
	an := &fakeAnalyzer{
		results: map[string]*analyzer.Result{
			"AAA": {Symbol: "AAA", Candidates: []*models.PMCCCandidate{candidate(t, "AAA", 70)}},
			"BBB": {Symbol: "BBB", Candidates: []*models.PMCCCandidate{candidate(t, "BBB", 75)}},
		},
	}
	col := &fakeCollector{
		data: map[string]*models.EnhancedStockData{
			"AAA": {Symbol: "AAA", Technicals: &models.Technicals{Trend: "uptrend"}},
			"BBB": {Symbol: "BBB"},
		},
	}
	enr := &fakeEnricher{score: decimal.NewFromInt(85)}

	s := New(scr, an, col, enr, nil, nil, Config{AIEnabled: true}, nil)
	results, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, an.rescored,
		"only symbols with collected technicals are re-scored")

	// AAA's traditional score moves from 70 to 80 and overtakes BBB's 75
	require.Len(t, results.Opportunities, 2)
	assert.Equal(t, "AAA", results.Opportunities[0].PMCC.Symbol)
	assert.True(t, results.Opportunities[0].CombinedScore.Equal(decimal.NewFromInt(80)),
		"got %s", results.Opportunities[0].CombinedScore)
}

func TestRun_EmptyScreenAborts(t *testing.T) {
	s := New(&fakeScreener{}, &fakeAnalyzer{}, nil, nil, nil, nil, Config{}, nil)
	results, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(results, err))
}

func TestRun_ScreenFailureAborts(t *testing.T) {
	scr := &fakeScreener{err: scanerr.New(scanerr.KindNoProviderAvailable, "all breakers open")}
	s := New(scr, &fakeAnalyzer{}, nil, nil, nil, nil, Config{}, nil)

	results, err := s.Run(context.Background())
	require.Error(t, err)
	require.Len(t, results.Errors, 1)
	assert.Equal(t, "screen", results.Errors[0].Phase)
}

func TestRun_DeadlineCancelsWorkers(t *testing.T) {
	scr := &fakeScreener{symbols: symbolsOf("AAA", "BBB", "CCC")}
	an := &fakeAnalyzer{block: true}

	s := New(scr, an, nil, nil, nil, nil, Config{
		AnalysisWorkers: 1,
		Deadline:        50 * time.Millisecond,
	}, nil)

	start := time.Now()
	results, err := s.Run(context.Background())
	require.NoError(t, err, "a deadline is a partial result, not a run error")
	assert.Less(t, time.Since(start), 5*time.Second)

	cancelled := 0
	for _, e := range results.Errors {
		if e.Kind == string(scanerr.KindCancelled) {
			cancelled++
		}
	}
	assert.Equal(t, 3, cancelled, "every unfinished symbol gets a cancelled entry")
	assert.Equal(t, 1, ExitCode(results, err), "deadline with zero opportunities fails the run")
}

func TestRun_TopKTruncation(t *testing.T) {
	scr := &fakeScreener{symbols: symbolsOf("AAA")}
	var cands []*models.PMCCCandidate
	for i := range 5 {
		cands = append(cands, candidate(t, "AAA", float64(60+i)))
	}
	an := &fakeAnalyzer{results: map[string]*analyzer.Result{
		"AAA": {Symbol: "AAA", Candidates: cands},
	}}

	s := New(scr, an, nil, nil, nil, nil, Config{TopK: 2}, nil)
	results, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results.Opportunities, 2)
	assert.True(t, results.Opportunities[0].CombinedScore.Equal(decimal.NewFromInt(64)))
}

func TestFinalize_ExportsAndNotifies(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "out", "scan.json")
	csvPath := filepath.Join(dir, "out", "scan.csv")

	ntf := &fakeNotifier{}
	usage := &fakeUsage{usage: map[string]models.ProviderUsage{
		"tradier": {Calls: 12, Credits: decimal.NewFromInt(12)},
	}}
	s := New(nil, nil, nil, nil, ntf, usage, Config{
		ExportJSONPath: jsonPath,
		ExportCSVPath:  csvPath,
	}, nil)

	results := &models.ScanResults{
		ScanID:    "scan-test",
		StartedAt: time.Date(2026, 8, 25, 13, 30, 0, 0, time.UTC),
		Opportunities: []models.RankedOpportunity{
			models.NewRankedOpportunity(*candidate(t, "AAPL", 77)),
		},
	}
	s.Finalize(context.Background(), results)
	assert.Empty(t, results.Errors)

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var parsed models.ScanResults
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "scan-test", parsed.ScanID)
	require.Len(t, parsed.Opportunities, 1)
	assert.True(t, parsed.Opportunities[0].PMCC.NetDebit.Equal(decimal.RequireFromString("36.60")))
	require.Contains(t, parsed.ProviderUsage, "tradier")
	assert.Equal(t, int64(12), parsed.ProviderUsage["tradier"].Calls)

	csvRaw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvRaw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "symbol,underlying_price,long_strike"))
	assert.True(t, strings.HasPrefix(lines[1], "AAPL,190.00,160.00"))

	require.NotNil(t, ntf.primary)
	require.NotNil(t, ntf.secondary)
	require.Len(t, ntf.secondary.Attachments, 1)
	assert.JSONEq(t, string(raw), string(ntf.secondary.Attachments[0].Data))
}

func TestFinalize_NotificationFailureIsNonFatal(t *testing.T) {
	ntf := &fakeNotifier{err: scanerr.New(scanerr.KindNotificationFailure, "all channels failed")}
	s := New(nil, nil, nil, nil, ntf, nil, Config{}, nil)

	results := &models.ScanResults{ScanID: "x", StartedAt: time.Now().UTC()}
	s.Finalize(context.Background(), results)

	require.Len(t, results.Errors, 1)
	assert.Equal(t, "notify", results.Errors[0].Phase)
	assert.Equal(t, 0, ExitCode(results, nil), "failed delivery does not invalidate the artifact")
}

func TestFinalize_DropsChainsUnlessRetained(t *testing.T) {
	chain := &models.OptionChain{Underlying: "AAPL"}
	results := &models.ScanResults{
		StartedAt: time.Now().UTC(),
		Opportunities: []models.RankedOpportunity{
			{PMCC: *candidate(t, "AAPL", 70), Chain: chain},
		},
	}

	s := New(nil, nil, nil, nil, nil, nil, Config{}, nil)
	s.Finalize(context.Background(), results)
	assert.Nil(t, results.Opportunities[0].Chain)

	results.Opportunities[0].Chain = chain
	s = New(nil, nil, nil, nil, nil, nil, Config{RetainChains: true}, nil)
	s.Finalize(context.Background(), results)
	assert.NotNil(t, results.Opportunities[0].Chain)
}

func TestExitCode(t *testing.T) {
	ok := &models.ScanResults{Opportunities: []models.RankedOpportunity{{}}}
	assert.Equal(t, 0, ExitCode(ok, nil))
	assert.Equal(t, 1, ExitCode(nil, scanerr.New(scanerr.KindConfig, "bad")))
	assert.Equal(t, 1, ExitCode(nil, nil))

	cancelledEmpty := &models.ScanResults{
		Errors: []models.ScanError{{Kind: string(scanerr.KindCancelled)}},
	}
	assert.Equal(t, 1, ExitCode(cancelledEmpty, nil))

	cancelledWithFinds := &models.ScanResults{
		Opportunities: []models.RankedOpportunity{{}},
		Errors:        []models.ScanError{{Kind: string(scanerr.KindCancelled)}},
	}
	assert.Equal(t, 0, ExitCode(cancelledWithFinds, nil))
}
