package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
	"pmcc-scanner/internal/scoring"
)

type fakeChains struct {
	chain   *models.OptionChain
	err     error
	lastReq provider.ChainRequest
}

func (f *fakeChains) GetOptionChain(ctx context.Context, req provider.ChainRequest) (*models.OptionChain, error) {
	f.lastReq = req
	return f.chain, f.err
}

func call(strike, bid, ask, delta float64, dte int, oi int64) models.OptionContract {
	now := time.Now().UTC()
	return models.OptionContract{
		OptionSymbol: "AAPL_TEST",
		Underlying:   "AAPL",
		Side:         models.SideCall,
		Strike:       decimal.NewFromFloat(strike),
		Expiration:   now.AddDate(0, 0, dte),
		Bid:          decimal.NewFromFloat(bid),
		Ask:          decimal.NewFromFloat(ask),
		Delta:        decimal.NewFromFloat(delta),
		Theta:        decimal.NewFromFloat(-0.03),
		OpenInterest: oi,
		Volume:       100,
		DTE:          dte,
	}
}

func chainOf(contracts ...models.OptionContract) *models.OptionChain {
	return &models.OptionChain{
		Underlying:      "AAPL",
		UnderlyingPrice: decimal.NewFromInt(190),
		UpdatedAt:       time.Now().UTC(),
		Contracts:       contracts,
	}
}

func quote(price float64) *models.Quote {
	last := decimal.NewFromFloat(price)
	return &models.Quote{Symbol: "AAPL", Last: &last, UpdatedAt: time.Now().UTC()}
}

func defaultConfig() Config {
	return Config{
		Leaps: models.DefaultLEAPSCriteria(),
		Short: models.DefaultShortCallCriteria(),
	}
}

// permissiveScorer keeps every structurally valid candidate.
func permissiveScorer() *scoring.Calculator {
	return scoring.NewCalculator(scoring.Config{MinTotalScore: 1})
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Short.MaxDTE = 300 // overlaps the leaps window
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, scanerr.KindConfig, scanerr.KindOf(err))
}

func TestAnalyze_RequestsSingleChainCoveringBothLegs(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		call(210, 2.40, 2.50, 0.28, 35, 300),
	)}
	a := New(chains, permissiveScorer(), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	assert.Equal(t, models.SideCall, chains.lastReq.Side)
	assert.Equal(t, 21, chains.lastReq.MinDTE, "window starts at the short leg's min dte")
	assert.Equal(t, 720, chains.lastReq.MaxDTE, "window ends at the leaps max dte")
	assert.True(t, chains.lastReq.IncludeGreeks)
	assert.Equal(t, provider.FeedCached, chains.lastReq.Feed, "batch scans default to the cached feed")

	cand := res.Candidates[0]
	assert.True(t, cand.NetDebit.Equal(decimal.NewFromFloat(36.60)))
	assert.Equal(t, 1, res.PairsConsidered)
	assert.Equal(t, 0, res.InvariantViolations)
	assert.Nil(t, res.Chain, "chain retained only on request")
}

func TestAnalyze_ConfiguredFeedReachesChainRequest(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		call(210, 2.40, 2.50, 0.28, 35, 300),
	)}
	cfg := defaultConfig()
	cfg.Feed = provider.FeedLive
	a := New(chains, permissiveScorer(), cfg, nil)

	_, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Equal(t, provider.FeedLive, chains.lastReq.Feed)
}

func TestAnalyze_LiquidityFilters(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		call(210, 0, 0.50, 0.28, 35, 300),   // no bid
		call(215, 2.40, 2.40, 0.25, 35, 300), // ask not above bid
		call(220, 2.40, 2.50, 0.22, 35, 3),   // open interest below floor
	)}
	a := New(chains, permissiveScorer(), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates, "every short failed a liquidity floor")
	assert.Equal(t, 0, res.PairsConsidered)
}

func TestAnalyze_SpreadFilter(t *testing.T) {
	wide := call(210, 1.00, 3.00, 0.28, 35, 300) // spread 100% of mid
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		wide,
	)}
	a := New(chains, permissiveScorer(), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestAnalyze_NonStandardExcludedByDefault(t *testing.T) {
	adjusted := call(210, 2.40, 2.50, 0.28, 35, 300)
	adjusted.NonStandard = true

	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		adjusted,
	)}

	a := New(chains, permissiveScorer(), defaultConfig(), nil)
	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	cfg := defaultConfig()
	cfg.AllowNonStandard = true
	a = New(chains, permissiveScorer(), cfg, nil)
	res, err = a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestAnalyze_InvariantViolationsCountedNotFatal(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(185, 18.00, 19.00, 0.76, 400, 500), // debit 16.60, breakeven 201.60
		call(195, 2.40, 2.50, 0.30, 35, 300),    // strike inside breakeven: rejected
		call(210, 1.90, 2.00, 0.25, 35, 400),    // valid pairing
	)}
	a := New(chains, permissiveScorer(), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PairsConsidered)
	assert.Equal(t, 1, res.InvariantViolations)
	require.Len(t, res.Candidates, 1)
	assert.True(t, res.Candidates[0].ShortCall.Strike.Equal(decimal.NewFromInt(210)))
}

func TestAnalyze_CapsCandidatesPerSymbol(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(150, 47.00, 48.00, 0.85, 400, 500),
		call(160, 38.00, 39.00, 0.82, 400, 500),
		call(210, 2.40, 2.50, 0.28, 35, 300),
		call(215, 2.00, 2.10, 0.25, 35, 300),
		call(220, 1.60, 1.70, 0.22, 35, 300),
	)}
	cfg := defaultConfig()
	cfg.MaxCandidatesPerSymbol = 2
	a := New(chains, permissiveScorer(), cfg, nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.PairsConsidered)
	require.Len(t, res.Candidates, 2)
	assert.True(t, res.Candidates[0].TraditionalScore.GreaterThanOrEqual(res.Candidates[1].TraditionalScore))
}

func TestAnalyze_MinScoreDropsWeakCandidates(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 50),
		call(210, 2.40, 2.50, 0.28, 35, 10),
	)}
	// default threshold of 60 with a sub-0.2 risk/reward pairing
	a := New(chains, scoring.NewCalculator(scoring.Config{}), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, 1, res.PairsConsidered)
}

func TestAnalyze_ChainErrorPropagates(t *testing.T) {
	chains := &fakeChains{err: scanerr.New(scanerr.KindNoChain, "nothing listed").WithSymbol("AAPL")}
	a := New(chains, permissiveScorer(), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.Error(t, err)
	assert.Equal(t, scanerr.KindNoChain, scanerr.KindOf(err))
	assert.Empty(t, res.Candidates)
}

func TestAnalyze_RetainChain(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		call(210, 2.40, 2.50, 0.28, 35, 300),
	)}
	cfg := defaultConfig()
	cfg.RetainChain = true
	a := New(chains, permissiveScorer(), cfg, nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Chain)
	assert.Equal(t, 2, res.Chain.Len())
}

func TestRescore_AppliesCollectedTechnicals(t *testing.T) {
	chains := &fakeChains{chain: chainOf(
		call(160, 38.00, 39.00, 0.82, 400, 500),
		call(210, 2.40, 2.50, 0.28, 35, 300),
	)}
	a := New(chains, permissiveScorer(), defaultConfig(), nil)

	res, err := a.Analyze(context.Background(), "AAPL", quote(190), nil)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	cand := res.Candidates[0]
	neutral := cand.TraditionalScore

	rsi := decimal.NewFromInt(55)
	a.Rescore(cand, &models.Technicals{Trend: "uptrend", RSI14: &rsi})
	assert.True(t, cand.TraditionalScore.GreaterThan(neutral),
		"an uptrend must lift the neutral score")

	a.Rescore(cand, &models.Technicals{Trend: "downtrend"})
	assert.True(t, cand.TraditionalScore.LessThan(neutral),
		"a downtrend must drag the neutral score")

	a.Rescore(cand, nil)
	assert.True(t, cand.TraditionalScore.Equal(neutral),
		"nil technicals restore the neutral sub-score")
}

func TestFlagEarlyAssignment(t *testing.T) {
	now := time.Now().UTC()
	bigDiv := decimal.NewFromFloat(5.00)
	smallDiv := decimal.NewFromFloat(0.10)
	afterExpiry := decimal.NewFromFloat(5.00)

	buildRes := func(events []models.CalendarEvent) *models.PMCCCandidate {
		chains := &fakeChains{chain: chainOf(
			call(160, 38.00, 39.00, 0.82, 400, 500),
			call(210, 2.40, 2.50, 0.28, 35, 300), // OTM short: extrinsic = bid = 2.40
		)}
		a := New(chains, permissiveScorer(), defaultConfig(), nil)
		res, err := a.Analyze(context.Background(), "AAPL", quote(190), events)
		require.NoError(t, err)
		require.Len(t, res.Candidates, 1)
		return res.Candidates[0]
	}

	flagged := buildRes([]models.CalendarEvent{
		{Kind: models.EventExDividend, Date: now.AddDate(0, 0, 10), Amount: &bigDiv},
	})
	assert.Contains(t, flagged.Warnings, models.WarnEarlyAssignmentRisk)

	clean := buildRes([]models.CalendarEvent{
		{Kind: models.EventExDividend, Date: now.AddDate(0, 0, 10), Amount: &smallDiv},
	})
	assert.Empty(t, clean.Warnings, "extrinsic above dividend carries no assignment risk")

	outside := buildRes([]models.CalendarEvent{
		{Kind: models.EventExDividend, Date: now.AddDate(0, 0, 90), Amount: &afterExpiry},
	})
	assert.Empty(t, outside.Warnings, "ex-dividend after short expiry is irrelevant")
}
