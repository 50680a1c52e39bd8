package provider

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/scanerr"
)

// stubQuotes is a quote-only provider whose behaviour is scripted per call.
type stubQuotes struct {
	name    string
	calls   atomic.Int64
	respond func(n int64) (*models.Quote, error)
	credits decimal.Decimal
}

func (s *stubQuotes) Name() string       { return s.name }
func (s *stubQuotes) SupportedOps() []Op { return []Op{OpGetQuote, OpGetQuotesBatch} }
func (s *stubQuotes) EstimateCredits(op Op, n int) decimal.Decimal {
	if s.credits.IsZero() {
		return decimal.NewFromInt(1)
	}
	return s.credits
}
func (s *stubQuotes) HealthProbe(ctx context.Context) error { return nil }

func (s *stubQuotes) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return s.respond(s.calls.Add(1))
}

func (s *stubQuotes) GetQuotesBatch(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	q, err := s.respond(s.calls.Add(1))
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Quote, len(symbols))
	for _, sym := range symbols {
		out[sym] = q
	}
	return out, nil
}

func goodQuote() *models.Quote {
	bid := decimal.NewFromFloat(99.95)
	ask := decimal.NewFromFloat(100.05)
	return &models.Quote{Symbol: "AAPL", Bid: &bid, Ask: &ask, UpdatedAt: time.Now()}
}

func fastRegistry(t *testing.T, routes map[Op][]string) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		RetryAttempts:    2,
		RetryBase:        time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CallTimeout:      time.Second,
		Routes:           routes,
	}, nil)
}

func TestRegistry_RejectsOpWithoutInterface(t *testing.T) {
	r := fastRegistry(t, nil)
	p := &declaresTooMuch{}
	err := r.Register(p, nil, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, scanerr.KindUnsupportedOperation, scanerr.KindOf(err))
}

// declaresTooMuch claims the chain op but implements no OptionsReader.
type declaresTooMuch struct{}

func (d *declaresTooMuch) Name() string                                  { return "bogus" }
func (d *declaresTooMuch) SupportedOps() []Op                            { return []Op{OpGetOptionChain} }
func (d *declaresTooMuch) EstimateCredits(op Op, n int) decimal.Decimal  { return decimal.NewFromInt(1) }
func (d *declaresTooMuch) HealthProbe(ctx context.Context) error         { return nil }

func TestRegistry_RoutesAndRetries(t *testing.T) {
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) {
		if n < 3 {
			return nil, scanerr.New(scanerr.KindUpstreamTransient, "flaky")
		}
		return goodQuote(), nil
	}

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	q, err := r.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, int64(3), p.calls.Load(), "two retries after the first failure")
}

func TestRegistry_ClientErrorNotRetried(t *testing.T) {
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindUpstreamClient, "404 unknown symbol")
	}

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	_, err := r.GetQuote(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindUpstreamClient, scanerr.KindOf(err))
	assert.Equal(t, int64(1), p.calls.Load(), "client errors must not be retried")
}

func TestRegistry_BreakerTripsAtThreshold(t *testing.T) {
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindUpstreamTransient, "down")
	}

	// one attempt per dispatch so consecutive failures map 1:1 to calls
	r := NewRegistry(RegistryConfig{
		RetryAttempts:    -1,
		RetryBase:        time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CallTimeout:      time.Second,
		Routes:           map[Op][]string{OpGetQuote: {"o"}},
	}, nil)
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	for i := 0; i < 3; i++ {
		_, err := r.GetQuote(context.Background(), "AAPL")
		require.Error(t, err)
	}
	assert.Equal(t, int64(3), p.calls.Load())

	// breaker is now open: the provider must not be invoked at all
	_, err := r.GetQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindCircuitOpen, scanerr.KindOf(err))
	assert.Equal(t, int64(3), p.calls.Load(), "open breaker must block upstream calls")

	st := r.Status()["o"]
	assert.Equal(t, "open", st.BreakerState)
}

func TestRegistry_ClientErrorsDoNotFeedBreaker(t *testing.T) {
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindUpstreamClient, "bad request")
	}

	r := NewRegistry(RegistryConfig{
		RetryAttempts:    -1,
		RetryBase:        time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CallTimeout:      time.Second,
		Routes:           map[Op][]string{OpGetQuote: {"o"}},
	}, nil)
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	for i := 0; i < 10; i++ {
		_, err := r.GetQuote(context.Background(), "AAPL")
		require.Error(t, err)
	}
	assert.Equal(t, "closed", r.Status()["o"].BreakerState)
	assert.Equal(t, int64(10), p.calls.Load())
}

func TestRegistry_FallbackToSecondProvider(t *testing.T) {
	primary := &stubQuotes{name: "o"}
	primary.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindUpstreamTransient, "outage")
	}
	backup := &stubQuotes{name: "f"}
	backup.respond = func(n int64) (*models.Quote, error) { return goodQuote(), nil }

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o", "f"}})
	require.NoError(t, r.Register(primary, nil, decimal.Zero))
	require.NoError(t, r.Register(backup, nil, decimal.Zero))

	q, err := r.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, int64(3), primary.calls.Load(), "primary exhausts its retries first")
	assert.Equal(t, int64(1), backup.calls.Load())
}

func TestRegistry_AuthFailureDisablesProvider(t *testing.T) {
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindAuth, "401 invalid token")
	}

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	_, err := r.GetQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindAuth, scanerr.KindOf(err))

	// subsequent calls fail fast without reaching the provider
	_, err = r.GetQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindNoProviderAvailable, scanerr.KindOf(err))
	assert.Equal(t, int64(1), p.calls.Load())

	st := r.Status()["o"]
	assert.False(t, st.Enabled)
	assert.NotEmpty(t, st.DisabledReason)
}

func TestRegistry_CreditBudgetEnforcedBeforeCall(t *testing.T) {
	p := &stubQuotes{name: "o", credits: decimal.NewFromInt(4)}
	p.respond = func(n int64) (*models.Quote, error) { return goodQuote(), nil }

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.NewFromInt(10)))

	ctx := context.Background()
	_, err := r.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	_, err = r.GetQuote(ctx, "MSFT")
	require.NoError(t, err)

	// 8 of 10 credits used; a 4-credit call would land on 12
	_, err = r.GetQuote(ctx, "NVDA")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindBudgetExceeded, scanerr.KindOf(err))
	assert.Equal(t, int64(2), p.calls.Load(), "rejected call must never reach upstream")
}

func TestRegistry_BudgetExactlyReachedStillAllowed(t *testing.T) {
	p := &stubQuotes{name: "o", credits: decimal.NewFromInt(5)}
	p.respond = func(n int64) (*models.Quote, error) { return goodQuote(), nil }

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.NewFromInt(10)))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.GetQuote(ctx, "AAPL")
		require.NoError(t, err)
	}
	_, err := r.GetQuote(ctx, "AAPL")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindBudgetExceeded, scanerr.KindOf(err))
}

func TestRegistry_NoProviderForOp(t *testing.T) {
	r := fastRegistry(t, map[Op][]string{})
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) { return goodQuote(), nil }
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	_, err := r.GetOptionChain(context.Background(), ChainRequest{Underlying: "AAPL"})
	require.Error(t, err)
	assert.Equal(t, scanerr.KindNoProviderAvailable, scanerr.KindOf(err))
}

func TestRegistry_UsageAccounting(t *testing.T) {
	p := &stubQuotes{name: "o"}
	p.respond = func(n int64) (*models.Quote, error) {
		if n == 1 {
			return nil, scanerr.New(scanerr.KindUpstreamTransient, "blip")
		}
		return goodQuote(), nil
	}

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.Zero))

	_, err := r.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)

	u := r.Usage()["o"]
	assert.Equal(t, int64(2), u.Calls)
	assert.Equal(t, int64(1), u.Errors)
	assert.True(t, u.Credits.Equal(decimal.NewFromInt(1)), "credits reserved once per dispatch, got %s", u.Credits)
}

func TestRegistry_FailedCallsReturnReservedCredits(t *testing.T) {
	p := &stubQuotes{name: "o", credits: decimal.NewFromInt(4)}
	p.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindUpstreamClient, "bad symbol")
	}

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.NewFromInt(10)))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.GetQuote(ctx, "AAPL")
		require.Error(t, err)
		assert.Equal(t, scanerr.KindUpstreamClient, scanerr.KindOf(err),
			"failed dispatches must not eat into the budget")
	}
	assert.True(t, r.Usage()["o"].Credits.IsZero())
}

func TestRegistry_ParseFailureKeepsReservation(t *testing.T) {
	p := &stubQuotes{name: "o", credits: decimal.NewFromInt(4)}
	p.respond = func(n int64) (*models.Quote, error) {
		return nil, scanerr.New(scanerr.KindParse, "mangled body")
	}

	r := fastRegistry(t, map[Op][]string{OpGetQuote: {"o"}})
	require.NoError(t, r.Register(p, nil, decimal.NewFromInt(10)))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.GetQuote(ctx, "AAPL")
		require.Error(t, err)
		assert.Equal(t, scanerr.KindParse, scanerr.KindOf(err))
	}

	// 8 of 10 spent on calls that were made and billed upstream
	_, err := r.GetQuote(ctx, "AAPL")
	require.Error(t, err)
	assert.Equal(t, scanerr.KindBudgetExceeded, scanerr.KindOf(err))
}

func TestChainUnits(t *testing.T) {
	cached := ChainRequest{MinDTE: 21, MaxDTE: 720, Feed: FeedCached}
	assert.Equal(t, 1, chainUnits(cached), "cached pricing is flat regardless of window")

	live := ChainRequest{MinDTE: 21, MaxDTE: 720, Feed: FeedLive}
	assert.Equal(t, 52, chainUnits(live), "a wide live window caps at a year of weeklies")

	narrow := ChainRequest{MinDTE: 21, MaxDTE: 45, Feed: FeedLive}
	assert.Equal(t, 4, chainUnits(narrow))

	assert.Equal(t, 1, chainUnits(ChainRequest{Feed: FeedLive}), "degenerate window costs one unit")
}

func TestDefaultRoutes(t *testing.T) {
	routes := DefaultRoutes("fmp", "tradier", "openai")
	assert.Equal(t, []string{"tradier", "fmp"}, routes[OpGetQuote])
	assert.Equal(t, []string{"tradier"}, routes[OpGetOptionChain])
	assert.Equal(t, []string{"fmp"}, routes[OpScreenStocks])
	assert.Equal(t, []string{"openai"}, routes[OpAnalyzePMCC])
	for op := range routes {
		assert.True(t, KnownOp(op), "route for unknown op %q", op)
	}
}
