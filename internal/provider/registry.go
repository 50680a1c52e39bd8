package provider

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/scanerr"
)

// RegistryConfig tunes routing, retry, and breaker behaviour. Zero values
// fall back to the documented defaults.
type RegistryConfig struct {
	RetryAttempts    int           // per-provider retries after the first call; default 2
	RetryBase        time.Duration // exponential backoff base; default 250ms
	FailureThreshold uint32        // consecutive failures before the breaker opens; default 5
	Cooldown         time.Duration // open-state duration; default 60s
	CallTimeout      time.Duration // per-call deadline; default 30s
	Routes           map[Op][]string
}

func (c *RegistryConfig) normalize() {
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// ProviderStatus is a point-in-time snapshot of one managed provider.
type ProviderStatus struct {
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	BreakerState   string    `json:"breaker_state"`
	Calls          int64     `json:"calls"`
	Errors         int64     `json:"errors"`
	Credits        string    `json:"credits"`
	AvgLatencyMS   float64   `json:"avg_latency_ms"`
	LastProbeAt    time.Time `json:"last_probe_at,omitempty"`
	LastProbeOK    bool      `json:"last_probe_ok"`
}

type managed struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	limiter  *Limiter
	budget   decimal.Decimal // credit budget for the run; zero = unlimited

	mu             sync.Mutex
	enabled        bool
	disabledReason string
	calls          int64
	errs           int64
	credits        decimal.Decimal
	totalLatency   time.Duration
	lastProbeAt    time.Time
	lastProbeErr   error
}

// Registry owns the provider handles, their health state, and routing.
type Registry struct {
	cfg    RegistryConfig
	logger *log.Logger

	mu        sync.RWMutex
	providers map[string]*managed
	routes    map[Op][]string
}

// NewRegistry creates an empty registry. Providers are added with Register.
func NewRegistry(cfg RegistryConfig, logger *log.Logger) *Registry {
	cfg.normalize()
	routes := cfg.Routes
	if routes == nil {
		routes = map[Op][]string{}
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		providers: make(map[string]*managed),
		routes:    routes,
	}
}

// Register adds a provider with its rate limiter and per-run credit budget
// (zero budget = unlimited). It fails when the provider declares an op whose
// group interface it does not implement, or declares an unknown op.
func (r *Registry) Register(p Provider, limiter *Limiter, creditBudget decimal.Decimal) error {
	for _, op := range p.SupportedOps() {
		check, ok := opGroup[op]
		if !ok {
			return scanerr.New(scanerr.KindConfig, "provider %s declares unknown op %q", p.Name(), op)
		}
		if !check(p) {
			return scanerr.New(scanerr.KindUnsupportedOperation,
				"provider %s declares %q but does not implement its interface", p.Name(), op)
		}
	}
	if limiter == nil {
		limiter = NewLimiter(p.Name(), LimiterConfig{})
	}

	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1, // single half-open probe
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.logger != nil {
				r.logger.Printf("provider %s breaker %s -> %s", name, from, to)
			}
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return scanerr.New(scanerr.KindConfig, "provider %s registered twice", p.Name())
	}
	r.providers[p.Name()] = &managed{
		provider: p,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		limiter:  limiter,
		budget:   creditBudget,
		enabled:  true,
		credits:  decimal.Zero,
	}
	return nil
}

// SetRoute overrides the preference list for one op.
func (r *Registry) SetRoute(op Op, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[op] = providerIDs
}

// candidatesFor returns the managed providers for an op, in preference order,
// filtered to enabled providers that declared the op.
func (r *Registry) candidatesFor(op Op) []*managed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*managed
	for _, id := range r.routes[op] {
		mp, ok := r.providers[id]
		if !ok {
			continue
		}
		if !supportsOp(mp.provider, op) {
			continue
		}
		mp.mu.Lock()
		enabled := mp.enabled
		mp.mu.Unlock()
		if enabled {
			out = append(out, mp)
		}
	}
	return out
}

func supportsOp(p Provider, op Op) bool {
	for _, have := range p.SupportedOps() {
		if have == op {
			return true
		}
	}
	return false
}

// execute routes one typed call: pick a provider, enforce budget and rate
// limits, run through the breaker with per-provider retries, and fall back to
// the next provider exactly once on terminal failure.
func execute[T any](ctx context.Context, r *Registry, op Op, units int, call func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	candidates := r.candidatesFor(op)
	if len(candidates) == 0 {
		return zero, scanerr.New(scanerr.KindNoProviderAvailable, "no enabled provider routes %q", op)
	}

	var lastErr error
	dispatches := 0
	for _, mp := range candidates {
		if dispatches >= 2 { // primary plus one fallback
			break
		}
		if state := mp.breaker.State(); state == gobreaker.StateOpen {
			lastErr = scanerr.New(scanerr.KindCircuitOpen, "breaker open for %q", op).
				WithProvider(mp.provider.Name())
			continue
		}

		dispatches++
		v, err := attempt(ctx, r, mp, op, units, call)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !fallbackEligible(err) {
			return zero, err
		}
	}
	if lastErr == nil {
		lastErr = scanerr.New(scanerr.KindNoProviderAvailable, "all providers for %q rejected the call", op)
	}
	return zero, lastErr
}

// fallbackEligible reports whether a terminal per-provider failure justifies
// re-dispatching to the next provider. Budget/limit stops and client errors
// would fail identically elsewhere or indicate caller bugs.
func fallbackEligible(err error) bool {
	switch scanerr.KindOf(err) {
	case scanerr.KindUpstreamClient, scanerr.KindParse, scanerr.KindBudgetExceeded,
		scanerr.KindUnsupportedOperation, scanerr.KindNoData, scanerr.KindNoChain:
		return false
	}
	return true
}

// attempt runs the call against one provider with retries and backoff.
func attempt[T any](ctx context.Context, r *Registry, mp *managed, op Op, units int, call func(context.Context, Provider) (T, error)) (v T, retErr error) {
	var zero T
	name := mp.provider.Name()

	est := mp.provider.EstimateCredits(op, units)
	if err := mp.reserveCredits(est); err != nil {
		return zero, err
	}
	// A failed dispatch returns its reservation. Parse failures keep it: the
	// upstream call was made and billed, we just could not read the response.
	defer func() {
		if retErr != nil && !scanerr.IsKind(retErr, scanerr.KindParse) {
			mp.releaseCredits(est)
		}
	}()

	var lastErr error
	for n := 0; n <= r.cfg.RetryAttempts; n++ {
		if n > 0 {
			delay := r.backoff(n, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, scanerr.Wrap(scanerr.KindCancelled, ctx.Err(), "%q abandoned during backoff", op).
					WithProvider(name)
			}
		}

		release, err := mp.limiter.Acquire(ctx, int(est.Ceil().IntPart()))
		if err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		start := time.Now()
		v, callErr := breakerCall(callCtx, mp, call)
		latency := time.Since(start)
		cancel()
		release()

		callErr = classify(callErr, callCtx, name)
		mp.record(latency, callErr)

		if callErr == nil {
			return v, nil
		}
		lastErr = callErr

		if scanerr.IsKind(callErr, scanerr.KindAuth) {
			mp.disable("authentication failed")
			if r.logger != nil {
				r.logger.Printf("provider %s disabled for the run: auth failure", name)
			}
			return zero, callErr
		}
		if !scanerr.IsRetryable(callErr) {
			return zero, callErr
		}
	}
	return zero, lastErr
}

// breakerCall runs one breaker-guarded invocation. Errors that must not feed
// the breaker's failure count are smuggled past gobreaker and restored after.
func breakerCall[T any](ctx context.Context, mp *managed, fn func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	var bypassed error

	res, err := mp.breaker.Execute(func() (interface{}, error) {
		v, callErr := fn(ctx, mp.provider)
		if callErr != nil && !scanerr.CountsTowardBreaker(callErr) {
			bypassed = callErr
			return v, nil
		}
		return v, callErr
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, scanerr.Wrap(scanerr.KindCircuitOpen, err, "breaker rejected call").
				WithProvider(mp.provider.Name())
		}
		return zero, err
	}
	if bypassed != nil {
		return zero, bypassed
	}
	v, ok := res.(T)
	if !ok && res != nil {
		return zero, scanerr.New(scanerr.KindParse, "breaker returned unexpected type %T", res)
	}
	return v, nil
}

// classify normalizes non-taxonomy errors. A per-call deadline expiry counts
// as a retryable transient failure for breaker purposes.
func classify(err error, callCtx context.Context, providerID string) error {
	if err == nil {
		return nil
	}
	if scanerr.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "call deadline exceeded").
			WithProvider(providerID)
	}
	return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "upstream call failed").
		WithProvider(providerID)
}

// backoff computes base·2^(n-1) with jitter up to 50%, honouring an upstream
// retry-after hint when present.
func (r *Registry) backoff(attempt int, lastErr error) time.Duration {
	if hint := scanerr.RetryAfter(lastErr); hint > 0 {
		return hint
	}
	d := r.cfg.RetryBase << (attempt - 1)
	maxJitter := int64(d / 2)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			d += time.Duration(j.Int64())
		}
	}
	return d
}

func (mp *managed) reserveCredits(est decimal.Decimal) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.budget.IsPositive() && mp.credits.Add(est).GreaterThan(mp.budget) {
		return scanerr.New(scanerr.KindBudgetExceeded,
			"credit budget %s would be exceeded (used %s, call %s)",
			mp.budget, mp.credits, est).WithProvider(mp.provider.Name())
	}
	mp.credits = mp.credits.Add(est)
	return nil
}

func (mp *managed) releaseCredits(est decimal.Decimal) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.credits = mp.credits.Sub(est)
	if mp.credits.IsNegative() {
		mp.credits = decimal.Zero
	}
}

func (mp *managed) record(latency time.Duration, err error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.calls++
	mp.totalLatency += latency
	if err != nil {
		mp.errs++
	}
}

func (mp *managed) disable(reason string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.enabled = false
	mp.disabledReason = reason
}

// ============ Typed Dispatch Surface ============

// ScreenStocks routes OpScreenStocks. units is the number of symbols screened.
func (r *Registry) ScreenStocks(ctx context.Context, req ScreenRequest) ([]ScreenedStock, error) {
	units := len(req.Symbols)
	if units == 0 {
		units = 1
	}
	return execute(ctx, r, OpScreenStocks, units, func(ctx context.Context, p Provider) ([]ScreenedStock, error) {
		s, ok := p.(StockScreener)
		if !ok {
			return nil, unsupported(p, OpScreenStocks)
		}
		return s.ScreenStocks(ctx, req)
	})
}

// GetQuote routes OpGetQuote.
func (r *Registry) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return execute(ctx, r, OpGetQuote, 1, func(ctx context.Context, p Provider) (*models.Quote, error) {
		q, ok := p.(QuoteReader)
		if !ok {
			return nil, unsupported(p, OpGetQuote)
		}
		return q.GetQuote(ctx, symbol)
	})
}

// GetQuotesBatch routes OpGetQuotesBatch.
func (r *Registry) GetQuotesBatch(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	return execute(ctx, r, OpGetQuotesBatch, len(symbols), func(ctx context.Context, p Provider) (map[string]*models.Quote, error) {
		q, ok := p.(QuoteReader)
		if !ok {
			return nil, unsupported(p, OpGetQuotesBatch)
		}
		return q.GetQuotesBatch(ctx, symbols)
	})
}

// GetOptionChain routes OpGetOptionChain. Cached-feed requests are estimated
// at a flat single credit; live requests scale with the DTE window.
func (r *Registry) GetOptionChain(ctx context.Context, req ChainRequest) (*models.OptionChain, error) {
	return execute(ctx, r, OpGetOptionChain, chainUnits(req), func(ctx context.Context, p Provider) (*models.OptionChain, error) {
		o, ok := p.(OptionsReader)
		if !ok {
			return nil, unsupported(p, OpGetOptionChain)
		}
		return o.GetOptionChain(ctx, req)
	})
}

// chainUnits sizes a chain request for credit estimation: one unit per weekly
// expiration the provider may walk for live pricing, a single flat unit for
// the cached feed.
func chainUnits(req ChainRequest) int {
	if req.Feed == FeedCached {
		return 1
	}
	window := req.MaxDTE - req.MinDTE
	if window <= 0 {
		return 1
	}
	units := window/7 + 1
	if units > 52 {
		units = 52
	}
	return units
}

// GetExpirations routes OpGetExpirations.
func (r *Registry) GetExpirations(ctx context.Context, underlying string) ([]time.Time, error) {
	return execute(ctx, r, OpGetExpirations, 1, func(ctx context.Context, p Provider) ([]time.Time, error) {
		o, ok := p.(OptionsReader)
		if !ok {
			return nil, unsupported(p, OpGetExpirations)
		}
		return o.GetExpirations(ctx, underlying)
	})
}

// GetStrikes routes OpGetStrikes.
func (r *Registry) GetStrikes(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error) {
	return execute(ctx, r, OpGetStrikes, 1, func(ctx context.Context, p Provider) ([]decimal.Decimal, error) {
		o, ok := p.(OptionsReader)
		if !ok {
			return nil, unsupported(p, OpGetStrikes)
		}
		return o.GetStrikes(ctx, underlying, expiration)
	})
}

// GetFundamentals routes OpGetFundamentals.
func (r *Registry) GetFundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error) {
	return execute(ctx, r, OpGetFundamentals, 1, func(ctx context.Context, p Provider) (*models.Fundamentals, error) {
		f, ok := p.(FundamentalsReader)
		if !ok {
			return nil, unsupported(p, OpGetFundamentals)
		}
		return f.GetFundamentals(ctx, symbol)
	})
}

// GetCalendarEvents routes OpGetCalendarEvents.
func (r *Registry) GetCalendarEvents(ctx context.Context, symbol string, from, to time.Time) ([]models.CalendarEvent, error) {
	return execute(ctx, r, OpGetCalendarEvents, 1, func(ctx context.Context, p Provider) ([]models.CalendarEvent, error) {
		f, ok := p.(FundamentalsReader)
		if !ok {
			return nil, unsupported(p, OpGetCalendarEvents)
		}
		return f.GetCalendarEvents(ctx, symbol, from, to)
	})
}

// GetTechnicals routes OpGetTechnicals.
func (r *Registry) GetTechnicals(ctx context.Context, symbol string) (*models.Technicals, error) {
	return execute(ctx, r, OpGetTechnicals, 1, func(ctx context.Context, p Provider) (*models.Technicals, error) {
		f, ok := p.(FundamentalsReader)
		if !ok {
			return nil, unsupported(p, OpGetTechnicals)
		}
		return f.GetTechnicals(ctx, symbol)
	})
}

// AnalyzePMCC routes OpAnalyzePMCC.
func (r *Registry) AnalyzePMCC(ctx context.Context, req AnalyzeRequest) (*models.AIAnalysis, error) {
	return execute(ctx, r, OpAnalyzePMCC, 1, func(ctx context.Context, p Provider) (*models.AIAnalysis, error) {
		a, ok := p.(PMCCAnalyzer)
		if !ok {
			return nil, unsupported(p, OpAnalyzePMCC)
		}
		return a.AnalyzePMCC(ctx, req)
	})
}

func unsupported(p Provider, op Op) error {
	return scanerr.New(scanerr.KindUnsupportedOperation, "provider %s cannot serve %q", p.Name(), op)
}

// EstimateCredits returns the first routed provider's estimate for an op, so
// callers can pre-check budgets without dispatching.
func (r *Registry) EstimateCredits(op Op, units int) (decimal.Decimal, error) {
	candidates := r.candidatesFor(op)
	if len(candidates) == 0 {
		return decimal.Zero, scanerr.New(scanerr.KindNoProviderAvailable, "no enabled provider routes %q", op)
	}
	return candidates[0].provider.EstimateCredits(op, units), nil
}

// ============ Health and Reporting ============

// HealthCheck probes every registered provider and records the outcome.
func (r *Registry) HealthCheck(ctx context.Context) {
	r.mu.RLock()
	all := make([]*managed, 0, len(r.providers))
	for _, mp := range r.providers {
		all = append(all, mp)
	}
	r.mu.RUnlock()

	for _, mp := range all {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := mp.provider.HealthProbe(probeCtx)
		cancel()

		mp.mu.Lock()
		mp.lastProbeAt = time.Now().UTC()
		mp.lastProbeErr = err
		mp.mu.Unlock()

		if err != nil && r.logger != nil {
			r.logger.Printf("health probe failed for %s: %v", mp.provider.Name(), err)
		}
	}
}

// Status snapshots every provider, sorted by name for stable output.
func (r *Registry) Status() map[string]ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ProviderStatus, len(r.providers))
	for id, mp := range r.providers {
		mp.mu.Lock()
		st := ProviderStatus{
			Name:           id,
			Enabled:        mp.enabled,
			DisabledReason: mp.disabledReason,
			BreakerState:   mp.breaker.State().String(),
			Calls:          mp.calls,
			Errors:         mp.errs,
			Credits:        mp.credits.String(),
			LastProbeAt:    mp.lastProbeAt,
			LastProbeOK:    mp.lastProbeAt.IsZero() || mp.lastProbeErr == nil,
		}
		if mp.calls > 0 {
			st.AvgLatencyMS = float64(mp.totalLatency.Milliseconds()) / float64(mp.calls)
		}
		mp.mu.Unlock()
		out[id] = st
	}
	return out
}

// Usage reports per-provider traffic in the ScanResults shape.
func (r *Registry) Usage() map[string]models.ProviderUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.ProviderUsage, len(r.providers))
	for id, mp := range r.providers {
		mp.mu.Lock()
		u := models.ProviderUsage{
			Calls:   mp.calls,
			Credits: mp.credits,
			Errors:  mp.errs,
		}
		if mp.calls > 0 {
			u.AvgLatencyMS = float64(mp.totalLatency.Milliseconds()) / float64(mp.calls)
		}
		mp.mu.Unlock()
		out[id] = u
	}
	return out
}

// ProviderNames lists the registered providers, sorted.
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for id := range r.providers {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no providers are registered.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) == 0
}
