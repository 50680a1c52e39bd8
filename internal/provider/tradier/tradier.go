// Package tradier implements the options-data provider backed by the Tradier
// market-data API: underlying quotes, expiration lists, strike lists, and
// Greeks-bearing option chains.
package tradier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
)

const (
	// ProviderName is the registry identifier for this adapter.
	ProviderName = "tradier"

	productionURL = "https://api.tradier.com/v1"
	sandboxURL    = "https://sandbox.tradier.com/v1"

	// quoteBatchSize caps symbols per quotes request.
	quoteBatchSize = 100
)

// Config holds the Tradier client settings.
type Config struct {
	APIKey  string
	BaseURL string // empty selects production or sandbox
	Sandbox bool
	Timeout time.Duration // HTTP timeout, defaults to 10s
}

// Client is the Tradier market-data client. It satisfies the provider
// contract for quote and option-chain operations.
type Client struct {
	client  *http.Client
	apiKey  string
	baseURL string
	logger  *log.Logger
}

// New creates a Tradier client from config.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, scanerr.New(scanerr.KindConfig, "tradier: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Sandbox {
			baseURL = sandboxURL
		} else {
			baseURL = productionURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.client = hc
	}
	return c
}

// Name implements provider.Provider.
func (c *Client) Name() string { return ProviderName }

// SupportedOps implements provider.Provider.
func (c *Client) SupportedOps() []provider.Op {
	return []provider.Op{
		provider.OpGetQuote,
		provider.OpGetQuotesBatch,
		provider.OpGetOptionChain,
		provider.OpGetExpirations,
		provider.OpGetStrikes,
	}
}

// EstimateCredits implements provider.Provider. Quotes, expirations, and
// strikes cost one credit per request; a chain costs one credit per
// expiration it may need to walk.
func (c *Client) EstimateCredits(op provider.Op, n int) decimal.Decimal {
	if n < 1 {
		n = 1
	}
	switch op {
	case provider.OpGetQuotesBatch:
		return decimal.NewFromInt(int64((n + quoteBatchSize - 1) / quoteBatchSize))
	case provider.OpGetOptionChain:
		return decimal.NewFromInt(int64(n))
	}
	return decimal.NewFromInt(1)
}

// HealthProbe implements provider.Provider with a market-clock lookup, the
// cheapest authenticated endpoint Tradier exposes.
func (c *Client) HealthProbe(ctx context.Context) error {
	var resp marketClockResponse
	return c.get(ctx, "/markets/clock?delayed=true", &resp)
}

// ============ Response Structures ============

// singleOrArray absorbs Tradier's habit of returning a bare object when a
// list has exactly one element.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[quoteItem] `json:"quote"`
	} `json:"quotes"`
}

type quoteItem struct {
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume int64   `json:"volume"`
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

type strikesResponse struct {
	Strikes struct {
		Strike []float64 `json:"strike"`
	} `json:"strikes"`
}

type chainResponse struct {
	Options struct {
		Option singleOrArray[chainOption] `json:"option"`
	} `json:"options"`
}

type chainOption struct {
	Greeks         *chainGreeks `json:"greeks,omitempty"`
	Symbol         string       `json:"symbol"`
	OptionType     string       `json:"option_type"`
	ExpirationDate string       `json:"expiration_date"`
	ExpirationType string       `json:"expiration_type"`
	Underlying     string       `json:"underlying"`
	RootSymbol     string       `json:"root_symbol"`
	Bid            float64      `json:"bid"`
	Ask            float64      `json:"ask"`
	Last           float64      `json:"last"`
	Volume         int64        `json:"volume"`
	OpenInterest   int64        `json:"open_interest"`
	Strike         float64      `json:"strike"`
	ContractSize   int          `json:"contract_size"`
}

type chainGreeks struct {
	Delta  float64 `json:"delta"`
	Gamma  float64 `json:"gamma"`
	Theta  float64 `json:"theta"`
	Vega   float64 `json:"vega"`
	MidIV  float64 `json:"mid_iv"`
	SmvVol float64 `json:"smv_vol"`
}

type marketClockResponse struct {
	Clock struct {
		State string `json:"state"`
	} `json:"clock"`
}

// ============ Operations ============

// GetQuote fetches one underlying quote.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := c.GetQuotesBatch(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, scanerr.New(scanerr.KindNoData, "no quote for %s", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}
	return q, nil
}

// GetQuotesBatch fetches quotes for up to quoteBatchSize symbols per request,
// splitting larger inputs across calls. Symbols absent from the response are
// simply missing from the map.
func (c *Client) GetQuotesBatch(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	out := make(map[string]*models.Quote, len(symbols))
	now := time.Now().UTC()

	for start := 0; start < len(symbols); start += quoteBatchSize {
		end := start + quoteBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		params := url.Values{}
		params.Set("symbols", strings.Join(symbols[start:end], ","))
		params.Set("greeks", "false")

		var resp quotesResponse
		if err := c.get(ctx, "/markets/quotes?"+params.Encode(), &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Quotes.Quote {
			q := &models.Quote{
				Symbol:    item.Symbol,
				Volume:    item.Volume,
				UpdatedAt: now,
			}
			if item.Bid > 0 {
				bid := decimal.NewFromFloat(item.Bid)
				q.Bid = &bid
			}
			if item.Ask > 0 {
				ask := decimal.NewFromFloat(item.Ask)
				q.Ask = &ask
			}
			if item.Last > 0 {
				last := decimal.NewFromFloat(item.Last)
				q.Last = &last
			}
			out[item.Symbol] = q
		}
	}
	return out, nil
}

// GetExpirations lists option expiration dates for an underlying, ascending.
func (c *Client) GetExpirations(ctx context.Context, underlying string) ([]time.Time, error) {
	params := url.Values{}
	params.Set("symbol", underlying)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")

	var resp expirationsResponse
	if err := c.get(ctx, "/markets/options/expirations?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(resp.Expirations.Date))
	for _, d := range resp.Expirations.Date {
		exp, err := time.Parse("2006-01-02", d)
		if err != nil {
			return nil, scanerr.Wrap(scanerr.KindParse, err, "bad expiration date %q", d).
				WithProvider(ProviderName).WithSymbol(underlying)
		}
		dates = append(dates, exp)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// GetStrikes lists strikes for an underlying and expiration, ascending.
func (c *Client) GetStrikes(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", underlying)
	params.Set("expiration", expiration.Format("2006-01-02"))

	var resp strikesResponse
	if err := c.get(ctx, "/markets/options/strikes?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	strikes := make([]decimal.Decimal, 0, len(resp.Strikes.Strike))
	for _, s := range resp.Strikes.Strike {
		strikes = append(strikes, decimal.NewFromFloat(s))
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].LessThan(strikes[j]) })
	return strikes, nil
}

// GetOptionChain fetches contracts for every expiration inside the requested
// DTE window, applying side and open-interest filters. An empty result is a
// NoChain error so callers can warn instead of fail.
func (c *Client) GetOptionChain(ctx context.Context, req provider.ChainRequest) (*models.OptionChain, error) {
	if req.Underlying == "" {
		return nil, scanerr.New(scanerr.KindConfig, "chain request: underlying is required")
	}

	quote, err := c.GetQuote(ctx, req.Underlying)
	if err != nil {
		return nil, err
	}
	price := quote.Price()
	if price == nil || !price.IsPositive() {
		return nil, scanerr.New(scanerr.KindNoData, "no usable price for %s", req.Underlying).
			WithProvider(ProviderName).WithSymbol(req.Underlying)
	}

	expirations, err := c.GetExpirations(ctx, req.Underlying)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	chain := &models.OptionChain{
		Underlying:      req.Underlying,
		UnderlyingPrice: *price,
		UpdatedAt:       now,
	}

	for _, exp := range expirations {
		dte := models.DaysBetween(now, exp)
		if exp.Before(now.Truncate(24 * time.Hour)) {
			continue
		}
		if dte < req.MinDTE || (req.MaxDTE > 0 && dte > req.MaxDTE) {
			continue
		}

		contracts, err := c.fetchExpiration(ctx, req, exp, dte, now)
		if err != nil {
			return nil, err
		}
		chain.Contracts = append(chain.Contracts, contracts...)
	}

	if chain.Len() == 0 {
		return nil, scanerr.New(scanerr.KindNoChain, "no contracts for %s in dte window [%d,%d]",
			req.Underlying, req.MinDTE, req.MaxDTE).
			WithProvider(ProviderName).WithSymbol(req.Underlying)
	}
	return chain, nil
}

func (c *Client) fetchExpiration(ctx context.Context, req provider.ChainRequest, exp time.Time, dte int, now time.Time) ([]models.OptionContract, error) {
	params := url.Values{}
	params.Set("symbol", req.Underlying)
	params.Set("expiration", exp.Format("2006-01-02"))
	params.Set("greeks", strconv.FormatBool(req.IncludeGreeks))
	if req.Feed != "" {
		params.Set("feed", string(req.Feed))
	}

	var resp chainResponse
	if err := c.get(ctx, "/markets/options/chains?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	var out []models.OptionContract
	for _, opt := range resp.Options.Option {
		side := models.OptionSide(opt.OptionType)
		if req.Side != "" && side != req.Side {
			continue
		}
		if opt.OpenInterest < req.MinOpenInterest {
			continue
		}

		contract := models.OptionContract{
			OptionSymbol: opt.Symbol,
			Underlying:   req.Underlying,
			Side:         side,
			Strike:       decimal.NewFromFloat(opt.Strike),
			Expiration:   exp,
			Bid:          decimal.NewFromFloat(opt.Bid),
			Ask:          decimal.NewFromFloat(opt.Ask),
			Last:         decimal.NewFromFloat(opt.Last),
			Volume:       opt.Volume,
			OpenInterest: opt.OpenInterest,
			DTE:          dte,
			NonStandard:  isNonStandard(opt),
			UpdatedAt:    now,
		}
		if opt.Bid > 0 && opt.Ask > 0 {
			contract.Mid = contract.Bid.Add(contract.Ask).Div(decimal.NewFromInt(2))
		}
		if opt.Greeks != nil {
			contract.Delta = decimal.NewFromFloat(opt.Greeks.Delta)
			contract.Gamma = decimal.NewFromFloat(opt.Greeks.Gamma)
			contract.Theta = decimal.NewFromFloat(opt.Greeks.Theta)
			contract.Vega = decimal.NewFromFloat(opt.Greeks.Vega)
			contract.IV = decimal.NewFromFloat(opt.Greeks.MidIV)
			if opt.Greeks.MidIV == 0 && opt.Greeks.SmvVol > 0 {
				contract.IV = decimal.NewFromFloat(opt.Greeks.SmvVol)
			}
		}
		out = append(out, contract)
	}
	return out, nil
}

// isNonStandard flags adjusted contracts: non-100 multipliers or roots that
// diverge from the underlying (splits, mergers, special dividends).
func isNonStandard(opt chainOption) bool {
	if opt.ContractSize != 0 && opt.ContractSize != 100 {
		return true
	}
	return opt.RootSymbol != "" && opt.Underlying != "" && opt.RootSymbol != opt.Underlying
}

// ============ HTTP Core ============

// get performs an authenticated GET and decodes the JSON response. Failures
// are classified into the shared error taxonomy.
func (c *Client) get(ctx context.Context, path string, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "build request %s", path).WithProvider(ProviderName)
	}
	req.Header.Add("Authorization", "Bearer "+c.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "pmcc-scanner/1.0 (+tradier)")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return scanerr.Wrap(scanerr.KindCancelled, err, "request %s abandoned", path).WithProvider(ProviderName)
		}
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "request %s failed", path).WithProvider(ProviderName)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && c.logger != nil {
			c.logger.Printf("tradier: close response body: %v", cerr)
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && c.logger != nil {
		if left, err := strconv.Atoi(remaining); err == nil && left < 10 {
			c.logger.Printf("tradier: rate limit nearly exhausted, %d requests left", left)
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classifyStatus(resp, path, body)
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return scanerr.Wrap(scanerr.KindParse, err, "decode %s response", path).WithProvider(ProviderName)
	}
	return nil
}

// classifyStatus maps an HTTP failure status onto the error taxonomy.
func classifyStatus(resp *http.Response, path string, body []byte) error {
	status := resp.StatusCode
	detail := fmt.Sprintf("GET %s -> %d: %s", path, status, strings.TrimSpace(string(body)))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scanerr.New(scanerr.KindAuth, "%s", detail).WithProvider(ProviderName)
	case status == http.StatusTooManyRequests:
		e := scanerr.New(scanerr.KindRateLimited, "%s", detail).WithProvider(ProviderName)
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			e = e.WithRetryAfter(d)
		}
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		return scanerr.New(scanerr.KindUpstreamTransient, "%s", detail).WithProvider(ProviderName)
	default:
		return scanerr.New(scanerr.KindUpstreamClient, "%s", detail).WithProvider(ProviderName)
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
