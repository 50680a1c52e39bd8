// Package fmp implements the screening and fundamentals provider backed by
// the Financial Modeling Prep REST API: stock screening, batch quotes,
// fundamental snapshots, earnings/dividend calendars, and technicals.
//
// Free tier: 250 requests/day.
// Docs: https://financialmodelingprep.com/developer/docs
package fmp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
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
	ProviderName = "fmp"

	defaultBaseURL = "https://financialmodelingprep.com/api/v3"

	// quoteBatchSize caps symbols per quotes request.
	quoteBatchSize = 50

	// profileBatchSize caps symbols per profile request.
	profileBatchSize = 25

	// calendarLookahead bounds calendar queries when the caller passes a zero
	// end date.
	calendarLookahead = 90 * 24 * time.Hour
)

// Config holds the FMP client settings.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration // HTTP timeout, defaults to 15s
}

// Client is the FMP data client. It satisfies the provider contract for
// screening, quote, and fundamentals operations.
type Client struct {
	client  *http.Client
	apiKey  string
	baseURL string
	logger  *log.Logger
}

// New creates an FMP client from config.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, scanerr.New(scanerr.KindConfig, "fmp: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
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
		provider.OpScreenStocks,
		provider.OpGetQuote,
		provider.OpGetQuotesBatch,
		provider.OpGetFundamentals,
		provider.OpGetCalendarEvents,
		provider.OpGetTechnicals,
	}
}

// EstimateCredits implements provider.Provider. FMP charges one credit per
// request; composite operations spend one credit per upstream endpoint hit,
// and screening an explicit symbol list spends one per profile batch.
func (c *Client) EstimateCredits(op provider.Op, n int) decimal.Decimal {
	if n < 1 {
		n = 1
	}
	switch op {
	case provider.OpScreenStocks:
		return decimal.NewFromInt(int64((n + profileBatchSize - 1) / profileBatchSize))
	case provider.OpGetQuotesBatch:
		return decimal.NewFromInt(int64((n + quoteBatchSize - 1) / quoteBatchSize))
	case provider.OpGetFundamentals:
		return decimal.NewFromInt(3) // profile + quote + ratios
	case provider.OpGetCalendarEvents:
		return decimal.NewFromInt(2) // earnings + dividends
	case provider.OpGetTechnicals:
		return decimal.NewFromInt(3) // quote + rsi + atr
	}
	return decimal.NewFromInt(1)
}

// HealthProbe implements provider.Provider with a single-symbol quote.
func (c *Client) HealthProbe(ctx context.Context) error {
	var resp []fmpQuote
	return c.get(ctx, "/quote/AAPL", nil, &resp)
}

// ============ Response Structures ============

type fmpScreenerRow struct {
	Symbol            string  `json:"symbol"`
	CompanyName       string  `json:"companyName"`
	MarketCap         float64 `json:"marketCap"`
	Sector            string  `json:"sector"`
	Price             float64 `json:"price"`
	Volume            int64   `json:"volume"`
	ExchangeShortName string  `json:"exchangeShortName"`
	IsETF             bool    `json:"isEtf"`
	IsActivelyTrading bool    `json:"isActivelyTrading"`
}

type fmpQuote struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Volume      int64   `json:"volume"`
	AvgVolume   int64   `json:"avgVolume"`
	MarketCap   float64 `json:"marketCap"`
	PriceAvg50  float64 `json:"priceAvg50"`
	PriceAvg200 float64 `json:"priceAvg200"`
	EPS         float64 `json:"eps"`
	PE          float64 `json:"pe"`
	Timestamp   int64   `json:"timestamp"`
}

type fmpProfile struct {
	Symbol            string  `json:"symbol"`
	Price             float64 `json:"price"`
	VolAvg            int64   `json:"volAvg"`
	MktCap            float64 `json:"mktCap"`
	Beta              float64 `json:"beta"`
	Sector            string  `json:"sector"`
	Industry          string  `json:"industry"`
	ExchangeShortName string  `json:"exchangeShortName"`
	IsETF             bool    `json:"isEtf"`
	IsActivelyTrading bool    `json:"isActivelyTrading"`
}

type fmpRatios struct {
	DividendYield   float64 `json:"dividendYield"`
	NetProfitMargin float64 `json:"netProfitMargin"`
	DebtEquityRatio float64 `json:"debtEquityRatio"`
}

type fmpEarningRow struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
}

type fmpDividendRow struct {
	Symbol   string  `json:"symbol"`
	Date     string  `json:"date"` // ex-dividend date
	Dividend float64 `json:"dividend"`
}

type fmpIndicatorRow struct {
	Date string  `json:"date"`
	RSI  float64 `json:"rsi"`
	ATR  float64 `json:"atr"`
}

// ============ Operations ============

// ScreenStocks queries the stock screener. A caller-supplied symbol list is
// resolved through direct profile lookups instead: the screener endpoint
// pages server-side and can omit arbitrary symbols.
func (c *Client) ScreenStocks(ctx context.Context, req provider.ScreenRequest) ([]provider.ScreenedStock, error) {
	if len(req.Symbols) > 0 {
		return c.screenSymbols(ctx, req)
	}

	params := url.Values{}
	if req.MinMarketCap != nil {
		params.Set("marketCapMoreThan", req.MinMarketCap.String())
	}
	if req.MaxMarketCap != nil {
		params.Set("marketCapLowerThan", req.MaxMarketCap.String())
	}
	if req.MinPrice != nil {
		params.Set("priceMoreThan", req.MinPrice.String())
	}
	if req.MaxPrice != nil {
		params.Set("priceLowerThan", req.MaxPrice.String())
	}
	if req.MinAvgVolume > 0 {
		params.Set("volumeMoreThan", strconv.FormatInt(req.MinAvgVolume, 10))
	}
	if len(req.Exchanges) > 0 {
		params.Set("exchange", strings.Join(req.Exchanges, ","))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("isActivelyTrading", "true")

	var rows []fmpScreenerRow
	if err := c.get(ctx, "/stock-screener", params, &rows); err != nil {
		return nil, err
	}

	out := make([]provider.ScreenedStock, 0, len(rows))
	for _, row := range rows {
		if row.IsETF || !row.IsActivelyTrading {
			continue
		}
		out = append(out, provider.ScreenedStock{
			Symbol:    row.Symbol,
			MarketCap: decimal.NewFromFloat(row.MarketCap),
			Exchange:  row.ExchangeShortName,
			Sector:    row.Sector,
		})
	}
	return out, nil
}

// screenSymbols screens an explicit symbol universe via batched profile
// lookups, applying the request's filters client-side. Symbols the upstream
// does not know are simply absent from the response.
func (c *Client) screenSymbols(ctx context.Context, req provider.ScreenRequest) ([]provider.ScreenedStock, error) {
	out := make([]provider.ScreenedStock, 0, len(req.Symbols))

	for start := 0; start < len(req.Symbols); start += profileBatchSize {
		end := start + profileBatchSize
		if end > len(req.Symbols) {
			end = len(req.Symbols)
		}

		var profiles []fmpProfile
		path := "/profile/" + url.PathEscape(strings.Join(req.Symbols[start:end], ","))
		if err := c.get(ctx, path, nil, &profiles); err != nil {
			return nil, err
		}
		for _, p := range profiles {
			if p.IsETF || !p.IsActivelyTrading {
				continue
			}
			if !profileMatches(&p, &req) {
				continue
			}
			out = append(out, provider.ScreenedStock{
				Symbol:    p.Symbol,
				MarketCap: decimal.NewFromFloat(p.MktCap),
				Exchange:  p.ExchangeShortName,
				Sector:    p.Sector,
			})
		}
	}
	return out, nil
}

// profileMatches applies the screen's numeric and exchange filters to one
// profile row.
func profileMatches(p *fmpProfile, req *provider.ScreenRequest) bool {
	mktCap := decimal.NewFromFloat(p.MktCap)
	price := decimal.NewFromFloat(p.Price)

	if req.MinMarketCap != nil && mktCap.LessThan(*req.MinMarketCap) {
		return false
	}
	if req.MaxMarketCap != nil && mktCap.GreaterThan(*req.MaxMarketCap) {
		return false
	}
	if req.MinPrice != nil && price.LessThan(*req.MinPrice) {
		return false
	}
	if req.MaxPrice != nil && price.GreaterThan(*req.MaxPrice) {
		return false
	}
	if req.MinAvgVolume > 0 && p.VolAvg < req.MinAvgVolume {
		return false
	}
	if len(req.Exchanges) > 0 {
		found := false
		for _, ex := range req.Exchanges {
			if strings.EqualFold(ex, p.ExchangeShortName) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

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

// GetQuotesBatch fetches quotes for up to quoteBatchSize symbols per request.
// FMP quotes carry a trade price but no bid/ask.
func (c *Client) GetQuotesBatch(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	out := make(map[string]*models.Quote, len(symbols))

	for start := 0; start < len(symbols); start += quoteBatchSize {
		end := start + quoteBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		var rows []fmpQuote
		path := "/quote/" + url.PathEscape(strings.Join(symbols[start:end], ","))
		if err := c.get(ctx, path, nil, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			q := &models.Quote{
				Symbol: row.Symbol,
				Volume: row.Volume,
			}
			if row.Price > 0 {
				last := decimal.NewFromFloat(row.Price)
				q.Last = &last
			}
			if row.Timestamp > 0 {
				q.UpdatedAt = time.Unix(row.Timestamp, 0).UTC()
			} else {
				q.UpdatedAt = time.Now().UTC()
			}
			out[row.Symbol] = q
		}
	}
	return out, nil
}

// GetFundamentals assembles the fundamental snapshot from the profile, quote,
// and ratios endpoints. Missing pieces leave fields nil rather than failing
// the whole snapshot.
func (c *Client) GetFundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error) {
	var profiles []fmpProfile
	if err := c.get(ctx, "/profile/"+url.PathEscape(symbol), nil, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, scanerr.New(scanerr.KindNoData, "no profile for %s", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}
	p := profiles[0]

	f := &models.Fundamentals{
		Sector:   p.Sector,
		Industry: p.Industry,
	}
	if p.MktCap > 0 {
		f.MarketCap = decPtr(p.MktCap)
	}
	if p.Beta != 0 {
		f.Beta = decPtr(p.Beta)
	}

	var quotes []fmpQuote
	if err := c.get(ctx, "/quote/"+url.PathEscape(symbol), nil, &quotes); err == nil && len(quotes) > 0 {
		if quotes[0].PE != 0 {
			f.PERatio = decPtr(quotes[0].PE)
		}
		if quotes[0].EPS != 0 {
			f.EPS = decPtr(quotes[0].EPS)
		}
	}

	params := url.Values{}
	params.Set("limit", "1")
	var ratios []fmpRatios
	if err := c.get(ctx, "/ratios/"+url.PathEscape(symbol), params, &ratios); err == nil && len(ratios) > 0 {
		r := ratios[0]
		if r.DividendYield != 0 {
			f.DividendYield = decPtr(r.DividendYield)
		}
		if r.NetProfitMargin != 0 {
			f.ProfitMargin = decPtr(r.NetProfitMargin)
		}
		if r.DebtEquityRatio != 0 {
			f.DebtToEquity = decPtr(r.DebtEquityRatio)
		}
	}

	return f, nil
}

// GetCalendarEvents fetches earnings and ex-dividend dates for one symbol in
// the [from, to] window. FMP's calendars are range-scoped across all symbols,
// so rows are filtered client-side.
func (c *Client) GetCalendarEvents(ctx context.Context, symbol string, from, to time.Time) ([]models.CalendarEvent, error) {
	if to.IsZero() || !to.After(from) {
		to = from.Add(calendarLookahead)
	}
	params := url.Values{}
	params.Set("from", from.Format("2006-01-02"))
	params.Set("to", to.Format("2006-01-02"))

	events := []models.CalendarEvent{}

	var earnings []fmpEarningRow
	if err := c.get(ctx, "/earning_calendar", params, &earnings); err != nil {
		return nil, err
	}
	for _, row := range earnings {
		if row.Symbol != symbol {
			continue
		}
		date, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			continue
		}
		events = append(events, models.CalendarEvent{Kind: models.EventEarnings, Date: date})
	}

	var dividends []fmpDividendRow
	if err := c.get(ctx, "/stock_dividend_calendar", params, &dividends); err != nil {
		return nil, err
	}
	for _, row := range dividends {
		if row.Symbol != symbol {
			continue
		}
		date, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			continue
		}
		ev := models.CalendarEvent{Kind: models.EventExDividend, Date: date}
		if row.Dividend > 0 {
			ev.Amount = decPtr(row.Dividend)
		}
		events = append(events, ev)
	}

	return events, nil
}

// GetTechnicals builds the technical summary from the quote's moving averages
// plus the RSI and ATR indicator endpoints.
func (c *Client) GetTechnicals(ctx context.Context, symbol string) (*models.Technicals, error) {
	var quotes []fmpQuote
	if err := c.get(ctx, "/quote/"+url.PathEscape(symbol), nil, &quotes); err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, scanerr.New(scanerr.KindNoData, "no quote for %s", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}
	q := quotes[0]

	t := &models.Technicals{}
	if q.PriceAvg50 > 0 {
		t.SMA50 = decPtr(q.PriceAvg50)
	}
	if q.PriceAvg200 > 0 {
		t.SMA200 = decPtr(q.PriceAvg200)
	}
	t.Trend = classifyTrend(q.Price, q.PriceAvg50, q.PriceAvg200)

	if rsi := c.latestIndicator(ctx, symbol, "rsi"); rsi != nil {
		t.RSI14 = rsi
	}
	if atr := c.latestIndicator(ctx, symbol, "atr"); atr != nil {
		t.ATR14 = atr
	}
	return t, nil
}

// latestIndicator fetches the most recent daily value of one indicator.
// Indicator failures degrade to a nil field.
func (c *Client) latestIndicator(ctx context.Context, symbol, kind string) *decimal.Decimal {
	params := url.Values{}
	params.Set("type", kind)
	params.Set("period", "14")

	var rows []fmpIndicatorRow
	if err := c.get(ctx, "/technical_indicator/daily/"+url.PathEscape(symbol), params, &rows); err != nil {
		if c.logger != nil {
			c.logger.Printf("fmp: %s indicator for %s unavailable: %v", kind, symbol, err)
		}
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	switch kind {
	case "rsi":
		if rows[0].RSI > 0 {
			return decPtr(rows[0].RSI)
		}
	case "atr":
		if rows[0].ATR > 0 {
			return decPtr(rows[0].ATR)
		}
	}
	return nil
}

// classifyTrend labels the trend from price versus its moving averages.
func classifyTrend(price, sma50, sma200 float64) string {
	if price <= 0 || sma50 <= 0 || sma200 <= 0 {
		return ""
	}
	switch {
	case price > sma50 && sma50 > sma200:
		return "uptrend"
	case price < sma50 && sma50 < sma200:
		return "downtrend"
	default:
		return "sideways"
	}
}

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

// ============ HTTP Core ============

// get performs a GET with the api key appended and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, params url.Values, response interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "build request %s", path).WithProvider(ProviderName)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "pmcc-scanner/1.0 (+fmp)")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return scanerr.Wrap(scanerr.KindCancelled, err, "request %s abandoned", path).WithProvider(ProviderName)
		}
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "request %s failed", path).WithProvider(ProviderName)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && c.logger != nil {
			c.logger.Printf("fmp: close response body: %v", cerr)
		}
	}()

	if remaining := resp.Header.Get("X-Rate-Limit-Remaining"); remaining != "" && c.logger != nil {
		if left, err := strconv.Atoi(remaining); err == nil && left < 20 {
			c.logger.Printf("fmp: daily quota nearly exhausted, %d requests left", left)
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classifyStatus(resp, path, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "read %s response", path).WithProvider(ProviderName)
	}

	// FMP reports quota and key problems inside a 200 body.
	var apiErr struct {
		ErrorMessage string `json:"Error Message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.ErrorMessage != "" {
		msg := apiErr.ErrorMessage
		if strings.Contains(strings.ToLower(msg), "invalid api key") {
			return scanerr.New(scanerr.KindAuth, "%s: %s", path, msg).WithProvider(ProviderName)
		}
		if strings.Contains(strings.ToLower(msg), "limit") {
			return scanerr.New(scanerr.KindRateLimited, "%s: %s", path, msg).WithProvider(ProviderName)
		}
		return scanerr.New(scanerr.KindUpstreamClient, "%s: %s", path, msg).WithProvider(ProviderName)
	}

	if err := json.Unmarshal(body, response); err != nil {
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
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e = e.WithRetryAfter(time.Duration(secs) * time.Second)
		}
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		return scanerr.New(scanerr.KindUpstreamTransient, "%s", detail).WithProvider(ProviderName)
	default:
		return scanerr.New(scanerr.KindUpstreamClient, "%s", detail).WithProvider(ProviderName)
	}
}
