// Package openai implements the AI analysis provider backed by the OpenAI
// Chat Completions API. Each call scores one PMCC candidate dossier and
// returns a strict-schema structured analysis.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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
	ProviderName = "openai"

	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"

	// Token estimates for one candidate dossier, used for pre-call budgeting.
	estPromptTokens     = 3000
	estCompletionTokens = 800
)

// Config holds the OpenAI client settings. Prices are USD per one million
// tokens; zero prices select the defaults for the configured model.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration // HTTP timeout, defaults to 120s
	MaxTokens         int           // completion cap, defaults to 1024
	Temperature       float64
	PromptPricePerM   decimal.Decimal
	CompletePricePerM decimal.Decimal
}

// Client is the OpenAI analysis client. It satisfies the provider contract
// for the PMCC analysis operation.
type Client struct {
	client        *http.Client
	apiKey        string
	baseURL       string
	model         string
	maxTokens     int
	temperature   float64
	promptPrice   decimal.Decimal
	completePrice decimal.Decimal
}

// New creates an OpenAI client from config.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, scanerr.New(scanerr.KindConfig, "openai: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	promptPrice := cfg.PromptPricePerM
	if promptPrice.IsZero() {
		promptPrice = decimal.NewFromFloat(0.15) // gpt-4o-mini input
	}
	completePrice := cfg.CompletePricePerM
	if completePrice.IsZero() {
		completePrice = decimal.NewFromFloat(0.60) // gpt-4o-mini output
	}
	return &Client{
		client:        &http.Client{Timeout: timeout},
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(baseURL, "/"),
		model:         model,
		maxTokens:     maxTokens,
		temperature:   cfg.Temperature,
		promptPrice:   promptPrice,
		completePrice: completePrice,
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
	return []provider.Op{provider.OpAnalyzePMCC}
}

// EstimateCredits implements provider.Provider. Credits are estimated USD
// spend derived from the per-million token prices.
func (c *Client) EstimateCredits(op provider.Op, n int) decimal.Decimal {
	if n < 1 {
		n = 1
	}
	return c.tokenCost(estPromptTokens, estCompletionTokens).Mul(decimal.NewFromInt(int64(n)))
}

func (c *Client) tokenCost(promptTokens, completionTokens int) decimal.Decimal {
	million := decimal.NewFromInt(1_000_000)
	in := c.promptPrice.Mul(decimal.NewFromInt(int64(promptTokens))).Div(million)
	out := c.completePrice.Mul(decimal.NewFromInt(int64(completionTokens))).Div(million)
	return in.Add(out)
}

// HealthProbe implements provider.Provider by listing models, the cheapest
// authenticated endpoint.
func (c *Client) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "models probe failed").WithProvider(ProviderName)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp, "/models", body)
	}
	return nil
}

// ============ Wire Structures ============

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// analysisPayload is the JSON schema the model must return.
type analysisPayload struct {
	AIScore         json.Number `json:"ai_score"`
	ComponentScores struct {
		Risk        json.Number `json:"risk"`
		Strategy    json.Number `json:"strategy"`
		Liquidity   json.Number `json:"liquidity"`
		Fundamental json.Number `json:"fundamental"`
		Technical   json.Number `json:"technical"`
	} `json:"component_scores"`
	Recommendation string      `json:"recommendation"`
	Confidence     json.Number `json:"confidence"`
	Reasoning      string      `json:"reasoning"`
	KeyStrengths   []string    `json:"key_strengths"`
	KeyRisks       []string    `json:"key_risks"`
}

// ============ Operation ============

const systemPrompt = `You are an options strategist evaluating poor man's covered call (PMCC) setups: a long deep in-the-money LEAPS call financing a short out-of-the-money near-term call.

Score the candidate dossier you receive and respond with ONLY a JSON object, no prose, matching exactly:
{
  "ai_score": <number 0-100>,
  "component_scores": {
    "risk": <number 0-100>,
    "strategy": <number 0-100>,
    "liquidity": <number 0-100>,
    "fundamental": <number 0-100>,
    "technical": <number 0-100>
  },
  "recommendation": "strong_buy" | "buy" | "hold" | "avoid",
  "confidence": <number 0-100>,
  "reasoning": "<2-4 sentences>",
  "key_strengths": ["..."],
  "key_risks": ["..."]
}

Weigh the net debit against maximum profit, the short strike's distance from breakeven, time decay asymmetry between the legs, liquidity of both contracts, upcoming earnings or ex-dividend dates, and the underlying's trend.`

// AnalyzePMCC scores one candidate dossier. Schema violations in the model
// output are parse failures and are not retried.
func (c *Client) AnalyzePMCC(ctx context.Context, req provider.AnalyzeRequest) (*models.AIAnalysis, error) {
	symbol := req.Candidate.Symbol

	dossier, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindConfig, err, "marshal dossier for %s", symbol).WithProvider(ProviderName)
	}

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Candidate dossier:\n" + string(dossier)},
		},
		MaxTokens: c.maxTokens,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}
	if c.temperature > 0 {
		body.Temperature = &c.temperature
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindConfig, err, "marshal request for %s", symbol).WithProvider(ProviderName)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindConfig, err, "build request for %s", symbol).WithProvider(ProviderName)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, scanerr.Wrap(scanerr.KindCancelled, err, "analysis for %s abandoned", symbol).
				WithProvider(ProviderName).WithSymbol(symbol)
		}
		return nil, scanerr.Wrap(scanerr.KindUpstreamTransient, err, "analysis call for %s failed", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, classifyStatus(resp, "/chat/completions", raw)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "decode completion for %s", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}
	if len(result.Choices) == 0 {
		return nil, scanerr.New(scanerr.KindParse, "empty completion for %s", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}

	analysis, err := c.parseAnalysis(symbol, result.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	analysis.ModelID = result.Model
	analysis.PromptTokens = result.Usage.PromptTokens
	analysis.CompletionTokens = result.Usage.CompletionTokens
	analysis.CostEstimate = c.tokenCost(result.Usage.PromptTokens, result.Usage.CompletionTokens)
	analysis.CompletedAt = time.Now().UTC()
	return analysis, nil
}

// parseAnalysis decodes the strict-schema model output and validates it.
func (c *Client) parseAnalysis(symbol, content string) (*models.AIAnalysis, error) {
	content = stripCodeFence(content)

	var payload analysisPayload
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "model output for %s is not valid json", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}

	analysis := &models.AIAnalysis{
		Symbol:         symbol,
		Recommendation: models.Recommendation(payload.Recommendation),
		Reasoning:      payload.Reasoning,
		KeyStrengths:   payload.KeyStrengths,
		KeyRisks:       payload.KeyRisks,
	}

	var err error
	if analysis.AIScore, err = toDecimal(payload.AIScore); err != nil {
		return nil, parseFieldErr(symbol, "ai_score", err)
	}
	if analysis.Confidence, err = toDecimal(payload.Confidence); err != nil {
		return nil, parseFieldErr(symbol, "confidence", err)
	}
	cs := &analysis.ComponentScores
	if cs.Risk, err = toDecimal(payload.ComponentScores.Risk); err != nil {
		return nil, parseFieldErr(symbol, "component_scores.risk", err)
	}
	if cs.Strategy, err = toDecimal(payload.ComponentScores.Strategy); err != nil {
		return nil, parseFieldErr(symbol, "component_scores.strategy", err)
	}
	if cs.Liquidity, err = toDecimal(payload.ComponentScores.Liquidity); err != nil {
		return nil, parseFieldErr(symbol, "component_scores.liquidity", err)
	}
	if cs.Fundamental, err = toDecimal(payload.ComponentScores.Fundamental); err != nil {
		return nil, parseFieldErr(symbol, "component_scores.fundamental", err)
	}
	if cs.Technical, err = toDecimal(payload.ComponentScores.Technical); err != nil {
		return nil, parseFieldErr(symbol, "component_scores.technical", err)
	}

	if err := analysis.Validate(); err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "model output for %s failed validation", symbol).
			WithProvider(ProviderName).WithSymbol(symbol)
	}
	return analysis, nil
}

func parseFieldErr(symbol, field string, err error) error {
	return scanerr.Wrap(scanerr.KindParse, err, "model output for %s: bad %s", symbol, field).
		WithProvider(ProviderName).WithSymbol(symbol)
}

func toDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("missing value")
	}
	return decimal.NewFromString(n.String())
}

// stripCodeFence removes a markdown code fence some models insist on adding
// despite the json_object response format.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classifyStatus maps an HTTP failure status onto the error taxonomy.
func classifyStatus(resp *http.Response, path string, body []byte) error {
	status := resp.StatusCode

	detail := fmt.Sprintf("POST %s -> %d", path, status)
	var apiErr apiErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		detail += ": " + apiErr.Error.Message
	} else if len(body) > 0 {
		detail += ": " + strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scanerr.New(scanerr.KindAuth, "%s", detail).WithProvider(ProviderName)
	case status == http.StatusTooManyRequests || status == 529:
		e := scanerr.New(scanerr.KindRateLimited, "%s", detail).WithProvider(ProviderName)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e = e.WithRetryAfter(time.Duration(secs) * time.Second)
		}
		return e
	case status >= 500:
		return scanerr.New(scanerr.KindUpstreamTransient, "%s", detail).WithProvider(ProviderName)
	default:
		return scanerr.New(scanerr.KindUpstreamClient, "%s", detail).WithProvider(ProviderName)
	}
}
