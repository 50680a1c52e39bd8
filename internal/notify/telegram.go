package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pmcc-scanner/internal/scanerr"
)

// TelegramMaxLen is the body cap for one chat message. Telegram allows 4096;
// we stay well under it so summaries render without scrolling.
const TelegramMaxLen = 1500

const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig configures the chat channel.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string        // override for tests
	Timeout  time.Duration // default 30s
}

// Telegram delivers short-form summaries via the Telegram Bot API.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	apiURL string
}

// NewTelegram validates the config and builds the channel.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, scanerr.New(scanerr.KindConfig, "telegram bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, scanerr.New(scanerr.KindConfig, "telegram chat id is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = telegramAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		apiURL: fmt.Sprintf("%s/bot%s", base, cfg.BotToken),
	}, nil
}

// Name implements Channel.
func (t *Telegram) Name() string { return "telegram" }

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send posts the message body, truncated to TelegramMaxLen.
func (t *Telegram) Send(ctx context.Context, msg *Message) error {
	payload := telegramMessage{
		ChatID:                t.cfg.ChatID,
		Text:                  truncate(msg.Body, TelegramMaxLen),
		DisableWebPagePreview: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return scanerr.Wrap(scanerr.KindParse, err, "telegram payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return scanerr.Wrap(scanerr.KindCancelled, ctx.Err(), "telegram send")
		}
		return scanerr.Wrap(scanerr.KindUpstreamTransient, err, "telegram send")
	}
	defer resp.Body.Close()

	var tr telegramResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&tr); decErr != nil && resp.StatusCode == http.StatusOK {
		return scanerr.Wrap(scanerr.KindParse, decErr, "telegram response")
	}
	if tr.OK {
		return nil
	}
	return t.classify(resp.StatusCode, &tr)
}

// classify maps Telegram API failures onto the shared taxonomy. Bad chat ids
// and policy rejections are client errors and never retried.
func (t *Telegram) classify(status int, tr *telegramResponse) error {
	desc := tr.Description
	if desc == "" {
		desc = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scanerr.New(scanerr.KindAuth, "telegram: %s", desc).WithProvider(t.Name())
	case status == http.StatusTooManyRequests:
		e := scanerr.New(scanerr.KindRateLimited, "telegram: %s", desc).WithProvider(t.Name())
		if tr.Parameters != nil && tr.Parameters.RetryAfter > 0 {
			e = e.WithRetryAfter(time.Duration(tr.Parameters.RetryAfter) * time.Second)
		}
		return e
	case status >= 500 || status == http.StatusRequestTimeout:
		return scanerr.New(scanerr.KindUpstreamTransient, "telegram: %d %s", status, desc).WithProvider(t.Name())
	default:
		return scanerr.New(scanerr.KindUpstreamClient, "telegram: %d %s", status, desc).WithProvider(t.Name())
	}
}

// truncate cuts s at limit runes, appending an ellipsis marker when cut.
func truncate(s string, limit int) string {
	if limit <= 0 || len([]rune(s)) <= limit {
		return s
	}
	runes := []rune(s)
	const marker = "\n…"
	return string(runes[:limit-len([]rune(marker))]) + marker
}
