// Package config provides configuration management for the PMCC scanner.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"pmcc-scanner/internal/models"
)

// Defaults applied when the corresponding setting is unset.
const (
	// defaultScanDeadline bounds one full scan run.
	defaultScanDeadline = 30 * time.Minute
	// defaultScanInterval is the daemon re-scan cadence.
	defaultScanInterval = 4 * time.Hour
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig   `yaml:"environment"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Registry      RegistryConfig      `yaml:"registry"`
	Screening     ScreeningConfig     `yaml:"screening"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Collector     CollectorConfig     `yaml:"collector"`
	AI            AIConfig            `yaml:"ai"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Scan          ScanConfig          `yaml:"scan"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Status        StatusConfig        `yaml:"status"`
	Storage       StorageConfig       `yaml:"storage"`
}

// EnvironmentConfig defines process-level settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ProvidersConfig holds the per-provider API settings.
type ProvidersConfig struct {
	FMP     FMPConfig     `yaml:"fmp"`
	Tradier TradierConfig `yaml:"tradier"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
}

// RateConfig bounds one provider's request rate. Zero values mean unlimited
// except max_in_flight, which defaults inside the limiter.
type RateConfig struct {
	PerSec      float64 `yaml:"per_sec"`
	Burst       int     `yaml:"burst"`
	MaxInFlight int64   `yaml:"max_in_flight"`
	DailyCap    int64   `yaml:"daily_cap"`
}

// FMPConfig configures the Financial Modeling Prep client.
type FMPConfig struct {
	APIKey       string          `yaml:"api_key"`
	BaseURL      string          `yaml:"base_url"`
	Timeout      string          `yaml:"timeout"`
	CreditBudget decimal.Decimal `yaml:"credit_budget"` // per run, 0 = unlimited
	Rate         RateConfig      `yaml:"rate"`
}

// TradierConfig configures the Tradier market-data client.
type TradierConfig struct {
	APIKey       string          `yaml:"api_key"`
	BaseURL      string          `yaml:"base_url"`
	Sandbox      bool            `yaml:"sandbox"`
	Timeout      string          `yaml:"timeout"`
	CreditBudget decimal.Decimal `yaml:"credit_budget"`
	Rate         RateConfig      `yaml:"rate"`
}

// OpenAIConfig configures the analysis client.
type OpenAIConfig struct {
	APIKey              string          `yaml:"api_key"`
	BaseURL             string          `yaml:"base_url"`
	Model               string          `yaml:"model"`
	Timeout             string          `yaml:"timeout"`
	MaxTokens           int             `yaml:"max_tokens"`
	Temperature         float64         `yaml:"temperature"`
	PromptPricePerM     decimal.Decimal `yaml:"prompt_price_per_m"`
	CompletionPricePerM decimal.Decimal `yaml:"completion_price_per_m"`
	CreditBudget        decimal.Decimal `yaml:"credit_budget"`
	Rate                RateConfig      `yaml:"rate"`
}

// RegistryConfig tunes provider routing, retry, and breaker behaviour.
type RegistryConfig struct {
	RetryAttempts    int                 `yaml:"retry_attempts"`
	RetryBase        string              `yaml:"retry_base"`
	FailureThreshold uint32              `yaml:"failure_threshold"`
	Cooldown         string              `yaml:"cooldown"`
	CallTimeout      string              `yaml:"call_timeout"`
	Routes           map[string][]string `yaml:"routes"` // op -> provider preference list
}

// ScreeningConfig defines the universe filters.
type ScreeningConfig struct {
	Universe     string           `yaml:"universe"` // predefined_list | custom_symbols
	Symbols      []string         `yaml:"symbols"`
	MinMarketCap *decimal.Decimal `yaml:"min_market_cap"`
	MaxMarketCap *decimal.Decimal `yaml:"max_market_cap"`
	MinPrice     *decimal.Decimal `yaml:"min_price"`
	MaxPrice     *decimal.Decimal `yaml:"max_price"`
	MinAvgVolume int64            `yaml:"min_avg_volume"`
	Exchanges    []string         `yaml:"exchanges"`
	MaxSymbols   int              `yaml:"max_symbols"`
	AttachQuotes bool             `yaml:"attach_quotes"`
}

// AnalysisConfig defines the per-leg selection criteria.
type AnalysisConfig struct {
	Leaps                  models.LegCriteria `yaml:"leaps"`
	Short                  models.LegCriteria `yaml:"short"`
	MaxCandidatesPerSymbol int                `yaml:"max_candidates_per_symbol"`
	AllowNonStandard       bool               `yaml:"allow_non_standard"`
	ChainFeed              string             `yaml:"chain_feed"` // cached | live
}

// ScoringConfig tunes the traditional score curves. Zero values select the
// scoring package defaults.
type ScoringConfig struct {
	SpreadWeight        float64 `yaml:"spread_weight"`
	OIWeight            float64 `yaml:"oi_weight"`
	VolumeWeight        float64 `yaml:"volume_weight"`
	SpreadFloor         float64 `yaml:"spread_floor"`
	SpreadCeiling       float64 `yaml:"spread_ceiling"`
	OIFloor             float64 `yaml:"oi_floor"`
	OICeiling           float64 `yaml:"oi_ceiling"`
	VolumeFloor         float64 `yaml:"volume_floor"`
	VolumeCeiling       float64 `yaml:"volume_ceiling"`
	ProfitabilityWeight float64 `yaml:"profitability_weight"`
	RiskWeight          float64 `yaml:"risk_weight"`
	LiquidityWeight     float64 `yaml:"liquidity_weight"`
	TechnicalWeight     float64 `yaml:"technical_weight"`
	RRMidpoint          float64 `yaml:"rr_midpoint"`
	RRSteepness         float64 `yaml:"rr_steepness"`
	MinTotalScore       float64 `yaml:"min_total_score"`
}

// CollectorConfig defines the enhanced-data collection pass.
type CollectorConfig struct {
	TopM                  int     `yaml:"top_m"`
	Concurrency           int     `yaml:"concurrency"`
	MinCompletenessForAI  float64 `yaml:"min_completeness_for_ai"`
	CalendarLookaheadDays int     `yaml:"calendar_lookahead_days"`
	EarningsFlagDays      int     `yaml:"earnings_flag_days"`
}

// AIConfig defines the LLM enrichment pass.
type AIConfig struct {
	Enabled        bool            `yaml:"enabled"`
	DailyCostLimit decimal.Decimal `yaml:"daily_cost_limit"` // dollars, 0 = unlimited
	MaxConcurrent  int             `yaml:"max_concurrent"`
}

// NotificationsConfig defines result delivery.
type NotificationsConfig struct {
	Mode             string         `yaml:"mode"` // primary_only | both | primary_with_fallback
	FallbackDelay    string         `yaml:"fallback_delay"`
	MaxRetries       int            `yaml:"max_retries"`
	RetryBase        string         `yaml:"retry_base"`
	BreakerThreshold uint32         `yaml:"breaker_threshold"`
	BreakerCooldown  string         `yaml:"breaker_cooldown"`
	Telegram         TelegramConfig `yaml:"telegram"`
	Email            EmailConfig    `yaml:"email"`
}

// TelegramConfig configures the chat channel.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// ScanConfig defines the scan run itself.
type ScanConfig struct {
	Workers      int    `yaml:"workers"`
	Deadline     string `yaml:"deadline"`
	TopK         int    `yaml:"top_k"`
	ChatTopN     int    `yaml:"chat_top_n"`
	RetainChains bool   `yaml:"retain_chains"`
	ExportJSON   string `yaml:"export_json"`
	ExportCSV    string `yaml:"export_csv"`
}

// ScheduleConfig defines the daemon cadence and market hours.
type ScheduleConfig struct {
	ScanInterval    string `yaml:"scan_interval"`
	Timezone        string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart    string `yaml:"trading_start"` // "HH:MM"
	TradingEnd      string `yaml:"trading_end"`   // "HH:MM"
	AfterHoursScans bool   `yaml:"after_hours_scans"`
}

// StatusConfig defines the status HTTP server.
type StatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines scan-history persistence.
type StorageConfig struct {
	Path    string `yaml:"path"`
	MaxRuns int    `yaml:"max_runs"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults that Validate and the stage constructors expect.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Screening.Universe == "" {
		c.Screening.Universe = "predefined_list"
	}
	if c.Analysis.Leaps == (models.LegCriteria{}) {
		c.Analysis.Leaps = models.DefaultLEAPSCriteria()
	}
	if c.Analysis.Short == (models.LegCriteria{}) {
		c.Analysis.Short = models.DefaultShortCallCriteria()
	}
	if c.Analysis.ChainFeed == "" {
		c.Analysis.ChainFeed = "cached"
	}
	if c.Notifications.Mode == "" {
		c.Notifications.Mode = "primary_with_fallback"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "16:00"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Provider validation. Screening and options data are mandatory; the
	// analysis provider only when AI enrichment is on.
	if c.Providers.FMP.APIKey == "" {
		return fmt.Errorf("providers.fmp.api_key is required")
	}
	if c.Providers.Tradier.APIKey == "" {
		return fmt.Errorf("providers.tradier.api_key is required")
	}
	if c.AI.Enabled && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("providers.openai.api_key is required when ai.enabled is true")
	}
	if c.AI.DailyCostLimit.IsNegative() {
		return fmt.Errorf("ai.daily_cost_limit must be >= 0")
	}

	// Screening validation
	switch c.Screening.Universe {
	case "predefined_list":
	case "custom_symbols":
		if len(c.Screening.Symbols) == 0 {
			return fmt.Errorf("screening.symbols is required for the custom_symbols universe")
		}
	default:
		return fmt.Errorf("screening.universe must be 'predefined_list' or 'custom_symbols'")
	}
	if c.Screening.MaxSymbols < 0 {
		return fmt.Errorf("screening.max_symbols must be >= 0")
	}

	// Leg criteria validation. The windows must not overlap or a contract
	// could qualify as both legs.
	if err := c.Analysis.Leaps.Validate(); err != nil {
		return fmt.Errorf("analysis.leaps: %w", err)
	}
	if err := c.Analysis.Short.Validate(); err != nil {
		return fmt.Errorf("analysis.short: %w", err)
	}
	if c.Analysis.Short.MaxDTE >= c.Analysis.Leaps.MinDTE {
		return fmt.Errorf("analysis.short.max_dte (%d) must be < analysis.leaps.min_dte (%d)",
			c.Analysis.Short.MaxDTE, c.Analysis.Leaps.MinDTE)
	}
	switch c.Analysis.ChainFeed {
	case "cached", "live":
	default:
		return fmt.Errorf("analysis.chain_feed must be 'cached' or 'live'")
	}

	// Notification validation
	switch c.Notifications.Mode {
	case "primary_only", "both", "primary_with_fallback":
	default:
		return fmt.Errorf("notifications.mode must be 'primary_only', 'both', or 'primary_with_fallback'")
	}
	if c.Notifications.Telegram.BotToken != "" && c.Notifications.Telegram.ChatID == "" {
		return fmt.Errorf("notifications.telegram.chat_id is required with bot_token")
	}
	if c.Notifications.Email.Host != "" {
		if c.Notifications.Email.From == "" || len(c.Notifications.Email.To) == 0 {
			return fmt.Errorf("notifications.email.from and .to are required with host")
		}
	}

	// Duration fields
	for field, v := range map[string]string{
		"registry.retry_base":            c.Registry.RetryBase,
		"registry.cooldown":              c.Registry.Cooldown,
		"registry.call_timeout":          c.Registry.CallTimeout,
		"notifications.fallback_delay":   c.Notifications.FallbackDelay,
		"notifications.retry_base":       c.Notifications.RetryBase,
		"notifications.breaker_cooldown": c.Notifications.BreakerCooldown,
		"scan.deadline":                  c.Scan.Deadline,
		"schedule.scan_interval":         c.Schedule.ScanInterval,
		"providers.fmp.timeout":          c.Providers.FMP.Timeout,
		"providers.tradier.timeout":      c.Providers.Tradier.Timeout,
		"providers.openai.timeout":       c.Providers.OpenAI.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", field, err)
		}
	}

	// Schedule window validation
	loc := c.location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be in (0,65535] when status.enabled is true")
	}

	return nil
}

// Redacted returns a copy with all secrets masked, safe to embed in scan
// artifacts.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&out.Providers.FMP.APIKey)
	mask(&out.Providers.Tradier.APIKey)
	mask(&out.Providers.OpenAI.APIKey)
	mask(&out.Notifications.Telegram.BotToken)
	mask(&out.Notifications.Email.Password)
	mask(&out.Status.AuthToken)
	return out
}

// GetScanDeadline returns the per-run deadline.
func (c *Config) GetScanDeadline() time.Duration {
	return parseDuration(c.Scan.Deadline, defaultScanDeadline)
}

// GetScanInterval returns the daemon re-scan cadence.
func (c *Config) GetScanInterval() time.Duration {
	return parseDuration(c.Schedule.ScanInterval, defaultScanInterval)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *Config) location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation("America/New_York"); err2 == nil {
			loc = fallbackLoc
		} else {
			// Final fallback to DST-agnostic FixedZone
			loc = time.FixedZone("ET", -5*60*60)
		}
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured
// market hours on a weekday. With after_hours_scans set, only weekends are
// excluded.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.location()
	today := now.In(loc)

	// Weekends have no fresh option data to scan
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}
	if c.Schedule.AfterHoursScans {
		return true
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
