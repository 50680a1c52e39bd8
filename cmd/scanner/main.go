// Command scanner runs the PMCC opportunity scan: once by default, or on a
// market-hours schedule with -daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"pmcc-scanner/internal/analyzer"
	"pmcc-scanner/internal/collector"
	"pmcc-scanner/internal/config"
	"pmcc-scanner/internal/enrich"
	"pmcc-scanner/internal/notify"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/provider/fmp"
	"pmcc-scanner/internal/provider/openai"
	"pmcc-scanner/internal/provider/tradier"
	"pmcc-scanner/internal/scanner"
	"pmcc-scanner/internal/scoring"
	"pmcc-scanner/internal/screener"
	"pmcc-scanner/internal/status"
	"pmcc-scanner/internal/storage"
)

// App holds the wired long-lived components shared across scan runs.
type App struct {
	config   *config.Config
	registry *provider.Registry
	history  *storage.Store
	notifier *notify.Manager
	logger   *log.Logger
	snapshot json.RawMessage
}

func main() {
	var configPath string
	var daemon bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&daemon, "daemon", false, "Keep running and scan on the configured schedule")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[SCAN] ", log.LstdFlags)

	app, err := buildApp(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	stopStatus := app.startStatusServer()

	app.registry.HealthCheck(ctx)

	if daemon {
		app.runDaemon(ctx)
		stopStatus()
		return
	}
	code := app.runOnce(ctx, time.Now())
	stopStatus()
	os.Exit(code)
}

func buildApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	registry := provider.NewRegistry(provider.RegistryConfig{
		RetryAttempts:    cfg.Registry.RetryAttempts,
		RetryBase:        duration(cfg.Registry.RetryBase),
		FailureThreshold: cfg.Registry.FailureThreshold,
		Cooldown:         duration(cfg.Registry.Cooldown),
		CallTimeout:      duration(cfg.Registry.CallTimeout),
		Routes:           routes(cfg.Registry.Routes),
	}, logger)

	fmpClient, err := fmp.New(fmp.Config{
		APIKey:  cfg.Providers.FMP.APIKey,
		BaseURL: cfg.Providers.FMP.BaseURL,
		Timeout: duration(cfg.Providers.FMP.Timeout),
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(fmpClient,
		limiter("fmp", cfg.Providers.FMP.Rate), cfg.Providers.FMP.CreditBudget); err != nil {
		return nil, err
	}

	tradierClient, err := tradier.New(tradier.Config{
		APIKey:  cfg.Providers.Tradier.APIKey,
		BaseURL: cfg.Providers.Tradier.BaseURL,
		Sandbox: cfg.Providers.Tradier.Sandbox,
		Timeout: duration(cfg.Providers.Tradier.Timeout),
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(tradierClient,
		limiter("tradier", cfg.Providers.Tradier.Rate), cfg.Providers.Tradier.CreditBudget); err != nil {
		return nil, err
	}

	if cfg.AI.Enabled {
		openaiClient, err := openai.New(openai.Config{
			APIKey:            cfg.Providers.OpenAI.APIKey,
			BaseURL:           cfg.Providers.OpenAI.BaseURL,
			Model:             cfg.Providers.OpenAI.Model,
			Timeout:           duration(cfg.Providers.OpenAI.Timeout),
			MaxTokens:         cfg.Providers.OpenAI.MaxTokens,
			Temperature:       cfg.Providers.OpenAI.Temperature,
			PromptPricePerM:   cfg.Providers.OpenAI.PromptPricePerM,
			CompletePricePerM: cfg.Providers.OpenAI.CompletionPricePerM,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(openaiClient,
			limiter("openai", cfg.Providers.OpenAI.Rate), cfg.Providers.OpenAI.CreditBudget); err != nil {
			return nil, err
		}
	}
	app.registry = registry

	if cfg.Storage.Path != "" {
		store, err := storage.New(cfg.Storage.Path, cfg.Storage.MaxRuns)
		if err != nil {
			return nil, err
		}
		app.history = store
	}

	app.notifier, err = buildNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(cfg.Redacted())
	if err != nil {
		return nil, fmt.Errorf("config snapshot: %w", err)
	}
	app.snapshot = snapshot
	return app, nil
}

func buildNotifier(cfg *config.Config, logger *log.Logger) (*notify.Manager, error) {
	var primary, secondary notify.Channel

	if cfg.Notifications.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.Notifications.Telegram.BotToken,
			ChatID:   cfg.Notifications.Telegram.ChatID,
		})
		if err != nil {
			return nil, err
		}
		primary = tg
	}
	if cfg.Notifications.Email.Host != "" {
		mail, err := notify.NewEmail(notify.EmailConfig{
			Host:     cfg.Notifications.Email.Host,
			Port:     cfg.Notifications.Email.Port,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
		})
		if err != nil {
			return nil, err
		}
		secondary = mail
	}
	if primary == nil && secondary == nil {
		return nil, nil
	}

	return notify.NewManager(primary, secondary, notify.ManagerConfig{
		Mode:             notify.Mode(cfg.Notifications.Mode),
		FallbackDelay:    duration(cfg.Notifications.FallbackDelay),
		MaxRetries:       cfg.Notifications.MaxRetries,
		RetryBase:        duration(cfg.Notifications.RetryBase),
		BreakerThreshold: cfg.Notifications.BreakerThreshold,
		BreakerCooldown:  duration(cfg.Notifications.BreakerCooldown),
	}, logger), nil
}

// buildScanner assembles the per-run pipeline. Stages are cheap to construct,
// so each run gets fresh ones with run-stamped export paths.
func (a *App) buildScanner(runTime time.Time) *scanner.Scanner {
	cfg := a.config

	calc := scoring.NewCalculator(scoring.Config{
		SpreadWeight:        cfg.Scoring.SpreadWeight,
		OIWeight:            cfg.Scoring.OIWeight,
		VolumeWeight:        cfg.Scoring.VolumeWeight,
		SpreadFloor:         cfg.Scoring.SpreadFloor,
		SpreadCeiling:       cfg.Scoring.SpreadCeiling,
		OIFloor:             cfg.Scoring.OIFloor,
		OICeiling:           cfg.Scoring.OICeiling,
		VolumeFloor:         cfg.Scoring.VolumeFloor,
		VolumeCeiling:       cfg.Scoring.VolumeCeiling,
		ProfitabilityWeight: cfg.Scoring.ProfitabilityWeight,
		RiskWeight:          cfg.Scoring.RiskWeight,
		LiquidityWeight:     cfg.Scoring.LiquidityWeight,
		TechnicalWeight:     cfg.Scoring.TechnicalWeight,
		RRMidpoint:          cfg.Scoring.RRMidpoint,
		RRSteepness:         cfg.Scoring.RRSteepness,
		MinTotalScore:       cfg.Scoring.MinTotalScore,
	})

	scr := screener.New(a.registry, a.logger)
	an := analyzer.New(a.registry, calc, analyzer.Config{
		Leaps:                  cfg.Analysis.Leaps,
		Short:                  cfg.Analysis.Short,
		MaxCandidatesPerSymbol: cfg.Analysis.MaxCandidatesPerSymbol,
		AllowNonStandard:       cfg.Analysis.AllowNonStandard,
		RetainChain:            cfg.Scan.RetainChains,
		Feed:                   provider.ChainFeed(cfg.Analysis.ChainFeed),
	}, a.logger)

	var col scanner.Collector
	var enr scanner.Enricher
	if cfg.AI.Enabled {
		col = collector.New(a.registry, collector.Config{
			TopM:                  cfg.Collector.TopM,
			Concurrency:           cfg.Collector.Concurrency,
			MinCompletenessForAI:  cfg.Collector.MinCompletenessForAI,
			CalendarLookaheadDays: cfg.Collector.CalendarLookaheadDays,
			EarningsFlagDays:      cfg.Collector.EarningsFlagDays,
		}, a.logger)
		enr = enrich.New(a.registry, enrich.Config{
			MaxConcurrent:  cfg.AI.MaxConcurrent,
			DailyCostLimit: cfg.AI.DailyCostLimit,
		}, a.logger)
	}

	var ntf scanner.Notifier
	if a.notifier != nil {
		ntf = a.notifier
	}

	crit := screener.Criteria{
		Universe:     screener.Universe(cfg.Screening.Universe),
		Symbols:      cfg.Screening.Symbols,
		MinMarketCap: cfg.Screening.MinMarketCap,
		MaxMarketCap: cfg.Screening.MaxMarketCap,
		MinPrice:     cfg.Screening.MinPrice,
		MaxPrice:     cfg.Screening.MaxPrice,
		MinAvgVolume: cfg.Screening.MinAvgVolume,
		Exchanges:    cfg.Screening.Exchanges,
		MaxSymbols:   cfg.Screening.MaxSymbols,
		AttachQuotes: cfg.Screening.AttachQuotes,
	}

	return scanner.New(scr, an, col, enr, ntf, a.registry, scanner.Config{
		Screening:       crit,
		AnalysisWorkers: cfg.Scan.Workers,
		Deadline:        cfg.GetScanDeadline(),
		TopK:            cfg.Scan.TopK,
		AIEnabled:       cfg.AI.Enabled,
		RetainChains:    cfg.Scan.RetainChains,
		ChatTopN:        cfg.Scan.ChatTopN,
		ExportJSONPath:  runPath(cfg.Scan.ExportJSON, runTime),
		ExportCSVPath:   runPath(cfg.Scan.ExportCSV, runTime),
		ConfigSnapshot:  a.snapshot,
		Market:          provider.MarketContext{AsOf: runTime.UTC()},
	}, a.logger)
}

// runOnce executes a single scan and returns the process exit code.
func (a *App) runOnce(ctx context.Context, runTime time.Time) int {
	sc := a.buildScanner(runTime)

	results, err := sc.Run(ctx)
	if err != nil {
		a.logger.Printf("Scan failed: %v", err)
	}
	if results != nil {
		sc.Finalize(ctx, results)
		a.logger.Printf("Scan %s: %d opportunities, %d errors, %d warnings",
			results.ScanID, len(results.Opportunities), len(results.Errors), len(results.Warnings))

		if a.history != nil {
			if recErr := a.history.Record(results, runPath(a.config.Scan.ExportJSON, runTime)); recErr != nil {
				a.logger.Printf("Failed to record scan history: %v", recErr)
			}
		}
	}
	return scanner.ExitCode(results, err)
}

// runDaemon scans immediately when the market is open, then on every tick.
func (a *App) runDaemon(ctx context.Context) {
	interval := a.config.GetScanInterval()
	a.logger.Printf("Daemon mode: scanning every %s during market hours", interval)

	cycle := func() {
		now := time.Now()
		if !a.config.IsWithinTradingHours(now) {
			a.logger.Printf("Outside trading hours (%s - %s), skipping scan",
				a.config.Schedule.TradingStart, a.config.Schedule.TradingEnd)
			return
		}
		a.runOnce(ctx, now)
	}

	cycle()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Println("Daemon stopped")
			return
		case <-ticker.C:
			cycle()
		}
	}
}

// startStatusServer runs the HTTP status server when enabled. The returned
// func shuts it down.
func (a *App) startStatusServer() func() {
	if !a.config.Status.Enabled {
		return func() {}
	}

	slog := logrus.New()
	if lvl, err := logrus.ParseLevel(a.config.Environment.LogLevel); err == nil {
		slog.SetLevel(lvl)
	}

	srv := status.NewServer(status.Config{
		Port:      a.config.Status.Port,
		AuthToken: a.config.Status.AuthToken,
	}, a.registry, a.history, slog)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.WithError(err).Error("status server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Printf("Status server shutdown: %v", err)
		}
	}
}

// routes converts the string-keyed config override into registry routes,
// starting from the standard preference lists.
func routes(overrides map[string][]string) map[provider.Op][]string {
	out := provider.DefaultRoutes("fmp", "tradier", "openai")
	for op, providers := range overrides {
		out[provider.Op(op)] = providers
	}
	return out
}

func limiter(name string, rc config.RateConfig) *provider.Limiter {
	return provider.NewLimiter(name, provider.LimiterConfig{
		RatePerSec:  rc.PerSec,
		Burst:       rc.Burst,
		MaxInFlight: rc.MaxInFlight,
		DailyCap:    rc.DailyCap,
	})
}

func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// runPath stamps the run date into an export path: "scan.json" becomes
// "scan-20260825-1330.json". Empty paths stay empty.
func runPath(path string, t time.Time) string {
	if path == "" {
		return ""
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return base + "-" + t.UTC().Format("20060102-1504") + ext
}
