// Package analyzer performs the per-symbol option work: fetch one chain
// covering both legs' DTE windows, partition it into LEAPS and short-call
// pools, pair them, validate every pairing's economics, score the survivors,
// and keep the best few.
package analyzer

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/scanerr"
	"pmcc-scanner/internal/scoring"
)

// DefaultMaxCandidatesPerSymbol caps how many candidates one symbol keeps.
const DefaultMaxCandidatesPerSymbol = 3

// Config tunes the per-symbol analysis.
type Config struct {
	Leaps                  models.LegCriteria
	Short                  models.LegCriteria
	MaxCandidatesPerSymbol int                // 0 = DefaultMaxCandidatesPerSymbol
	AllowNonStandard       bool               // include adjusted contracts
	RetainChain            bool               // keep the fetched chain on the result
	Feed                   provider.ChainFeed // chain pricing feed, empty = cached
}

// Validate checks both leg criteria and their relative ordering.
func (c *Config) Validate() error {
	if err := c.Leaps.Validate(); err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "leaps criteria")
	}
	if err := c.Short.Validate(); err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "short call criteria")
	}
	if c.Short.MaxDTE >= c.Leaps.MinDTE {
		return scanerr.New(scanerr.KindConfig,
			"short max_dte %d must stay below leaps min_dte %d", c.Short.MaxDTE, c.Leaps.MinDTE)
	}
	return nil
}

// Result is the per-symbol outcome.
type Result struct {
	Symbol              string
	Candidates          []*models.PMCCCandidate
	Chain               *models.OptionChain // nil unless Config.RetainChain
	PairsConsidered     int
	InvariantViolations int
}

// ChainSource is the slice of the provider registry the analyzer needs.
type ChainSource interface {
	GetOptionChain(ctx context.Context, req provider.ChainRequest) (*models.OptionChain, error)
}

// Analyzer runs the per-symbol candidate search. Stateless per symbol.
type Analyzer struct {
	chains ChainSource
	scorer *scoring.Calculator
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New creates an analyzer. cfg must have been validated.
func New(chains ChainSource, scorer *scoring.Calculator, cfg Config, logger *log.Logger) *Analyzer {
	if cfg.MaxCandidatesPerSymbol <= 0 {
		cfg.MaxCandidatesPerSymbol = DefaultMaxCandidatesPerSymbol
	}
	// Cached pricing is enough for a daily batch scan and keeps the credit
	// cost of each chain flat.
	if cfg.Feed == "" {
		cfg.Feed = provider.FeedCached
	}
	return &Analyzer{chains: chains, scorer: scorer, cfg: cfg, logger: logger, now: time.Now}
}

// Analyze fetches the chain for one symbol and returns its ranked candidates.
// events, when supplied, drive the early-assignment dividend flag. A missing
// or empty chain is reported as a NoChain error with an empty result.
func (a *Analyzer) Analyze(ctx context.Context, symbol string, quote *models.Quote, events []models.CalendarEvent) (*Result, error) {
	res := &Result{Symbol: symbol}

	price := quote.Price()
	if price == nil || !price.IsPositive() {
		return res, scanerr.New(scanerr.KindNoData, "no usable price for %s", symbol).WithSymbol(symbol)
	}

	chain, err := a.chains.GetOptionChain(ctx, provider.ChainRequest{
		Underlying:    symbol,
		Side:          models.SideCall,
		MinDTE:        a.cfg.Short.MinDTE,
		MaxDTE:        a.cfg.Leaps.MaxDTE,
		IncludeGreeks: true,
		Feed:          a.cfg.Feed,
	})
	if err != nil {
		return res, err
	}
	if chain == nil || chain.Len() == 0 {
		return res, scanerr.New(scanerr.KindNoChain, "empty chain for %s", symbol).WithSymbol(symbol)
	}
	if a.cfg.RetainChain {
		res.Chain = chain
	}

	leaps, shorts := a.partition(chain, *price)
	if len(leaps) == 0 || len(shorts) == 0 {
		return res, nil
	}

	minScore := a.scorer.MinTotalScore()
	var kept []*models.PMCCCandidate
	for i := range leaps {
		for j := range shorts {
			res.PairsConsidered++
			cand, err := models.NewPMCCCandidate(symbol, *price, leaps[i], shorts[j], models.DefaultMultiplier)
			if err != nil {
				res.InvariantViolations++
				continue
			}
			score := a.scorer.Score(cand, nil)
			if score.LessThan(minScore) {
				continue
			}
			a.flagEarlyAssignment(cand, events)
			kept = append(kept, cand)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Better(kept[j]) })
	if len(kept) > a.cfg.MaxCandidatesPerSymbol {
		kept = kept[:a.cfg.MaxCandidatesPerSymbol]
	}
	res.Candidates = kept
	return res, nil
}

// partition splits the chain's calls into the LEAPS pool (ITM, long window)
// and the short pool (OTM, near window), applying each leg's liquidity floors.
func (a *Analyzer) partition(chain *models.OptionChain, price decimal.Decimal) (leaps, shorts []models.OptionContract) {
	for _, c := range chain.Calls() {
		if c.NonStandard && !a.cfg.AllowNonStandard {
			continue
		}
		switch {
		case a.cfg.Leaps.Matches(&c) && !c.Strike.GreaterThan(price):
			if a.liquid(&c, &a.cfg.Leaps) {
				leaps = append(leaps, c)
			}
		case a.cfg.Short.Matches(&c) && c.Strike.GreaterThan(price):
			if a.liquid(&c, &a.cfg.Short) {
				shorts = append(shorts, c)
			}
		}
	}
	return leaps, shorts
}

// liquid applies the leg's liquidity floors: open interest, a real two-sided
// market, and an acceptable spread.
func (a *Analyzer) liquid(c *models.OptionContract, crit *models.LegCriteria) bool {
	if c.OpenInterest < crit.MinOpenInterest {
		return false
	}
	if !c.Bid.IsPositive() || !c.Ask.GreaterThan(c.Bid) {
		return false
	}
	if crit.MaxBidAskSpreadPct.IsPositive() && c.SpreadPct().GreaterThan(crit.MaxBidAskSpreadPct) {
		return false
	}
	return true
}

// Rescore recomputes the candidate's traditional score with collected
// technicals in place of the neutral sub-score used during chain analysis.
// The coordinator calls this for the top candidates once the collector has
// run.
func (a *Analyzer) Rescore(cand *models.PMCCCandidate, technicals *models.Technicals) {
	a.scorer.Score(cand, scoring.TechnicalScore(technicals))
}

func (a *Analyzer) flagEarlyAssignment(cand *models.PMCCCandidate, events []models.CalendarEvent) {
	FlagEarlyAssignment(cand, events, a.now().UTC())
}

// FlagEarlyAssignment warns when an ex-dividend date falls inside the short
// leg's life and the short's extrinsic value is below the expected dividend,
// which makes early assignment economically rational. The coordinator calls
// this again once calendar data arrives after the initial analysis.
func FlagEarlyAssignment(cand *models.PMCCCandidate, events []models.CalendarEvent, now time.Time) {
	if len(events) == 0 {
		return
	}
	extrinsic := cand.ShortExtrinsic()

	for i := range events {
		ev := &events[i]
		if ev.Kind != models.EventExDividend || ev.Amount == nil {
			continue
		}
		if ev.Date.Before(now) || ev.Date.After(cand.ShortCall.Expiration) {
			continue
		}
		if extrinsic.LessThan(*ev.Amount) {
			cand.AddWarning(models.WarnEarlyAssignmentRisk)
			return
		}
	}
}
