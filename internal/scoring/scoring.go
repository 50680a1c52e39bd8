// Package scoring computes the deterministic 0-100 traditional score for a
// PMCC candidate: a liquidity composite plus a weighted blend of
// profitability, risk, liquidity, and technical sub-scores.
package scoring

import (
	"math"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
)

// Config tunes the score curves. Zero values select the defaults; weights are
// fractions that must sum to 1 within each group.
type Config struct {
	// Liquidity composite weights.
	SpreadWeight float64 // default 0.40
	OIWeight     float64 // default 0.30
	VolumeWeight float64 // default 0.30

	// Rescaling bounds. A spread at or below the floor scores 100, at or
	// above the ceiling scores 0; open interest and volume run the other way.
	SpreadFloor   float64 // default 0.01 (1% of mid)
	SpreadCeiling float64 // default 0.15
	OIFloor       float64 // default 10 contracts
	OICeiling     float64 // default 1000
	VolumeFloor   float64 // default 1
	VolumeCeiling float64 // default 500

	// Composite weights.
	ProfitabilityWeight float64 // default 0.40
	RiskWeight          float64 // default 0.30
	LiquidityWeight     float64 // default 0.20
	TechnicalWeight     float64 // default 0.10

	// Profitability logistic: midpoint and steepness on risk/reward. The
	// defaults saturate the curve near a ratio of 2.0.
	RRMidpoint  float64 // default 1.0
	RRSteepness float64 // default 3.0

	// Candidates scoring below this are dropped by the analyzer.
	MinTotalScore float64 // default 60
}

func (c *Config) normalize() {
	def := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.SpreadWeight, 0.40)
	def(&c.OIWeight, 0.30)
	def(&c.VolumeWeight, 0.30)
	def(&c.SpreadFloor, 0.01)
	def(&c.SpreadCeiling, 0.15)
	def(&c.OIFloor, 10)
	def(&c.OICeiling, 1000)
	def(&c.VolumeFloor, 1)
	def(&c.VolumeCeiling, 500)
	def(&c.ProfitabilityWeight, 0.40)
	def(&c.RiskWeight, 0.30)
	def(&c.LiquidityWeight, 0.20)
	def(&c.TechnicalWeight, 0.10)
	def(&c.RRMidpoint, 1.0)
	def(&c.RRSteepness, 3.0)
	def(&c.MinTotalScore, 60)
}

// Calculator scores candidates. Safe for concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator builds a calculator with defaults filled in.
func NewCalculator(cfg Config) *Calculator {
	cfg.normalize()
	return &Calculator{cfg: cfg}
}

// MinTotalScore is the drop threshold for the traditional score.
func (s *Calculator) MinTotalScore() decimal.Decimal {
	return decimal.NewFromFloat(s.cfg.MinTotalScore)
}

// Score computes and stores the candidate's liquidity and traditional scores.
// technical overrides the neutral 50 technical sub-score when non-nil.
func (s *Calculator) Score(cand *models.PMCCCandidate, technical *decimal.Decimal) decimal.Decimal {
	liquidity := s.liquidity(cand)
	profitability := s.profitability(cand)
	risk := s.risk(cand)

	tech := 50.0
	if technical != nil {
		t, _ := technical.Float64()
		tech = clamp(t, 0, 100)
	}

	total := s.cfg.ProfitabilityWeight*profitability +
		s.cfg.RiskWeight*risk +
		s.cfg.LiquidityWeight*liquidity +
		s.cfg.TechnicalWeight*tech

	cand.LiquidityScore = decimal.NewFromFloat(liquidity).Round(2)
	cand.TraditionalScore = decimal.NewFromFloat(clamp(total, 0, 100)).Round(2)
	return cand.TraditionalScore
}

// liquidity blends the spread, open interest, and volume of both legs. The
// wider leg dominates the spread component; open interest and volume combine
// across legs.
func (s *Calculator) liquidity(cand *models.PMCCCandidate) float64 {
	longSpread, _ := cand.LongLeaps.SpreadPct().Float64()
	shortSpread, _ := cand.ShortCall.SpreadPct().Float64()
	spread := math.Max(longSpread, shortSpread)

	// Lower spread is better: full marks at the floor, zero at the ceiling.
	spreadScore := 100 * (s.cfg.SpreadCeiling - spread) / (s.cfg.SpreadCeiling - s.cfg.SpreadFloor)

	oi := float64(cand.OpenInterestSum())
	oiScore := 100 * (oi - s.cfg.OIFloor) / (s.cfg.OICeiling - s.cfg.OIFloor)

	volume := float64(cand.LongLeaps.Volume + cand.ShortCall.Volume)
	volumeScore := 100 * (volume - s.cfg.VolumeFloor) / (s.cfg.VolumeCeiling - s.cfg.VolumeFloor)

	return clamp(
		s.cfg.SpreadWeight*clamp(spreadScore, 0, 100)+
			s.cfg.OIWeight*clamp(oiScore, 0, 100)+
			s.cfg.VolumeWeight*clamp(volumeScore, 0, 100),
		0, 100)
}

// profitability is a logistic curve on the risk/reward ratio, monotonic in
// max_profit and saturating near the configured midpoint's double.
func (s *Calculator) profitability(cand *models.PMCCCandidate) float64 {
	rr, _ := cand.RiskRewardRatio.Float64()
	return 100 / (1 + math.Exp(-s.cfg.RRSteepness*(rr-s.cfg.RRMidpoint)))
}

// risk rises as max_loss shrinks relative to the notional underlying exposure
// and rewards non-negative net theta.
func (s *Calculator) risk(cand *models.PMCCCandidate) float64 {
	maxLoss, _ := cand.MaxLoss.Float64()
	price, _ := cand.UnderlyingPrice.Float64()
	notional := price * float64(models.DefaultMultiplier)
	if notional <= 0 {
		return 0
	}

	lossRatio := clamp(maxLoss/notional, 0, 1)
	score := 100 * (1 - lossRatio)

	if !cand.StrategyGreeks.Theta.IsNegative() {
		score += 10
	}
	return clamp(score, 0, 100)
}

// TechnicalScore derives a 0-100 technical sub-score from collected
// technicals: the trend label sets the baseline around neutral 50 and RSI
// adjusts for momentum extremes. A nil input means no override.
func TechnicalScore(t *models.Technicals) *decimal.Decimal {
	if t == nil {
		return nil
	}

	score := 50.0
	switch t.Trend {
	case "uptrend":
		score += 25
	case "downtrend":
		score -= 25
	}

	if t.RSI14 != nil {
		rsi, _ := t.RSI14.Float64()
		switch {
		case rsi >= 40 && rsi <= 70:
			score += 15
		case rsi > 80 || rsi < 30:
			score -= 15
		}
	}

	d := decimal.NewFromFloat(clamp(score, 0, 100))
	return &d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
