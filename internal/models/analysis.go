package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation is the qualitative verdict from the AI analysis.
type Recommendation string

const (
	// RecommendStrongBuy marks a high-conviction opportunity.
	RecommendStrongBuy Recommendation = "strong_buy"
	// RecommendBuy marks a standard opportunity.
	RecommendBuy Recommendation = "buy"
	// RecommendHold marks a marginal opportunity.
	RecommendHold Recommendation = "hold"
	// RecommendAvoid marks an opportunity to skip.
	RecommendAvoid Recommendation = "avoid"
)

// Valid reports whether r is one of the known recommendation values.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendStrongBuy, RecommendBuy, RecommendHold, RecommendAvoid:
		return true
	}
	return false
}

// ComponentScores breaks the AI score into its 0-100 sub-scores.
type ComponentScores struct {
	Risk        decimal.Decimal `json:"risk"`
	Strategy    decimal.Decimal `json:"strategy"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	Fundamental decimal.Decimal `json:"fundamental"`
	Technical   decimal.Decimal `json:"technical"`
}

// AIAnalysis is the structured result of one LLM call for one candidate.
type AIAnalysis struct {
	Symbol           string          `json:"symbol"`
	AIScore          decimal.Decimal `json:"ai_score"`
	ComponentScores  ComponentScores `json:"component_scores"`
	Recommendation   Recommendation  `json:"recommendation"`
	Confidence       decimal.Decimal `json:"confidence"`
	Reasoning        string          `json:"reasoning"`
	KeyStrengths     []string        `json:"key_strengths,omitempty"`
	KeyRisks         []string        `json:"key_risks,omitempty"`
	ModelID          string          `json:"model_id"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CostEstimate     decimal.Decimal `json:"cost_estimate"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// Validate enforces the strict response schema: required fields present and
// all scores within [0,100]. A failing analysis is marked failed, not repaired.
func (a *AIAnalysis) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("ai analysis: symbol is required")
	}
	if !a.Recommendation.Valid() {
		return fmt.Errorf("ai analysis %s: invalid recommendation %q", a.Symbol, a.Recommendation)
	}
	for name, score := range map[string]decimal.Decimal{
		"ai_score":                   a.AIScore,
		"confidence":                 a.Confidence,
		"component_scores.risk":      a.ComponentScores.Risk,
		"component_scores.strategy":  a.ComponentScores.Strategy,
		"component_scores.liquidity": a.ComponentScores.Liquidity,
		"component_scores.fundamental": a.ComponentScores.Fundamental,
		"component_scores.technical": a.ComponentScores.Technical,
	} {
		if score.IsNegative() || score.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("ai analysis %s: %s %s outside [0,100]", a.Symbol, name, score)
		}
	}
	return nil
}
