package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Combined-score weights. When no AI analysis exists the combined score is the
// traditional score unchanged.
var (
	traditionalWeight = decimal.RequireFromString("0.6")
	aiWeight          = decimal.RequireFromString("0.4")
)

// RankedOpportunity is a PMCC candidate enriched with optional per-symbol
// context and AI analysis, carrying the final combined score.
type RankedOpportunity struct {
	PMCC          PMCCCandidate      `json:"pmcc"`
	Enhanced      *EnhancedStockData `json:"enhanced,omitempty"`
	AI            *AIAnalysis        `json:"ai,omitempty"`
	CombinedScore decimal.Decimal    `json:"combined_score"`
	Chain         *OptionChain       `json:"chain,omitempty"` // retained only when configured
}

// NewRankedOpportunity wraps a candidate; the combined score starts as the
// traditional score.
func NewRankedOpportunity(c PMCCCandidate) RankedOpportunity {
	return RankedOpportunity{PMCC: c, CombinedScore: c.TraditionalScore}
}

// ApplyAI attaches the analysis and recomputes the combined score as
// 0.6·traditional + 0.4·ai, rounded to two places.
func (r *RankedOpportunity) ApplyAI(a *AIAnalysis) {
	r.AI = a
	r.CombinedScore = traditionalWeight.Mul(r.PMCC.TraditionalScore).
		Add(aiWeight.Mul(a.AIScore)).
		Round(2)
}

// ScanStats counts what each pipeline stage processed.
type ScanStats struct {
	Screened            int `json:"screened"`
	PassedScreening     int `json:"passed_screening"`
	ChainsAnalyzed      int `json:"chains_analyzed"`
	CandidatesFound     int `json:"candidates_found"`
	AIAnalyzed          int `json:"ai_analyzed"`
	InvariantViolations int `json:"invariant_violations"`
}

// ProviderUsage summarizes one provider's traffic during a scan.
type ProviderUsage struct {
	Calls        int64           `json:"calls"`
	Credits      decimal.Decimal `json:"credits"`
	Errors       int64           `json:"errors"`
	AvgLatencyMS float64         `json:"avg_latency_ms"`
}

// ScanError is a non-fatal error recorded during a scan.
type ScanError struct {
	Phase      string    `json:"phase"`
	Symbol     string    `json:"symbol,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	ProviderID string    `json:"provider_id,omitempty"`
	Retryable  bool      `json:"retryable"`
	At         time.Time `json:"at"`
}

// ScanResults is the complete artifact of one scan run.
type ScanResults struct {
	ScanID         string                   `json:"scan_id"`
	StartedAt      time.Time                `json:"started_at"`
	CompletedAt    time.Time                `json:"completed_at"`
	ConfigSnapshot json.RawMessage          `json:"config_snapshot,omitempty"`
	Stats          ScanStats                `json:"stats"`
	ProviderUsage  map[string]ProviderUsage `json:"provider_usage"`
	Opportunities  []RankedOpportunity      `json:"opportunities"`
	Errors         []ScanError              `json:"errors,omitempty"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

// SortOpportunities orders opportunities by combined score descending, with
// the candidate tie-break chain applied on equal scores.
func (s *ScanResults) SortOpportunities() {
	sort.SliceStable(s.Opportunities, func(i, j int) bool {
		a, b := &s.Opportunities[i], &s.Opportunities[j]
		if !a.CombinedScore.Equal(b.CombinedScore) {
			return a.CombinedScore.GreaterThan(b.CombinedScore)
		}
		return a.PMCC.Better(&b.PMCC)
	})
}

// Truncate keeps the top k opportunities after sorting.
func (s *ScanResults) Truncate(k int) {
	if k > 0 && len(s.Opportunities) > k {
		s.Opportunities = s.Opportunities[:k]
	}
}

// AddError appends a scan error.
func (s *ScanResults) AddError(e ScanError) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.Errors = append(s.Errors, e)
}

// AddWarning appends a free-form warning.
func (s *ScanResults) AddWarning(w string) {
	s.Warnings = append(s.Warnings, w)
}

// Duration returns the wall-clock span of the scan.
func (s *ScanResults) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}
