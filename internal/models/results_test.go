package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ranked(symbol string, traditional string) RankedOpportunity {
	return NewRankedOpportunity(PMCCCandidate{
		Symbol:           symbol,
		TraditionalScore: decimal.RequireFromString(traditional),
	})
}

func TestNewRankedOpportunity_StartsAtTraditional(t *testing.T) {
	opp := ranked("AAPL", "72.5")
	assert.True(t, opp.CombinedScore.Equal(decimal.RequireFromString("72.5")))
	assert.Nil(t, opp.AI)
}

func TestApplyAI_WeightedBlend(t *testing.T) {
	opp := ranked("AAPL", "70")
	opp.ApplyAI(&AIAnalysis{AIScore: decimal.RequireFromString("85")})

	// 0.6*70 + 0.4*85 = 76
	assert.True(t, opp.CombinedScore.Equal(decimal.RequireFromString("76")),
		"got %s", opp.CombinedScore)
	require.NotNil(t, opp.AI)
}

func TestApplyAI_RoundsToTwoPlaces(t *testing.T) {
	opp := ranked("AAPL", "66.67")
	opp.ApplyAI(&AIAnalysis{AIScore: decimal.RequireFromString("81.11")})

	// 0.6*66.67 + 0.4*81.11 = 72.446 -> 72.45
	assert.Equal(t, "72.45", opp.CombinedScore.String())
}

func TestSortOpportunities_ByCombinedScoreDesc(t *testing.T) {
	res := &ScanResults{Opportunities: []RankedOpportunity{
		ranked("LOW", "50"),
		ranked("HIGH", "90"),
		ranked("MID", "70"),
	}}
	res.SortOpportunities()

	assert.Equal(t, "HIGH", res.Opportunities[0].PMCC.Symbol)
	assert.Equal(t, "MID", res.Opportunities[1].PMCC.Symbol)
	assert.Equal(t, "LOW", res.Opportunities[2].PMCC.Symbol)
}

func TestSortOpportunities_TieBreakOnRiskReward(t *testing.T) {
	a := ranked("AAA", "70")
	a.PMCC.RiskRewardRatio = decimal.RequireFromString("0.20")
	b := ranked("BBB", "70")
	b.PMCC.RiskRewardRatio = decimal.RequireFromString("0.35")

	res := &ScanResults{Opportunities: []RankedOpportunity{a, b}}
	res.SortOpportunities()

	assert.Equal(t, "BBB", res.Opportunities[0].PMCC.Symbol, "higher risk/reward wins the tie")
}

func TestTruncate(t *testing.T) {
	res := &ScanResults{Opportunities: []RankedOpportunity{
		ranked("A", "90"), ranked("B", "80"), ranked("C", "70"),
	}}

	res.Truncate(0)
	assert.Len(t, res.Opportunities, 3, "zero keeps everything")

	res.Truncate(2)
	require.Len(t, res.Opportunities, 2)
	assert.Equal(t, "A", res.Opportunities[0].PMCC.Symbol)
}

func TestAddError_StampsTime(t *testing.T) {
	res := &ScanResults{}
	res.AddError(ScanError{Phase: "analyze", Symbol: "AAPL", Kind: "NoChain"})

	require.Len(t, res.Errors, 1)
	assert.False(t, res.Errors[0].At.IsZero())

	at := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	res.AddError(ScanError{Phase: "notify", At: at})
	assert.Equal(t, at, res.Errors[1].At, "explicit timestamps survive")
}

func TestDuration(t *testing.T) {
	res := &ScanResults{
		StartedAt:   time.Date(2026, 8, 25, 13, 30, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 8, 25, 13, 42, 0, 0, time.UTC),
	}
	assert.Equal(t, 12*time.Minute, res.Duration())
}
