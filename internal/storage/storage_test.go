package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmcc-scanner/internal/models"
)

func sampleResults(id string, opportunities int) *models.ScanResults {
	res := &models.ScanResults{
		ScanID:      id,
		StartedAt:   time.Date(2026, 8, 25, 13, 30, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 8, 25, 13, 42, 0, 0, time.UTC),
		Stats:       models.ScanStats{Screened: 100, CandidatesFound: opportunities},
	}
	for i := 0; i < opportunities; i++ {
		res.Opportunities = append(res.Opportunities, models.RankedOpportunity{
			PMCC:          models.PMCCCandidate{Symbol: "AAPL"},
			CombinedScore: decimal.NewFromInt(int64(80 - i)),
		})
	}
	return res
}

func TestStore_RecordAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	s, err := New(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Record(sampleResults("scan-1", 2), "/tmp/scan-1.json"))
	require.NoError(t, s.Record(sampleResults("scan-2", 0), ""))

	// reopen from disk
	s2, err := New(path, 0)
	require.NoError(t, err)

	latest := s2.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, "scan-2", latest.ScanID)
	assert.Equal(t, 0, latest.Opportunities)

	history := s2.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "scan-2", history[0].ScanID, "newest first")
	assert.Equal(t, "scan-1", history[1].ScanID)
	assert.Equal(t, "AAPL", history[1].TopSymbol)
	assert.True(t, history[1].TopScore.Equal(decimal.NewFromInt(80)))

	stats := s2.Stats()
	assert.Equal(t, 2, stats.TotalScans)
	assert.Equal(t, 2, stats.TotalOpportunities)
	assert.Equal(t, latest.CompletedAt, stats.LastScanAt)
}

func TestStore_HistoryCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := New(path, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(sampleResults(scanID(i), 1), ""))
	}

	history := s.History(0)
	require.Len(t, history, 3, "oldest runs dropped")
	assert.Equal(t, "scan-4", history[0].ScanID)
	assert.Equal(t, "scan-2", history[2].ScanID)

	assert.Equal(t, 5, s.Stats().TotalScans, "statistics survive the cap")
}

func TestStore_HistoryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := New(path, 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Record(sampleResults(scanID(i), 0), ""))
	}
	assert.Len(t, s.History(2), 2)
}

func TestStore_EmptyLatest(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "history.json"), 0)
	require.NoError(t, err)
	assert.Nil(t, s.Latest())
	assert.Empty(t, s.History(0))
}

func scanID(i int) string {
	return "scan-" + string(rune('0'+i))
}
