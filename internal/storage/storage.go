// Package storage persists scan history across daemon runs: a rolling summary
// of past scans plus aggregate statistics, stored as one JSON file.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pmcc-scanner/internal/models"
)

// DefaultMaxRuns bounds the retained history.
const DefaultMaxRuns = 90

// Store is a file-backed scan history. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	maxRuns int
	data    *historyData
}

type historyData struct {
	Runs        []RunSummary `json:"runs"`
	Statistics  Statistics   `json:"statistics"`
	LastUpdated time.Time    `json:"last_updated"`
}

// RunSummary is the retained record of one scan.
type RunSummary struct {
	ScanID        string           `json:"scan_id"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
	Stats         models.ScanStats `json:"stats"`
	Opportunities int              `json:"opportunities"`
	TopSymbol     string           `json:"top_symbol,omitempty"`
	TopScore      decimal.Decimal  `json:"top_score"`
	Errors        int              `json:"errors"`
	Warnings      int              `json:"warnings"`
	ArtifactPath  string           `json:"artifact_path,omitempty"`
}

// Statistics aggregates across the retained history.
type Statistics struct {
	TotalScans         int       `json:"total_scans"`
	TotalOpportunities int       `json:"total_opportunities"`
	TotalErrors        int       `json:"total_errors"`
	LastScanAt         time.Time `json:"last_scan_at"`
}

// New opens the store at path, loading existing history when present.
// maxRuns <= 0 selects DefaultMaxRuns.
func New(path string, maxRuns int) (*Store, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	s := &Store{
		path:    path,
		maxRuns: maxRuns,
		data:    &historyData{},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading scan history: %w", err)
		}
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, s.data)
}

// save must be called with the write lock held.
func (s *Store) save() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Record appends one finished scan and persists. History beyond maxRuns is
// dropped oldest-first.
func (s *Store) Record(results *models.ScanResults, artifactPath string) error {
	summary := RunSummary{
		ScanID:        results.ScanID,
		StartedAt:     results.StartedAt,
		CompletedAt:   results.CompletedAt,
		Stats:         results.Stats,
		Opportunities: len(results.Opportunities),
		Errors:        len(results.Errors),
		Warnings:      len(results.Warnings),
		ArtifactPath:  artifactPath,
	}
	if len(results.Opportunities) > 0 {
		summary.TopSymbol = results.Opportunities[0].PMCC.Symbol
		summary.TopScore = results.Opportunities[0].CombinedScore
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Runs = append(s.data.Runs, summary)
	if len(s.data.Runs) > s.maxRuns {
		s.data.Runs = s.data.Runs[len(s.data.Runs)-s.maxRuns:]
	}

	stats := &s.data.Statistics
	stats.TotalScans++
	stats.TotalOpportunities += summary.Opportunities
	stats.TotalErrors += summary.Errors
	stats.LastScanAt = summary.CompletedAt

	return s.save()
}

// History returns the most recent runs, newest first, capped at limit
// (0 = all retained).
func (s *Store) History(limit int) []RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.data.Runs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RunSummary, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.data.Runs[i])
	}
	return out
}

// Latest returns the newest run, or nil when the history is empty.
func (s *Store) Latest() *RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data.Runs) == 0 {
		return nil
	}
	run := s.data.Runs[len(s.data.Runs)-1]
	return &run
}

// Stats returns a snapshot of the aggregate statistics.
func (s *Store) Stats() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Statistics
}
