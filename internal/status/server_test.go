package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/storage"
)

type fakeRegistry struct {
	statuses map[string]provider.ProviderStatus
}

func (f *fakeRegistry) Status() map[string]provider.ProviderStatus {
	return f.statuses
}

func newTestServer(t *testing.T, cfg Config, withHistory bool) (*Server, *storage.Store) {
	t.Helper()

	reg := &fakeRegistry{statuses: map[string]provider.ProviderStatus{
		"tradier": {
			Name:         "tradier",
			Enabled:      true,
			BreakerState: "closed",
			Calls:        42,
			Errors:       1,
			Credits:      "0",
		},
		"openai": {
			Name:           "openai",
			Enabled:        false,
			DisabledReason: "missing api key",
		},
	}}

	var store *storage.Store
	if withHistory {
		var err error
		store, err = storage.New(filepath.Join(t.TempDir(), "history.json"), 0)
		require.NoError(t, err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewServer(cfg, reg, store, logger), store
}

func recordScan(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	res := &models.ScanResults{
		ScanID:      id,
		StartedAt:   time.Date(2026, 8, 25, 13, 30, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 8, 25, 13, 45, 0, 0, time.UTC),
		Opportunities: []models.RankedOpportunity{{
			PMCC:          models.PMCCCandidate{Symbol: "AAPL"},
			CombinedScore: decimal.NewFromInt(72),
		}},
	}
	require.NoError(t, store.Record(res, ""))
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 8080}, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_Status(t *testing.T) {
	srv, store := newTestServer(t, Config{Port: 8080}, true)
	recordScan(t, store, "scan-1")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Contains(t, resp.Providers, "tradier")
	assert.Equal(t, int64(42), resp.Providers["tradier"].Calls)
	assert.Equal(t, "missing api key", resp.Providers["openai"].DisabledReason)

	require.NotNil(t, resp.LastScan)
	assert.Equal(t, "scan-1", resp.LastScan.ScanID)
	assert.Equal(t, "AAPL", resp.LastScan.TopSymbol)
	require.NotNil(t, resp.Totals)
	assert.Equal(t, 1, resp.Totals.TotalScans)
}

func TestServer_StatusWithoutHistory(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 8080}, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.LastScan)
	assert.Nil(t, resp.Totals)
}

func TestServer_History(t *testing.T) {
	srv, store := newTestServer(t, Config{Port: 8080}, true)
	recordScan(t, store, "scan-1")
	recordScan(t, store, "scan-2")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/history?limit=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "scan-2", runs[0].ScanID, "newest first")
}

func TestServer_HistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 8080}, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuthToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 8080, AuthToken: "secret"}, false)

	// health stays open
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// status requires the token
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Auth-Token", "secret")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?token=secret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
