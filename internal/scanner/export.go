package scanner

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"pmcc-scanner/internal/models"
	"pmcc-scanner/internal/scanerr"
)

// ExportJSON writes the full results document to path atomically and returns
// the serialized bytes for reuse as a notification attachment.
func ExportJSON(results *models.ScanResults, path string) ([]byte, error) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindParse, err, "marshal scan results")
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// csvHeader is the tabular summary layout: one row per opportunity.
var csvHeader = []string{
	"symbol", "underlying_price",
	"long_strike", "long_exp", "short_strike", "short_exp",
	"net_debit", "max_profit", "max_loss", "breakeven",
	"traditional_score", "ai_score", "combined_score", "recommendation",
}

// ExportCSV writes the tabular summary to path atomically.
func ExportCSV(results *models.ScanResults, path string) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	if err := w.Write(csvHeader); err != nil {
		return scanerr.Wrap(scanerr.KindParse, err, "csv header")
	}
	for i := range results.Opportunities {
		opp := &results.Opportunities[i]
		aiScore, rec := "", ""
		if opp.AI != nil {
			aiScore = opp.AI.AIScore.StringFixed(1)
			rec = string(opp.AI.Recommendation)
		}
		row := []string{
			opp.PMCC.Symbol,
			opp.PMCC.UnderlyingPrice.StringFixed(2),
			opp.PMCC.LongLeaps.Strike.StringFixed(2),
			opp.PMCC.LongLeaps.Expiration.Format("2006-01-02"),
			opp.PMCC.ShortCall.Strike.StringFixed(2),
			opp.PMCC.ShortCall.Expiration.Format("2006-01-02"),
			opp.PMCC.NetDebit.StringFixed(2),
			opp.PMCC.MaxProfit.StringFixed(2),
			opp.PMCC.MaxLoss.StringFixed(2),
			opp.PMCC.BreakevenPrice.StringFixed(2),
			opp.PMCC.TraditionalScore.StringFixed(1),
			aiScore,
			opp.CombinedScore.StringFixed(1),
			rec,
		}
		if err := w.Write(row); err != nil {
			return scanerr.Wrap(scanerr.KindParse, err, "csv row %s", opp.PMCC.Symbol)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return scanerr.Wrap(scanerr.KindParse, err, "csv flush")
	}
	return writeAtomic(path, []byte(sb.String()))
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place, so readers never observe a partial artifact.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "create export dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return scanerr.Wrap(scanerr.KindConfig, err, "write %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return scanerr.Wrap(scanerr.KindConfig, err, "rename %s -> %s", tmpName, path)
	}
	return nil
}
