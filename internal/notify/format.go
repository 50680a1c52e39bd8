package notify

import (
	"fmt"
	"html"
	"strings"

	"pmcc-scanner/internal/models"
)

// DefaultChatTopN caps the opportunities listed in the short-form summary.
const DefaultChatTopN = 10

// FormatChat renders the concise chat summary: one line per opportunity,
// capped at topN, preceded by the run outcome.
func FormatChat(results *models.ScanResults, topN int) string {
	if topN <= 0 {
		topN = DefaultChatTopN
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PMCC scan %s\n", results.StartedAt.Format("2006-01-02"))
	fmt.Fprintf(&b, "screened %d, analyzed %d chains, %d candidates, %d AI-reviewed\n",
		results.Stats.Screened, results.Stats.ChainsAnalyzed,
		results.Stats.CandidatesFound, results.Stats.AIAnalyzed)

	if len(results.Opportunities) == 0 {
		b.WriteString("no opportunities cleared the score threshold\n")
	}

	n := min(topN, len(results.Opportunities))
	for i := range n {
		opp := &results.Opportunities[i]
		line := fmt.Sprintf("%d. %s %s/%s debit %s maxP %s score %s",
			i+1,
			opp.PMCC.Symbol,
			opp.PMCC.LongLeaps.Strike.StringFixed(0),
			opp.PMCC.ShortCall.Strike.StringFixed(0),
			opp.PMCC.NetDebit.StringFixed(2),
			opp.PMCC.MaxProfit.StringFixed(0),
			opp.CombinedScore.StringFixed(1))
		if opp.AI != nil {
			line += " [" + string(opp.AI.Recommendation) + "]"
		}
		b.WriteString(line + "\n")
	}

	if len(results.Errors) > 0 {
		fmt.Fprintf(&b, "%d errors during scan\n", len(results.Errors))
	}
	return b.String()
}

// FormatEmailSubject renders the email subject line.
func FormatEmailSubject(results *models.ScanResults) string {
	return fmt.Sprintf("PMCC scan %s: %d opportunities",
		results.StartedAt.Format("2006-01-02"), len(results.Opportunities))
}

// FormatEmailText renders the plain-text alternative: the chat summary plus
// the error detail.
func FormatEmailText(results *models.ScanResults) string {
	var b strings.Builder
	b.WriteString(FormatChat(results, len(results.Opportunities)))
	for _, e := range results.Errors {
		fmt.Fprintf(&b, "error [%s] %s %s: %s\n", e.Phase, e.Kind, e.Symbol, e.Message)
	}
	for _, w := range results.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}

// FormatEmailHTML renders the long-form report: a table of every opportunity
// with per-leg detail and the AI reasoning when present.
func FormatEmailHTML(results *models.ScanResults) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>PMCC scan %s</h2>", results.StartedAt.Format("2006-01-02"))
	fmt.Fprintf(&b, "<p>Screened %d symbols, analyzed %d chains, found %d candidates, AI-reviewed %d.</p>",
		results.Stats.Screened, results.Stats.ChainsAnalyzed,
		results.Stats.CandidatesFound, results.Stats.AIAnalyzed)

	if len(results.Opportunities) > 0 {
		b.WriteString("<table border=\"1\" cellpadding=\"4\" cellspacing=\"0\">")
		b.WriteString("<tr><th>#</th><th>Symbol</th><th>Long</th><th>Short</th>" +
			"<th>Net Debit</th><th>Max Profit</th><th>Max Loss</th><th>Breakeven</th>" +
			"<th>Trad</th><th>AI</th><th>Combined</th><th>Rec</th></tr>")
		for i := range results.Opportunities {
			opp := &results.Opportunities[i]
			aiScore, rec := "-", "-"
			if opp.AI != nil {
				aiScore = opp.AI.AIScore.StringFixed(1)
				rec = string(opp.AI.Recommendation)
			}
			fmt.Fprintf(&b, "<tr><td>%d</td><td>%s</td><td>%s %s</td><td>%s %s</td>"+
				"<td>%s</td><td>%s</td><td>%s</td><td>%s</td>"+
				"<td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
				i+1,
				html.EscapeString(opp.PMCC.Symbol),
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
				rec)
		}
		b.WriteString("</table>")

		for i := range results.Opportunities {
			opp := &results.Opportunities[i]
			if opp.AI == nil || opp.AI.Reasoning == "" {
				continue
			}
			fmt.Fprintf(&b, "<h4>%s</h4><p>%s</p>",
				html.EscapeString(opp.PMCC.Symbol), html.EscapeString(opp.AI.Reasoning))
		}
	} else {
		b.WriteString("<p>No opportunities cleared the score threshold.</p>")
	}

	if len(results.Errors) > 0 {
		fmt.Fprintf(&b, "<h3>Errors (%d)</h3><ul>", len(results.Errors))
		for _, e := range results.Errors {
			fmt.Fprintf(&b, "<li>[%s] %s %s: %s</li>",
				html.EscapeString(e.Phase), html.EscapeString(e.Kind),
				html.EscapeString(e.Symbol), html.EscapeString(e.Message))
		}
		b.WriteString("</ul>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

// BuildMessages assembles the per-channel payloads. artifact, when non-nil,
// is attached to the long-form message as the full JSON export.
func BuildMessages(results *models.ScanResults, artifact []byte, chatTopN int) (primary, secondary *Message) {
	primary = &Message{Body: FormatChat(results, chatTopN)}

	secondary = &Message{
		Subject: FormatEmailSubject(results),
		Body:    FormatEmailText(results),
		HTML:    FormatEmailHTML(results),
	}
	if artifact != nil {
		secondary.Attachments = append(secondary.Attachments, Attachment{
			Filename:    fmt.Sprintf("pmcc-scan-%s.json", results.StartedAt.Format("20060102")),
			ContentType: "application/json",
			Data:        artifact,
		})
	}
	return primary, secondary
}
