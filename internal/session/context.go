package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalshi-agent/trading-assistant/internal/journal"
)

// renderSessionContext flattens the typed SessionContext the journal
// store assembles into the markdown-ish prose block injected as a system
// prompt suffix. Keeping this the single place that renders context to
// text means the context builder itself only ever returns typed values.
func renderSessionContext(ctx *journal.SessionContext, portfolio map[string]any) string {
	var parts []string
	parts = append(parts, "## Session Context")

	if ctx.LastSessionSummary != "" {
		parts = append(parts, "### Last Session\n"+ctx.LastSessionSummary)
	}
	if len(ctx.PendingGroups) > 0 {
		if data, err := json.MarshalIndent(ctx.PendingGroups, "", "  "); err == nil {
			parts = append(parts, fmt.Sprintf("### Pending Recommendation Groups\n```json\n%s\n```", data))
		}
	}
	if len(ctx.UnreconciledTrades) > 0 {
		if data, err := json.MarshalIndent(ctx.UnreconciledTrades, "", "  "); err == nil {
			parts = append(parts, fmt.Sprintf("### Unreconciled Trades\n```json\n%s\n```", data))
		}
	}
	if len(portfolio) > 0 {
		if data, err := json.MarshalIndent(portfolio, "", "  "); err == nil {
			parts = append(parts, fmt.Sprintf("### Portfolio\n```json\n%s\n```", data))
		}
	}

	if len(parts) == 1 {
		return ""
	}
	return strings.Join(parts, "\n\n")
}
