package session

import (
	"strings"
	"testing"

	"github.com/kalshi-agent/trading-assistant/internal/journal"
)

func TestRenderSessionContextEmptyReturnsEmptyString(t *testing.T) {
	got := renderSessionContext(&journal.SessionContext{}, nil)
	if got != "" {
		t.Errorf("expected empty string for empty context, got %q", got)
	}
}

func TestRenderSessionContextIncludesLastSummary(t *testing.T) {
	ctx := &journal.SessionContext{LastSessionSummary: "reviewed BTC 3pm markets"}
	got := renderSessionContext(ctx, nil)
	if !strings.Contains(got, "Last Session") || !strings.Contains(got, "reviewed BTC 3pm markets") {
		t.Errorf("expected summary section, got %q", got)
	}
}

func TestRenderSessionContextIncludesPortfolio(t *testing.T) {
	portfolio := map[string]any{"kalshi": map[string]any{"balance_cents": 12345}}
	got := renderSessionContext(&journal.SessionContext{}, portfolio)
	if !strings.Contains(got, "Portfolio") || !strings.Contains(got, "balance_cents") {
		t.Errorf("expected portfolio section, got %q", got)
	}
}
