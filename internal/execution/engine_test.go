package execution

import (
	"context"
	"testing"

	"github.com/kalshi-agent/trading-assistant/internal/journal"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

// fakeVenue is a minimal venue.Client stub that serves a fixed orderbook
// per market id and records any order placed against it.
type fakeVenue struct {
	exchange   string
	orderbooks map[string]venue.Orderbook
	obErr      error
	orders     []venue.OrderRequest
	orderErr   error
}

func (f *fakeVenue) Exchange() string { return f.exchange }

func (f *fakeVenue) SearchMarkets(ctx context.Context, query, status, eventID string, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetMarket(ctx context.Context, marketID string) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetOrderbook(ctx context.Context, marketID string, depth int) (venue.Orderbook, error) {
	if f.obErr != nil {
		return venue.Orderbook{}, f.obErr
	}
	return f.orderbooks[marketID], nil
}
func (f *fakeVenue) GetEvent(ctx context.Context, eventID string) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetTrades(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetCandlesticks(ctx context.Context, marketID string, s, e int64, i int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetBalance(ctx context.Context) (venue.Response, error) { return venue.Response{}, nil }
func (f *fakeVenue) GetPositions(ctx context.Context, eventID string) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetFills(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetSettlements(ctx context.Context, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) ListOrders(ctx context.Context, marketID, status string) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) GetExchangeStatus(ctx context.Context) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeVenue) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	if f.orderErr != nil {
		return venue.Order{}, f.orderErr
	}
	f.orders = append(f.orders, req)
	return venue.Order{OrderID: "order-1", MarketID: req.MarketID}, nil
}
func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func bracketGroup(legA, legB journal.GroupLeg) *journal.Group {
	return &journal.Group{
		ID:        1,
		SessionID: "sess-1",
		Legs:      []journal.GroupLeg{legA, legB},
	}
}

func TestRecomputeAndValidateRejectsOnSlippage(t *testing.T) {
	kalshi := &fakeVenue{
		exchange: "kalshi",
		orderbooks: map[string]venue.Orderbook{
			"A-YES": {Yes: []venue.PriceLevel{{PriceCents: 48, Quantity: 100}}},
			"B-YES": {Yes: []venue.PriceLevel{{PriceCents: 61, Quantity: 100}}},
		},
	}
	legA := journal.GroupLeg{ID: 1, Exchange: "kalshi", MarketID: "A-YES", Side: "yes", Action: "buy", Quantity: 10, PriceCents: 42}
	legB := journal.GroupLeg{ID: 2, Exchange: "kalshi", MarketID: "B-YES", Side: "yes", Action: "buy", Quantity: 10, PriceCents: 61}
	group := bracketGroup(legA, legB)

	e := &Engine{
		venues: map[string]venue.Client{"kalshi": kalshi},
		store:  nil,
		cfg: Config{
			MaxSlippageCents: 3,
			MinEdgePct:       0,
			PortfolioCapUSD:  1000,
		},
	}

	_, reason := e.recomputeAndValidate(context.Background(), group)
	if reason == "" {
		t.Fatal("expected a rejection reason for 6c slippage against a 3c cap")
	}
}

func TestRecomputeAndValidateRejectsOnOrderbookFetchFailure(t *testing.T) {
	kalshi := &fakeVenue{exchange: "kalshi", obErr: errBoom}
	legA := journal.GroupLeg{ID: 1, Exchange: "kalshi", MarketID: "A-YES", Side: "yes", Action: "buy", Quantity: 10, PriceCents: 42}
	group := &journal.Group{ID: 1, Legs: []journal.GroupLeg{legA}}

	e := &Engine{
		venues: map[string]venue.Client{"kalshi": kalshi},
		cfg:    Config{MaxSlippageCents: 3, PortfolioCapUSD: 1000},
	}

	_, reason := e.recomputeAndValidate(context.Background(), group)
	if reason == "" {
		t.Fatal("expected rejection when orderbook fetch fails")
	}
}

func TestRecomputeAndValidateRejectsOnPortfolioCap(t *testing.T) {
	kalshi := &fakeVenue{
		exchange: "kalshi",
		orderbooks: map[string]venue.Orderbook{
			"A-YES": {Yes: []venue.PriceLevel{{PriceCents: 90, Quantity: 1000}}},
		},
	}
	legA := journal.GroupLeg{ID: 1, Exchange: "kalshi", MarketID: "A-YES", Side: "yes", Action: "buy", Quantity: 1000, PriceCents: 90}
	group := &journal.Group{ID: 1, Legs: []journal.GroupLeg{legA}}

	e := &Engine{
		venues: map[string]venue.Client{"kalshi": kalshi},
		cfg:    Config{MaxSlippageCents: 5, PortfolioCapUSD: 10, MinEdgePct: -1000},
	}

	_, reason := e.recomputeAndValidate(context.Background(), group)
	if reason == "" {
		t.Fatal("expected rejection when total cost exceeds portfolio cap")
	}
}

func TestSortByDepthPutsShallowestBookFirst(t *testing.T) {
	legs := []legWithDepth{
		{GroupLeg: journal.GroupLeg{ID: 1}, depth: 500},
		{GroupLeg: journal.GroupLeg{ID: 2}, depth: 10},
		{GroupLeg: journal.GroupLeg{ID: 3}, depth: 200},
	}
	ordered := sortByDepth(legs)
	if ordered[0].ID != 2 {
		t.Fatalf("expected leg 2 (shallowest depth) first, got leg %d", ordered[0].ID)
	}
}

func TestValidateExecutionRejectsOverPortfolioCap(t *testing.T) {
	group := &journal.Group{
		Legs: []journal.GroupLeg{
			{ID: 1, Exchange: "kalshi", Quantity: 100, PriceCents: 90},
		},
	}
	err := ValidateExecution(group, Config{PortfolioCapUSD: 10})
	if err == nil {
		t.Fatal("expected error for $90 notional exceeding $10 portfolio cap")
	}
}

func TestValidateExecutionRejectsOverVenueCap(t *testing.T) {
	group := &journal.Group{
		Legs: []journal.GroupLeg{
			{ID: 1, Exchange: "kalshi", Quantity: 100, PriceCents: 90},
		},
	}
	err := ValidateExecution(group, Config{
		PortfolioCapUSD: 1000,
		MaxPositionUSD:  map[string]float64{"kalshi": 10},
	})
	if err == nil {
		t.Fatal("expected error for leg notional exceeding per-venue cap")
	}
}

func TestValidateExecutionAllowsWithinCaps(t *testing.T) {
	group := &journal.Group{
		Legs: []journal.GroupLeg{
			{ID: 1, Exchange: "kalshi", Quantity: 10, PriceCents: 50},
		},
	}
	err := ValidateExecution(group, Config{
		PortfolioCapUSD: 1000,
		MaxPositionUSD:  map[string]float64{"kalshi": 500},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestRejectAllProducesOneEntryPerLeg(t *testing.T) {
	legs := []journal.GroupLeg{{ID: 1}, {ID: 2}, {ID: 3}}
	results := rejectAll(legs, "boom")
	if len(results) != len(legs) {
		t.Fatalf("results len = %d, want %d", len(results), len(legs))
	}
	for _, r := range results {
		if r.Status != "rejected" || r.Reason != "boom" {
			t.Errorf("unexpected result: %+v", r)
		}
	}
}

var errBoom = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
