package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/kalshi-agent/trading-assistant/internal/journal"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

// fakeClient is a minimal venue.Client stub for exercising the catalog's
// dispatch and validation logic without any network access.
type fakeClient struct {
	exchange  string
	orderbook venue.Orderbook
}

func (f *fakeClient) Exchange() string { return f.exchange }
func (f *fakeClient) SearchMarkets(ctx context.Context, query, status, eventID string, limit int) (venue.Response, error) {
	return venue.Response{"query": query, "limit": limit}, nil
}
func (f *fakeClient) GetMarket(ctx context.Context, marketID string) (venue.Response, error) {
	return venue.Response{"market_id": marketID}, nil
}
func (f *fakeClient) GetOrderbook(ctx context.Context, marketID string, depth int) (venue.Orderbook, error) {
	if marketID != f.orderbook.MarketID {
		return venue.Orderbook{}, fmt.Errorf("unexpected market id %q", marketID)
	}
	return f.orderbook, nil
}
func (f *fakeClient) GetEvent(ctx context.Context, eventID string) (venue.Response, error) {
	return venue.Response{"event_id": eventID}, nil
}
func (f *fakeClient) GetTrades(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) GetCandlesticks(ctx context.Context, marketID string, startUnix, endUnix int64, intervalSec int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) GetBalance(ctx context.Context) (venue.Response, error) {
	return venue.Response{"balance_cents": 10000}, nil
}
func (f *fakeClient) GetPositions(ctx context.Context, eventID string) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) GetFills(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) GetSettlements(ctx context.Context, limit int) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) ListOrders(ctx context.Context, marketID, status string) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) GetExchangeStatus(ctx context.Context) (venue.Response, error) {
	return venue.Response{}, nil
}
func (f *fakeClient) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	return venue.Order{}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error { return nil }

func testVenues() map[string]venue.Client {
	return map[string]venue.Client{
		"kalshi": &fakeClient{exchange: "kalshi", orderbook: venue.Orderbook{
			MarketID: "M1",
			Yes:      []venue.PriceLevel{{PriceCents: 60, Quantity: 100}},
			No:       []venue.PriceLevel{{PriceCents: 38, Quantity: 80}},
		}},
	}
}

func openTestStore(t *testing.T) *journal.Store {
	t.Helper()
	s, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSearchMarketsDispatchesToSelectedExchange(t *testing.T) {
	r := NewRegistry()
	BuildMarketTools(r, testVenues())

	out, err := r.Execute(context.Background(), "search_markets", json.RawMessage(`{"exchange":"kalshi","query":"btc"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded map[string]map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["kalshi"]["query"] != "btc" {
		t.Errorf("expected query echoed back, got %v", decoded)
	}
}

func TestGetMarketRequiresKnownExchange(t *testing.T) {
	r := NewRegistry()
	BuildMarketTools(r, testVenues())

	_, err := r.Execute(context.Background(), "get_market", json.RawMessage(`{"exchange":"nope","market_id":"M1"}`))
	if err == nil {
		t.Fatal("expected error for unknown exchange")
	}
}

func TestGetMarketPassesMarketIDThrough(t *testing.T) {
	r := NewRegistry()
	BuildMarketTools(r, testVenues())

	out, err := r.Execute(context.Background(), "get_market", json.RawMessage(`{"exchange":"kalshi","market_id":"M1"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["market_id"] != "M1" {
		t.Errorf("expected market_id M1 to reach the client, got %v", decoded)
	}
}

func TestGetOrderbookPassesMarketIDThrough(t *testing.T) {
	r := NewRegistry()
	BuildMarketTools(r, testVenues())

	out, err := r.Execute(context.Background(), "get_orderbook", json.RawMessage(`{"exchange":"kalshi","market_id":"M1","depth":5}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded venue.Orderbook
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(decoded.Yes) == 0 || decoded.Yes[0].PriceCents != 60 {
		t.Errorf("expected the test venue's orderbook back, got %+v", decoded)
	}
}

func TestRecommendTradeRejectsOutOfRangePrice(t *testing.T) {
	store := openTestStore(t)
	sessionID, err := store.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	r := NewRegistry()
	var created bool
	BuildRecommendTool(r, store, testVenues(), sessionID, 10*time.Minute, func() { created = true })

	_, err = r.Execute(context.Background(), "recommend_trade", json.RawMessage(`{
		"thesis": "test",
		"estimated_edge_pct": 3.0,
		"strategy": "directional",
		"legs": [{"exchange":"kalshi","market_id":"M1","action":"buy","side":"yes","quantity":10,"price_cents":150}]
	}`))
	if err == nil {
		t.Fatal("expected validation error for out-of-range price")
	}
	if created {
		t.Fatal("onCreated must not fire when validation fails")
	}
}

func TestRecommendTradeCreatesGroupAndFiresCallbackAfterCommit(t *testing.T) {
	store := openTestStore(t)
	sessionID, err := store.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	r := NewRegistry()
	var created bool
	BuildRecommendTool(r, store, testVenues(), sessionID, 10*time.Minute, func() { created = true })

	out, err := r.Execute(context.Background(), "recommend_trade", json.RawMessage(`{
		"thesis": "test",
		"estimated_edge_pct": 3.0,
		"strategy": "directional",
		"legs": [{"exchange":"kalshi","market_id":"M1","action":"buy","side":"yes","quantity":10,"price_cents":60}]
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !created {
		t.Fatal("expected onCreated callback to fire after commit")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	groupID := int64(decoded["group_id"].(float64))

	group, err := store.GetGroup(groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if group.Thesis != "test" {
		t.Errorf("thesis = %q, want %q", group.Thesis, "test")
	}
}

func TestQueryDatabaseRejectsNonSelect(t *testing.T) {
	store := openTestStore(t)
	r := NewRegistry()
	BuildQueryTool(r, store)

	_, err := r.Execute(context.Background(), "query_database", json.RawMessage(`{"statement":"DELETE FROM sessions"}`))
	if err == nil {
		t.Fatal("expected rejection of non-SELECT statement")
	}
}
