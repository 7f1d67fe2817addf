package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalshi-agent/trading-assistant/internal/journal"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

// BuildMarketTools registers every read-only tool backed by the
// rate-limited venue REST wrappers: search_markets, get_market,
// get_orderbook, get_event, get_price_history, get_trades, get_portfolio,
// get_orders. All are auto-approved.
func BuildMarketTools(r *Registry, venues map[string]venue.Client) {
	r.Register(Tool{
		Name:        "search_markets",
		Description: "Search markets on one or both exchanges by free-text query, status, or event id.",
		ReadOnly:    true,
		Parameters: ObjectSchema("search_markets arguments", map[string]*JSONSchema{
			"exchange": EnumProp("restrict to one exchange; omit for both", exchangeNames(venues)...),
			"query":    StringProp("free-text search (ignored by the kalshi exchange)"),
			"status":   StringProp("market status filter, e.g. open"),
			"event_id": StringProp("restrict to one event"),
			"limit":    IntProp("max results per exchange, default 50"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				Query    string `json:"query"`
				Status   string `json:"status"`
				EventID  string `json:"event_id"`
				Limit    int    `json:"limit"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if args.Limit <= 0 {
				args.Limit = 50
			}
			out := map[string]any{}
			for _, c := range selectVenues(venues, args.Exchange) {
				res, err := c.SearchMarkets(ctx, args.Query, args.Status, args.EventID, args.Limit)
				if err != nil {
					out[c.Exchange()] = map[string]any{"error": err.Error()}
					continue
				}
				out[c.Exchange()] = res
			}
			return out, nil
		},
	})

	r.Register(Tool{
		Name:        "get_market",
		Description: "Fetch a single market by id on the given exchange.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_market arguments", map[string]*JSONSchema{
			"exchange":  EnumProp("exchange tag", exchangeNames(venues)...),
			"market_id": StringProp("market identifier"),
		}, "exchange", "market_id"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				MarketID string `json:"market_id"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			c, err := requireVenue(venues, args.Exchange)
			if err != nil {
				return nil, err
			}
			return c.GetMarket(ctx, args.MarketID)
		},
	})

	r.Register(Tool{
		Name:        "get_orderbook",
		Description: "Fetch the current orderbook for a market at a given depth.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_orderbook arguments", map[string]*JSONSchema{
			"exchange":  EnumProp("exchange tag", exchangeNames(venues)...),
			"market_id": StringProp("market identifier"),
			"depth":     IntProp("number of price levels per side, default venue max"),
		}, "exchange", "market_id"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				MarketID string `json:"market_id"`
				Depth    int    `json:"depth"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			c, err := requireVenue(venues, args.Exchange)
			if err != nil {
				return nil, err
			}
			ob, err := c.GetOrderbook(ctx, args.MarketID, args.Depth)
			if err != nil {
				return nil, err
			}
			return ob, nil
		},
	})

	r.Register(Tool{
		Name:        "get_event",
		Description: "Fetch an event and its nested markets.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_event arguments", map[string]*JSONSchema{
			"exchange": EnumProp("exchange tag", exchangeNames(venues)...),
			"event_id": StringProp("event identifier"),
		}, "exchange", "event_id"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				EventID  string `json:"event_id"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			c, err := requireVenue(venues, args.Exchange)
			if err != nil {
				return nil, err
			}
			return c.GetEvent(ctx, args.EventID)
		},
	})

	r.Register(Tool{
		Name:        "get_price_history",
		Description: "Fetch candlestick price history for a market, where the exchange supports it.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_price_history arguments", map[string]*JSONSchema{
			"exchange":  EnumProp("exchange tag", exchangeNames(venues)...),
			"market_id": StringProp("market identifier"),
			"start_ts":  IntProp("unix seconds, inclusive"),
			"end_ts":    IntProp("unix seconds, exclusive"),
			"interval":  IntProp("candle width in seconds"),
		}, "exchange", "market_id"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				MarketID string `json:"market_id"`
				StartTs  int64  `json:"start_ts"`
				EndTs    int64  `json:"end_ts"`
				Interval int64  `json:"interval"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			c, err := requireVenue(venues, args.Exchange)
			if err != nil {
				return nil, err
			}
			return c.GetCandlesticks(ctx, args.MarketID, args.StartTs, args.EndTs, int(args.Interval))
		},
	})

	r.Register(Tool{
		Name:        "get_trades",
		Description: "Fetch recent public trades for a market.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_trades arguments", map[string]*JSONSchema{
			"exchange":  EnumProp("exchange tag", exchangeNames(venues)...),
			"market_id": StringProp("market identifier"),
			"limit":     IntProp("max trades, default 50"),
		}, "exchange", "market_id"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				MarketID string `json:"market_id"`
				Limit    int    `json:"limit"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if args.Limit <= 0 {
				args.Limit = 50
			}
			c, err := requireVenue(venues, args.Exchange)
			if err != nil {
				return nil, err
			}
			return c.GetTrades(ctx, args.MarketID, args.Limit)
		},
	})

	r.Register(Tool{
		Name:        "get_portfolio",
		Description: "Fetch balance, positions, fills, and settlements for one or both exchanges.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_portfolio arguments", map[string]*JSONSchema{
			"exchange":           EnumProp("restrict to one exchange; omit for both", exchangeNames(venues)...),
			"include_fills":      BoolProp("also fetch recent fills"),
			"include_settlements": BoolProp("also fetch recent settlements"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange           string
				IncludeFills       bool `json:"include_fills"`
				IncludeSettlements bool `json:"include_settlements"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			out := map[string]any{}
			for _, c := range selectVenues(venues, args.Exchange) {
				entry := map[string]any{}
				if bal, err := c.GetBalance(ctx); err == nil {
					entry["balance"] = bal
				} else {
					entry["balance_error"] = err.Error()
				}
				if pos, err := c.GetPositions(ctx, ""); err == nil {
					entry["positions"] = pos
				} else {
					entry["positions_error"] = err.Error()
				}
				if args.IncludeFills {
					if fills, err := c.GetFills(ctx, "", 50); err == nil {
						entry["fills"] = fills
					}
				}
				if args.IncludeSettlements {
					if settle, err := c.GetSettlements(ctx, 50); err == nil {
						entry["settlements"] = settle
					}
				}
				out[c.Exchange()] = entry
			}
			return out, nil
		},
	})

	r.Register(Tool{
		Name:        "get_orders",
		Description: "List resting/recent orders, optionally filtered by market or status.",
		ReadOnly:    true,
		Parameters: ObjectSchema("get_orders arguments", map[string]*JSONSchema{
			"exchange":  EnumProp("restrict to one exchange; omit for both", exchangeNames(venues)...),
			"market_id": StringProp("restrict to one market"),
			"status":    StringProp("order status filter"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Exchange string `json:"exchange"`
				MarketID string `json:"market_id"`
				Status   string `json:"status"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			out := map[string]any{}
			for _, c := range selectVenues(venues, args.Exchange) {
				res, err := c.ListOrders(ctx, args.MarketID, args.Status)
				if err != nil {
					out[c.Exchange()] = map[string]any{"error": err.Error()}
					continue
				}
				out[c.Exchange()] = res
			}
			return out, nil
		},
	})
}

// RecommendTradeLeg is one leg as submitted by the agent's recommend_trade
// call, before server-assigned ids and timestamps exist.
type RecommendTradeLeg struct {
	Exchange    string `json:"exchange"`
	MarketID    string `json:"market_id"`
	MarketTitle string `json:"market_title"`
	Action      string `json:"action"`
	Side        string `json:"side"`
	Quantity    int    `json:"quantity"`
	PriceCents  int    `json:"price_cents"`
	IsMaker     bool   `json:"is_maker"`
	OrderType   string `json:"order_type"`
}

// BuildRecommendTool registers the single write tool: recommend_trade.
// It validates the leg set (price range, quantity) before persisting,
// fetches a fresh orderbook snapshot per leg for the journal record, and
// invokes onCreated after the journal store commits — the session server
// uses that hook to emit recommendation_created only after the write is
// durable, so a crash between the two never leaves a frame without a
// backing record.
func BuildRecommendTool(r *Registry, store *journal.Store, venues map[string]venue.Client, sessionID string, ttl time.Duration, onCreated func()) {
	r.Register(Tool{
		Name:        "recommend_trade",
		Description: "Propose a recommendation group of one or more legs intended to execute together. Requires operator confirmation before execution.",
		ReadOnly:    false,
		Parameters: ObjectSchema("recommend_trade arguments", map[string]*JSONSchema{
			"thesis":              StringProp("human-readable rationale"),
			"estimated_edge_pct":  NumberProp("estimated net edge, percent"),
			"strategy":            StringProp("strategy tag, e.g. bracket_arb, directional, cross_venue_arb"),
			"equivalence_notes":   StringProp("optional notes on why legs are considered equivalent/offsetting"),
			"legs": ArrayProp("ordered legs; order is preserved as leg_index", ObjectSchema("leg", map[string]*JSONSchema{
				"exchange":     StringProp("venue tag"),
				"market_id":    StringProp("market identifier"),
				"market_title": StringProp("human-readable market title"),
				"action":       EnumProp("buy or sell", "buy", "sell"),
				"side":         EnumProp("yes or no", "yes", "no"),
				"quantity":     IntProp("contracts, >= 1"),
				"price_cents":  IntProp("limit price in cents, 1-99"),
				"is_maker":     BoolProp("true if this leg should be placed first and waited on"),
				"order_type":   StringProp("limit (default) or market"),
			}, "exchange", "market_id", "action", "side", "quantity", "price_cents")),
		}, "thesis", "estimated_edge_pct", "strategy", "legs"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Thesis           string              `json:"thesis"`
				EstimatedEdgePct float64             `json:"estimated_edge_pct"`
				Strategy         string              `json:"strategy"`
				EquivalenceNotes string              `json:"equivalence_notes"`
				Legs             []RecommendTradeLeg `json:"legs"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if len(args.Legs) == 0 {
				return nil, fmt.Errorf("recommend_trade: at least one leg is required")
			}

			legs := make([]journal.Leg, len(args.Legs))
			for i, l := range args.Legs {
				if l.PriceCents < 1 || l.PriceCents > 99 {
					return nil, fmt.Errorf("recommend_trade: leg %d price %d out of range [1,99]", i, l.PriceCents)
				}
				if l.Quantity < 1 {
					return nil, fmt.Errorf("recommend_trade: leg %d quantity must be >= 1", i)
				}
				if l.Action != "buy" && l.Action != "sell" {
					return nil, fmt.Errorf("recommend_trade: leg %d action must be buy or sell", i)
				}
				if l.Side != "yes" && l.Side != "no" {
					return nil, fmt.Errorf("recommend_trade: leg %d side must be yes or no", i)
				}

				obJSON := ""
				if c, ok := venues[l.Exchange]; ok {
					if ob, err := c.GetOrderbook(ctx, l.MarketID, 0); err == nil {
						if data, err := json.Marshal(ob); err == nil {
							obJSON = string(data)
						}
					}
				}

				legs[i] = journal.Leg{
					Exchange:      l.Exchange,
					MarketID:      l.MarketID,
					MarketTitle:   l.MarketTitle,
					Action:        l.Action,
					Side:          l.Side,
					Quantity:      l.Quantity,
					PriceCents:    l.PriceCents,
					IsMaker:       l.IsMaker,
					OrderType:     l.OrderType,
					OrderbookJSON: obJSON,
				}
			}

			groupID, expiresAt, err := store.CreateRecommendationGroup(
				sessionID, args.Thesis, args.Strategy, args.EquivalenceNotes,
				args.EstimatedEdgePct, legs, ttl,
			)
			if err != nil {
				return nil, fmt.Errorf("recommend_trade: %w", err)
			}

			if onCreated != nil {
				onCreated()
			}

			return map[string]any{
				"group_id":   groupID,
				"leg_count":  len(legs),
				"expires_at": expiresAt,
			}, nil
		},
	})
}

// BuildQueryTool registers the single ad hoc read tool over the journal
// store, guarded to pure SELECT/WITH statements.
func BuildQueryTool(r *Registry, store *journal.Store) {
	r.Register(Tool{
		Name:        "query_database",
		Description: "Run a read-only SQL SELECT or WITH statement against the journal database.",
		ReadOnly:    true,
		Parameters: ObjectSchema("query_database arguments", map[string]*JSONSchema{
			"statement": StringProp("a SELECT or WITH statement"),
		}, "statement"),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Statement string `json:"statement"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return store.Query(args.Statement)
		},
	})
}

func exchangeNames(venues map[string]venue.Client) []string {
	names := make([]string, 0, len(venues))
	for name := range venues {
		names = append(names, name)
	}
	return names
}

func selectVenues(venues map[string]venue.Client, exchange string) []venue.Client {
	if exchange == "" {
		out := make([]venue.Client, 0, len(venues))
		for _, c := range venues {
			out = append(out, c)
		}
		return out
	}
	if c, ok := venues[exchange]; ok {
		return []venue.Client{c}
	}
	return nil
}

func requireVenue(venues map[string]venue.Client, exchange string) (venue.Client, error) {
	c, ok := venues[exchange]
	if !ok {
		return nil, fmt.Errorf("tools: unknown exchange %q", exchange)
	}
	return c, nil
}
