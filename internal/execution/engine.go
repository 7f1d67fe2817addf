// Package execution implements the leg-in execution engine: given a
// recommendation group id, it safely transitions the group through
// maker-first placement, taker placement, and best-effort unwind,
// persisting every intermediate fact through the journal store and
// reporting progress to its caller.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalshi-agent/trading-assistant/internal/fees"
	"github.com/kalshi-agent/trading-assistant/internal/fillmonitor"
	"github.com/kalshi-agent/trading-assistant/internal/journal"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

// Progress tokens emitted via the onProgress callback.
const (
	ProgressRecomputingEdge   = "recomputing_edge"
	ProgressPlacingMaker      = "placing_maker"
	ProgressWaitingMakerFill  = "waiting_for_maker_fill"
	ProgressMakerFilled       = "maker_filled"
	ProgressPlacingTaker      = "placing_taker"
)

// ProgressFunc receives opaque progress tokens as the engine advances
// through a group's state machine. progressComplete(status) is reported
// as "complete:<status>".
type ProgressFunc func(token string)

func progressComplete(status string) string {
	return "complete:" + status
}

// LegResult is the per-leg outcome returned by ExecuteGroup.
type LegResult struct {
	LegID      int64
	Status     string // executed, rejected, unwind_placed, unwind_failed
	OrderID    string
	FillPrice  int
	FillQty    int
	Reason     string
}

// Config bounds the policy caps the engine pre-checks before any write.
type Config struct {
	MaxSlippageCents int
	MinEdgePct       float64
	MaxPositionUSD   map[string]float64 // keyed by exchange
	PortfolioCapUSD  float64
	MakerFillTimeout time.Duration
	TakerFillTimeout time.Duration
}

// Engine runs each ExecuteGroup call's group to completion. It does not
// serialize concurrent calls; their journal writes are ordered only by the
// journal's own locking.
type Engine struct {
	venues  map[string]venue.Client
	store   *journal.Store
	monitor *fillmonitor.Monitor
	cfg     Config

	mu sync.Mutex
}

// New creates an execution engine wired to the given per-exchange venue
// clients, the journal store, the fill monitor, and policy config.
func New(venues map[string]venue.Client, store *journal.Store, monitor *fillmonitor.Monitor, cfg Config) *Engine {
	return &Engine{venues: venues, store: store, monitor: monitor, cfg: cfg}
}

// ExecuteGroup transitions groupId's legs through the leg-in state
// machine, returning the per-leg outcomes. It never returns an error to
// the caller except when the group cannot be loaded (unknown id or a
// journal read error).
func (e *Engine) ExecuteGroup(ctx context.Context, groupID int64, onProgress ProgressFunc) ([]LegResult, error) {
	if onProgress == nil {
		onProgress = func(string) {}
	}

	group, err := e.store.GetGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("execute group: %w", err)
	}
	if group == nil {
		return nil, fmt.Errorf("execute group: unknown group id %d", groupID)
	}

	onProgress(ProgressRecomputingEdge)
	validated, rejectReason := e.recomputeAndValidate(ctx, group)
	if rejectReason != "" {
		slog.Warn("group rejected at validation", "group_id", groupID, "reason", rejectReason)
		e.store.UpdateGroupStatus(groupID, "rejected")
		return rejectAll(group.Legs, rejectReason), nil
	}

	ordered := sortByDepth(validated)
	maker := ordered[0]
	takers := ordered[1:]

	onProgress(ProgressPlacingMaker)
	makerOrderID, err := e.placeLeg(ctx, group.SessionID, maker)
	if err != nil {
		slog.Error("maker placement failed", "group_id", groupID, "leg_id", maker.ID, "err", err)
		e.store.UpdateGroupStatus(groupID, "rejected")
		return rejectAll(group.Legs, "maker placement failed: "+err.Error()), nil
	}

	onProgress(ProgressWaitingMakerFill)
	makerFill, ok, err := e.monitor.WaitForFill(ctx, maker.Exchange, makerOrderID, e.cfg.MakerFillTimeout, maker.MarketID)
	if err != nil || !ok {
		e.cancelBestEffort(ctx, maker.Exchange, makerOrderID)
		e.store.UpdateGroupStatus(groupID, "rejected")
		reason := "maker fill timeout"
		if err != nil {
			reason = "maker fill wait error: " + err.Error()
		}
		return rejectAll(group.Legs, reason), nil
	}

	e.store.UpdateLegFill(maker.ID, makerFill.PriceCents, makerFill.Quantity)
	onProgress(ProgressMakerFilled)

	results := []LegResult{{
		LegID: maker.ID, Status: "executed", OrderID: makerOrderID,
		FillPrice: makerFill.PriceCents, FillQty: makerFill.Quantity,
	}}

	anyTakerFailed := false
	for _, taker := range takers {
		onProgress(ProgressPlacingTaker)
		takerOrderID, err := e.placeLeg(ctx, group.SessionID, taker)
		if err != nil {
			slog.Error("taker placement failed", "group_id", groupID, "leg_id", taker.ID, "err", err)
			results = append(results, LegResult{LegID: taker.ID, Status: "rejected", Reason: err.Error()})
			anyTakerFailed = true
			continue
		}

		fill, ok, err := e.monitor.WaitForFill(ctx, taker.Exchange, takerOrderID, e.cfg.TakerFillTimeout, taker.MarketID)
		if err != nil || !ok {
			e.cancelBestEffort(ctx, taker.Exchange, takerOrderID)
			results = append(results, LegResult{LegID: taker.ID, Status: "rejected", OrderID: takerOrderID, Reason: "taker fill timeout"})
			anyTakerFailed = true
			continue
		}

		e.store.UpdateLegFill(taker.ID, fill.PriceCents, fill.Quantity)
		results = append(results, LegResult{
			LegID: taker.ID, Status: "executed", OrderID: takerOrderID,
			FillPrice: fill.PriceCents, FillQty: fill.Quantity,
		})
	}

	var finalStatus string
	if anyTakerFailed {
		unwindResult := e.unwind(ctx, group.SessionID, maker, makerFill)
		results = append(results, unwindResult)
		finalStatus = "partial"
	} else {
		finalStatus = "executed"
	}

	e.store.UpdateGroupStatus(groupID, finalStatus)
	onProgress(progressComplete(finalStatus))
	return results, nil
}

// unwind places an opposite-action order for the filled maker leg as a
// best-effort reversal. Its own outcome never blocks the caller; it is
// logged as an informational per-leg result. Like every other order this
// engine places, it is journaled as a trade row before being sent.
func (e *Engine) unwind(ctx context.Context, sessionID string, maker journal.GroupLeg, fill fillmonitor.Fill) LegResult {
	client, ok := e.venues[maker.Exchange]
	if !ok {
		return LegResult{LegID: maker.ID, Status: "unwind_failed", Reason: "unknown exchange " + maker.Exchange}
	}

	oppositeAction := "sell"
	if maker.Action == "sell" {
		oppositeAction = "buy"
	}

	price := fill.PriceCents
	tradeID, err := e.store.LogTrade(sessionID, &maker.ID, maker.Exchange, maker.MarketID, oppositeAction, maker.Side, fill.Quantity, &price, "limit", nil)
	if err != nil {
		slog.Warn("unwind trade log failed", "leg_id", maker.ID, "err", err)
		return LegResult{LegID: maker.ID, Status: "unwind_failed", Reason: "log trade: " + err.Error()}
	}

	req := venue.OrderRequest{
		MarketID:        maker.MarketID,
		Action:          oppositeAction,
		Side:            maker.Side,
		Type:            "limit",
		Count:           fill.Quantity,
		LimitPriceCents: fill.PriceCents,
	}

	order, err := client.CreateOrder(ctx, req)
	if err != nil {
		slog.Warn("unwind order failed", "leg_id", maker.ID, "err", err)
		e.store.UpdateTradeStatus(tradeID, "unwind_failed", map[string]any{"error": err.Error()})
		return LegResult{LegID: maker.ID, Status: "unwind_failed", Reason: err.Error()}
	}
	e.store.UpdateTradeStatus(tradeID, "placed", order)
	return LegResult{LegID: maker.ID, Status: "unwind_placed", OrderID: order.OrderID}
}

func (e *Engine) cancelBestEffort(ctx context.Context, exchange, orderID string) {
	client, ok := e.venues[exchange]
	if !ok || orderID == "" {
		return
	}
	if err := client.CancelOrder(ctx, orderID); err != nil {
		slog.Warn("cancel failed", "exchange", exchange, "order_id", orderID, "err", err)
	}
}

func (e *Engine) placeLeg(ctx context.Context, sessionID string, leg journal.GroupLeg) (string, error) {
	client, ok := e.venues[leg.Exchange]
	if !ok {
		return "", fmt.Errorf("no client for exchange %q", leg.Exchange)
	}

	price := leg.PriceCents
	tradeID, err := e.store.LogTrade(sessionID, &leg.ID, leg.Exchange, leg.MarketID, leg.Action, leg.Side, leg.Quantity, &price, leg.OrderType, nil)
	if err != nil {
		return "", fmt.Errorf("log trade: %w", err)
	}

	req := venue.OrderRequest{
		MarketID:        leg.MarketID,
		Action:          leg.Action,
		Side:            leg.Side,
		Type:            orDefault(leg.OrderType, "limit"),
		Count:           leg.Quantity,
		LimitPriceCents: leg.PriceCents,
	}

	order, err := client.CreateOrder(ctx, req)
	if err != nil {
		e.store.UpdateTradeStatus(tradeID, "failed", map[string]any{"error": err.Error()})
		return "", err
	}

	e.store.UpdateTradeStatus(tradeID, "placed", order)
	e.store.UpdateLegStatus(leg.ID, "executed", &order.OrderID)
	return order.OrderID, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func rejectAll(legs []journal.GroupLeg, reason string) []LegResult {
	out := make([]LegResult, len(legs))
	for i, leg := range legs {
		out[i] = LegResult{LegID: leg.ID, Status: "rejected", Reason: reason}
	}
	return out
}

func sortByDepth(legs []legWithDepth) []journal.GroupLeg {
	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].depth < legs[j].depth
	})
	out := make([]journal.GroupLeg, len(legs))
	for i, l := range legs {
		out[i] = l.GroupLeg
	}
	return out
}

type legWithDepth struct {
	journal.GroupLeg
	depth int
}

// recomputeAndValidate re-fetches every leg's orderbook, rejects on
// slippage/edge/notional breach, and persists the recomputed figures on
// success. Returns the legs annotated with current best-at-depth for
// leg ordering, or a non-empty reject reason.
func (e *Engine) recomputeAndValidate(ctx context.Context, group *journal.Group) ([]legWithDepth, string) {
	annotated := make([]legWithDepth, 0, len(group.Legs))
	var computeLegs []fees.Leg
	totalCostUSD := 0.0

	for _, leg := range group.Legs {
		client, ok := e.venues[leg.Exchange]
		if !ok {
			return nil, fmt.Sprintf("no client for exchange %q", leg.Exchange)
		}

		ob, err := client.GetOrderbook(ctx, leg.MarketID, 0)
		if err != nil {
			return nil, fmt.Sprintf("orderbook fetch failed for %s: %v", leg.MarketID, err)
		}

		levels := ob.Side(leg.Side)
		feeLevels := make([]fees.PriceLevel, len(levels))
		for i, l := range levels {
			feeLevels[i] = fees.PriceLevel{PriceCents: l.PriceCents, Quantity: l.Quantity}
		}

		bestNow, depth, found := fees.BestPriceAndDepth(feeLevels)
		if !found {
			return nil, fmt.Sprintf("empty orderbook for %s", leg.MarketID)
		}

		if abs(bestNow-leg.PriceCents) > e.cfg.MaxSlippageCents {
			return nil, fmt.Sprintf("slippage %d exceeds cap for leg %d", abs(bestNow-leg.PriceCents), leg.ID)
		}

		legFeeUSD, err := fees.LegFee(leg.Exchange, leg.Quantity, bestNow, leg.IsMaker)
		if err != nil {
			return nil, fmt.Sprintf("fee calc failed for leg %d: %v", leg.ID, err)
		}
		legNotionalUSD := float64(leg.Quantity*bestNow)/100.0 + legFeeUSD
		if cap, ok := e.cfg.MaxPositionUSD[leg.Exchange]; ok && legNotionalUSD > cap {
			return nil, fmt.Sprintf("leg %d notional $%.2f (incl. fees) exceeds venue cap $%.2f", leg.ID, legNotionalUSD, cap)
		}
		totalCostUSD += legNotionalUSD

		updated := leg
		updated.PriceCents = bestNow
		annotated = append(annotated, legWithDepth{GroupLeg: updated, depth: depth})
		computeLegs = append(computeLegs, fees.Leg{Exchange: leg.Exchange, PriceCents: bestNow, Maker: leg.IsMaker})
	}

	if totalCostUSD > e.cfg.PortfolioCapUSD {
		return nil, fmt.Sprintf("total cost $%.2f exceeds portfolio cap $%.2f", totalCostUSD, e.cfg.PortfolioCapUSD)
	}

	edge := fees.ComputeArbEdge(computeLegs, group.Legs[0].Quantity)
	if edge.NetEdgePct < e.cfg.MinEdgePct {
		return nil, fmt.Sprintf("recomputed net edge %.2f%% below minimum %.2f%%", edge.NetEdgePct, e.cfg.MinEdgePct)
	}

	e.store.UpdateGroupComputedFields(group.ID, edge.NetEdgePct, edge.TotalFeesUSD, totalCostUSD)
	return annotated, ""
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ValidateExecution re-applies policy caps without issuing any write; it
// is the pure pre-check the session server and tool catalog can call
// before offering execution to the user. Per-leg and portfolio notional
// include the leg's fee, matching the recomputed check the engine applies
// just before placing orders.
func ValidateExecution(group *journal.Group, cfg Config) error {
	totalUSD := 0.0
	for _, leg := range group.Legs {
		feeUSD, err := fees.LegFee(leg.Exchange, leg.Quantity, leg.PriceCents, leg.IsMaker)
		if err != nil {
			return fmt.Errorf("leg %d: %w", leg.ID, err)
		}
		legUSD := float64(leg.Quantity*leg.PriceCents)/100.0 + feeUSD
		if cap, ok := cfg.MaxPositionUSD[leg.Exchange]; ok && legUSD > cap {
			return fmt.Errorf("leg %d notional $%.2f (incl. fees) exceeds venue cap $%.2f", leg.ID, legUSD, cap)
		}
		totalUSD += legUSD
	}
	if totalUSD > cfg.PortfolioCapUSD {
		return fmt.Errorf("total cost $%.2f exceeds portfolio cap $%.2f", totalUSD, cfg.PortfolioCapUSD)
	}
	return nil
}
