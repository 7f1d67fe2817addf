// Package fillmonitor maintains at most one private WebSocket
// subscription per exchange to order/fill events and answers
// waitForFill(exchange, orderId, timeout, marketHint) -> fill | timeout.
//
// The JSON field names carrying the order id, the execution-type tag, and
// whether a fill is full or partial are all supplied per venue as data
// (FillMatcher), not hardcoded — venues are free to rename these without a
// code change here.
package fillmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Fill is what WaitForFill returns on a match.
type Fill struct {
	OrderID    string
	PriceCents int
	Quantity   int
	Partial    bool
}

// FillMatcher describes, per venue, how to recognize a fill frame and pull
// the fields out of its decoded JSON payload.
type FillMatcher struct {
	// IsFillFrame reports whether a decoded top-level message represents a
	// fill/execution event, given its message-type and channel fields (a
	// venue may use either or both; unused ones are passed as "").
	IsFillFrame func(msgType, channel string) bool

	// OrderIDFields is tried in order against the frame's payload map; the
	// first present field wins. Kalshi uses "order_id"; the second venue
	// has been observed to use "order_id", "orderID", and "clientOrderId"
	// depending on release.
	OrderIDFields []string

	// PriceFields and QuantityFields are likewise tried in order.
	PriceFields    []string
	QuantityFields []string

	// PartialFlagField, when non-empty, is looked up in the payload; if its
	// string value is a member of PartialFlagValues the fill is partial.
	PartialFlagField  string
	PartialFlagValues []string
}

func lookup(payload map[string]any, fields []string) (any, bool) {
	for _, f := range fields {
		if v, ok := payload[f]; ok {
			return v, true
		}
	}
	return nil, false
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var out int
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// Dialer opens and authenticates one venue's private WebSocket connection
// and returns it already subscribed to the fill/order channel, optionally
// scoped to marketHint when the venue supports scoping.
type Dialer func(ctx context.Context, marketHint string) (*websocket.Conn, error)

type venueConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	waiters map[string][]chan Fill
	matcher FillMatcher
	dial    Dialer
	closed  bool
}

// Monitor is the unified per-process fill monitor, one venueConn per
// exchange, connected lazily on first WaitForFill.
type Monitor struct {
	mu     sync.Mutex
	venues map[string]*venueConn
}

// New creates an empty monitor. Register each venue with Register before
// calling WaitForFill for it.
func New() *Monitor {
	return &Monitor{venues: make(map[string]*venueConn)}
}

// Register wires a venue's dialer and matcher. Call once at startup per
// exchange that participates in execution.
func (m *Monitor) Register(exchange string, dial Dialer, matcher FillMatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venues[exchange] = &venueConn{
		waiters: make(map[string][]chan Fill),
		matcher: matcher,
		dial:    dial,
	}
}

// WaitForFill blocks until a fill for orderID on exchange is observed, the
// timeout elapses, or ctx is cancelled. It never returns an error for a
// clean timeout or disconnect — only a structural failure to establish the
// connection in the first place propagates as an error.
func (m *Monitor) WaitForFill(ctx context.Context, exchange, orderID string, timeout time.Duration, marketHint string) (Fill, bool, error) {
	m.mu.Lock()
	vc, ok := m.venues[exchange]
	m.mu.Unlock()
	if !ok {
		return Fill{}, false, fmt.Errorf("fillmonitor: no venue registered for %q", exchange)
	}

	if err := vc.ensureConnected(ctx, marketHint); err != nil {
		return Fill{}, false, fmt.Errorf("fillmonitor: connect %s: %w", exchange, err)
	}

	ch := make(chan Fill, 1)
	vc.addWaiter(orderID, ch)
	defer vc.removeWaiter(orderID, ch)

	select {
	case fill := <-ch:
		return fill, true, nil
	case <-time.After(timeout):
		return Fill{}, false, nil
	case <-ctx.Done():
		return Fill{}, false, nil
	}
}

// Close tears down every venue connection. The session server calls it
// once, at shutdown; the execution engine does not call it, so venue
// connections stay open from one group to the next.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vc := range m.venues {
		vc.close()
	}
}

func (vc *venueConn) ensureConnected(ctx context.Context, marketHint string) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.conn != nil {
		return nil
	}
	conn, err := vc.dial(ctx, marketHint)
	if err != nil {
		return err
	}
	vc.conn = conn
	go vc.readLoop()
	return nil
}

func (vc *venueConn) addWaiter(orderID string, ch chan Fill) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.waiters[orderID] = append(vc.waiters[orderID], ch)
}

func (vc *venueConn) removeWaiter(orderID string, ch chan Fill) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	list := vc.waiters[orderID]
	for i, c := range list {
		if c == ch {
			vc.waiters[orderID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(vc.waiters[orderID]) == 0 {
		delete(vc.waiters, orderID)
	}
}

func (vc *venueConn) readLoop() {
	for {
		vc.mu.Lock()
		conn := vc.conn
		closed := vc.closed
		vc.mu.Unlock()
		if conn == nil || closed {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("fill monitor connection lost", "err", err)
			vc.mu.Lock()
			vc.conn = nil
			vc.mu.Unlock()
			return
		}

		vc.dispatch(data)
	}
}

func (vc *venueConn) dispatch(data []byte) {
	var envelope struct {
		Type    string `json:"type"`
		MsgType string `json:"msg_type"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	msgType := envelope.Type
	if msgType == "" {
		msgType = envelope.MsgType
	}

	if !vc.matcher.IsFillFrame(msgType, envelope.Channel) {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	// Some venues nest the fill under a "msg" or "data" key.
	if nested, ok := payload["msg"].(map[string]any); ok {
		payload = nested
	} else if nested, ok := payload["data"].(map[string]any); ok {
		payload = nested
	}

	orderIDVal, ok := lookup(payload, vc.matcher.OrderIDFields)
	if !ok {
		return
	}
	orderID := asString(orderIDVal)
	if orderID == "" {
		if n, numOK := orderIDVal.(float64); numOK {
			orderID = fmt.Sprintf("%v", n)
		}
	}
	if orderID == "" {
		return
	}

	priceVal, _ := lookup(payload, vc.matcher.PriceFields)
	qtyVal, _ := lookup(payload, vc.matcher.QuantityFields)

	partial := false
	if vc.matcher.PartialFlagField != "" {
		if v, ok := payload[vc.matcher.PartialFlagField]; ok {
			s := asString(v)
			for _, want := range vc.matcher.PartialFlagValues {
				if s == want {
					partial = true
					break
				}
			}
		}
	}

	fill := Fill{
		OrderID:    orderID,
		PriceCents: asInt(priceVal),
		Quantity:   asInt(qtyVal),
		Partial:    partial,
	}

	vc.mu.Lock()
	waiters := append([]chan Fill(nil), vc.waiters[orderID]...)
	vc.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- fill:
		default:
		}
	}
}

func (vc *venueConn) close() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.closed = true
	if vc.conn != nil {
		vc.conn.Close()
		vc.conn = nil
	}
}
