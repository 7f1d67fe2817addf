package venue2

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient streams public orderbook state from the second venue's
// market-data WebSocket channel, mirroring venue 1's public feed client.
// The private order/fill channel is handled separately by
// internal/fillmonitor's Venue2Dialer.
type WSClient struct {
	apiKeyID string
	privKey  ed25519.PrivateKey
	wsURL    string
	conn     *websocket.Conn
	mu       sync.RWMutex

	orderbooks map[string]*OrderbookState
	obMu       sync.RWMutex

	subscribed map[string]bool
	subMu      sync.RWMutex
}

type OrderbookState struct {
	MarketID   string
	Yes        []PriceLevel
	No         []PriceLevel
	LastUpdate time.Time
}

type PriceLevel struct {
	Price    int
	Quantity int
}

func NewWSClient(apiKeyID, privKeyPath, wsURL string) (*WSClient, error) {
	key, err := LoadPrivateKey(privKeyPath)
	if err != nil {
		return nil, err
	}
	return &WSClient{
		apiKeyID:   apiKeyID,
		privKey:    key,
		wsURL:      wsURL,
		orderbooks: make(map[string]*OrderbookState),
		subscribed: make(map[string]bool),
	}, nil
}

// Run connects and processes messages, reconnecting with a short backoff
// until ctx is cancelled.
func (ws *WSClient) Run(ctx context.Context) error {
	for {
		if err := ws.connect(ctx); err != nil {
			slog.Warn("venue2 ws disconnected", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			slog.Info("venue2 ws reconnecting...")
		}
	}
}

func (ws *WSClient) connect(ctx context.Context) error {
	headers := AuthHeaders(ws.apiKeyID, ws.privKey, "GET", "/ws/market")
	httpHeaders := make(map[string][]string, len(headers))
	for k, v := range headers {
		httpHeaders[k] = []string{v}
	}

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, ws.wsURL, httpHeaders)
	if err != nil {
		return fmt.Errorf("venue2 ws dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	defer func() {
		conn.Close()
		ws.mu.Lock()
		ws.conn = nil
		ws.mu.Unlock()
	}()

	slog.Info("venue2 ws connected")

	if markets := ws.subscribedList(); len(markets) > 0 {
		if err := ws.sendSubscribe(conn, markets); err != nil {
			slog.Warn("venue2 ws resubscribe failed", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ws.handleMessage(msg)
	}
}

func (ws *WSClient) Subscribe(markets []string) error {
	ws.subMu.Lock()
	for _, m := range markets {
		ws.subscribed[m] = true
	}
	ws.subMu.Unlock()

	ws.mu.RLock()
	conn := ws.conn
	ws.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return ws.sendSubscribe(conn, markets)
}

func (ws *WSClient) Unsubscribe(markets []string) {
	ws.subMu.Lock()
	for _, m := range markets {
		delete(ws.subscribed, m)
	}
	ws.subMu.Unlock()

	ws.obMu.Lock()
	for _, m := range markets {
		delete(ws.orderbooks, m)
	}
	ws.obMu.Unlock()
}

func (ws *WSClient) sendSubscribe(conn *websocket.Conn, markets []string) error {
	cmd := map[string]any{
		"type":       "subscribe",
		"channel":    "book",
		"asset_ids":  markets,
	}
	return conn.WriteJSON(cmd)
}

func (ws *WSClient) subscribedList() []string {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()
	out := make([]string, 0, len(ws.subscribed))
	for m := range ws.subscribed {
		out = append(out, m)
	}
	return out
}

func (ws *WSClient) GetOrderbook(marketID string) *OrderbookState {
	ws.obMu.RLock()
	defer ws.obMu.RUnlock()
	return ws.orderbooks[marketID]
}

type wsBookMessage struct {
	Event   string          `json:"event_type"`
	AssetID string          `json:"asset_id"`
	Bids    [][2]string     `json:"bids"`
	Asks    [][2]string     `json:"asks"`
	Changes json.RawMessage `json:"changes"`
}

func (ws *WSClient) handleMessage(data []byte) {
	var msg wsBookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Event {
	case "book":
		ws.applySnapshot(msg)
	case "price_change":
		ws.applyPriceChange(msg)
	default:
		slog.Debug("venue2 ws unhandled message", "event", msg.Event)
	}
}

func (ws *WSClient) applySnapshot(msg wsBookMessage) {
	ob := &OrderbookState{MarketID: msg.AssetID, LastUpdate: time.Now()}
	for _, lvl := range msg.Bids {
		ob.Yes = append(ob.Yes, parseLevel(lvl))
	}
	for _, lvl := range msg.Asks {
		ob.No = append(ob.No, parseLevel(lvl))
	}
	ws.obMu.Lock()
	ws.orderbooks[msg.AssetID] = ob
	ws.obMu.Unlock()
}

func (ws *WSClient) applyPriceChange(msg wsBookMessage) {
	ws.obMu.Lock()
	defer ws.obMu.Unlock()
	ob := ws.orderbooks[msg.AssetID]
	if ob == nil {
		return
	}
	ob.LastUpdate = time.Now()
	for _, lvl := range msg.Bids {
		upsertLevel(&ob.Yes, parseLevel(lvl))
	}
	for _, lvl := range msg.Asks {
		upsertLevel(&ob.No, parseLevel(lvl))
	}
}

func parseLevel(pair [2]string) PriceLevel {
	var price float64
	var qty float64
	fmt.Sscanf(pair[0], "%f", &price)
	fmt.Sscanf(pair[1], "%f", &qty)
	return PriceLevel{Price: int(price * 100), Quantity: int(qty)}
}

func upsertLevel(levels *[]PriceLevel, lvl PriceLevel) {
	for i, l := range *levels {
		if l.Price == lvl.Price {
			if lvl.Quantity <= 0 {
				*levels = append((*levels)[:i], (*levels)[i+1:]...)
			} else {
				(*levels)[i].Quantity = lvl.Quantity
			}
			return
		}
	}
	if lvl.Quantity > 0 {
		*levels = append(*levels, lvl)
	}
}
