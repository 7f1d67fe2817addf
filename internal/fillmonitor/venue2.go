package fillmonitor

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/kalshi-agent/trading-assistant/internal/venue2"
)

// Venue2Dialer builds a Dialer for the second venue's private order/fill
// channel, authenticated with Ed25519 headers and scoped to marketHint.
func Venue2Dialer(apiKeyID string, privKey ed25519.PrivateKey, wsURL string) Dialer {
	return func(ctx context.Context, marketHint string) (*websocket.Conn, error) {
		headers := venue2.AuthHeaders(apiKeyID, privKey, "GET", "/ws/user")
		httpHeaders := make(map[string][]string, len(headers))
		for k, v := range headers {
			httpHeaders[k] = []string{v}
		}

		dialer := websocket.Dialer{}
		conn, _, err := dialer.DialContext(ctx, wsURL, httpHeaders)
		if err != nil {
			return nil, fmt.Errorf("venue2 fill ws dial: %w", err)
		}

		sub := map[string]any{
			"type":    "subscribe",
			"channel": "user",
			"markets": []string{marketHint},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("venue2 fill subscribe: %w", err)
		}
		return conn, nil
	}
}

// Venue2Matcher is deliberately data-driven across more field-name
// candidates than venue 1's matcher: the second venue has been observed
// to vary both the order-id key and the execution-type tag across
// releases, so every known spelling is tried in order rather than picking
// one at code-writing time.
var Venue2Matcher = FillMatcher{
	IsFillFrame: func(msgType, channel string) bool {
		switch msgType {
		case "TRADE", "trade", "order_update", "ORDER_UPDATE":
			return true
		}
		return channel == "user" || channel == "trades"
	},
	OrderIDFields:     []string{"order_id", "orderID", "clientOrderId", "id"},
	PriceFields:       []string{"price", "match_price", "fill_price"},
	QuantityFields:    []string{"size", "matched_amount", "quantity"},
	PartialFlagField:  "status",
	PartialFlagValues: []string{"MATCHED_PARTIAL", "partial", "PARTIALLY_FILLED"},
}
