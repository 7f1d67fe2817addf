package fillmonitor

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kalshi-agent/trading-assistant/internal/kalshi"
)

// KalshiDialer builds a Dialer that authenticates with the same RSA-PSS
// header scheme as the REST client and subscribes to the "fill" channel.
func KalshiDialer(apiKeyID string, privKey *rsa.PrivateKey, wsURL string) Dialer {
	return func(ctx context.Context, marketHint string) (*websocket.Conn, error) {
		headers, err := kalshi.AuthHeaders(apiKeyID, privKey, "GET", "/trade-api/ws/v2")
		if err != nil {
			return nil, fmt.Errorf("kalshi fill ws auth: %w", err)
		}
		httpHeaders := make(map[string][]string, len(headers))
		for k, v := range headers {
			httpHeaders[k] = []string{v}
		}

		dialer := websocket.Dialer{}
		conn, _, err := dialer.DialContext(ctx, wsURL, httpHeaders)
		if err != nil {
			return nil, fmt.Errorf("kalshi fill ws dial: %w", err)
		}

		sub := map[string]any{
			"id":  1,
			"cmd": "subscribe",
			"params": map[string]any{
				"channels": []string{"fill"},
			},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("kalshi fill subscribe: %w", err)
		}
		return conn, nil
	}
}

// KalshiMatcher is the data-driven fill-matching rule for venue 1: a frame
// is a fill when its type is "fill" or the channel name contains "fill";
// the order id and price/quantity fields are stable across Kalshi's API.
var KalshiMatcher = FillMatcher{
	IsFillFrame: func(msgType, channel string) bool {
		return msgType == "fill" || strings.Contains(strings.ToLower(channel), "fill")
	},
	OrderIDFields:  []string{"order_id"},
	PriceFields:    []string{"yes_price", "no_price", "price"},
	QuantityFields: []string{"count", "quantity"},
}
