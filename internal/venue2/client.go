package venue2

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kalshi-agent/trading-assistant/internal/ratelimit"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

// Client is the second venue's venue.Client implementation.
type Client struct {
	apiKeyID string
	privKey  ed25519.PrivateKey
	http     *resty.Client
	basePath string
	limiter  *ratelimit.Limiter
}

// NewClient builds a second-venue REST client with retry/timeout settings
// in the same shape as 0xtitan6-polymarket-mm's resty client.
func NewClient(apiKeyID, privKeyPath, baseURL string, limiter *ratelimit.Limiter) (*Client, error) {
	key, err := LoadPrivateKey(privKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading venue2 key: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		apiKeyID: apiKeyID,
		privKey:  key,
		http:     httpClient,
		basePath: "",
		limiter:  limiter,
	}, nil
}

func (c *Client) Exchange() string { return "venue2" }

func (c *Client) headers(method, path string) map[string]string {
	return AuthHeaders(c.apiKeyID, c.privKey, method, path)
}

func (c *Client) SearchMarkets(ctx context.Context, query, status, eventID string, limit int) (venue.Response, error) {
	var result map[string]any
	path := "/markets"
	if err := c.getRead(ctx, path, map[string]string{
		"query": query, "status": status, "event_id": eventID,
	}, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetMarket(ctx context.Context, marketID string) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/markets/"+marketID, nil, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetOrderbook(ctx context.Context, marketID string, depth int) (venue.Orderbook, error) {
	var result struct {
		Yes [][2]float64 `json:"yes"`
		No  [][2]float64 `json:"no"`
	}
	if err := c.getRead(ctx, "/book", map[string]string{"token_id": marketID}, &result); err != nil {
		return venue.Orderbook{}, err
	}
	ob := venue.Orderbook{MarketID: marketID}
	for _, l := range result.Yes {
		ob.Yes = append(ob.Yes, venue.PriceLevel{PriceCents: int(l[0] * 100), Quantity: int(l[1])})
	}
	for _, l := range result.No {
		ob.No = append(ob.No, venue.PriceLevel{PriceCents: int(l[0] * 100), Quantity: int(l[1])})
	}
	return ob, nil
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/events/"+eventID, nil, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetTrades(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/trades", map[string]string{"token_id": marketID}, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetCandlesticks(ctx context.Context, marketID string, startUnix, endUnix int64, intervalSec int) (venue.Response, error) {
	return nil, fmt.Errorf("venue2: candlesticks not supported")
}

func (c *Client) GetBalance(ctx context.Context) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/balance", nil, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetPositions(ctx context.Context, eventID string) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/positions", map[string]string{"event_id": eventID}, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetFills(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/fills", map[string]string{"token_id": marketID}, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetSettlements(ctx context.Context, limit int) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/settlements", nil, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) ListOrders(ctx context.Context, marketID, status string) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/orders", map[string]string{"token_id": marketID, "status": status}, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetExchangeStatus(ctx context.Context) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/status", nil, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	body := map[string]any{
		"token_id": req.MarketID,
		"action":   req.Action,
		"side":     req.Side,
		"type":     req.Type,
		"size":     req.Count,
		"price":    float64(req.LimitPriceCents) / 100.0,
	}
	if req.ClientOrderID != nil {
		body["client_order_id"] = *req.ClientOrderID
	}

	var result struct {
		OrderID        string  `json:"order_id"`
		Status         string  `json:"status"`
		RemainingSize  float64 `json:"remaining_size"`
		FilledSize     float64 `json:"filled_size"`
	}
	if err := c.postWrite(ctx, "/orders", body, &result); err != nil {
		return venue.Order{}, err
	}
	return venue.Order{
		OrderID:         result.OrderID,
		MarketID:        req.MarketID,
		Status:          result.Status,
		Action:          req.Action,
		Side:            req.Side,
		Type:            req.Type,
		LimitPriceCents: req.LimitPriceCents,
		RemainingCount:  int(result.RemainingSize),
		FilledCount:     int(result.FilledSize),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.deleteWrite(ctx, "/orders/"+orderID)
}

// --- HTTP helpers ---

func (c *Client) getRead(ctx context.Context, path string, params map[string]string, out any) error {
	if err := c.limiter.AcquireRead(ctx, 1.0); err != nil {
		return err
	}
	return c.limiter.WithCall(func() error {
		req := c.http.R().SetContext(ctx).SetHeaders(c.headers("GET", path)).SetResult(out)
		for k, v := range params {
			if v != "" {
				req.SetQueryParam(k, v)
			}
		}
		resp, err := req.Get(path)
		return checkResp(resp, err, "GET", path)
	})
}

func (c *Client) postWrite(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.AcquireWrite(ctx, 1.0); err != nil {
		return err
	}
	return c.limiter.WithCall(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers("POST", path)).
			SetBody(body).
			SetResult(out).
			Post(path)
		return checkResp(resp, err, "POST", path)
	})
}

func (c *Client) deleteWrite(ctx context.Context, path string) error {
	if err := c.limiter.AcquireWrite(ctx, 1.0); err != nil {
		return err
	}
	return c.limiter.WithCall(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers("DELETE", path)).
			Delete(path)
		return checkResp(resp, err, "DELETE", path)
	})
}

func checkResp(resp *resty.Response, err error, method, path string) error {
	if err != nil {
		return fmt.Errorf("venue2 %s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("venue2 %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}
