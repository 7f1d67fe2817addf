// Package kalshi implements the venue-1 REST and WebSocket wrappers:
// Kalshi's trade API v2, RSA-PSS request signing over
// "timestamp + method + path", and the public/private WebSocket feeds.
// Generalized from a single-strategy-bot-specific surface to the full
// venue-neutral operation set, wired through the shared rate limiter.
package kalshi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalshi-agent/trading-assistant/internal/ratelimit"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

// Client is Kalshi's venue.Client implementation.
type Client struct {
	apiKeyID       string
	privKey        *rsa.PrivateKey
	http           *http.Client
	baseURL        string
	basePathPrefix string
	limiter        *ratelimit.Limiter
}

// NewClient builds a Kalshi REST client. The limiter guards REST calls
// only; the fill monitor's WebSocket connection does not draw on it.
func NewClient(apiKeyID, privKeyPath, baseURL string, limiter *ratelimit.Limiter) (*Client, error) {
	key, err := LoadPrivateKey(privKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading kalshi key: %w", err)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	return &Client{
		apiKeyID:       apiKeyID,
		privKey:        key,
		http:           &http.Client{Timeout: 10 * time.Second},
		baseURL:        baseURL,
		basePathPrefix: parsed.Path,
		limiter:        limiter,
	}, nil
}

func (c *Client) Exchange() string { return "kalshi" }

// signPath returns the full API path for signature computation, e.g.
// "/portfolio/balance" -> "/trade-api/v2/portfolio/balance".
func (c *Client) signPath(path string) string {
	return c.basePathPrefix + path
}

// --- venue.Client ---

func (c *Client) SearchMarkets(ctx context.Context, query, status, eventID string, limit int) (venue.Response, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if eventID != "" {
		params.Set("event_ticker", eventID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	} else {
		params.Set("limit", "200")
	}

	var result struct {
		Markets []Market `json:"markets"`
		Cursor  string   `json:"cursor"`
	}
	if err := c.getRead(ctx, "/markets", params, &result); err != nil {
		return nil, err
	}
	return venue.Response{"markets": result.Markets, "cursor": result.Cursor}, nil
}

func (c *Client) GetMarket(ctx context.Context, marketID string) (venue.Response, error) {
	var response struct {
		Market Market `json:"market"`
	}
	if err := c.getRead(ctx, "/markets/"+marketID, nil, &response); err != nil {
		return nil, err
	}
	return venue.Response{"market": response.Market}, nil
}

func (c *Client) GetOrderbook(ctx context.Context, marketID string, depth int) (venue.Orderbook, error) {
	params := url.Values{}
	if depth > 0 {
		params.Set("depth", strconv.Itoa(depth))
	}

	var result struct {
		Orderbook Orderbook `json:"orderbook"`
	}
	if err := c.getRead(ctx, "/markets/"+marketID+"/orderbook", params, &result); err != nil {
		return venue.Orderbook{}, err
	}
	return toVenueOrderbook(marketID, result.Orderbook), nil
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/events/"+eventID, url.Values{"with_nested_markets": {"true"}}, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetTrades(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	params := url.Values{"ticker": {marketID}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result map[string]any
	if err := c.getRead(ctx, "/markets/trades", params, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetCandlesticks(ctx context.Context, marketID string, startUnix, endUnix int64, intervalSec int) (venue.Response, error) {
	params := url.Values{}
	if startUnix > 0 {
		params.Set("start_ts", strconv.FormatInt(startUnix, 10))
	}
	if endUnix > 0 {
		params.Set("end_ts", strconv.FormatInt(endUnix, 10))
	}
	if intervalSec > 0 {
		params.Set("period_interval", strconv.Itoa(intervalSec/60))
	}
	var result map[string]any
	if err := c.getRead(ctx, "/markets/"+marketID+"/candlesticks", params, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) GetBalance(ctx context.Context) (venue.Response, error) {
	var result Balance
	if err := c.getRead(ctx, "/portfolio/balance", nil, &result); err != nil {
		return nil, err
	}
	return venue.Response{"balance": result.Balance}, nil
}

func (c *Client) GetPositions(ctx context.Context, eventID string) (venue.Response, error) {
	params := url.Values{}
	if eventID != "" {
		params.Set("event_ticker", eventID)
	}
	params.Set("limit", "200")

	var result struct {
		Positions []Position `json:"market_positions"`
	}
	if err := c.getRead(ctx, "/portfolio/positions", params, &result); err != nil {
		return nil, err
	}
	return venue.Response{"positions": result.Positions}, nil
}

func (c *Client) GetFills(ctx context.Context, marketID string, limit int) (venue.Response, error) {
	params := url.Values{}
	if marketID != "" {
		params.Set("ticker", marketID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result struct {
		Fills  []Fill `json:"fills"`
		Cursor string `json:"cursor"`
	}
	if err := c.getRead(ctx, "/portfolio/fills", params, &result); err != nil {
		return nil, err
	}
	return venue.Response{"fills": result.Fills, "cursor": result.Cursor}, nil
}

func (c *Client) GetSettlements(ctx context.Context, limit int) (venue.Response, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result map[string]any
	if err := c.getRead(ctx, "/portfolio/settlements", params, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) ListOrders(ctx context.Context, marketID, status string) (venue.Response, error) {
	params := url.Values{}
	if marketID != "" {
		params.Set("ticker", marketID)
	}
	if status != "" {
		params.Set("status", status)
	}
	var result struct {
		Orders []Order `json:"orders"`
	}
	if err := c.getRead(ctx, "/portfolio/orders", params, &result); err != nil {
		return nil, err
	}
	return venue.Response{"orders": result.Orders}, nil
}

func (c *Client) GetExchangeStatus(ctx context.Context) (venue.Response, error) {
	var result map[string]any
	if err := c.getRead(ctx, "/exchange/status", nil, &result); err != nil {
		return nil, err
	}
	return venue.Response(result), nil
}

func (c *Client) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	body := OrderRequest{
		Ticker: req.MarketID,
		Action: req.Action,
		Side:   req.Side,
		Type:   req.Type,
		Count:  req.Count,
	}
	if req.Side == "no" {
		body.NoPrice = req.LimitPriceCents
	} else {
		body.YesPrice = req.LimitPriceCents
	}
	if req.ClientOrderID != nil {
		body.ClientOrderID = *req.ClientOrderID
	}

	var result struct {
		Order Order `json:"order"`
	}
	if err := c.postWrite(ctx, "/portfolio/orders", body, &result); err != nil {
		return venue.Order{}, err
	}
	return toVenueOrder(result.Order), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.deleteWrite(ctx, "/portfolio/orders/"+orderID)
}

// --- API Types ---

type Market struct {
	Ticker                 string  `json:"ticker"`
	EventTicker            string  `json:"event_ticker"`
	Title                  string  `json:"title"`
	Status                 string  `json:"status"`
	YesBid                 int     `json:"yes_bid"`
	YesAsk                 int     `json:"yes_ask"`
	NoBid                  int     `json:"no_bid"`
	NoAsk                  int     `json:"no_ask"`
	LastPrice              int     `json:"last_price"`
	Volume                 int     `json:"volume"`
	OpenInterest           int     `json:"open_interest"`
	CloseTime              string  `json:"close_time"`
	ExpirationTime         string  `json:"expiration_time"`
	ExpectedExpirationTime string  `json:"expected_expiration_time"`
	Result                 string  `json:"result"`
	Subtitle               string  `json:"subtitle"`
}

type Orderbook struct {
	Ticker string  `json:"ticker"`
	Yes    [][]int `json:"yes"` // [[price, quantity], ...]
	No     [][]int `json:"no"`
}

func toVenueOrderbook(marketID string, ob Orderbook) venue.Orderbook {
	out := venue.Orderbook{MarketID: marketID}
	for _, l := range ob.Yes {
		if len(l) >= 2 {
			out.Yes = append(out.Yes, venue.PriceLevel{PriceCents: l[0], Quantity: l[1]})
		}
	}
	for _, l := range ob.No {
		if len(l) >= 2 {
			out.No = append(out.No, venue.PriceLevel{PriceCents: l[0], Quantity: l[1]})
		}
	}
	return out
}

type Balance struct {
	Balance int `json:"balance"` // cents
}

type Position struct {
	Ticker             string `json:"ticker"`
	MarketExposure     int    `json:"market_exposure"`
	RestingOrdersCount int    `json:"resting_orders_count"`
	TotalTraded        int    `json:"total_traded"`
	RealizedPnl        int    `json:"realized_pnl"`
	Position           int    `json:"position"`
}

type OrderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Count         int    `json:"count"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type Order struct {
	OrderID        string `json:"order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"`
	Action         string `json:"action"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	YesPrice       int    `json:"yes_price"`
	NoPrice        int    `json:"no_price"`
	RemainingCount int    `json:"remaining_count"`
	FilledCount    int    `json:"place_count"`
}

func toVenueOrder(o Order) venue.Order {
	price := o.YesPrice
	if o.Side == "no" {
		price = o.NoPrice
	}
	return venue.Order{
		OrderID:         o.OrderID,
		MarketID:        o.Ticker,
		Status:          o.Status,
		Action:          o.Action,
		Side:            o.Side,
		Type:            o.Type,
		LimitPriceCents: price,
		RemainingCount:  o.RemainingCount,
		FilledCount:     o.FilledCount,
	}
}

type Fill struct {
	FillID      string `json:"fill_id"`
	OrderID     string `json:"order_id"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	Count       int    `json:"count"`
	YesPrice    int    `json:"yes_price"`
	NoPrice     int    `json:"no_price"`
	IsTaker     bool   `json:"is_taker"`
	CreatedTime string `json:"created_time"`
}

// --- HTTP helpers ---

func (c *Client) getRead(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.AcquireRead(ctx, 1.0); err != nil {
		return err
	}
	return c.limiter.WithCall(func() error {
		return c.get(ctx, path, params, out)
	})
}

func (c *Client) postWrite(ctx context.Context, path string, body interface{}, out interface{}) error {
	if err := c.limiter.AcquireWrite(ctx, 1.0); err != nil {
		return err
	}
	return c.limiter.WithCall(func() error {
		return c.post(ctx, path, body, out)
	})
}

func (c *Client) deleteWrite(ctx context.Context, path string) error {
	if err := c.limiter.AcquireWrite(ctx, 1.0); err != nil {
		return err
	}
	return c.limiter.WithCall(func() error {
		return c.delete(ctx, path)
	})
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return err
	}

	headers, err := AuthHeaders(c.apiKeyID, c.privKey, "GET", c.signPath(path))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	return c.doRequest(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, strings.NewReader(string(data)))
	if err != nil {
		return err
	}

	headers, err := AuthHeaders(c.apiKeyID, c.privKey, "POST", c.signPath(path))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.doRequest(req, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+path, nil)
	if err != nil {
		return err
	}

	headers, err := AuthHeaders(c.apiKeyID, c.privKey, "DELETE", c.signPath(path))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.doRequest(req, nil)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	slog.Debug("kalshi request", "method", req.Method, "url", req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kalshi request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		slog.Error("kalshi API error", "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("kalshi API error %d: %s", resp.StatusCode, string(body))
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w (body: %s)", err, string(body))
		}
	}

	return nil
}
