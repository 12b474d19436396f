package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"triad-trading-bot/internal/regime"
)

// RESTClient implements Gateway against the venue's HTTP API. Requests that
// mutate state are signed; every call passes the rate limiter first.
type RESTClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// NewRESTClient creates a REST gateway client.
func NewRESTClient(baseURL, apiKey, secretKey string, timeout time.Duration, limiter *RateLimiter, logger zerolog.Logger) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger.With().Str("component", "broker_rest").Logger(),
	}
}

// apiError is the venue's error payload.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"msg"`
	BanUntil int64  `json:"banUntil,omitempty"`
}

// orderResponse is the venue's fill confirmation.
type orderResponse struct {
	OrderID     int64   `json:"orderId"`
	Magic       int64   `json:"magic"`
	AvgPrice    float64 `json:"avgPrice,string"`
	ExecutedQty float64 `json:"executedQty,string"`
	UpdateTime  int64   `json:"updateTime"`
	Status      string  `json:"status"`
}

// positionResponse is the venue's position record.
type positionResponse struct {
	Magic      int64   `json:"magic"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity,string"`
	EntryPrice float64 `json:"entryPrice,string"`
	StopPrice  float64 `json:"stopPrice,string"`
	OpenTime   int64   `json:"openTime"`
}

func (p positionResponse) toPosition() Position {
	return Position{
		Magic:      p.Magic,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		StopPrice:  p.StopPrice,
		OpenedAt:   time.UnixMilli(p.OpenTime),
	}
}

// Open places a market order with an attached stop.
func (c *RESTClient) Open(ctx context.Context, req OpenRequest) (Fill, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(req.Quantity))
	params.Set("magic", strconv.FormatInt(req.Magic, 10))
	params.Set("stopPrice", formatFloat(req.StopPrice))

	var resp orderResponse
	if err := c.doSigned(ctx, http.MethodPost, "/api/v1/order", params, PriorityCritical, &resp); err != nil {
		return Fill{}, err
	}
	return Fill{
		OrderID:  resp.OrderID,
		Magic:    req.Magic,
		Price:    resp.AvgPrice,
		Quantity: resp.ExecutedQty,
		FilledAt: time.UnixMilli(resp.UpdateTime),
	}, nil
}

// ModifyStop moves the protective stop of a position.
func (c *RESTClient) ModifyStop(ctx context.Context, symbol string, magic int64, newStop float64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("magic", strconv.FormatInt(magic, 10))
	params.Set("stopPrice", formatFloat(newStop))

	return c.doSigned(ctx, http.MethodPut, "/api/v1/order/stop", params, PriorityCritical, nil)
}

// Close flattens a position at market.
func (c *RESTClient) Close(ctx context.Context, symbol string, magic int64) (Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("magic", strconv.FormatInt(magic, 10))

	var resp orderResponse
	if err := c.doSigned(ctx, http.MethodDelete, "/api/v1/position", params, PriorityCritical, &resp); err != nil {
		return Fill{}, err
	}
	return Fill{
		OrderID:  resp.OrderID,
		Magic:    magic,
		Price:    resp.AvgPrice,
		Quantity: resp.ExecutedQty,
		FilledAt: time.UnixMilli(resp.UpdateTime),
	}, nil
}

// GetPosition fetches one position by magic.
func (c *RESTClient) GetPosition(ctx context.Context, symbol string, magic int64) (Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("magic", strconv.FormatInt(magic, 10))

	var resp []positionResponse
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/position", params, PriorityHigh, &resp); err != nil {
		return Position{}, err
	}
	if len(resp) == 0 {
		return Position{}, ErrPositionAbsent
	}
	return resp[0].toPosition(), nil
}

// ListPositions returns every open position on a symbol.
func (c *RESTClient) ListPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp []positionResponse
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/positions", params, PriorityHigh, &resp); err != nil {
		return nil, err
	}
	positions := make([]Position, len(resp))
	for i, p := range resp {
		positions[i] = p.toPosition()
	}
	return positions, nil
}

// GetPrice returns the last traded price.
func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := c.doPublic(ctx, "/api/v1/ticker/price", params, PriorityNormal, &resp); err != nil {
		return 0, err
	}
	return resp.Price, nil
}

// GetKlines returns recent bars, oldest first.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]regime.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.doPublic(ctx, "/api/v1/klines", params, PriorityNormal, &raw); err != nil {
		return nil, err
	}

	bars := make([]regime.Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		bars = append(bars, regime.Bar{
			OpenTime: time.UnixMilli(int64(openTime)),
			Open:     parseFloat(k[1]),
			High:     parseFloat(k[2]),
			Low:      parseFloat(k[3]),
			Close:    parseFloat(k[4]),
			Volume:   parseFloat(k[5]),
		})
	}
	return bars, nil
}

// MinStopDistance returns the venue's minimum stop distance for a symbol.
func (c *RESTClient) MinStopDistance(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		Symbol          string  `json:"symbol"`
		MinStopDistance float64 `json:"minStopDistance,string"`
	}
	if err := c.doPublic(ctx, "/api/v1/exchangeInfo", params, PriorityNormal, &resp); err != nil {
		return 0, err
	}
	return resp.MinStopDistance, nil
}

// doPublic performs an unsigned GET.
func (c *RESTClient) doPublic(ctx context.Context, endpoint string, params url.Values, priority RequestPriority, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, params, priority, false, out)
}

// doSigned performs a signed request: timestamp plus HMAC-SHA256 signature
// over the query string, API key in the header.
func (c *RESTClient) doSigned(ctx context.Context, method, endpoint string, params url.Values, priority RequestPriority, out interface{}) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params.Encode()))
	return c.do(ctx, method, endpoint, params, priority, true, out)
}

func (c *RESTClient) do(ctx context.Context, method, endpoint string, params url.Values, priority RequestPriority, signed bool, out interface{}) error {
	if c.limiter != nil {
		result := c.limiter.TryAcquire(endpoint, priority)
		if !result.Acquired {
			return &TransientError{
				Op:  endpoint,
				Err: fmt.Errorf("rate limited (%s), retry in %v", result.Reason, result.WaitTime),
			}
		}
	}

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}
	if signed {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: endpoint, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return c.classifyError(endpoint, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &TransientError{Op: endpoint, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return nil
}

// classifyError folds HTTP failures into the two error families the engine
// acts on: 4xx (except 429) is a definitive rejection, everything else is
// transient.
func (c *RESTClient) classifyError(endpoint string, status int, body []byte) error {
	var venueErr apiError
	_ = json.Unmarshal(body, &venueErr)

	if status == http.StatusTooManyRequests || status == http.StatusForbidden && venueErr.BanUntil > 0 {
		if c.limiter != nil {
			c.limiter.RecordRateLimitError(venueErr.BanUntil)
		}
		return &TransientError{Op: endpoint, Err: fmt.Errorf("rate limited by venue: %s", venueErr.Message)}
	}

	if status >= 400 && status < 500 {
		reason := venueErr.Message
		if reason == "" {
			reason = string(body)
		}
		return &RejectedError{Op: endpoint, Code: venueErr.Code, Reason: reason}
	}

	return &TransientError{Op: endpoint, Err: fmt.Errorf("HTTP %d: %s", status, string(body))}
}

func (c *RESTClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
