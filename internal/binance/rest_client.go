package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"auto-trader-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"

	TimeInForceGTC = "GTC"
)

// Credentials are a user's exchange API key pair. They are supplied per
// call because the service trades on behalf of many users over one
// shared HTTP client.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// OrderRequest describes a single order submission.
type OrderRequest struct {
	Symbol      string
	Side        string // BUY | SELL
	Kind        string // MARKET | LIMIT | STOP_MARKET
	Quantity    float64
	Price       float64 // LIMIT only
	StopPrice   float64 // STOP_MARKET only
	TimeInForce string  // LIMIT only, defaults to GTC
}

// Fill is one exchange-reported execution of an order.
type Fill struct {
	Price           string `json:"price"`
	Quantity        string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Fills               []Fill `json:"fills"`
}

// APIError is a non-2xx response from the exchange. The raw body is
// preserved so callers can surface the venue's reason verbatim.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange returned status %d: %s", e.StatusCode, e.Body)
}

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	GetAccountInfo(ctx context.Context, creds Credentials) (json.RawMessage, error)
	CreateOrder(ctx context.Context, creds Credentials, req OrderRequest) (*CreateOrderResponse, error)
}

// RestClient is a client for the Binance REST API. One instance is
// shared by all users; credentials travel with each signed call.
type RestClient struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second, shared across all users.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:  client,
		logger:  logger,
		limiter: limiter,
	}
}

// sign creates a HMAC-SHA256 signature over the exact byte sequence of
// the parameter string.
func sign(secretKey, data string) string {
	h := hmac.New(sha256.New, []byte(secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// formatQty renders quantities and prices without trailing zeros, the
// shortest representation that round-trips.
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// orderParams builds the canonical parameter string for an order. The
// exchange validates the signature against the literal bytes sent, so
// field order is fixed: symbol, side, type, quantity, [price,
// timeInForce], [stopPrice], timestamp.
func orderParams(req OrderRequest, timestamp int64) string {
	var b strings.Builder
	b.WriteString("symbol=" + req.Symbol)
	b.WriteString("&side=" + req.Side)
	b.WriteString("&type=" + req.Kind)
	b.WriteString("&quantity=" + formatQty(req.Quantity))
	if req.Kind == "LIMIT" {
		b.WriteString("&price=" + formatQty(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = TimeInForceGTC
		}
		b.WriteString("&timeInForce=" + tif)
	}
	if req.Kind == "STOP_MARKET" {
		b.WriteString("&stopPrice=" + formatQty(req.StopPrice))
	}
	b.WriteString("&timestamp=" + strconv.FormatInt(timestamp, 10))
	return b.String()
}

// doRequest executes the request behind the shared rate limiter. HTTP
// 429/418 responses honor Retry-After with a bounded number of
// re-attempts; every other non-2xx is returned to the caller as an
// *APIError without retrying, since re-submitting a rejected order is
// never safe to do blindly.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	const maxAttempts = 3

	for i := 0; i < maxAttempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err := req.SetContext(ctx).Execute(method, url)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if !resp.IsError() {
			return resp, nil
		}

		statusCode := resp.StatusCode()
		if statusCode != http.StatusTooManyRequests && statusCode != 418 {
			return nil, &APIError{StatusCode: statusCode, Body: resp.String()}
		}

		// Rate limited by the venue; wait for the advertised window.
		retryAfter := time.Second
		if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
			retryAfter = time.Duration(seconds) * time.Second
		}
		c.logger.Warn("Rate limited by exchange, backing off",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: still rate limited", maxAttempts)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, "GET", "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetTickerPrice fetches the latest price for one symbol. This is a
// public endpoint and needs no signature.
func (c *RestClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker TickerPrice

	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&ticker).
		SetHeader("Content-Type", "application/json")

	_, err := c.doRequest(ctx, "GET", "/ticker/price", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker price for %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ticker price %q for %s: %w", ticker.Price, symbol, err)
	}
	return price, nil
}

// GetAccountInfo fetches the raw account snapshot for the given
// credentials. Signed with a fresh timestamp only.
func (c *RestClient) GetAccountInfo(ctx context.Context, creds Credentials) (json.RawMessage, error) {
	params := "timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := sign(creds.SecretKey, params)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", creds.APIKey).
		SetQueryString(params + "&signature=" + signature)

	resp, err := c.doRequest(ctx, "GET", "/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}

	return json.RawMessage(resp.Body()), nil
}

// CreateOrder places a new order on Binance on behalf of the given
// credentials. Every call gets its own timestamp and signature; nothing
// is shared between a primary order and its protective legs.
func (c *RestClient) CreateOrder(ctx context.Context, creds Credentials, order OrderRequest) (*CreateOrderResponse, error) {
	params := orderParams(order, time.Now().UnixMilli())
	signature := sign(creds.SecretKey, params)
	body := params + "&signature=" + signature

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", creds.APIKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, "POST", "/order", req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.String("type", order.Kind),
		)
		return nil, err
	}

	result := resp.Result().(*CreateOrderResponse)
	c.logger.Info("Successfully created order",
		zap.String("symbol", result.Symbol),
		zap.Int64("order_id", result.OrderID),
		zap.String("status", result.Status),
	)
	return result, nil
}
