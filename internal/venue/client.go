package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a signed request is valid in milliseconds

	// Binance error code for an order id it no longer resolves.
	codeOrderNotFound = -2013
)

// Client is a Binance spot REST client implementing the Adapter interface.
type Client struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure Client implements the interface
var _ Adapter = (*Client)(nil)

// NewClient creates a new Binance REST API client.
func NewClient(cfg *config.Venue, logger *zap.Logger) *Client {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *Client) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedQuery builds a timestamped, signed query string from the params.
func (c *Client) signedQuery(params url.Values) string {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", recvWindow)
	queryString := params.Encode()
	params.Set("signature", c.sign(queryString))
	return params.Encode()
}

// apiError is Binance's error payload.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// doRequest handles the actual request execution with rate limiting and
// retry logic. On a non-retryable HTTP error the response is returned
// alongside the error so callers can inspect the venue's error payload.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return resp, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetContext(ctx).
		SetResult(&serverTimeResponse{})

	resp, err := c.doRequest(ctx, "GET", "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*serverTimeResponse)
	return result.ServerTime, nil
}

// orderResponse is the relevant subset of Binance's order lookup payload.
type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Price               string `json:"price"`
}

// GetOrderStatus looks up one order by id. A venue response indicating the
// id is unknown is mapped to ErrOrderNotFound; everything else surfaces as
// a transient error for the caller to retry next cycle.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID string) (*OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(params)).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, "GET", "/order", req)
	if err != nil {
		if resp != nil && isOrderNotFound(resp.Body()) {
			return nil, fmt.Errorf("order %s on %s: %w", orderID, symbol, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("failed to get order status for %s: %w", orderID, err)
	}

	result := resp.Result().(*orderResponse)
	filledQty, err := decimal.NewFromString(result.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("failed to parse executed quantity %q: %w", result.ExecutedQuantity, err)
	}

	// Binance reports the resting price, not the execution price; derive
	// the volume-weighted fill price from the cumulative quote quantity.
	avgPrice := decimal.Zero
	if filledQty.Sign() > 0 {
		quoteQty, err := decimal.NewFromString(result.CummulativeQuoteQty)
		if err != nil {
			return nil, fmt.Errorf("failed to parse quote quantity %q: %w", result.CummulativeQuoteQty, err)
		}
		avgPrice = quoteQty.Div(filledQty)
	}

	return &OrderStatus{
		Status:         result.Status,
		FilledQuantity: filledQty,
		AvgFillPrice:   avgPrice,
	}, nil
}

// accountResponse is the relevant subset of Binance's account payload.
type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetFreeBalance returns the free balance of the given asset. An asset the
// account has never held reports zero.
func (c *Client) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(url.Values{})).
		SetResult(&accountResponse{})

	resp, err := c.doRequest(ctx, "GET", "/account", req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account balances: %w", err)
	}

	result := resp.Result().(*accountResponse)
	for _, b := range result.Balances {
		if b.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse free balance %q for %s: %w", b.Free, asset, err)
		}
		return free, nil
	}
	return decimal.Zero, nil
}

// tickerPrice represents the response for a single ticker price.
type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetLastPrice fetches the latest price for one symbol.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&tickerPrice{}).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, "GET", "/ticker/price", req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get last price for %s: %w", symbol, err)
	}

	result := resp.Result().(*tickerPrice)
	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse price %q for %s: %w", result.Price, symbol, err)
	}
	return price, nil
}

// isOrderNotFound reports whether an error body carries Binance's
// order-does-not-exist code.
func isOrderNotFound(body []byte) bool {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return false
	}
	return apiErr.Code == codeOrderNotFound
}
