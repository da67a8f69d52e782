package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
)

// HTTPConnector talks to a venue's REST API:
//
//	POST /order                 {coverage_type, amount, side, type}
//	POST /order (side=liquidate) {order_id, coverage_type, amount}
//	GET  /market/{coverage_type}
//
// Requests are paced by a token bucket, guarded by a circuit breaker and
// retried with jittered exponential backoff on 429, 5xx and transport
// failures.
type HTTPConnector struct {
	venue      model.Venue
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	maxRetries   int
	retryBackoff time.Duration

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	breakerFailures uint32
	breakerTimeout  time.Duration
}

// Option configures an HTTPConnector.
type Option func(*HTTPConnector)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPConnector) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) Option {
	return func(c *HTTPConnector) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPConnector) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPConnector) {
		c.httpClient = hc
	}
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *HTTPConnector) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker trips the breaker after failures consecutive transient
// failures and keeps it open for timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *HTTPConnector) {
		c.breakerFailures = failures
		c.breakerTimeout = timeout
	}
}

// NewHTTPConnector creates a connector for v at baseURL.
func NewHTTPConnector(v model.Venue, baseURL, apiKey string, opts ...Option) *HTTPConnector {
	c := &HTTPConnector{
		venue:   v,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		maxRetries:      3,
		retryBackoff:    500 * time.Millisecond,
		limiter:         rate.NewLimiter(rate.Inf, 0),
		breakerFailures: 5,
		breakerTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	failures := c.breakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(v),
		Timeout: c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		// A 4xx means the venue is up and answering.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.VenueBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn("venue breaker state changed", "venue", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func (c *HTTPConnector) Venue() model.Venue { return c.venue }

// PlaceOrder submits a market buy. A rejected order is returned as
// ErrOrderRejected so the caller can fail the leg.
func (c *HTTPConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Side == "" {
		req.Side = SideBuy
	}
	if req.Type == "" {
		req.Type = OrderTypeMarket
	}

	var resp orderResponse
	if err := c.post(ctx, "order", "/order", req, &resp); err != nil {
		return nil, err
	}
	if resp.Status == OrderRejected {
		return nil, fmt.Errorf("%w: %s order for %s", ErrOrderRejected, c.venue, req.CoverageType)
	}
	if resp.OrderID == "" {
		return nil, &Error{Venue: c.venue, StatusCode: http.StatusOK, Message: "order response missing order_id"}
	}
	return &OrderResult{
		ExternalID: resp.OrderID,
		Status:     resp.Status,
		FillPrice:  resp.FillPrice,
		Size:       resp.Size,
		Cost:       resp.Cost,
	}, nil
}

// LiquidatePosition closes the order identified by req.ExternalID. Proceeds
// not returned by the venue are derived as size × fill price.
func (c *HTTPConnector) LiquidatePosition(ctx context.Context, req LiquidateRequest) (*LiquidationResult, error) {
	body := liquidateBody{
		OrderID:      req.ExternalID,
		CoverageType: req.CoverageType,
		Amount:       req.Amount,
		Side:         SideLiquidate,
		Type:         OrderTypeMarket,
	}

	var resp orderResponse
	if err := c.post(ctx, "liquidate", "/order", body, &resp); err != nil {
		return nil, err
	}
	if resp.Status == OrderRejected {
		return nil, fmt.Errorf("%w: %s liquidation of %s", ErrOrderRejected, c.venue, req.ExternalID)
	}

	proceeds := resp.FillPrice.Mul(resp.Size)
	if resp.Proceeds.Valid {
		proceeds = resp.Proceeds.Decimal
	}
	return &LiquidationResult{
		Proceeds:         proceeds,
		FillPrice:        resp.FillPrice,
		Size:             resp.Size,
		Slippage:         Slippage(resp.FillPrice, req.ReferencePrice),
		ProceedsExplicit: resp.Proceeds.Valid,
	}, nil
}

// GetMarketData fetches the venue's current terms for coverageType.
func (c *HTTPConnector) GetMarketData(ctx context.Context, coverageType model.CoverageType) (*MarketQuote, error) {
	body, err := c.doWithRetry(ctx, "market", http.MethodGet, "/market/"+string(coverageType), nil)
	if err != nil {
		return nil, err
	}

	var resp marketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal market data: %w", err)
	}

	quoted := resp.Cost.Decimal
	if resp.Probability.Valid {
		quoted = resp.Probability.Decimal
	}
	return &MarketQuote{
		Venue:        c.venue,
		CoverageType: coverageType,
		Rate:         quoted,
		Capacity:     resp.Capacity,
		Confidence:   resp.Confidence,
		FetchedAt:    c.now(),
	}, nil
}

type liquidateBody struct {
	OrderID      string             `json:"order_id"`
	CoverageType model.CoverageType `json:"coverage_type"`
	Amount       decimal.Decimal    `json:"amount"`
	Side         string             `json:"side"`
	Type         string             `json:"type"`
}

type orderResponse struct {
	OrderID   string              `json:"order_id"`
	Status    string              `json:"status"`
	FillPrice decimal.Decimal     `json:"fill_price"`
	Size      decimal.Decimal     `json:"size"`
	Cost      decimal.Decimal     `json:"cost"`
	Proceeds  decimal.NullDecimal `json:"proceeds"`
}

type marketResponse struct {
	Probability decimal.NullDecimal `json:"probability"`
	Cost        decimal.NullDecimal `json:"cost"`
	Capacity    decimal.Decimal     `json:"capacity"`
	Confidence  float64             `json:"confidence"`
}

func (c *HTTPConnector) post(ctx context.Context, endpoint, path string, payload, result any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	body, err := c.doWithRetry(ctx, endpoint, http.MethodPost, path, raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// doWithRetry performs a request with exponential backoff retry.
func (c *HTTPConnector) doWithRetry(ctx context.Context, endpoint, method, path string, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.VenueRetries.WithLabelValues(string(c.venue)).Inc()
			wait := backoff
			if backoff > 0 {
				// backoff * (0.5 to 1.5)
				wait = backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			}
			c.logger.Debug("retrying venue request",
				"venue", c.venue,
				"attempt", attempt,
				"backoff", wait,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}

			backoff *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		out, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, method, path, payload)
		})
		if err == nil {
			metrics.VenueRequests.WithLabelValues(string(c.venue), endpoint, "ok").Inc()
			return out.([]byte), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.VenueRequests.WithLabelValues(string(c.venue), endpoint, "circuit_open").Inc()
			return nil, fmt.Errorf("%s %s: %w", c.venue, endpoint, ErrCircuitOpen)
		}

		metrics.VenueRequests.WithLabelValues(string(c.venue), endpoint, "error").Inc()
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP round trip.
func (c *HTTPConnector) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Venue: c.venue, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Venue: c.venue, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Venue:      c.venue,
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}
