package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/metrics"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/retry"
)

const quotePath = "/v1/quote"

// maxBodyBytes bounds a single quote response.
const maxBodyBytes = 1 << 20

// Client provides access to the quote provider API.
type Client struct {
	baseURL    string
	apiKey     string
	currency   string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a quote API client. The limiter is shared by every
// request the client makes; pass the same limiter to all clients that hit
// the same provider account.
func NewClient(baseURL, apiKey string, limiter *rate.Limiter, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: "USD",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: limiter,
		policy: retry.Policy{
			MaxAttempts: 6,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration. maxRetries counts retries after
// the first attempt.
func WithRetries(maxRetries int, backoff, maxBackoff time.Duration) ClientOption {
	return func(c *Client) {
		c.policy = retry.Policy{
			MaxAttempts: maxRetries + 1,
			BaseDelay:   backoff,
			MaxDelay:    maxBackoff,
		}
	}
}

// WithCurrency sets the currency assumed when a response omits it.
func WithCurrency(currency string) ClientOption {
	return func(c *Client) {
		c.currency = currency
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Quote returns the latest quote for symbol, retrying rate-limit and
// transient failures.
func (c *Client) Quote(ctx context.Context, symbol string) (model.QuoteRecord, error) {
	var q model.QuoteRecord
	err := retry.Do(ctx, c.policy, c.logger, "quote "+symbol, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The next token is due after ctx's deadline.
			return etlerr.New(etlerr.KindRateLimited, "quote "+symbol, fmt.Errorf("rate limiter: %w", err))
		}
		rec, err := c.fetch(ctx, symbol)
		if err != nil {
			c.metrics.ProviderRequest(string(etlerr.KindOf(err)))
			return err
		}
		c.metrics.ProviderRequest("ok")
		q = rec
		return nil
	})
	return q, err
}

// quoteResponse is the provider's quote payload.
type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Timestamp unixOrRFC3339   `json:"timestamp"`
}

// fetch performs one quote request.
func (c *Client) fetch(ctx context.Context, symbol string) (model.QuoteRecord, error) {
	op := "quote " + symbol

	fullURL := c.baseURL + quotePath + "?" + url.Values{"symbol": {symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return model.QuoteRecord{}, etlerr.New(etlerr.KindQuoteUnavailable, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.QuoteRecord{}, etlerr.Transient(etlerr.KindQuoteUnavailable, op, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return model.QuoteRecord{}, etlerr.Transient(etlerr.KindQuoteUnavailable, op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := etlerr.New(etlerr.KindRateLimited, op, fmt.Errorf("status %d", resp.StatusCode))
		rl.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return model.QuoteRecord{}, rl
	case resp.StatusCode >= 500:
		return model.QuoteRecord{}, etlerr.Transient(etlerr.KindQuoteUnavailable, op,
			fmt.Errorf("status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	case resp.StatusCode != http.StatusOK:
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, op,
			"status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return c.decode(symbol, body)
}

// decode validates the payload at the boundary.
func (c *Client) decode(symbol string, body []byte) (model.QuoteRecord, error) {
	op := "quote " + symbol

	if len(strings.TrimSpace(string(body))) == 0 {
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, op, "empty response")
	}

	var r quoteResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return model.QuoteRecord{}, etlerr.New(etlerr.KindQuoteUnavailable, op, fmt.Errorf("unmarshal response: %w", err))
	}

	switch {
	case r.Symbol != "" && !strings.EqualFold(r.Symbol, symbol):
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, op, "response for symbol %q", r.Symbol)
	case !r.Price.IsPositive():
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, op, "missing or non-positive price %s", r.Price)
	case r.Timestamp.IsZero():
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, op, "missing timestamp")
	}

	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if currency == "" {
		currency = c.currency
	}
	if !model.ValidCurrency(currency) {
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, op, "invalid currency %q", r.Currency)
	}

	return model.QuoteRecord{
		Symbol:     symbol,
		Price:      r.Price,
		ObservedAt: r.Timestamp.UTC(),
		Currency:   currency,
	}, nil
}

// unixOrRFC3339 accepts either an RFC 3339 string or unix seconds.
type unixOrRFC3339 struct {
	time.Time
}

func (t *unixOrRFC3339) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if parsed, err := time.Parse(time.RFC3339, str); err == nil {
			t.Time = parsed
			return nil
		}
		s = str
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", string(b))
	}
	whole := int64(secs)
	t.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
	return nil
}

// parseRetryAfter parses a delay-seconds Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
