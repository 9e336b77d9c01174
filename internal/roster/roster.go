// Package roster implements the Roster Extractor: it downloads the index
// constituents page and parses its table into RosterEntry records.
//
// Network failures and 5xx/429 responses are retried with bounded backoff.
// A page whose structure no longer matches is a ParseError and is never
// retried: repeating the request will not fix a format change.
package roster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/retry"
)

// maxPageBytes bounds the page read; the constituents page is ~1 MB.
const maxPageBytes = 16 << 20

// Extractor fetches and parses the roster page.
type Extractor struct {
	url        string
	userAgent  string
	httpClient *http.Client
	policy     retry.Policy
	maxSymbols int
	logger     *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Extractor) {
		e.httpClient = hc
	}
}

// WithUserAgent sets the User-Agent header. Some sites reject Go's default.
func WithUserAgent(ua string) Option {
	return func(e *Extractor) {
		e.userAgent = ua
	}
}

// WithRetryPolicy sets the retry policy for transient fetch failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Extractor) {
		e.policy = p
	}
}

// WithMaxSymbols caps the number of entries returned (0 = no cap).
func WithMaxSymbols(n int) Option {
	return func(e *Extractor) {
		e.maxSymbols = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// New creates an Extractor for the page at url.
func New(url string, opts ...Option) *Extractor {
	e := &Extractor{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: retry.DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "roster")
	return e
}

// Extract downloads the page and returns the validated roster in page order.
func (e *Extractor) Extract(ctx context.Context) ([]model.RosterEntry, error) {
	start := time.Now()

	var page []byte
	err := retry.Do(ctx, e.policy, e.logger, "roster.fetch", func(ctx context.Context, attempt int) error {
		body, err := e.fetch(ctx)
		if err != nil {
			e.logger.Warn("roster fetch failed", "attempt", attempt, "error", err)
			return err
		}
		page = body
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if etlerr.KindOf(err) == etlerr.KindSourceUnavailable {
			return nil, err
		}
		return nil, etlerr.New(etlerr.KindSourceUnavailable, "roster.fetch", err)
	}

	res, err := Parse(page)
	if err != nil {
		return nil, err
	}
	for _, s := range res.Skipped {
		e.logger.Info("skipping invalid symbol", "symbol", s)
	}
	for _, s := range res.Duplicates {
		e.logger.Warn("duplicate symbol ignored", "symbol", s)
	}

	entries := res.Entries
	if e.maxSymbols > 0 && len(entries) > e.maxSymbols {
		entries = entries[:e.maxSymbols]
	}

	e.logger.Info("roster extracted",
		"valid", len(res.Entries),
		"total", res.Total,
		"returned", len(entries),
		"duration", time.Since(start),
	)
	return entries, nil
}

// fetch performs one GET of the roster page.
func (e *Extractor) fetch(ctx context.Context) ([]byte, error) {
	const op = "roster.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, etlerr.New(etlerr.KindSourceUnavailable, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "text/html")
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, etlerr.Transient(etlerr.KindSourceUnavailable, op, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		statusErr := fmt.Errorf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			serr := etlerr.Transient(etlerr.KindSourceUnavailable, op, statusErr)
			serr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, serr
		}
		return nil, etlerr.New(etlerr.KindSourceUnavailable, op, statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, etlerr.Transient(etlerr.KindSourceUnavailable, op, fmt.Errorf("read response: %w", err))
	}
	return body, nil
}

// parseRetryAfter parses a delay-seconds Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
