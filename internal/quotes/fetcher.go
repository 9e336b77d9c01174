package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/metrics"
	"github.com/rickgao/sp500-pipeline/internal/model"
)

// Source returns the latest quote for one symbol.
type Source interface {
	Quote(ctx context.Context, symbol string) (model.QuoteRecord, error)
}

// Config holds fetcher configuration.
type Config struct {
	Concurrency int           // Max in-flight symbols (default: 8)
	Timeout     time.Duration // Per-symbol budget across all retries (0 = none)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		Timeout:     2 * time.Minute,
	}
}

// Fetcher fetches quotes for a roster over a bounded worker pool.
type Fetcher struct {
	cfg     Config
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFetcher creates a Fetcher. A nil logger uses slog.Default().
func NewFetcher(cfg Config, source Source, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Fetcher{
		cfg:     cfg,
		source:  source,
		logger:  logger.With("component", "quotes"),
		metrics: m,
	}
}

type outcome struct {
	quote   model.QuoteRecord
	failure *model.SymbolFailure
}

// Fetch returns a quote or a failure record for every roster symbol. Quotes
// and failures are reported in roster order.
//
// Per-symbol errors never fail the call. It fails only when ctx is done or
// when no symbol produced a quote.
func (f *Fetcher) Fetch(ctx context.Context, roster []model.RosterEntry) (model.FetchResult, error) {
	start := time.Now()
	if len(roster) == 0 {
		return model.FetchResult{}, nil
	}

	results := make([]outcome, len(roster))
	var fetched, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(f.cfg.Concurrency)

	for i, entry := range roster {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			q, err := f.fetchOne(ctx, entry.Symbol)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				kind := etlerr.KindOf(err)
				if kind == etlerr.KindCancelled {
					// per-symbol timeout
					kind = etlerr.KindQuoteUnavailable
				}
				f.logger.Debug("quote unavailable",
					"symbol", entry.Symbol,
					"kind", kind,
					"err", err,
				)
				f.metrics.QuoteFailure(string(kind))
				results[i].failure = &model.SymbolFailure{
					Symbol:  entry.Symbol,
					Kind:    string(kind),
					Message: err.Error(),
				}
				failed.Add(1)
				return nil
			}
			results[i].quote = q
			fetched.Add(1)
			return nil
		})
	}

	werr := g.Wait()
	if ctx.Err() != nil {
		f.logger.Warn("quote fetch cancelled",
			"fetched", fetched.Load(),
			"failed", failed.Load(),
			"roster", len(roster),
		)
		return model.FetchResult{}, fmt.Errorf("fetch quotes: %w", ctx.Err())
	}
	if werr != nil {
		return model.FetchResult{}, fmt.Errorf("fetch quotes: %w", werr)
	}

	res := model.FetchResult{
		Quotes:   make([]model.QuoteRecord, 0, fetched.Load()),
		Failures: make([]model.SymbolFailure, 0, failed.Load()),
	}
	for _, r := range results {
		if r.failure != nil {
			res.Failures = append(res.Failures, *r.failure)
			continue
		}
		res.Quotes = append(res.Quotes, r.quote)
	}

	f.logger.Info("fetch cycle complete",
		"roster", len(roster),
		"fetched", len(res.Quotes),
		"failed", len(res.Failures),
		"success_rate", fmt.Sprintf("%.1f%%", 100*float64(len(res.Quotes))/float64(len(roster))),
		"duration", time.Since(start),
	)

	if len(res.Quotes) == 0 {
		return res, etlerr.Errorf(etlerr.KindQuoteUnavailable, "quotes.fetch",
			"no data fetched for any of %d symbols", len(roster))
	}
	return res, nil
}

// fetchOne fetches a single symbol under the per-symbol timeout.
func (f *Fetcher) fetchOne(ctx context.Context, symbol string) (model.QuoteRecord, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	q, err := f.source.Quote(ctx, symbol)
	if err != nil {
		return model.QuoteRecord{}, err
	}
	if q.Symbol != symbol {
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, "quote "+symbol,
			"source returned symbol %q", q.Symbol)
	}
	return q, nil
}
