package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/metrics"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/retry"
	"github.com/rickgao/sp500-pipeline/internal/staging"
)

// ObjectReader returns a staged object's verified payload.
type ObjectReader interface {
	Read(ctx context.Context, obj model.StagedObject) ([]byte, error)
}

// Loader coerces staged objects into a Batch and merges it.
type Loader struct {
	reader  ObjectReader
	wh      Warehouse
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLoader creates a Loader. A nil logger uses slog.Default().
func NewLoader(reader ObjectReader, wh Warehouse, policy retry.Policy, logger *slog.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		reader:  reader,
		wh:      wh,
		policy:  policy,
		logger:  logger.With("component", "loader"),
		metrics: m,
	}
}

// Load merges the staged roster and quotes for date. Reloading the same
// objects leaves the warehouse unchanged.
func (l *Loader) Load(ctx context.Context, runID uuid.UUID, date time.Time, objs []model.StagedObject) (model.LoadSummary, error) {
	const op = "warehouse.load"
	start := time.Now()

	batch, err := l.prepare(ctx, runID, date, objs)
	if err != nil {
		return model.LoadSummary{}, err
	}

	var res MergeResult
	err = retry.Do(ctx, l.policy, l.logger, op, func(ctx context.Context, attempt int) error {
		r, err := l.wh.Merge(ctx, batch)
		if err != nil {
			l.logger.Warn("merge failed",
				"attempt", attempt,
				"kind", etlerr.KindOf(err),
				"err", err,
			)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return model.LoadSummary{}, err
	}
	l.metrics.RowsMerged("roster", res.RosterRows)
	l.metrics.RowsMerged("prices", res.PriceRows)

	var summary model.LoadSummary
	err = retry.Do(ctx, l.policy, l.logger, "warehouse.summary", func(ctx context.Context, _ int) error {
		s, err := l.wh.Summary(ctx, date)
		summary = s
		return err
	})
	if err != nil {
		return model.LoadSummary{}, err
	}

	l.logger.Info("load complete",
		"run_id", runID,
		"partition_date", model.FormatDate(date),
		"roster_merged", res.RosterRows,
		"prices_merged", res.PriceRows,
		"total_roster_rows", summary.RosterRows,
		"price_rows_for_date", summary.PriceRows,
		"unique_symbols", summary.DistinctSymbols,
		"earliest_date", model.FormatDate(summary.MinDate),
		"latest_date", model.FormatDate(summary.MaxDate),
		"duration", time.Since(start),
	)
	return summary, nil
}

// prepare reads, verifies and coerces the staged objects.
func (l *Loader) prepare(ctx context.Context, runID uuid.UUID, date time.Time, objs []model.StagedObject) (Batch, error) {
	const op = "warehouse.prepare"

	byKind := make(map[model.Kind]model.StagedObject, len(objs))
	for _, obj := range objs {
		if !obj.PartitionDate.Equal(date) {
			return Batch{}, etlerr.Errorf(etlerr.KindLoadSchema, op,
				"%s belongs to partition %s, not %s", obj.Key, model.FormatDate(obj.PartitionDate), model.FormatDate(date))
		}
		if obj.RunID != objs[0].RunID {
			return Batch{}, etlerr.Errorf(etlerr.KindLoadSchema, op,
				"%s was staged by run %s, %s by run %s", obj.Key, obj.RunID, objs[0].Key, objs[0].RunID)
		}
		if _, dup := byKind[obj.Kind]; dup {
			return Batch{}, etlerr.Errorf(etlerr.KindLoadSchema, op, "more than one %s object", obj.Kind)
		}
		byKind[obj.Kind] = obj
	}
	for _, k := range model.Kinds {
		if _, ok := byKind[k]; !ok {
			return Batch{}, etlerr.Errorf(etlerr.KindLoadSchema, op, "no staged %s object for %s", k, model.FormatDate(date))
		}
	}

	rosterObj, quotesObj := byKind[model.KindRoster], byKind[model.KindQuotes]

	rosterBody, err := l.read(ctx, rosterObj)
	if err != nil {
		return Batch{}, err
	}
	roster, err := staging.DecodeRoster(rosterBody)
	if err != nil {
		return Batch{}, etlerr.New(etlerr.KindLoadSchema, op, fmt.Errorf("%s: %w", rosterObj.Key, err))
	}

	quotesBody, err := l.read(ctx, quotesObj)
	if err != nil {
		return Batch{}, err
	}
	quotes, err := staging.DecodeQuotes(quotesBody)
	if err != nil {
		return Batch{}, etlerr.New(etlerr.KindLoadSchema, op, fmt.Errorf("%s: %w", quotesObj.Key, err))
	}

	if err := checkRecords(rosterObj, len(roster)); err != nil {
		return Batch{}, etlerr.New(etlerr.KindLoadSchema, op, err)
	}
	if err := checkRecords(quotesObj, len(quotes)); err != nil {
		return Batch{}, etlerr.New(etlerr.KindLoadSchema, op, err)
	}
	if err := checkSubset(roster, quotes); err != nil {
		return Batch{}, etlerr.New(etlerr.KindLoadSchema, op, err)
	}

	return Batch{
		RunID:         runID,
		PartitionDate: date,
		Roster:        roster,
		RosterKey:     rosterObj.Key,
		Quotes:        quotes,
		QuotesKey:     quotesObj.Key,
	}, nil
}

// read fetches one object, retrying store failures.
func (l *Loader) read(ctx context.Context, obj model.StagedObject) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, l.policy, l.logger, "read "+obj.Key, func(ctx context.Context, _ int) error {
		b, err := l.reader.Read(ctx, obj)
		switch {
		case err == nil:
			body = b
			return nil
		case errors.Is(err, staging.ErrSchema), errors.Is(err, staging.ErrNotFound):
			return etlerr.New(etlerr.KindLoadSchema, "read "+obj.Key, err)
		case ctx.Err() != nil:
			return err
		default:
			return etlerr.New(etlerr.KindLoadTransient, "read "+obj.Key, err)
		}
	})
	return body, err
}

func checkRecords(obj model.StagedObject, got int) error {
	if obj.Records != got {
		return fmt.Errorf("%s: %d rows, metadata says %d", obj.Key, got, obj.Records)
	}
	return nil
}

// checkSubset rejects quotes for symbols missing from the roster or
// repeated within the payload.
func checkSubset(roster []model.RosterEntry, quotes []model.QuoteRecord) error {
	known := make(map[string]bool, len(roster))
	for _, e := range roster {
		if known[e.Symbol] {
			return fmt.Errorf("duplicate roster symbol %q", e.Symbol)
		}
		known[e.Symbol] = true
	}
	seen := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		if !known[q.Symbol] {
			return fmt.Errorf("quote for %q which is not in the roster", q.Symbol)
		}
		if seen[q.Symbol] {
			return fmt.Errorf("duplicate quote for %q", q.Symbol)
		}
		seen[q.Symbol] = true
	}
	return nil
}
