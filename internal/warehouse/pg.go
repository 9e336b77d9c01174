package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// PGWarehouse merges batches into PostgreSQL.
type PGWarehouse struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPGWarehouse creates a PGWarehouse. A nil logger uses slog.Default().
func NewPGWarehouse(db *pgxpool.Pool, logger *slog.Logger) *PGWarehouse {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGWarehouse{
		db:     db,
		logger: logger.With("component", "warehouse"),
	}
}

// EnsureSchema creates the roster and prices tables if they do not exist.
func (w *PGWarehouse) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, schemaDDL); err != nil {
		return Classify("warehouse.schema", err)
	}
	return nil
}

// Merge loads a batch in a single transaction.
func (w *PGWarehouse) Merge(ctx context.Context, b Batch) (MergeResult, error) {
	start := time.Now()
	var res MergeResult

	err := pgx.BeginFunc(ctx, w.db, func(tx pgx.Tx) error {
		n, err := w.mergeRoster(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("merge roster: %w", err)
		}
		res.RosterRows = n

		n, err = w.mergePrices(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("merge prices: %w", err)
		}
		res.PriceRows = n
		return nil
	})
	if err != nil {
		return MergeResult{}, Classify("warehouse.merge", err)
	}

	w.logger.Debug("batch merged",
		"run_id", b.RunID,
		"partition_date", model.FormatDate(b.PartitionDate),
		"roster_rows", res.RosterRows,
		"price_rows", res.PriceRows,
		"duration", time.Since(start),
	)
	return res, nil
}

func (w *PGWarehouse) mergeRoster(ctx context.Context, tx pgx.Tx, b Batch) (int64, error) {
	if len(b.Roster) == 0 {
		return 0, nil
	}
	if _, err := tx.Exec(ctx, createRosterStage); err != nil {
		return 0, err
	}

	rows := make([][]any, len(b.Roster))
	for i, e := range b.Roster {
		rows[i] = []any{e.Symbol, e.CompanyName, e.Sector}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"roster_stage"},
		[]string{"symbol", "company_name", "sector"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, err
	}

	ct, err := tx.Exec(ctx, mergeRoster, b.PartitionDate, b.RunID.String(), b.RosterKey)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (w *PGWarehouse) mergePrices(ctx context.Context, tx pgx.Tx, b Batch) (int64, error) {
	if len(b.Quotes) == 0 {
		return 0, nil
	}
	if _, err := tx.Exec(ctx, createPricesStage); err != nil {
		return 0, err
	}

	rows := make([][]any, len(b.Quotes))
	for i, q := range b.Quotes {
		rows[i] = []any{q.Symbol, toNumeric(q.Price), q.Currency, q.ObservedAt}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"prices_stage"},
		[]string{"symbol", "price", "currency", "observed_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, err
	}

	ct, err := tx.Exec(ctx, mergePrices, b.PartitionDate, b.RunID.String(), b.QuotesKey)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// Summary returns table-level verification counts. Price counts are for
// date; the date range spans the whole prices table.
func (w *PGWarehouse) Summary(ctx context.Context, date time.Time) (model.LoadSummary, error) {
	var (
		s                model.LoadSummary
		minDate, maxDate pgtype.Date
	)
	err := w.db.QueryRow(ctx, summaryQuery, date).Scan(
		&s.RosterRows,
		&s.PriceRows,
		&s.DistinctSymbols,
		&minDate,
		&maxDate,
	)
	if err != nil {
		return model.LoadSummary{}, Classify("warehouse.summary", err)
	}
	if minDate.Valid {
		s.MinDate = minDate.Time
	}
	if maxDate.Valid {
		s.MaxDate = maxDate.Time
	}
	return s, nil
}

// toNumeric converts a decimal without going through float64.
func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
