package warehouse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/model"
)

// newTestPool connects to WAREHOUSE_TEST_DSN inside a throwaway schema.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("WAREHOUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("WAREHOUSE_TEST_DSN not set")
	}
	ctx := context.Background()

	schema := fmt.Sprintf("wh_test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPGWarehouse_Merge(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	w := NewPGWarehouse(pool, nil)
	require.NoError(t, w.EnsureSchema(ctx))
	require.NoError(t, w.EnsureSchema(ctx), "schema creation is repeatable")

	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	b := Batch{
		RunID:         uuid.New(),
		PartitionDate: date,
		Roster: []model.RosterEntry{
			{Symbol: "AAPL", CompanyName: "Apple Inc.", Sector: "Information Technology"},
			{Symbol: "MSFT", CompanyName: "Microsoft", Sector: "Information Technology"},
		},
		RosterKey: "stock/partition_date=2024-01-02/roster.csv",
		Quotes: []model.QuoteRecord{
			{Symbol: "AAPL", Price: decimal.RequireFromString("185.640001"), Currency: "USD", ObservedAt: date.Add(21 * time.Hour)},
			{Symbol: "MSFT", Price: decimal.RequireFromString("370.87"), Currency: "USD", ObservedAt: date.Add(21 * time.Hour)},
		},
		QuotesKey: "stock/partition_date=2024-01-02/quotes.csv",
	}

	res, err := w.Merge(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, MergeResult{RosterRows: 2, PriceRows: 2}, res)

	// Same batch again: rows are updated in place, never duplicated.
	_, err = w.Merge(ctx, b)
	require.NoError(t, err)

	s, err := w.Summary(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.RosterRows)
	assert.Equal(t, int64(2), s.PriceRows)
	assert.Equal(t, int64(2), s.DistinctSymbols)
	assert.True(t, s.MinDate.Equal(date))

	var priceText, runID, sourceKey string
	err = pool.QueryRow(ctx,
		`SELECT price::text, run_id::text, source_key FROM prices WHERE symbol = 'AAPL' AND partition_date = $1`, date,
	).Scan(&priceText, &runID, &sourceKey)
	require.NoError(t, err)
	price := decimal.RequireFromString(priceText)
	assert.True(t, price.Equal(b.Quotes[0].Price), "price kept exactly: %s", priceText)
	assert.Equal(t, b.RunID.String(), runID)
	assert.Equal(t, b.QuotesKey, sourceKey)
}

func TestPGWarehouse_FailedMergeLeavesNoRows(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	w := NewPGWarehouse(pool, nil)
	require.NoError(t, w.EnsureSchema(ctx))

	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	b := Batch{
		RunID:         uuid.New(),
		PartitionDate: date,
		Roster:        []model.RosterEntry{{Symbol: "AAPL", CompanyName: "Apple Inc."}},
		Quotes: []model.QuoteRecord{
			// Violates CHECK (price > 0) after the roster merge succeeded.
			{Symbol: "AAPL", Price: decimal.NewFromInt(-1), Currency: "USD", ObservedAt: date},
		},
	}

	_, err := w.Merge(ctx, b)
	require.Error(t, err)
	assert.Equal(t, etlerr.KindLoadSchema, etlerr.KindOf(err))

	s, err := w.Summary(ctx, date)
	require.NoError(t, err)
	assert.Zero(t, s.RosterRows)
	assert.Zero(t, s.PriceRows)
	assert.True(t, s.MinDate.IsZero())
}
