package warehouse

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// Batch is one run's coerced rows for a partition date.
type Batch struct {
	RunID         uuid.UUID
	PartitionDate time.Time

	Roster    []model.RosterEntry
	RosterKey string // staged object the roster rows came from

	Quotes    []model.QuoteRecord
	QuotesKey string
}

// MergeResult counts rows inserted or updated by a merge.
type MergeResult struct {
	RosterRows int64
	PriceRows  int64
}

// Warehouse is the destination store.
type Warehouse interface {
	EnsureSchema(ctx context.Context) error
	Merge(ctx context.Context, b Batch) (MergeResult, error)
	Summary(ctx context.Context, date time.Time) (model.LoadSummary, error)
}
