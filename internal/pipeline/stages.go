package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// RosterExtractor produces the run's roster.
type RosterExtractor interface {
	Extract(ctx context.Context) ([]model.RosterEntry, error)
}

// QuoteFetcher fetches quotes for a roster. On error the returned result may
// still carry the failure report.
type QuoteFetcher interface {
	Fetch(ctx context.Context, roster []model.RosterEntry) (model.FetchResult, error)
}

// Stager writes run payloads to object storage.
type Stager interface {
	Stage(ctx context.Context, runID uuid.UUID, date time.Time, roster []model.RosterEntry, quotes []model.QuoteRecord) ([]model.StagedObject, error)
	Discover(ctx context.Context, date time.Time) ([]model.StagedObject, error)
	Purge(ctx context.Context, objs []model.StagedObject) error
}

// Loader merges staged objects into the warehouse.
type Loader interface {
	Load(ctx context.Context, runID uuid.UUID, date time.Time, objs []model.StagedObject) (model.LoadSummary, error)
}

// RunStore persists runs. LatestForDate and Get return ledger.ErrNotFound
// when nothing matches.
type RunStore interface {
	Create(ctx context.Context, run *model.Run) error
	Save(ctx context.Context, run *model.Run) error
	Get(ctx context.Context, id uuid.UUID) (*model.Run, error)
	LatestForDate(ctx context.Context, date time.Time) (*model.Run, error)
}

// Stages bundles the four stage implementations.
type Stages struct {
	Extractor RosterExtractor
	Fetcher   QuoteFetcher
	Stager    Stager
	Loader    Loader
}
