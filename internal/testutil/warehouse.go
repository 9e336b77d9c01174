package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/warehouse"
)

// RosterRow is a roster table row held by MemWarehouse.
type RosterRow struct {
	CompanyName string
	Sector      string
	UpdatedAt   time.Time
	RunID       string
	SourceKey   string
}

// PriceKey is the prices primary key.
type PriceKey struct {
	Symbol        string
	PartitionDate string
}

// PriceRow is a prices table row held by MemWarehouse.
type PriceRow struct {
	Price      decimal.Decimal
	Currency   string
	ObservedAt time.Time
	RunID      string
	SourceKey  string
}

// MemWarehouse is an in-memory warehouse.Warehouse with the same merge
// semantics as the PostgreSQL implementation.
type MemWarehouse struct {
	mu     sync.Mutex
	Roster map[string]RosterRow
	Prices map[PriceKey]PriceRow

	// MergeErrs are returned by successive Merge calls before merging
	// succeeds; a failed merge changes nothing.
	MergeErrs []error
	Merges    int
}

var _ warehouse.Warehouse = (*MemWarehouse)(nil)

// NewMemWarehouse returns an empty warehouse.
func NewMemWarehouse() *MemWarehouse {
	return &MemWarehouse{
		Roster: make(map[string]RosterRow),
		Prices: make(map[PriceKey]PriceRow),
	}
}

func (w *MemWarehouse) EnsureSchema(ctx context.Context) error { return nil }

func (w *MemWarehouse) Merge(ctx context.Context, b warehouse.Batch) (warehouse.MergeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Merges++
	if len(w.MergeErrs) > 0 {
		err := w.MergeErrs[0]
		w.MergeErrs = w.MergeErrs[1:]
		return warehouse.MergeResult{}, err
	}

	var res warehouse.MergeResult
	for _, e := range b.Roster {
		if cur, ok := w.Roster[e.Symbol]; ok && cur.UpdatedAt.After(b.PartitionDate) {
			continue
		}
		w.Roster[e.Symbol] = RosterRow{
			CompanyName: e.CompanyName,
			Sector:      e.Sector,
			UpdatedAt:   b.PartitionDate,
			RunID:       b.RunID.String(),
			SourceKey:   b.RosterKey,
		}
		res.RosterRows++
	}
	date := model.FormatDate(b.PartitionDate)
	for _, q := range b.Quotes {
		w.Prices[PriceKey{Symbol: q.Symbol, PartitionDate: date}] = PriceRow{
			Price:      q.Price,
			Currency:   q.Currency,
			ObservedAt: q.ObservedAt,
			RunID:      b.RunID.String(),
			SourceKey:  b.QuotesKey,
		}
		res.PriceRows++
	}
	return res, nil
}

func (w *MemWarehouse) Summary(ctx context.Context, date time.Time) (model.LoadSummary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := model.LoadSummary{RosterRows: int64(len(w.Roster))}
	want := model.FormatDate(date)
	symbols := make(map[string]bool)
	for k := range w.Prices {
		d, _ := model.ParseDate(k.PartitionDate)
		if s.MinDate.IsZero() || d.Before(s.MinDate) {
			s.MinDate = d
		}
		if d.After(s.MaxDate) {
			s.MaxDate = d
		}
		if k.PartitionDate == want {
			s.PriceRows++
			symbols[k.Symbol] = true
		}
	}
	s.DistinctSymbols = int64(len(symbols))
	return s, nil
}

// PriceRowsFor counts price rows for a date.
func (w *MemWarehouse) PriceRowsFor(date time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	want := model.FormatDate(date)
	for k := range w.Prices {
		if k.PartitionDate == want {
			n++
		}
	}
	return n
}
