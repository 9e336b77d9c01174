package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/ledger"
	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/quotes"
	"github.com/rickgao/sp500-pipeline/internal/retry"
	"github.com/rickgao/sp500-pipeline/internal/roster"
	"github.com/rickgao/sp500-pipeline/internal/runlock"
	"github.com/rickgao/sp500-pipeline/internal/staging"
	"github.com/rickgao/sp500-pipeline/internal/testutil"
	"github.com/rickgao/sp500-pipeline/internal/warehouse"
)

var partition = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// memRuns is an in-memory RunStore keeping a copy of each saved run.
type memRuns struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]model.Run
	saves []model.RunState
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[uuid.UUID]model.Run)}
}

func (m *memRuns) Create(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memRuns) Save(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	m.saves = append(m.saves, run.State)
	return nil
}

func (m *memRuns) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &r, nil
}

func (m *memRuns) LatestForDate(ctx context.Context, date time.Time) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Run
	for _, r := range m.runs {
		if !r.PartitionDate.Equal(date) {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			r := r
			latest = &r
		}
	}
	if latest == nil {
		return nil, ledger.ErrNotFound
	}
	return latest, nil
}

// tickingClock advances one second per call so runs order deterministically.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type extractorFunc func(ctx context.Context) ([]model.RosterEntry, error)

func (f extractorFunc) Extract(ctx context.Context) ([]model.RosterEntry, error) { return f(ctx) }

// quoteSource prices every symbol at 100 except those in fail.
type quoteSource struct {
	fail map[string]bool
}

func (s quoteSource) Quote(ctx context.Context, symbol string) (model.QuoteRecord, error) {
	if s.fail[symbol] {
		return model.QuoteRecord{}, etlerr.Errorf(etlerr.KindQuoteUnavailable, "quote "+symbol, "status 404 Not Found")
	}
	return model.QuoteRecord{
		Symbol:     symbol,
		Price:      decimal.NewFromInt(100),
		Currency:   "USD",
		ObservedAt: partition.Add(21 * time.Hour),
	}, nil
}

type harness struct {
	store *testutil.MemStore
	wh    *testutil.MemWarehouse
	runs  *memRuns
	p     *Pipeline
}

func newHarness(t *testing.T, ex RosterExtractor, src quotes.Source, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: testutil.NewMemStore(),
		wh:    testutil.NewMemWarehouse(),
		runs:  newMemRuns(),
	}
	stager := staging.NewStager(h.store, "stock", nil)
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	stages := Stages{
		Extractor: ex,
		Fetcher:   quotes.NewFetcher(quotes.Config{Concurrency: 4}, src, nil, nil),
		Stager:    stager,
		Loader:    warehouse.NewLoader(stager, h.wh, policy, nil, nil),
	}
	opts = append([]Option{WithClock(tickingClock())}, opts...)
	h.p = New(stages, h.runs, runlock.NewLocalLocker(), opts...)
	return h
}

func staticRoster(symbols ...string) RosterExtractor {
	return extractorFunc(func(ctx context.Context) ([]model.RosterEntry, error) {
		entries := make([]model.RosterEntry, len(symbols))
		for i, s := range symbols {
			entries[i] = model.RosterEntry{Symbol: s, CompanyName: s + " Inc."}
		}
		return entries, nil
	})
}

func TestRun_LoadsAndSkipsLoadedDate(t *testing.T) {
	page := `<table id="constituents">
<tr><th>Symbol</th><th>Security</th><th>GICS Sector</th></tr>
<tr><td>AAPL</td><td>Apple Inc.</td><td>Information Technology</td></tr>
<tr><td>MSFT</td><td>Microsoft</td><td>Information Technology</td></tr>
</table>`
	var rosterHits atomic.Int32
	rosterSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rosterHits.Add(1)
		fmt.Fprint(w, page)
	}))
	defer rosterSrv.Close()

	prices := map[string]string{"AAPL": "185.64", "MSFT": "370.87"}
	quoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Query().Get("symbol")
		fmt.Fprintf(w, `{"symbol":%q,"price":%s,"currency":"USD","timestamp":"2024-01-02T21:00:00Z"}`, sym, prices[sym])
	}))
	defer quoteSrv.Close()

	ex := roster.New(rosterSrv.URL)
	client := quotes.NewClient(quoteSrv.URL, "key", rate.NewLimiter(rate.Inf, 1))
	h := newHarness(t, ex, client)
	ctx := context.Background()

	run, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, model.StateLoaded, run.State)
	assert.Equal(t, 2, run.RosterCount)
	assert.Equal(t, 2, run.QuoteCount)
	assert.Empty(t, run.Failures)
	require.NotNil(t, run.Summary)
	assert.Equal(t, int64(2), run.Summary.PriceRows)
	assert.Equal(t, 2, h.wh.PriceRowsFor(partition))
	assert.Equal(t,
		[]model.RunState{model.StateExtracted, model.StateFetched, model.StateStaged, model.StateLoaded},
		h.runs.saves)

	row := h.wh.Prices[testutil.PriceKey{Symbol: "AAPL", PartitionDate: "2024-01-02"}]
	assert.True(t, decimal.RequireFromString("185.64").Equal(row.Price))

	// Without force, a loaded date is skipped.
	again, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)
	assert.Equal(t, int32(1), rosterHits.Load())
	assert.Equal(t, 2, h.wh.PriceRowsFor(partition))

	// Forced re-runs execute again and still leave one row per symbol.
	forced, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition, Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, forced.ID)
	assert.Equal(t, model.StateLoaded, forced.State)
	assert.Equal(t, int32(2), rosterHits.Load())
	assert.Equal(t, 2, h.wh.PriceRowsFor(partition))
}

func TestRun_PartialQuoteFailure(t *testing.T) {
	symbols := make([]string, 20)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%02d", i)
	}
	fail := map[string]bool{"S04": true, "S13": true}
	h := newHarness(t, staticRoster(symbols...), quoteSource{fail: fail})

	run, err := h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	require.NoError(t, err)

	assert.Equal(t, model.StateLoaded, run.State)
	assert.Equal(t, 18, run.QuoteCount)
	assert.Equal(t, 18, h.wh.PriceRowsFor(partition))
	assert.ElementsMatch(t, []string{"S04", "S13"}, model.FetchResult{Failures: run.Failures}.FailedSymbols())
	for _, f := range run.Failures {
		assert.Equal(t, "QuoteUnavailable", f.Kind)
	}

	stored, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Failures, 2, "failure report is persisted with the run")
}

func TestRun_ParseErrorStopsAtExtract(t *testing.T) {
	ex := extractorFunc(func(ctx context.Context) ([]model.RosterEntry, error) {
		return nil, etlerr.Errorf(etlerr.KindParse, "roster.parse", "no table with a symbol column found")
	})
	h := newHarness(t, ex, quoteSource{})

	run, err := h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	require.NoError(t, err)

	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateExtracted, run.FailedAt)
	assert.Equal(t, "ParseError", run.ErrorKind)
	assert.Contains(t, run.ErrorMessage, "no table")
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, h.store.Keys(), "nothing staged")
	assert.Zero(t, h.wh.Merges, "warehouse untouched")
}

func TestRun_NoQuotesFailsAtFetch(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL", "MSFT"), quoteSource{fail: map[string]bool{"AAPL": true, "MSFT": true}})

	run, err := h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateFetched, run.FailedAt)
	assert.Equal(t, "QuoteUnavailable", run.ErrorKind)
	assert.Len(t, run.Failures, 2)
	assert.Empty(t, h.store.Keys())
}

func TestRun_StageWriteError(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL"), quoteSource{})
	h.store.FailPut = errors.New("AccessDenied")

	run, err := h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateStaged, run.FailedAt)
	assert.Equal(t, "StageWriteError", run.ErrorKind)
	assert.Zero(t, h.wh.Merges)
}

func TestRun_LoadSchemaError(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL"), quoteSource{})
	h.wh.MergeErrs = []error{warehouse.Classify("merge", &pgconn.PgError{Code: "42703"})}

	run, err := h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateLoaded, run.FailedAt)
	assert.Equal(t, "LoadSchemaError", run.ErrorKind)
	assert.Equal(t, 1, h.wh.Merges, "schema errors are not retried")
	assert.Zero(t, h.wh.PriceRowsFor(partition))
}

func TestRun_FailedRunIsRetriggerable(t *testing.T) {
	var calls atomic.Int32
	ex := extractorFunc(func(ctx context.Context) ([]model.RosterEntry, error) {
		if calls.Add(1) == 1 {
			return nil, etlerr.Errorf(etlerr.KindSourceUnavailable, "roster.fetch", "status 503")
		}
		return []model.RosterEntry{{Symbol: "AAPL", CompanyName: "Apple Inc."}}, nil
	})
	h := newHarness(t, ex, quoteSource{})
	ctx := context.Background()

	first, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, first.State)

	second, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, model.StateLoaded, second.State)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL"), quoteSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.Error(t, err, "lock acquisition honours the context")
	assert.Nil(t, run)

	// Cancellation observed between stages fails the run as Cancelled.
	run = model.NewRun(model.RunParams{PartitionDate: partition}, time.Now())
	require.NoError(t, h.runs.Create(context.Background(), run))
	require.NoError(t, h.p.Execute(ctx, run))
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateExtracted, run.FailedAt)
	assert.Equal(t, "Cancelled", run.ErrorKind)

	stored, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, stored.State, "final state recorded despite cancellation")
}

func TestAdvance_OneTransition(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL", "MSFT"), quoteSource{})
	ctx := context.Background()

	run := model.NewRun(model.RunParams{PartitionDate: partition}, time.Now())
	require.NoError(t, h.runs.Create(ctx, run))

	require.NoError(t, h.p.Advance(ctx, run))
	assert.Equal(t, model.StateExtracted, run.State)
	assert.Len(t, run.Roster, 2)
	assert.Empty(t, h.store.Keys())

	stored, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExtracted, stored.State)

	require.NoError(t, h.p.Advance(ctx, run))
	assert.Equal(t, model.StateFetched, run.State)
	assert.Equal(t, 2, run.QuoteCount)

	done := &model.Run{ID: uuid.New(), State: model.StateLoaded}
	assert.Error(t, h.p.Advance(ctx, done))
}

func TestAdvance_ResumedRunWithoutRoster(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL"), quoteSource{})
	run := model.NewRun(model.RunParams{PartitionDate: partition}, time.Now())
	run.State = model.StateExtracted

	require.NoError(t, h.p.Advance(context.Background(), run))
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, "Internal", run.ErrorKind)
}

func TestRun_LockHeld(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL"), quoteSource{})
	release, err := h.p.locker.Acquire(context.Background(), "2024-01-02")
	require.NoError(t, err)
	defer release(context.Background())

	_, err = h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	assert.ErrorIs(t, err, runlock.ErrLocked)
}

func TestTrigger(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL", "MSFT"), quoteSource{})
	ctx := context.Background()

	run, skipped, err := h.p.Trigger(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, model.StatePending, run.State)

	require.NoError(t, h.p.Shutdown(ctx))
	stored, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateLoaded, stored.State)

	h2 := newHarness(t, staticRoster("AAPL"), quoteSource{})
	loaded, err := h2.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	again, skipped, err := h2.p.Trigger(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, loaded.ID, again.ID)
}

func TestReload(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL", "MSFT"), quoteSource{})
	ctx := context.Background()

	first, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	require.Equal(t, model.StateLoaded, first.State)

	reload, err := h.p.Reload(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, model.StateLoaded, reload.State)
	assert.NotEqual(t, first.ID, reload.ID)
	assert.Equal(t, 2, h.wh.PriceRowsFor(partition), "reload is idempotent")

	_, err = h.p.Reload(ctx, partition.AddDate(0, 0, 1))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no staged objects"))
}

func TestReload_AfterFailedForcedRerun(t *testing.T) {
	symbols := []string{"AAPL", "MSFT"}
	ex := extractorFunc(func(ctx context.Context) ([]model.RosterEntry, error) {
		return staticRoster(symbols...).Extract(ctx)
	})
	h := newHarness(t, ex, quoteSource{})
	ctx := context.Background()

	first, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	require.Equal(t, model.StateLoaded, first.State)

	// The rerun's roster is copied into place, then its quotes copy fails.
	symbols = []string{"AAPL", "MSFT", "GOOG"}
	h.store.FailCopy = func(dst string) error {
		if strings.HasSuffix(dst, "quotes.csv") {
			return errors.New("SlowDown")
		}
		return nil
	}
	second, err := h.p.Run(ctx, model.RunParams{PartitionDate: partition, Force: true})
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, second.State)
	assert.Equal(t, model.StateStaged, second.FailedAt)
	assert.Equal(t, "StageWriteError", second.ErrorKind)
	h.store.FailCopy = nil

	reload, err := h.p.Reload(ctx, partition)
	require.NoError(t, err)
	require.Equal(t, model.StateLoaded, reload.State)
	require.Len(t, reload.Staged, 2)
	for _, obj := range reload.Staged {
		assert.Equal(t, first.ID, obj.RunID, "reload uses the last committed run only")
	}
	assert.Len(t, h.wh.Roster, 2)
	assert.Equal(t, 2, h.wh.PriceRowsFor(partition))
}

func TestRun_PurgeAfterLoad(t *testing.T) {
	h := newHarness(t, staticRoster("AAPL"), quoteSource{}, WithPurgeAfterLoad(true))

	run, err := h.p.Run(context.Background(), model.RunParams{PartitionDate: partition})
	require.NoError(t, err)
	assert.Equal(t, model.StateLoaded, run.State)
	assert.Empty(t, h.store.Keys())
	assert.Equal(t, 1, h.wh.PriceRowsFor(partition))
}
