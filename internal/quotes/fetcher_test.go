package quotes

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/model"
)

// fakeSource serves quotes from a map; symbols in fail return that error.
type fakeSource struct {
	fail  map[string]error
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (s *fakeSource) Quote(ctx context.Context, symbol string) (model.QuoteRecord, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return model.QuoteRecord{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err, ok := s.fail[symbol]; ok {
		return model.QuoteRecord{}, err
	}
	return model.QuoteRecord{
		Symbol:     symbol,
		Price:      decimal.NewFromInt(100),
		ObservedAt: time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC),
		Currency:   "USD",
	}, nil
}

func makeRoster(n int) []model.RosterEntry {
	roster := make([]model.RosterEntry, n)
	for i := range roster {
		roster[i] = model.RosterEntry{
			Symbol:      fmt.Sprintf("S%03d", i),
			CompanyName: fmt.Sprintf("Company %d", i),
		}
	}
	return roster
}

func TestFetch_AllSucceed(t *testing.T) {
	roster := makeRoster(25)
	f := NewFetcher(Config{Concurrency: 4}, &fakeSource{}, nil, nil)

	res, err := f.Fetch(context.Background(), roster)
	require.NoError(t, err)
	require.Len(t, res.Quotes, 25)
	assert.Empty(t, res.Failures)
	for i, q := range res.Quotes {
		assert.Equal(t, roster[i].Symbol, q.Symbol)
	}
}

func TestFetch_PartialFailure(t *testing.T) {
	roster := makeRoster(20)
	src := &fakeSource{fail: map[string]error{
		"S003": etlerr.Errorf(etlerr.KindQuoteUnavailable, "quote S003", "status 404 Not Found"),
		"S017": etlerr.New(etlerr.KindRateLimited, "quote S017", nil),
	}}
	f := NewFetcher(Config{Concurrency: 5}, src, nil, nil)

	res, err := f.Fetch(context.Background(), roster)
	require.NoError(t, err)

	assert.Len(t, res.Quotes, 18)
	assert.Equal(t, []string{"S003", "S017"}, res.FailedSymbols())
	assert.Equal(t, "QuoteUnavailable", res.Failures[0].Kind)
	assert.Equal(t, "RateLimited", res.Failures[1].Kind)
	assert.Contains(t, res.Failures[0].Message, "404")

	rosterSet := make(map[string]bool)
	for _, e := range roster {
		rosterSet[e.Symbol] = true
	}
	for _, q := range res.Quotes {
		assert.True(t, rosterSet[q.Symbol])
		assert.NotContains(t, res.FailedSymbols(), q.Symbol)
	}
}

func TestFetch_BoundedConcurrency(t *testing.T) {
	src := &fakeSource{delay: 5 * time.Millisecond}
	f := NewFetcher(Config{Concurrency: 3}, src, nil, nil)

	_, err := f.Fetch(context.Background(), makeRoster(30))
	require.NoError(t, err)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(3))
	assert.Equal(t, int32(30), src.calls.Load())
}

func TestFetch_NoQuotesFailsStage(t *testing.T) {
	roster := makeRoster(3)
	fail := make(map[string]error)
	for _, e := range roster {
		fail[e.Symbol] = etlerr.Errorf(etlerr.KindQuoteUnavailable, "quote "+e.Symbol, "status 404")
	}
	f := NewFetcher(Config{Concurrency: 2}, &fakeSource{fail: fail}, nil, nil)

	res, err := f.Fetch(context.Background(), roster)
	require.Error(t, err)
	assert.Equal(t, etlerr.KindQuoteUnavailable, etlerr.KindOf(err))
	assert.Len(t, res.Failures, 3)
}

func TestFetch_EmptyRoster(t *testing.T) {
	src := &fakeSource{}
	res, err := NewFetcher(DefaultConfig(), src, nil, nil).Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Quotes)
	assert.Zero(t, src.calls.Load())
}

func TestFetch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{delay: 20 * time.Millisecond}
	f := NewFetcher(Config{Concurrency: 2}, src, nil, nil)

	time.AfterFunc(10*time.Millisecond, cancel)
	res, err := f.Fetch(ctx, makeRoster(50))
	require.Error(t, err)
	assert.Equal(t, etlerr.KindCancelled, etlerr.KindOf(err))
	assert.Empty(t, res.Quotes)
	assert.Less(t, src.calls.Load(), int32(50))
}

func TestFetch_PerSymbolTimeout(t *testing.T) {
	src := &fakeSource{delay: time.Second}
	f := NewFetcher(Config{Concurrency: 2, Timeout: 10 * time.Millisecond}, src, nil, nil)

	res, err := f.Fetch(context.Background(), makeRoster(2))
	require.Error(t, err, "no quotes at all")
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "QuoteUnavailable", res.Failures[0].Kind)
}

type mismatchSource struct{}

func (mismatchSource) Quote(ctx context.Context, symbol string) (model.QuoteRecord, error) {
	if symbol == "S001" {
		return model.QuoteRecord{Symbol: "ZZZZ", Price: decimal.NewFromInt(1)}, nil
	}
	return model.QuoteRecord{Symbol: symbol, Price: decimal.NewFromInt(1)}, nil
}

func TestFetch_DropsQuotesForOtherSymbols(t *testing.T) {
	res, err := NewFetcher(Config{Concurrency: 1}, mismatchSource{}, nil, nil).Fetch(context.Background(), makeRoster(3))
	require.NoError(t, err)
	assert.Len(t, res.Quotes, 2)
	assert.Equal(t, []string{"S001"}, res.FailedSymbols())
}

func TestFetch_WithClient(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Query().Get("symbol")
		mu.Lock()
		seen[sym]++
		mu.Unlock()
		if strings.HasPrefix(sym, "X") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"symbol":%q,"price":"10.5","currency":"USD","timestamp":1704229200}`, sym)
	}))
	defer server.Close()

	roster := []model.RosterEntry{
		{Symbol: "AAPL", CompanyName: "Apple"},
		{Symbol: "XOOP", CompanyName: "Delisted"},
		{Symbol: "MSFT", CompanyName: "Microsoft"},
	}
	client := NewClient(server.URL, "key", rate.NewLimiter(rate.Inf, 1),
		WithRetries(2, time.Millisecond, time.Millisecond))
	f := NewFetcher(Config{Concurrency: 2}, client, nil, nil)

	res, err := f.Fetch(context.Background(), roster)
	require.NoError(t, err)
	assert.Len(t, res.Quotes, 2)
	assert.Equal(t, []string{"XOOP"}, res.FailedSymbols())
	assert.Equal(t, 1, seen["XOOP"], "404 is not retried")
}
