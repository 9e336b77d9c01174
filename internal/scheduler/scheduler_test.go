package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sp500-pipeline/internal/model"
	"github.com/rickgao/sp500-pipeline/internal/runlock"
)

type fakeRunner struct {
	mu     sync.Mutex
	params []model.RunParams
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, params model.RunParams) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, params)
	if r.err != nil {
		return nil, r.err
	}
	return &model.Run{ID: uuid.New(), PartitionDate: params.PartitionDate, State: model.StateLoaded}, nil
}

func TestPartitionDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:30 UTC on Jan 3 is still Jan 2 in New York.
	now := time.Date(2024, 1, 3, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), PartitionDate(now, ny))
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), PartitionDate(now, time.UTC))
}

func TestTick(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, "0 0 * * *", time.UTC, nil)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 1, 0, time.UTC) }

	s.tick()

	require.Len(t, runner.params, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), runner.params[0].PartitionDate)
	assert.False(t, runner.params[0].Force)
}

func TestTick_LockedIsNotFatal(t *testing.T) {
	runner := &fakeRunner{err: runlock.ErrLocked}
	s := New(runner, "0 0 * * *", time.UTC, nil)

	assert.NotPanics(t, s.tick)
	assert.Len(t, runner.params, 1)
}

func TestStart(t *testing.T) {
	s := New(&fakeRunner{}, "0 0 * * *", time.UTC, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	jobs := s.cron.Jobs()
	require.Len(t, jobs, 1)
	next := jobs[0].NextRun()
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestStart_InvalidCron(t *testing.T) {
	s := New(&fakeRunner{}, "every day", time.UTC, nil)
	assert.Error(t, s.Start(context.Background()))
}
