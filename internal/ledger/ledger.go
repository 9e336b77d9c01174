// Package ledger persists pipeline runs with gorm so run state survives
// restarts and can be inspected over HTTP.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// ErrNotFound is returned when no run matches.
var ErrNotFound = errors.New("run not found")

// RunRecord is the persisted form of a model.Run.
type RunRecord struct {
	ID            string `gorm:"primaryKey;type:varchar(36)"`
	PartitionDate string `gorm:"type:varchar(10);not null;index:idx_runs_date_started,priority:1"`
	Force         bool   `gorm:"not null;default:false"`
	State         string `gorm:"type:varchar(16);not null;index"`

	FailedAt     string `gorm:"type:varchar(16)"`
	ErrorKind    string `gorm:"type:varchar(32)"`
	ErrorMessage string `gorm:"type:text"`

	RosterCount   int
	QuoteCount    int
	FailureCount  int
	FailureReport string `gorm:"type:text"` // JSON []model.SymbolFailure
	StagedObjects string `gorm:"type:text"` // JSON []model.StagedObject
	Summary       string `gorm:"type:text"` // JSON model.LoadSummary

	StartedAt  time.Time `gorm:"not null;index:idx_runs_date_started,priority:2"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
	FinishedAt *time.Time
}

// TableName overrides the default table name.
func (RunRecord) TableName() string { return "pipeline_runs" }

// ListOptions filters List.
type ListOptions struct {
	PartitionDate *time.Time
	State         model.RunState
	Limit         int // default 50
}

// Store reads and writes run records.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the runs table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&RunRecord{}); err != nil {
		return fmt.Errorf("migrate runs: %w", err)
	}
	return nil
}

// Create inserts a new run.
func (s *Store) Create(ctx context.Context, run *model.Run) error {
	rec, err := toRecord(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// Save writes the current state of run.
func (s *Store) Save(ctx context.Context, run *model.Run) error {
	rec, err := toRecord(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run with id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return fromRecord(&rec)
}

// LatestForDate returns the most recently started run for a partition date.
func (s *Store) LatestForDate(ctx context.Context, date time.Time) (*model.Run, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Where("partition_date = ?", model.FormatDate(date)).
		Order("started_at DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", model.FormatDate(date), err)
	}
	return fromRecord(&rec)
}

// List returns runs, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*model.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if opts.PartitionDate != nil {
		q = q.Where("partition_date = ?", model.FormatDate(*opts.PartitionDate))
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	var recs []RunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*model.Run, 0, len(recs))
	for i := range recs {
		run, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func toRecord(run *model.Run) (*RunRecord, error) {
	rec := &RunRecord{
		ID:            run.ID.String(),
		PartitionDate: model.FormatDate(run.PartitionDate),
		Force:         run.Force,
		State:         string(run.State),
		FailedAt:      string(run.FailedAt),
		ErrorKind:     run.ErrorKind,
		ErrorMessage:  run.ErrorMessage,
		RosterCount:   run.RosterCount,
		QuoteCount:    run.QuoteCount,
		FailureCount:  len(run.Failures),
		StartedAt:     run.StartedAt.UTC(),
		UpdatedAt:     run.UpdatedAt.UTC(),
		FinishedAt:    run.FinishedAt,
	}

	var err error
	if rec.FailureReport, err = marshalIf(len(run.Failures) > 0, run.Failures); err != nil {
		return nil, fmt.Errorf("encode failure report: %w", err)
	}
	if rec.StagedObjects, err = marshalIf(len(run.Staged) > 0, run.Staged); err != nil {
		return nil, fmt.Errorf("encode staged objects: %w", err)
	}
	if rec.Summary, err = marshalIf(run.Summary != nil, run.Summary); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return rec, nil
}

func fromRecord(rec *RunRecord) (*model.Run, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("run id %q: %w", rec.ID, err)
	}
	date, err := model.ParseDate(rec.PartitionDate)
	if err != nil {
		return nil, err
	}
	state, err := model.ParseRunState(rec.State)
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:            id,
		PartitionDate: date,
		Force:         rec.Force,
		State:         state,
		FailedAt:      model.RunState(rec.FailedAt),
		ErrorKind:     rec.ErrorKind,
		ErrorMessage:  rec.ErrorMessage,
		RosterCount:   rec.RosterCount,
		QuoteCount:    rec.QuoteCount,
		StartedAt:     rec.StartedAt,
		UpdatedAt:     rec.UpdatedAt,
		FinishedAt:    rec.FinishedAt,
	}
	if err := unmarshalIf(rec.FailureReport, &run.Failures); err != nil {
		return nil, fmt.Errorf("decode failure report: %w", err)
	}
	if err := unmarshalIf(rec.StagedObjects, &run.Staged); err != nil {
		return nil, fmt.Errorf("decode staged objects: %w", err)
	}
	if rec.Summary != "" {
		run.Summary = new(model.LoadSummary)
		if err := json.Unmarshal([]byte(rec.Summary), run.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return run, nil
}

func marshalIf(ok bool, v any) (string, error) {
	if !ok {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalIf(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
