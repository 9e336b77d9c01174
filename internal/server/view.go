package server

import (
	"time"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// runView is the JSON shape of a run.
type runView struct {
	ID            string                `json:"id"`
	PartitionDate string                `json:"partition_date"`
	Force         bool                  `json:"force"`
	State         model.RunState        `json:"state"`
	FailedAt      model.RunState        `json:"failed_at,omitempty"`
	ErrorKind     string                `json:"error_kind,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	RosterCount   int                   `json:"roster_count"`
	QuoteCount    int                   `json:"quote_count"`
	Failures      []model.SymbolFailure `json:"failures"`
	Staged        []model.StagedObject  `json:"staged_objects"`
	Summary       *model.LoadSummary    `json:"summary,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
}

func newRunView(run *model.Run) runView {
	v := runView{
		ID:            run.ID.String(),
		PartitionDate: model.FormatDate(run.PartitionDate),
		Force:         run.Force,
		State:         run.State,
		FailedAt:      run.FailedAt,
		ErrorKind:     run.ErrorKind,
		ErrorMessage:  run.ErrorMessage,
		RosterCount:   run.RosterCount,
		QuoteCount:    run.QuoteCount,
		Failures:      run.Failures,
		Staged:        run.Staged,
		Summary:       run.Summary,
		StartedAt:     run.StartedAt,
		UpdatedAt:     run.UpdatedAt,
		FinishedAt:    run.FinishedAt,
	}
	if v.Failures == nil {
		v.Failures = []model.SymbolFailure{}
	}
	if v.Staged == nil {
		v.Staged = []model.StagedObject{}
	}
	return v
}
