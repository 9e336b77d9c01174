package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	StatePending   RunState = "PENDING"
	StateExtracted RunState = "EXTRACTED"
	StateFetched   RunState = "FETCHED"
	StateStaged    RunState = "STAGED"
	StateLoaded    RunState = "LOADED"
	StateFailed    RunState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateLoaded || s == StateFailed
}

// Next returns the state reached by successfully completing the next stage.
func (s RunState) Next() (RunState, error) {
	switch s {
	case StatePending:
		return StateExtracted, nil
	case StateExtracted:
		return StateFetched, nil
	case StateFetched:
		return StateStaged, nil
	case StateStaged:
		return StateLoaded, nil
	}
	return "", fmt.Errorf("no transition from %s", s)
}

// ParseRunState validates a state string.
func ParseRunState(s string) (RunState, error) {
	switch st := RunState(s); st {
	case StatePending, StateExtracted, StateFetched, StateStaged, StateLoaded, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown run state %q", s)
}

// RunParams are the trigger parameters of a run.
type RunParams struct {
	PartitionDate time.Time
	Force         bool
}

// Run is the state of one pipeline execution for a partition date.
//
// Stage outputs are held in memory for the duration of the run and are not
// persisted; only counts and the failure report are recorded in the ledger.
type Run struct {
	ID            uuid.UUID
	PartitionDate time.Time
	Force         bool
	State         RunState

	// Set when State is FAILED.
	FailedAt     RunState // state the run was trying to reach
	ErrorKind    string
	ErrorMessage string

	Roster   []RosterEntry
	Quotes   []QuoteRecord
	Failures []SymbolFailure
	Staged   []StagedObject
	Summary  *LoadSummary

	RosterCount int
	QuoteCount  int

	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// NewRun creates a PENDING run.
func NewRun(params RunParams, now time.Time) *Run {
	return &Run{
		ID:            uuid.New(),
		PartitionDate: NormalizeDate(params.PartitionDate),
		Force:         params.Force,
		State:         StatePending,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}
