// Package pipeline drives a run through its stages:
//
//	PENDING -> EXTRACTED -> FETCHED -> STAGED -> LOADED
//
// Each transition runs one stage synchronously and persists the run before
// the next begins. A stage error moves the run to FAILED, recording the state
// it was trying to reach and the error kind. There is no partial-success
// state: per-symbol quote failures are carried in the run's failure report
// while the run itself continues.
//
// Runs for the same partition date are serialized by a lock, and a date whose
// latest run is LOADED is skipped unless the run is forced.
package pipeline
