// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Run outcomes by final state and failure kind
//   - Stage durations
//   - Quote provider requests by outcome and per-symbol failures by kind
//   - Warehouse rows merged by table
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics
