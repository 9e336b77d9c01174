// Package model defines shared data types used across the pipeline stages.
//
// Conventions:
//   - Prices: shopspring decimal, never float
//   - Timestamps: time.Time in UTC
//   - Partition dates: time.Time truncated to UTC midnight, formatted as YYYY-MM-DD
//   - Run IDs: uuid.UUID
package model
