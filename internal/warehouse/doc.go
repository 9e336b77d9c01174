// Package warehouse implements the Warehouse Loader.
//
// Tables:
//   - roster: one row per symbol, latest-wins on updated_at
//   - prices: one row per (symbol, partition_date)
//
// Every row carries the run id and the staged object key it was loaded from.
// A load bulk-copies rows into temporary tables and merges them with
// INSERT ... ON CONFLICT DO UPDATE inside one transaction, so reloading the
// same staged objects never duplicates rows and a failed load leaves no
// partial rows behind.
package warehouse
