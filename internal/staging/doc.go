// Package staging implements the Raw Stager.
//
// Each run writes one CSV object per payload kind under a run-scoped,
// date-partitioned key, then commits the run by writing the partition
// manifest:
//
//	<prefix>/partition_date=YYYY-MM-DD/run_id=<uuid>/roster.csv
//	<prefix>/partition_date=YYYY-MM-DD/run_id=<uuid>/quotes.csv
//	<prefix>/partition_date=YYYY-MM-DD/_manifest.json
//
// Every object, the manifest included, is written to a temporary key first
// and then copied into place, so readers never observe a partially written
// object. The manifest is written last and names exactly one run, so a
// partition is either the complete output of one run or the previously
// committed one. Objects not named by the manifest are ignored by Discover.
//
// Object metadata carries the SHA-256 of the payload, the record count, the
// run id and the kind; the loader verifies the checksum before reading rows.
package staging
