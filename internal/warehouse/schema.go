package warehouse

// schemaDDL creates the destination tables if missing.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS roster (
	symbol       TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	sector       TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL,
	run_id       UUID NOT NULL,
	source_key   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prices (
	symbol         TEXT NOT NULL,
	partition_date DATE NOT NULL,
	price          NUMERIC NOT NULL CHECK (price > 0),
	currency       CHAR(3) NOT NULL,
	observed_at    TIMESTAMPTZ NOT NULL,
	run_id         UUID NOT NULL,
	source_key     TEXT NOT NULL,
	loaded_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, partition_date)
);

CREATE INDEX IF NOT EXISTS prices_partition_date_idx ON prices (partition_date);
`

const createRosterStage = `
CREATE TEMP TABLE roster_stage (
	symbol       TEXT NOT NULL,
	company_name TEXT NOT NULL,
	sector       TEXT NOT NULL
) ON COMMIT DROP`

const createPricesStage = `
CREATE TEMP TABLE prices_stage (
	symbol      TEXT NOT NULL,
	price       NUMERIC NOT NULL,
	currency    TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
) ON COMMIT DROP`

// mergeRoster upserts staged roster rows. An older as-of date never
// overwrites a newer one.
const mergeRoster = `
INSERT INTO roster (symbol, company_name, sector, updated_at, run_id, source_key)
SELECT symbol, company_name, sector, $1::timestamptz, $2::uuid, $3::text
FROM roster_stage
ON CONFLICT (symbol) DO UPDATE SET
	company_name = EXCLUDED.company_name,
	sector       = EXCLUDED.sector,
	updated_at   = EXCLUDED.updated_at,
	run_id       = EXCLUDED.run_id,
	source_key   = EXCLUDED.source_key
WHERE roster.updated_at <= EXCLUDED.updated_at`

// mergePrices upserts staged prices for one partition date.
const mergePrices = `
INSERT INTO prices (symbol, partition_date, price, currency, observed_at, run_id, source_key, loaded_at)
SELECT symbol, $1::date, price, currency, observed_at, $2::uuid, $3::text, now()
FROM prices_stage
ON CONFLICT (symbol, partition_date) DO UPDATE SET
	price       = EXCLUDED.price,
	currency    = EXCLUDED.currency,
	observed_at = EXCLUDED.observed_at,
	run_id      = EXCLUDED.run_id,
	source_key  = EXCLUDED.source_key,
	loaded_at   = EXCLUDED.loaded_at`

const summaryQuery = `
SELECT
	(SELECT count(*) FROM roster),
	count(*) FILTER (WHERE partition_date = $1::date),
	count(DISTINCT symbol) FILTER (WHERE partition_date = $1::date),
	min(partition_date),
	max(partition_date)
FROM prices`
