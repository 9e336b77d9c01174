package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "sp500-pipeline"
	DefaultCron              = "0 0 * * *"
	DefaultTimezone          = "UTC"
	DefaultRunTimeout        = 2 * time.Hour
	DefaultRosterURL         = "https://en.wikipedia.org/wiki/List_of_S%26P_500_companies"
	DefaultRosterUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultRosterTimeout     = 30 * time.Second
	DefaultRosterAttempts    = 3
	DefaultRosterBackoff     = 2 * time.Second
	DefaultQuotesCurrency    = "USD"
	DefaultQuotesTimeout     = 10 * time.Second
	DefaultSymbolTimeout     = 2 * time.Minute
	DefaultQuotesConcurrency = 8
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 5
	DefaultQuotesMaxRetries  = 5
	DefaultQuotesBackoff     = 500 * time.Millisecond
	DefaultQuotesMaxBackoff  = 30 * time.Second
	DefaultStoragePrefix     = "stock"
	DefaultStorageRegion     = "us-east-1"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultLoadAttempts      = 4
	DefaultLoadBackoff       = time.Second
	DefaultLoadMaxBackoff    = 30 * time.Second
	DefaultLedgerDriver      = "sqlite"
	DefaultSQLitePath        = "pipeline-runs.db"
	DefaultLockTTL           = 3 * time.Hour
	DefaultServerPort        = 8080
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *PipelineConfig) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Schedule defaults
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = DefaultCron
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = DefaultTimezone
	}
	if c.Schedule.RunTimeout == 0 {
		c.Schedule.RunTimeout = DefaultRunTimeout
	}

	// Roster defaults
	if c.Roster.URL == "" {
		c.Roster.URL = DefaultRosterURL
	}
	if c.Roster.UserAgent == "" {
		c.Roster.UserAgent = DefaultRosterUserAgent
	}
	if c.Roster.Timeout == 0 {
		c.Roster.Timeout = DefaultRosterTimeout
	}
	if c.Roster.MaxAttempts == 0 {
		c.Roster.MaxAttempts = DefaultRosterAttempts
	}
	if c.Roster.RetryBackoff == 0 {
		c.Roster.RetryBackoff = DefaultRosterBackoff
	}

	// Quotes defaults
	if c.Quotes.Currency == "" {
		c.Quotes.Currency = DefaultQuotesCurrency
	}
	if c.Quotes.Timeout == 0 {
		c.Quotes.Timeout = DefaultQuotesTimeout
	}
	if c.Quotes.SymbolTimeout == 0 {
		c.Quotes.SymbolTimeout = DefaultSymbolTimeout
	}
	if c.Quotes.Concurrency == 0 {
		c.Quotes.Concurrency = DefaultQuotesConcurrency
	}
	if c.Quotes.RequestsPerSecond == 0 {
		c.Quotes.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Quotes.Burst == 0 {
		c.Quotes.Burst = DefaultBurst
	}
	if c.Quotes.MaxRetries == 0 {
		c.Quotes.MaxRetries = DefaultQuotesMaxRetries
	}
	if c.Quotes.RetryBackoff == 0 {
		c.Quotes.RetryBackoff = DefaultQuotesBackoff
	}
	if c.Quotes.MaxBackoff == 0 {
		c.Quotes.MaxBackoff = DefaultQuotesMaxBackoff
	}

	// Storage defaults
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = DefaultStoragePrefix
	}
	if c.Storage.Region == "" {
		c.Storage.Region = DefaultStorageRegion
	}

	// Warehouse defaults
	applyDBDefaults(&c.Warehouse.DB)
	if c.Warehouse.MaxAttempts == 0 {
		c.Warehouse.MaxAttempts = DefaultLoadAttempts
	}
	if c.Warehouse.RetryBackoff == 0 {
		c.Warehouse.RetryBackoff = DefaultLoadBackoff
	}
	if c.Warehouse.MaxBackoff == 0 {
		c.Warehouse.MaxBackoff = DefaultLoadMaxBackoff
	}

	// Ledger defaults
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DefaultLedgerDriver
	}
	if c.Ledger.Driver == "postgres" {
		applyDBDefaults(&c.Ledger.DB)
	}
	if c.Ledger.SQLitePath == "" {
		c.Ledger.SQLitePath = DefaultSQLitePath
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = DefaultLockTTL
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
