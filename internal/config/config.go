package config

import "time"

// PipelineConfig is the root configuration for a pipeline instance.
type PipelineConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Roster    RosterConfig    `yaml:"roster"`
	Quotes    QuotesConfig    `yaml:"quotes"`
	Storage   StorageConfig   `yaml:"storage"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Lock      LockConfig      `yaml:"lock"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this pipeline deployment.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ScheduleConfig controls the cron trigger.
type ScheduleConfig struct {
	Disabled   bool          `yaml:"disabled"` // manual triggers only
	Cron       string        `yaml:"cron"`     // standard 5-field cron expression
	Timezone   string        `yaml:"timezone"` // IANA name; also decides "today" for partition dates
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// RosterConfig holds roster page settings.
type RosterConfig struct {
	URL          string        `yaml:"url"`
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxSymbols   int           `yaml:"max_symbols"` // 0 = no cap
}

// QuotesConfig holds market-data provider settings.
type QuotesConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Currency          string        `yaml:"currency"`       // used when the provider omits it
	Timeout           time.Duration `yaml:"timeout"`        // per HTTP request
	SymbolTimeout     time.Duration `yaml:"symbol_timeout"` // per symbol across all retries
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// StorageConfig holds object store settings.
type StorageConfig struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`       // S3-compatible endpoint override
	UsePathStyle   bool   `yaml:"use_path_style"` // required by most S3-compatible stores
	PurgeAfterLoad bool   `yaml:"purge_after_load"`
}

// WarehouseConfig holds the warehouse connection and load retry policy.
type WarehouseConfig struct {
	DB           DBConfig      `yaml:"db"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	EnsureSchema bool          `yaml:"ensure_schema"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LedgerConfig holds the run-state store.
type LedgerConfig struct {
	Driver     string   `yaml:"driver"` // "postgres" or "sqlite"
	DB         DBConfig `yaml:"db"`
	SQLitePath string   `yaml:"sqlite_path"`
}

// LockConfig holds the per-partition run lock. An empty RedisAddr selects an
// in-process lock, which only guards a single pipeline instance.
type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// ServerConfig holds the trigger/status HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
