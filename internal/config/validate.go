package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *PipelineConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule.cron %q is invalid: %w", c.Schedule.Cron, err)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone %q is invalid: %w", c.Schedule.Timezone, err)
	}

	if err := validateURL("roster.url", c.Roster.URL); err != nil {
		return err
	}
	if c.Roster.MaxAttempts < 1 {
		return errors.New("roster.max_attempts must be >= 1")
	}
	if c.Roster.MaxSymbols < 0 {
		return errors.New("roster.max_symbols must be >= 0")
	}

	if err := validateURL("quotes.base_url", c.Quotes.BaseURL); err != nil {
		return err
	}
	if c.Quotes.APIKey == "" {
		return errors.New("quotes.api_key is required")
	}
	if !model.ValidCurrency(c.Quotes.Currency) {
		return fmt.Errorf("quotes.currency %q must be a 3-letter ISO 4217 code", c.Quotes.Currency)
	}
	if c.Quotes.SymbolTimeout < c.Quotes.Timeout {
		return fmt.Errorf("quotes.symbol_timeout (%s) cannot be shorter than quotes.timeout (%s)", c.Quotes.SymbolTimeout, c.Quotes.Timeout)
	}
	if c.Quotes.Concurrency < 1 {
		return errors.New("quotes.concurrency must be >= 1")
	}
	if c.Quotes.RequestsPerSecond <= 0 {
		return errors.New("quotes.requests_per_second must be > 0")
	}
	if c.Quotes.Burst < 1 {
		return errors.New("quotes.burst must be >= 1")
	}
	if c.Quotes.MaxRetries < 0 {
		return errors.New("quotes.max_retries must be >= 0")
	}

	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required")
	}

	if err := c.Warehouse.DB.validate("warehouse.db"); err != nil {
		return err
	}
	if c.Warehouse.MaxAttempts < 1 {
		return errors.New("warehouse.max_attempts must be >= 1")
	}

	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			return errors.New("ledger.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if err := c.Ledger.DB.validate("ledger.db"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("ledger.driver must be postgres or sqlite, got %q", c.Ledger.Driver)
	}

	if c.Lock.TTL <= 0 {
		return errors.New("lock.ttl must be > 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// Location returns the schedule timezone. Validate guarantees it loads.
func (c *PipelineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", field, raw)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
