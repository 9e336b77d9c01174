package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the canonical partition date format.
const DateLayout = "2006-01-02"

// -----------------------------------------------------------------------------
// Extracted / Fetched Records
// -----------------------------------------------------------------------------

// RosterEntry is one constituent of the tracked index.
type RosterEntry struct {
	Symbol      string // Unique within a run (e.g., "AAPL")
	CompanyName string // Never empty
	Sector      string // Sector classification (may be empty)
}

// QuoteRecord is the latest price observation for a roster symbol.
type QuoteRecord struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
	Currency   string // ISO 4217 (e.g., "USD")
}

// SymbolFailure records why a single symbol has no quote in this run.
type SymbolFailure struct {
	Symbol  string `json:"symbol"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ValidCurrency reports whether s is a 3-letter upper-case currency code.
func ValidCurrency(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// FetchResult is the output of the quote stage: successful quotes plus the
// failure report for every symbol that could not be fetched.
type FetchResult struct {
	Quotes   []QuoteRecord
	Failures []SymbolFailure
}

// FailedSymbols returns the symbols in the failure report, in report order.
func (r FetchResult) FailedSymbols() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Symbol
	}
	return out
}

// -----------------------------------------------------------------------------
// Staging
// -----------------------------------------------------------------------------

// Kind identifies the payload type of a staged object.
type Kind string

const (
	KindRoster Kind = "roster"
	KindQuotes Kind = "quotes"
)

// Kinds lists every payload kind in staging order.
var Kinds = []Kind{KindRoster, KindQuotes}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRoster, KindQuotes:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown payload kind %q", s)
}

// StagedObject describes an immutable object written by the stager. The
// payload itself lives in the object store under Key.
type StagedObject struct {
	Kind          Kind      `json:"kind"`
	Key           string    `json:"key"`
	PartitionDate time.Time `json:"partition_date"`
	RunID         uuid.UUID `json:"run_id"`
	Records       int       `json:"records"`
	Checksum      string    `json:"checksum"` // hex SHA-256 of the payload bytes
}

// -----------------------------------------------------------------------------
// Warehouse
// -----------------------------------------------------------------------------

// LoadSummary is the post-load verification of a partition date. Price
// counts cover the partition date; MinDate and MaxDate span all loaded dates.
type LoadSummary struct {
	RosterRows      int64     `json:"roster_rows"`
	PriceRows       int64     `json:"price_rows"`
	DistinctSymbols int64     `json:"distinct_symbols"`
	MinDate         time.Time `json:"min_date"`
	MaxDate         time.Time `json:"max_date"`
}

// -----------------------------------------------------------------------------
// Dates
// -----------------------------------------------------------------------------

// NormalizeDate truncates t to midnight UTC of its calendar day in t's location.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD partition date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse partition date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate formats a partition date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
