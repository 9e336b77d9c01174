package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/sp500-pipeline/internal/model"
)

// Fixed CSV headers. Changing either is a schema change for the loader.
var (
	RosterHeader = []string{"symbol", "company_name", "sector"}
	QuotesHeader = []string{"symbol", "price", "currency", "observed_at"}
)

// ErrSchema reports a payload that does not match its kind's layout.
var ErrSchema = errors.New("payload schema mismatch")

// Checksum returns the hex SHA-256 of body.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EncodeRoster renders roster entries as CSV.
func EncodeRoster(entries []model.RosterEntry) ([]byte, error) {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{e.Symbol, e.CompanyName, e.Sector}
	}
	return encode(RosterHeader, rows)
}

// EncodeQuotes renders quotes as CSV. Prices keep their exact decimal text
// and timestamps are written as RFC 3339 in UTC.
func EncodeQuotes(quotes []model.QuoteRecord) ([]byte, error) {
	rows := make([][]string, len(quotes))
	for i, q := range quotes {
		rows[i] = []string{
			q.Symbol,
			q.Price.String(),
			q.Currency,
			q.ObservedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return encode(QuotesHeader, rows)
}

func encode(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRoster parses a roster payload. Every row must carry a symbol and a
// company name.
func DecodeRoster(body []byte) ([]model.RosterEntry, error) {
	rows, err := decode(body, RosterHeader)
	if err != nil {
		return nil, err
	}
	out := make([]model.RosterEntry, 0, len(rows))
	for i, r := range rows {
		e := model.RosterEntry{
			Symbol:      strings.TrimSpace(r[0]),
			CompanyName: strings.TrimSpace(r[1]),
			Sector:      strings.TrimSpace(r[2]),
		}
		if e.Symbol == "" || e.CompanyName == "" {
			return nil, fmt.Errorf("%w: row %d: missing symbol or company_name", ErrSchema, i+1)
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeQuotes parses a quotes payload, coercing price to a decimal and
// observed_at to a UTC timestamp.
func DecodeQuotes(body []byte) ([]model.QuoteRecord, error) {
	rows, err := decode(body, QuotesHeader)
	if err != nil {
		return nil, err
	}
	out := make([]model.QuoteRecord, 0, len(rows))
	for i, r := range rows {
		symbol := strings.TrimSpace(r[0])
		if symbol == "" {
			return nil, fmt.Errorf("%w: row %d: missing symbol", ErrSchema, i+1)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(r[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: price %q: %v", ErrSchema, i+1, r[1], err)
		}
		observed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(r[3]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: observed_at %q: %v", ErrSchema, i+1, r[3], err)
		}
		out = append(out, model.QuoteRecord{
			Symbol:     symbol,
			Price:      price,
			Currency:   strings.TrimSpace(r[2]),
			ObservedAt: observed.UTC(),
		})
	}
	return out, nil
}

func decode(body []byte, header []string) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = len(header)

	got, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty payload", ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrSchema, err)
	}
	if !slices.Equal(got, header) {
		return nil, fmt.Errorf("%w: header %v, want %v", ErrSchema, got, header)
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return rows, nil
}
