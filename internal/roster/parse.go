package roster

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/model"
)

const opParse = "roster.parse"

// Header aliases, matched case-insensitively after trimming.
var (
	symbolHeaders  = []string{"symbol", "ticker", "ticker symbol"}
	companyHeaders = []string{"security", "company", "company name", "name"}
	sectorHeaders  = []string{"gics sector", "sector"}
)

// ParseResult is the outcome of parsing a roster page.
type ParseResult struct {
	Entries    []model.RosterEntry // valid, unique, in page order
	Total      int                 // data rows seen
	Skipped    []string            // symbols rejected by validation
	Duplicates []string            // repeated symbols (first occurrence kept)
}

type columns struct {
	symbol, company, sector int
}

// Parse extracts the roster from an HTML page. The table with id
// "constituents" is preferred; otherwise the first table whose header row
// carries a symbol column is used.
func Parse(page []byte) (*ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, etlerr.New(etlerr.KindParse, opParse, fmt.Errorf("parse html: %w", err))
	}

	table, cols, ok := findTable(doc)
	if !ok {
		return nil, etlerr.Errorf(etlerr.KindParse, opParse, "no table with a symbol column found")
	}
	if cols.company < 0 {
		return nil, etlerr.Errorf(etlerr.KindParse, opParse, "roster table has no company name column")
	}

	res := &ParseResult{}
	seen := make(map[string]struct{})
	var rowErr error

	table.Find("tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		cells := row.ChildrenFiltered("td")
		if cells.Length() == 0 {
			return true // header or spacer row
		}
		res.Total++

		symbol := cellText(cells, cols.symbol)
		company := cellText(cells, cols.company)
		if symbol == "" || company == "" {
			rowErr = etlerr.Errorf(etlerr.KindParse, opParse,
				"row %d: missing required field (symbol=%q company_name=%q)", res.Total, symbol, company)
			return false
		}

		if !ValidSymbol(symbol) {
			res.Skipped = append(res.Skipped, symbol)
			return true
		}
		if _, dup := seen[symbol]; dup {
			res.Duplicates = append(res.Duplicates, symbol)
			return true
		}
		seen[symbol] = struct{}{}

		res.Entries = append(res.Entries, model.RosterEntry{
			Symbol:      symbol,
			CompanyName: company,
			Sector:      cellText(cells, cols.sector),
		})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}

	if len(res.Entries) == 0 {
		return nil, etlerr.Errorf(etlerr.KindParse, opParse, "no valid symbols found in %d rows", res.Total)
	}
	return res, nil
}

// ValidSymbol reports whether s looks like a listed ticker: 1-5 characters,
// letters and digits with optional '.' or '-' class separators (e.g., BRK.B).
func ValidSymbol(s string) bool {
	if len(s) == 0 || len(s) > 5 {
		return false
	}
	core := strings.NewReplacer(".", "", "-", "").Replace(s)
	if core == "" {
		return false
	}
	for _, r := range core {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func findTable(doc *goquery.Document) (*goquery.Selection, columns, bool) {
	if t := doc.Find("table#constituents").First(); t.Length() > 0 {
		if cols, ok := headerColumns(t); ok {
			return t, cols, true
		}
	}

	var (
		found *goquery.Selection
		cols  columns
	)
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		if c, ok := headerColumns(t); ok {
			found, cols = t, c
			return false
		}
		return true
	})
	return found, cols, found != nil
}

// headerColumns locates the roster columns in the table's first header row.
func headerColumns(table *goquery.Selection) (columns, bool) {
	cols := columns{symbol: -1, company: -1, sector: -1}

	var header *goquery.Selection
	table.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if row.ChildrenFiltered("th").Length() > 0 {
			header = row
			return false
		}
		return true
	})
	if header == nil {
		return cols, false
	}

	header.ChildrenFiltered("th, td").Each(func(i int, cell *goquery.Selection) {
		name := strings.ToLower(normalize(cell.Text()))
		switch {
		case cols.symbol < 0 && matches(name, symbolHeaders):
			cols.symbol = i
		case cols.company < 0 && matches(name, companyHeaders):
			cols.company = i
		case cols.sector < 0 && matches(name, sectorHeaders):
			cols.sector = i
		}
	})
	return cols, cols.symbol >= 0
}

func matches(name string, aliases []string) bool {
	for _, a := range aliases {
		if name == a {
			return true
		}
	}
	return false
}

// cellText returns the trimmed text of cell i with footnote markers removed.
func cellText(cells *goquery.Selection, i int) string {
	if i < 0 || i >= cells.Length() {
		return ""
	}
	cell := cells.Eq(i).Clone()
	cell.Find("sup").Remove()
	return normalize(cell.Text())
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
