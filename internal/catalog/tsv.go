package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// Column names of the KBART snapshot.
const (
	colTitle     = "publication_title"
	colPrint     = "print_identifier"
	colOnline    = "online_identifier"
	colURL       = "title_url"
	colLastIssue = "date_last_issue_online"
)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("catalog header missing column")

// ParseStats counts rows the parser discarded.
type ParseStats struct {
	Dropped    int
	Duplicates int
}

// ParseTSV normalizes a tab-separated catalog snapshot. Rows with no name or
// no identifier are dropped; for duplicate ISSNs the first row wins.
func ParseTSV(raw []byte) ([]crawler.CatalogRow, ParseStats, error) {
	var stats ParseStats
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))))
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, stats, fmt.Errorf("read catalog header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colTitle, colPrint, colOnline} {
		if _, ok := idx[required]; !ok {
			return nil, stats, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}
	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []crawler.CatalogRow
	seen := make(map[string]struct{})
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read catalog row: %w", err)
		}

		row := crawler.CatalogRow{
			Name:               field(rec, colTitle),
			ISSN:               crawler.NormalizeISSN(field(rec, colPrint)),
			AltISSN:            crawler.NormalizeISSN(field(rec, colOnline)),
			URL:                field(rec, colURL),
			LastKnownIssueDate: ParseIssueDate(field(rec, colLastIssue)),
		}
		if row.ISSN == "" {
			row.ISSN = row.AltISSN
		}
		if row.ISSN == "" || row.Name == "" {
			stats.Dropped++
			continue
		}
		if _, dup := seen[row.ISSN]; dup {
			stats.Duplicates++
			continue
		}
		seen[row.ISSN] = struct{}{}
		rows = append(rows, row)
	}
	return rows, stats, nil
}

var dateLayouts = []string{"2006-01-02", "2006-01", "2006"}

// ParseIssueDate accepts full, year-month and year-only dates. Anything else
// maps to the epoch sentinel.
func ParseIssueDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return crawler.EpochSentinel
}
