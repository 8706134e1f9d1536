// Package ingest reads observation files (CSV and XLSX) into model
// observations.
package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/forecast-tuner/internal/model"
)

// record is one decoded row before validation.
type record struct {
	ProductID string `csv:"product_id"`
	Date      string `csv:"date"`
	Value     string `csv:"value"`
	IsOutlier string `csv:"is_outlier,omitempty"`
	Note      string `csv:"note,omitempty"`
}

// RowError explains why a row was skipped. Line is 1-based and counts the
// header.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// Result is the outcome of reading one file.
type Result struct {
	Observations []model.Observation `json:"-"`
	Rows         int                 `json:"rows"`
	Skipped      int                 `json:"skipped"`
	Errors       []RowError          `json:"errors,omitempty"`
}

var headerAliases = map[string]string{
	"product":   "product_id",
	"productid": "product_id",
	"sku":       "product_id",
	"item":      "product_id",
	"period":    "date",
	"month":     "date",
	"sales":     "value",
	"quantity":  "value",
	"qty":       "value",
	"units":     "value",
	"outlier":   "is_outlier",
	"notes":     "note",
	"comment":   "note",
}

var requiredColumns = []string{"product_id", "date", "value"}

// ReadFile picks the reader by extension.
func ReadFile(path string) (*Result, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, "")
	case ".csv", ".txt":
		return ReadCSVFile(path)
	}
	return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
}

// decode maps the header, then decodes and validates every row. Invalid
// rows are skipped and reported; they never fail the file.
func decode(r csvutil.Reader) (*Result, error) {
	raw, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, eris.New("ingest: file is empty")
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read header")
	}

	header := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, h := range raw {
		header[i] = normalizeHeader(h)
		seen[header[i]] = true
	}
	for _, col := range requiredColumns {
		if !seen[col] {
			return nil, eris.Errorf("ingest: missing required column %q", col)
		}
	}

	dec, err := csvutil.NewDecoder(&padReader{r: r, n: len(header)}, header...)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create decoder")
	}

	res := &Result{}
	for line := 2; ; line++ {
		var rec record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		res.Rows++
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) && !errors.Is(err, csvutil.ErrFieldCount) {
				return nil, eris.Wrapf(err, "ingest: read line %d", line)
			}
			res.skip(line, err)
			continue
		}
		obs, err := rec.observation()
		if err != nil {
			res.skip(line, err)
			continue
		}
		res.Observations = append(res.Observations, obs)
	}

	if res.Skipped > 0 {
		zap.L().Warn("ingest: rows skipped",
			zap.Int("rows", res.Rows),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

// padReader extends short records to the header width. Spreadsheets and
// hand-edited CSVs often drop trailing empty cells.
type padReader struct {
	r csvutil.Reader
	n int
}

func (p *padReader) Read() ([]string, error) {
	rec, err := p.r.Read()
	if err != nil {
		return rec, err
	}
	for len(rec) < p.n {
		rec = append(rec, "")
	}
	return rec, nil
}

func (r *Result) skip(line int, err error) {
	r.Skipped++
	r.Errors = append(r.Errors, RowError{Line: line, Err: err.Error()})
}

func (rec record) observation() (model.Observation, error) {
	id := NormalizeProductID(rec.ProductID)
	if id == "" {
		return model.Observation{}, eris.New("empty product id")
	}
	date, err := ParseDate(rec.Date)
	if err != nil {
		return model.Observation{}, err
	}
	value, err := parseValue(rec.Value)
	if err != nil {
		return model.Observation{}, err
	}
	outlier, err := parseBool(rec.IsOutlier)
	if err != nil {
		return model.Observation{}, err
	}
	return model.Observation{
		ProductID: id,
		Date:      date,
		Value:     value,
		IsOutlier: outlier,
		Note:      strings.TrimSpace(rec.Note),
	}, nil
}

// NormalizeProductID trims, collapses inner whitespace and applies Unicode
// NFC so visually identical IDs compare equal.
func NormalizeProductID(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.Join(strings.Fields(h), "_")
	h = strings.ReplaceAll(h, "-", "_")
	if alias, ok := headerAliases[h]; ok {
		return alias
	}
	return h
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2006",
	"January 2006",
}

// ParseDate accepts the common spreadsheet date forms, including Excel
// serial day numbers. Results are UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		t := xlsx.TimeFromExcelTime(serial, false)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	if s == "" {
		return 0, eris.New("empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, eris.Errorf("invalid value %q", s)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "n", "f":
		return false, nil
	case "1", "true", "yes", "y", "t", "x":
		return true, nil
	}
	return false, eris.Errorf("invalid outlier flag %q", s)
}
