package ingest

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// ReadCSV reads comma-separated observations with a header row.
func ReadCSV(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return decode(cr)
}

// ReadCSVFile opens path and reads it with ReadCSV.
func ReadCSVFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(f)
}
