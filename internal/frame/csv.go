package frame

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ReadCSVFile reads a CSV file with a header row.
func ReadCSVFile(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fr, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return fr, nil
}

// ReadCSV parses CSV with a header row. Each column becomes int64 when every
// cell is an integer, float64 when every cell is a number or empty/NaN, and
// string otherwise.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parse csv: missing header")
	}
	header := records[0]
	rows := records[1:]
	cols := make([]*Series, len(header))
	for c, name := range header {
		cells := make([]string, len(rows))
		for i, rec := range rows {
			cells[i] = rec[c]
		}
		cols[c] = infer(strings.TrimSpace(name), cells)
	}
	return New(cols...)
}

func isMissing(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "", "nan", "na", "null":
		return true
	}
	return false
}

func infer(name string, cells []string) *Series {
	ints := make([]int64, len(cells))
	intOK := true
	for i, cell := range cells {
		v, err := strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
		if err != nil {
			intOK = false
			break
		}
		ints[i] = v
	}
	if intOK {
		return &Series{Name: name, Kind: Int, Ints: ints}
	}
	floats := make([]float64, len(cells))
	floatOK := true
	for i, cell := range cells {
		if isMissing(cell) {
			floats[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			floatOK = false
			break
		}
		floats[i] = v
	}
	if floatOK {
		return &Series{Name: name, Kind: Float, Floats: floats}
	}
	return &Series{Name: name, Kind: String, Strings: append([]string{}, cells...)}
}

func (s *Series) text(i int) string {
	switch s.Kind {
	case Int:
		return strconv.FormatInt(s.Ints[i], 10)
	case Float:
		v := s.Floats[i]
		if math.IsNaN(v) {
			return ""
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return s.Strings[i]
	}
}

// WriteCSV writes the frame with a header row. NaN is written as an empty cell.
func (f *Frame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Columns()); err != nil {
		return err
	}
	rec := make([]string, len(f.cols))
	for r := 0; r < f.rows; r++ {
		for c, s := range f.cols {
			rec[c] = s.text(r)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
