package readings

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	colDevice    = "Device"
	colTimestamp = "Timestamp"
	colValue     = "Value"
)

// ReadCSV decodes readings in the file format: a header of either
// "Timestamp,Value" or "Device,Timestamp,Value" followed by one row per
// reading. Any unparsable date or value fails the whole decode.
func ReadCSV(r io.Reader) ([]Reading, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	tsCol, ok := cols[colTimestamp]
	if !ok {
		return nil, fmt.Errorf("csv header missing %q column", colTimestamp)
	}
	valCol, ok := cols[colValue]
	if !ok {
		return nil, fmt.Errorf("csv header missing %q column", colValue)
	}
	devCol, hasDevice := cols[colDevice]

	var out []Reading
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		date, err := ParseDate(strings.TrimSpace(rec[tsCol]))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(rec[valCol]))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: invalid value %q: %w", line, rec[valCol], err)
		}
		reading := Reading{Date: date, Value: value}
		if hasDevice {
			reading.Device = strings.TrimSpace(rec[devCol])
		}
		out = append(out, reading.Normalize())
	}
	return out, nil
}

// WriteCSV encodes readings sorted by date descending. The device column is
// only written when some reading belongs to a non-default device.
func WriteCSV(w io.Writer, rs []Reading) error {
	sorted := slices.Clone(rs)
	slices.SortFunc(sorted, func(a, b Reading) int { return Compare(b, a) })

	multi := slices.ContainsFunc(sorted, func(r Reading) bool { return r.Key().Device != DefaultDevice })

	cw := csv.NewWriter(w)
	header := []string{colTimestamp, colValue}
	if multi {
		header = []string{colDevice, colTimestamp, colValue}
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range sorted {
		row := []string{r.Date.String(), FormatValue(r.Value)}
		if multi {
			row = append([]string{r.Key().Device}, row...)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatValue renders a value without dropping the scale it was parsed with,
// so "7.50" stays "7.50" across a write and re-read.
func FormatValue(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}
