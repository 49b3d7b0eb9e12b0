// Package sensorcsv reads the `;`-separated daily files published by the
// sensor archive. Values may carry decimal commas; timestamps may or may
// not carry a zone offset (naive values are taken as UTC).
package sensorcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"aerosync/internal/models"
)

// File is one parsed daily CSV file.
type File struct {
	columns map[string]int
	records [][]string
}

// Read parses a daily sensor file. The first record is the header.
func Read(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1

	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, errors.New("empty file")
	}

	columns := make(map[string]int, len(all[0]))
	for i, name := range all[0] {
		columns[strings.TrimSpace(name)] = i
	}

	return &File{columns: columns, records: all[1:]}, nil
}

// Len returns the number of data records.
func (f *File) Len() int { return len(f.records) }

// HasColumn reports whether the header contains the named column.
func (f *File) HasColumn(name string) bool {
	_, ok := f.columns[name]
	return ok
}

// Value returns the raw cell for record i, or false when the column is
// absent or the record too short.
func (f *File) Value(i int, column string) (string, bool) {
	idx, ok := f.columns[column]
	if !ok || i < 0 || i >= len(f.records) || idx >= len(f.records[i]) {
		return "", false
	}
	v := strings.TrimSpace(f.records[i][idx])
	if v == "" {
		return "", false
	}
	return v, true
}

// Float returns the cell parsed as a float, tolerating decimal commas.
func (f *File) Float(i int, column string) (float64, bool) {
	raw, ok := f.Value(i, column)
	if !ok {
		return 0, false
	}
	v, err := ParseFloat(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Time returns the cell parsed as a timestamp.
func (f *File) Time(i int, column string) (time.Time, bool) {
	raw, ok := f.Value(i, column)
	if !ok {
		return time.Time{}, false
	}
	ts, err := ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ParseFloat parses a numeric cell, accepting "55,75" for "55.75".
func ParseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
}

// timestamp layouts seen in the archive, tried in order
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	models.DateLayout,
}

// ParseTime parses an archive timestamp. Naive values are interpreted as
// UTC so phenomenon times compare consistently with the remote store.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
