package sensorcsv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "day.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadDailyFile(t *testing.T) {
	path := writeFile(t, "sensor_id;lat;lon;timestamp;P1;P2\n"+
		"82312;55.75;37.62;2024-01-01T10:00:00;12.5;6.1\n"+
		"82312;55,75;37,62;2024-01-01T10:05:00;;7.0\n")

	f, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
	assert.True(t, f.HasColumn("P1"))
	assert.False(t, f.HasColumn("temperature"))

	lat, ok := f.Float(0, "lat")
	require.True(t, ok)
	assert.Equal(t, 55.75, lat)

	// decimal commas tolerated
	lat, ok = f.Float(1, "lat")
	require.True(t, ok)
	assert.Equal(t, 55.75, lat)

	// empty cell is "no value", not zero
	_, ok = f.Float(1, "P1")
	assert.False(t, ok)

	ts, ok := f.Time(0, "timestamp")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestReadEmptyFile(t *testing.T) {
	_, err := Read(writeFile(t, ""))
	assert.Error(t, err)
}

func TestParseTimeVariants(t *testing.T) {
	naive, err := ParseTime("2024-01-01T10:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), naive)

	zoned, err := ParseTime("2024-01-01T13:00:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), zoned)

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
