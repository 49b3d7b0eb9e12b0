package models

import (
	"regexp"
	"time"
)

// DateLayout is the civil-date format used in config, state and archive URLs.
const DateLayout = "2006-01-02"

// SensorType identifies a physical transducer family.
type SensorType string

const (
	// SensorSDS is the SDS011 particulate-matter sensor.
	SensorSDS SensorType = "SDS011"
	// SensorBME is the BME280 meteorological sensor.
	SensorBME SensorType = "BME280"
)

// AllSensorTypes lists the supported transducer families in processing order.
var AllSensorTypes = []SensorType{SensorSDS, SensorBME}

// ConfigKey returns the short key used in config and state files.
func (t SensorType) ConfigKey() string {
	switch t {
	case SensorSDS:
		return "sds"
	case SensorBME:
		return "bme"
	}
	return string(t)
}

// Dir returns the archive subdirectory for this sensor type.
func (t SensorType) Dir() string { return string(t) }

// FileToken returns the lowercase token used in archive file names.
func (t SensorType) FileToken() string {
	switch t {
	case SensorSDS:
		return "sds011"
	case SensorBME:
		return "bme280"
	}
	return string(t)
}

// TypeFromConfigKey maps a config/state key back to a SensorType.
func TypeFromConfigKey(key string) (SensorType, bool) {
	switch key {
	case "sds":
		return SensorSDS, true
	case "bme":
		return SensorBME, true
	}
	return "", false
}

// SyncTask is one sensor's date range still needing retrieval. A task with
// Start after End is a no-op: the sensor is already current.
type SyncTask struct {
	SensorID string
	Type     SensorType
	Start    time.Time
	End      time.Time
}

// NoOp reports whether the task covers no dates.
func (t SyncTask) NoOp() bool { return t.Start.After(t.End) }

// LocationRow is one unique coordinate pair observed for one sensor,
// aggregated across all its daily files. Coordinates are exact: pairs that
// differ in any digit are distinct locations.
type LocationRow struct {
	Type      SensorType
	SensorID  string
	Days      int
	Lat       float64
	Lon       float64
	FirstSeen time.Time
	LastSeen  time.Time
	Address   *string
}

// Asset describes one inventory-numbered physical installation from the
// description table.
type Asset struct {
	Inventory   string
	Kind        string
	Brand       string
	ProcessorID string
	SDSID       string
	BMEID       string
}

// SensorID returns the asset's transducer id for the given type.
func (a Asset) SensorID(t SensorType) string {
	switch t {
	case SensorSDS:
		return a.SDSID
	case SensorBME:
		return a.BMEID
	}
	return ""
}

// AssetGroup joins an asset with the location rows of its transducers.
type AssetGroup struct {
	Asset Asset
	Rows  []LocationRow
}

var idDigits = regexp.MustCompile(`\d+`)

// NormalizeID extracts the numeric part of a sensor identifier so that
// "sds_82312", "82312.0" and "82312" all compare equal. Returns "" when the
// value carries no digits.
func NormalizeID(raw string) string {
	return idDigits.FindString(raw)
}
