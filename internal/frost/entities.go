// Package frost is a minimal client for a SensorThings-API-compatible
// observation store. Entities are modelled as typed payloads; creation is
// idempotent by name through a find-or-create primitive.
package frost

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Entity set names as they appear in request paths.
const (
	SetThings              = "Things"
	SetSensors             = "Sensors"
	SetDatastreams         = "Datastreams"
	SetLocations           = "Locations"
	SetHistoricalLocations = "HistoricalLocations"
	SetObservedProperties  = "ObservedProperties"
	SetFeaturesOfInterest  = "FeaturesOfInterest"
	SetObservations        = "Observations"
)

// ID is a server-assigned entity id. Backends hand out numbers or strings;
// the raw JSON token is kept verbatim so references echo it back unchanged.
type ID struct {
	raw json.RawMessage
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return len(id.raw) == 0 }

// MarshalJSON writes the raw token.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON keeps the raw token.
func (id *ID) UnmarshalJSON(b []byte) error {
	id.raw = append(id.raw[:0:0], b...)
	return nil
}

// String renders the id without quoting, for paths and logs.
func (id ID) String() string {
	return strings.Trim(string(id.raw), `"`)
}

// ParseID builds an ID from a path fragment, e.g. the value between
// parentheses of a Location response header.
func ParseID(s string) ID {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}
	}
	if _, err := strconv.ParseFloat(strings.Trim(s, `'"`), 64); err == nil {
		return ID{raw: json.RawMessage(strings.Trim(s, `'"`))}
	}
	quoted, _ := json.Marshal(strings.Trim(s, `'"`))
	return ID{raw: quoted}
}

// Ref is a nested id reference to another entity.
type Ref struct {
	ID ID `json:"@iot.id"`
}

// RefTo builds a reference to an existing entity.
func RefTo(id ID) Ref { return Ref{ID: id} }

// GeoPoint is a GeoJSON point in (lon, lat) order.
type GeoPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// NewPoint builds a GeoJSON point from lon/lat.
func NewPoint(lon, lat float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: [2]float64{lon, lat}}
}

// Thing is the parent entity for one physical asset.
type Thing struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Sensor describes one physical transducer.
type Sensor struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	EncodingType string `json:"encodingType"`
	Metadata     string `json:"metadata"`
}

// ObservedProperty is one physical quantity from the fixed taxonomy.
type ObservedProperty struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Definition  string `json:"definition"`
}

// Location is one distinct observed position of an asset.
type Location struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	EncodingType string   `json:"encodingType"`
	Location     GeoPoint `json:"location"`
}

// HistoricalLocation links an asset to a location with a timestamp.
type HistoricalLocation struct {
	Time      string `json:"time"`
	Thing     Ref    `json:"Thing"`
	Locations []Ref  `json:"Locations"`
}

// FeatureOfInterest is the geographic point observations are geo-tagged
// with; it mirrors a Location's coordinates.
type FeatureOfInterest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	EncodingType string   `json:"encodingType"`
	Feature      GeoPoint `json:"feature"`
}

// UnitOfMeasurement describes a datastream's unit.
type UnitOfMeasurement struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Definition string `json:"definition"`
}

// Datastream is one measurement stream of one quantity from one transducer.
type Datastream struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	ObservationType  string            `json:"observationType"`
	Unit             UnitOfMeasurement `json:"unitOfMeasurement"`
	Thing            Ref               `json:"Thing"`
	Sensor           Ref               `json:"Sensor"`
	ObservedProperty Ref               `json:"ObservedProperty"`
}

// Observation is one measured value at one phenomenon time.
type Observation struct {
	PhenomenonTime    string  `json:"phenomenonTime"`
	Result            float64 `json:"result"`
	Datastream        Ref     `json:"Datastream"`
	FeatureOfInterest *Ref    `json:"FeatureOfInterest,omitempty"`
}
