// Package uploader builds the remote entity hierarchy for each physical
// asset and uploads only observations newer than what the store already
// holds. Every creation is idempotent by name, so the whole stage is safely
// re-runnable.
package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"aerosync/internal/archive"
	"aerosync/internal/frost"
	"aerosync/internal/models"
	"aerosync/internal/schedule"
	"aerosync/internal/sensorcsv"
)

// Stream keys double as CSV column names in the daily files.
const (
	keyP1          = "P1"
	keyP2          = "P2"
	keyTemperature = "temperature"
	keyHumidity    = "humidity"
	keyPressure    = "pressure"
)

const observationType = "http://www.opengis.net/def/observationType/OGC-OM/2.0/OM_Measurement"

// Observed property names, the idempotency keys for the fixed taxonomy.
const (
	propHumidity    = "Relative humidity"
	propTemperature = "Air temperature"
	propPressure    = "Atmospheric pressure"
	propPM25        = "PM2.5"
	propPM10        = "PM10"
)

var observedProperties = []frost.ObservedProperty{
	{Name: propHumidity, Description: "Relative humidity in percent", Definition: "http://dbpedia.org/page/Humidity"},
	{Name: propTemperature, Description: "Air temperature in Celsius", Definition: "http://dbpedia.org/page/Temperature"},
	{Name: propPressure, Description: "Atmospheric pressure in Pa", Definition: "http://dbpedia.org/page/Atmospheric_pressure"},
	{Name: propPM25, Description: "Concentration of particulate matter with diameter up to 2.5 micrometers in µg/m³", Definition: "http://dbpedia.org/page/Particulates"},
	{Name: propPM10, Description: "Concentration of particulate matter with diameter up to 10 micrometers in µg/m³", Definition: "http://dbpedia.org/page/Particulates"},
}

// streamKeys lists the quantity columns per transducer type.
func streamKeys(t models.SensorType) []string {
	if t == models.SensorSDS {
		return []string{keyP1, keyP2}
	}
	return []string{keyTemperature, keyHumidity, keyPressure}
}

// dedupKey is the stream whose latest remote observation bounds the upload.
func dedupKey(t models.SensorType) string {
	if t == models.SensorSDS {
		return keyP1
	}
	return keyTemperature
}

// Synchronizer creates/reuses remote entities and uploads new observations.
type Synchronizer struct {
	Frost   *frost.Client
	DataDir string
	Log     zerolog.Logger
}

// assetGraph holds the remote ids created or reused for one asset. It is
// returned from graph building and handed into observation upload instead
// of living in shared registries.
type assetGraph struct {
	thing   frost.ID
	streams map[string]frost.ID
	foi     frost.ID
}

// Run synchronizes every asset group. Failures inside one asset are
// contained: siblings keep processing.
func (s *Synchronizer) Run(ctx context.Context, groups []models.AssetGroup, plan schedule.Plan) error {
	props, err := s.ensureObservedProperties(ctx)
	if err != nil {
		return fmt.Errorf("observed properties: %w", err)
	}

	for _, group := range groups {
		glog := s.Log.With().Str("inventory", group.Asset.Inventory).Logger()
		glog.Info().Int("rows", len(group.Rows)).Msg("synchronizing asset")

		graph, err := s.buildGraph(ctx, group, props)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Nothing below the parent has anywhere to attach.
			glog.Error().Err(err).Msg("asset subtree aborted")
			continue
		}

		for _, sensorType := range models.AllSensorTypes {
			sensorID := group.Asset.SensorID(sensorType)
			if sensorID == "" || !hasRows(group.Rows, sensorType) {
				continue
			}
			task, ok := plan.Task(sensorType, models.NormalizeID(sensorID))
			if !ok {
				glog.Warn().Str("type", string(sensorType)).Msg("no planned range for sensor, skipping upload")
				continue
			}
			s.uploadObservations(ctx, sensorID, sensorType, task, graph, glog)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	return ctx.Err()
}

func hasRows(rows []models.LocationRow, t models.SensorType) bool {
	for _, row := range rows {
		if row.Type == t {
			return true
		}
	}
	return false
}

func (s *Synchronizer) ensureObservedProperties(ctx context.Context) (map[string]frost.ID, error) {
	ids := make(map[string]frost.ID, len(observedProperties))
	for _, prop := range observedProperties {
		id, err := s.Frost.EnsureEntity(ctx, frost.SetObservedProperties, prop.Name, prop)
		if err != nil {
			return nil, err
		}
		ids[prop.Name] = id
	}
	return ids, nil
}

// buildGraph ensures the asset's hierarchy exists remotely exactly once:
// parent thing, transducer sensors, locations with historical links and
// features of interest, and the measurement streams.
func (s *Synchronizer) buildGraph(ctx context.Context, group models.AssetGroup, props map[string]frost.ID) (*assetGraph, error) {
	asset := group.Asset
	inv := asset.Inventory
	log := s.Log.With().Str("inventory", inv).Logger()

	thing := frost.Thing{
		Name:        "Dust sensor station " + inv,
		Description: "SDS011+BME280",
		Properties: map[string]string{
			"brand":       asset.Brand,
			"processorId": asset.ProcessorID,
			"type":        asset.Kind,
		},
	}
	thingID, err := s.Frost.EnsureEntity(ctx, frost.SetThings, thing.Name, thing)
	if err != nil {
		return nil, fmt.Errorf("create thing: %w", err)
	}

	graph := &assetGraph{thing: thingID, streams: map[string]frost.ID{}}

	var sdsID, bmeID frost.ID
	if hasRows(group.Rows, models.SensorSDS) {
		sensor := frost.Sensor{
			Name:         "SDS011_" + inv,
			Description:  "PM Sensor",
			EncodingType: "application/pdf",
			Metadata:     "https://nova-fitness.com/SDS011.pdf",
		}
		sdsID, err = s.Frost.EnsureEntity(ctx, frost.SetSensors, sensor.Name, sensor)
		if err != nil {
			log.Error().Err(err).Msg("create particulate sensor failed")
		}
	}
	if hasRows(group.Rows, models.SensorBME) {
		sensor := frost.Sensor{
			Name:         "BME280_" + inv,
			Description:  "Meteo Sensor",
			EncodingType: "application/pdf",
			Metadata:     "https://bosch.com/BME280.pdf",
		}
		bmeID, err = s.Frost.EnsureEntity(ctx, frost.SetSensors, sensor.Name, sensor)
		if err != nil {
			log.Error().Err(err).Msg("create meteo sensor failed")
		}
	}

	s.buildLocations(ctx, group, thingID, graph, log)

	ensureStream := func(key, name, desc, unit, symbol string, sensorID frost.ID, propName string) {
		if sensorID.IsZero() {
			return
		}
		ds := frost.Datastream{
			Name:             name,
			Description:      desc,
			ObservationType:  observationType,
			Unit:             frost.UnitOfMeasurement{Name: unit, Symbol: symbol, Definition: "http://unknown"},
			Thing:            frost.RefTo(thingID),
			Sensor:           frost.RefTo(sensorID),
			ObservedProperty: frost.RefTo(props[propName]),
		}
		id, err := s.Frost.EnsureEntity(ctx, frost.SetDatastreams, name, ds)
		if err != nil {
			log.Error().Err(err).Str("datastream", name).Msg("create datastream failed")
			return
		}
		graph.streams[key] = id
	}

	ensureStream(keyP1, "PM10_"+inv, "PM10", "microgram per cubic meter", "µg/m³", sdsID, propPM10)
	ensureStream(keyP2, "PM2.5_"+inv, "PM2.5", "microgram per cubic meter", "µg/m³", sdsID, propPM25)
	ensureStream(keyTemperature, "Temperature_"+inv, "Temp", "Celsius", "°C", bmeID, propTemperature)
	ensureStream(keyHumidity, "Humidity_"+inv, "Hum", "Percent", "%", bmeID, propHumidity)
	ensureStream(keyPressure, "Pressure_"+inv, "Press", "Hectopascal", "hPa", bmeID, propPressure)

	return graph, nil
}

// buildLocations creates one location per distinct (address, lon, lat)
// observed for the asset, each with a time-stamped historical link and a
// mirroring feature of interest. Rows without a resolved address cannot be
// named and are skipped.
func (s *Synchronizer) buildLocations(ctx context.Context, group models.AssetGroup, thingID frost.ID, graph *assetGraph, log zerolog.Logger) {
	type locKey struct {
		address  string
		lon, lat float64
		seen     time.Time
	}
	seen := map[locKey]bool{}

	for _, row := range group.Rows {
		if row.Address == nil || *row.Address == "" {
			log.Warn().
				Float64("lat", row.Lat).Float64("lon", row.Lon).
				Msg("no resolved address for location, skipping")
			continue
		}
		key := locKey{address: *row.Address, lon: row.Lon, lat: row.Lat, seen: row.FirstSeen}
		if seen[key] {
			continue
		}
		seen[key] = true

		loc := frost.Location{
			Name:         key.address,
			Description:  "Location for sensor " + group.Asset.Inventory,
			EncodingType: "application/vnd.geo+json",
			Location:     frost.NewPoint(key.lon, key.lat),
		}
		locID, err := s.Frost.EnsureEntity(ctx, frost.SetLocations, loc.Name, loc)
		if err != nil {
			log.Error().Err(err).Str("address", key.address).Msg("create location failed")
			continue
		}

		firstSeen := key.seen.UTC().Format("2006-01-02T15:04:05Z")
		filter := fmt.Sprintf("time eq '%s' and Thing/@iot.id eq %s and Locations/any(l:l/@iot.id eq %s)",
			firstSeen, thingID.String(), locID.String())
		_, exists, err := s.Frost.FindFirst(ctx, frost.SetHistoricalLocations, filter)
		if err != nil {
			log.Error().Err(err).Msg("check historical location failed")
		} else if !exists {
			hist := frost.HistoricalLocation{
				Time:      firstSeen,
				Thing:     frost.RefTo(thingID),
				Locations: []frost.Ref{frost.RefTo(locID)},
			}
			if _, err := s.Frost.Create(ctx, frost.SetHistoricalLocations, hist); err != nil {
				log.Error().Err(err).Msg("create historical location failed")
			}
		}

		foi := frost.FeatureOfInterest{
			Name:         fmt.Sprintf("FOI_%s_%s", group.Asset.Inventory, key.address),
			Description:  fmt.Sprintf("Feature of interest for sensor %s at %s", group.Asset.Inventory, key.address),
			EncodingType: "application/vnd.geo+json",
			Feature:      frost.NewPoint(key.lon, key.lat),
		}
		foiID, err := s.Frost.EnsureEntity(ctx, frost.SetFeaturesOfInterest, foi.Name, foi)
		if err != nil {
			log.Error().Err(err).Msg("create feature of interest failed")
			continue
		}
		graph.foi = foiID
	}
}

// uploadObservations walks the sensor's daily files within the planned
// range and posts only rows strictly newer than the store's latest
// phenomenon time for the reference stream.
func (s *Synchronizer) uploadObservations(
	ctx context.Context,
	sensorID string,
	sensorType models.SensorType,
	task models.SyncTask,
	graph *assetGraph,
	log zerolog.Logger,
) {
	if task.NoOp() {
		return
	}

	slog := log.With().Str("type", string(sensorType)).Str("sensor", sensorID).Logger()

	var lastRemote time.Time
	var hasRemote bool
	if ref, ok := graph.streams[dedupKey(sensorType)]; ok {
		ts, found, err := s.Frost.LatestObservation(ctx, ref)
		if err != nil {
			slog.Warn().Err(err).Msg("latest-observation query failed, assuming empty stream")
		} else if found {
			lastRemote, hasRemote = ts, true
			slog.Info().Time("last_remote", ts).Msg("store already holds data")
		} else {
			slog.Info().Msg("no data on server, full upload")
		}
	}

	keys := streamKeys(sensorType)
	dirID := models.NormalizeID(sensorID)

	for date := task.Start; !date.After(task.End); date = date.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return
		}

		// Skip whole days already covered by the store.
		if hasRemote && endOfDay(date).Before(lastRemote) {
			continue
		}

		name := archive.FileName(date, sensorType, dirID)
		path := filepath.Join(s.DataDir, sensorType.Dir(), dirID, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		file, err := sensorcsv.Read(path)
		if err != nil {
			slog.Warn().Err(err).Str("file", name).Msg("skipping unreadable daily file")
			continue
		}
		if !file.HasColumn("timestamp") {
			continue
		}

		posted, failed := 0, 0
		for i := 0; i < file.Len(); i++ {
			ts, ok := file.Time(i, "timestamp")
			if !ok {
				continue
			}
			if hasRemote && !ts.After(lastRemote) {
				continue
			}

			for _, key := range keys {
				ds, ok := graph.streams[key]
				if !ok {
					continue
				}
				value, ok := file.Float(i, key)
				if !ok {
					continue
				}

				obs := frost.Observation{
					PhenomenonTime: ts.Format(time.RFC3339),
					Result:         value,
					Datastream:     frost.RefTo(ds),
				}
				if !graph.foi.IsZero() {
					ref := frost.RefTo(graph.foi)
					obs.FeatureOfInterest = &ref
				}

				if err := s.Frost.PostObservation(ctx, obs); err != nil {
					failed++
					slog.Error().Err(err).Str("stream", key).Time("ts", ts).Msg("observation upload failed")
					continue
				}
				posted++
			}
		}

		if posted > 0 || failed > 0 {
			slog.Info().
				Str("date", date.Format(models.DateLayout)).
				Int("posted", posted).
				Int("failed", failed).
				Msg("uploaded daily observations")
		}
	}
}

func endOfDay(date time.Time) time.Time {
	return date.AddDate(0, 0, 1).Add(-time.Nanosecond)
}
