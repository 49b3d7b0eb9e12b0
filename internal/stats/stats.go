// Package stats aggregates the local daily files into one row per unique
// coordinate pair per sensor, and joins the result with asset metadata.
package stats

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"aerosync/internal/models"
	"aerosync/internal/sensorcsv"
)

type coordKey struct {
	lat, lon float64
}

// ScanReport logs per-sensor directory statistics (file count, total line
// count) for one sensor type root.
func ScanReport(dataDir string, sensorType models.SensorType, log zerolog.Logger) {
	root := filepath.Join(dataDir, sensorType.Dir())
	entries, err := os.ReadDir(root)
	if err != nil {
		log.Warn().Str("dir", root).Msg("directory not found")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			continue
		}

		count, lines := 0, 0
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			count++
			lines += countLines(filepath.Join(sub, f.Name()))
		}
		log.Info().
			Str("type", string(sensorType)).
			Str("sensor", entry.Name()).
			Int("files", count).
			Int("lines", lines).
			Msg("local archive stats")
	}
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}

// Collect builds location rows for every sensor directory under the data
// dir. Malformed files are skipped so one bad day never drops a sensor.
func Collect(dataDir string, log zerolog.Logger) []models.LocationRow {
	var rows []models.LocationRow
	for _, sensorType := range models.AllSensorTypes {
		rows = append(rows, collectRoot(dataDir, sensorType, log)...)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.SensorID != b.SensorID {
			return a.SensorID < b.SensorID
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		if a.Lat != b.Lat {
			return a.Lat < b.Lat
		}
		return a.Lon < b.Lon
	})
	return rows
}

func collectRoot(dataDir string, sensorType models.SensorType, log zerolog.Logger) []models.LocationRow {
	root := filepath.Join(dataDir, sensorType.Dir())
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var rows []models.LocationRow
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sensorID := strings.TrimSpace(entry.Name())
		rows = append(rows, collectSensor(filepath.Join(root, sensorID), sensorType, sensorID, log)...)
	}
	return rows
}

func collectSensor(dir string, sensorType models.SensorType, sensorID string, log zerolog.Logger) []models.LocationRow {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var csvFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".csv") {
			csvFiles = append(csvFiles, entry.Name())
		}
	}
	sort.Strings(csvFiles)
	if len(csvFiles) == 0 {
		return nil
	}

	// first/last seen per exact coordinate pair
	spans := map[coordKey]*models.LocationRow{}

	for _, name := range csvFiles {
		file, err := sensorcsv.Read(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable daily file")
			continue
		}

		for i := 0; i < file.Len(); i++ {
			ts, ok := file.Time(i, "timestamp")
			if !ok {
				continue
			}
			lat, ok := file.Float(i, "lat")
			if !ok {
				continue
			}
			lon, ok := file.Float(i, "lon")
			if !ok {
				continue
			}

			key := coordKey{lat: lat, lon: lon}
			row, ok := spans[key]
			if !ok {
				spans[key] = &models.LocationRow{
					Type:      sensorType,
					SensorID:  sensorID,
					Lat:       lat,
					Lon:       lon,
					FirstSeen: ts,
					LastSeen:  ts,
				}
				continue
			}
			if ts.Before(row.FirstSeen) {
				row.FirstSeen = ts
			}
			if ts.After(row.LastSeen) {
				row.LastSeen = ts
			}
		}
	}

	rows := make([]models.LocationRow, 0, len(spans))
	for _, row := range spans {
		row.Days = len(csvFiles)
		rows = append(rows, *row)
	}
	return rows
}

// LoadAssets reads the asset description table (CSV columns: inventory,
// type, brand, processor_id, sds011, bme280).
func LoadAssets(path string) ([]models.Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(all) < 1 {
		return nil, fmt.Errorf("%s: missing header", path)
	}

	col := map[string]int{}
	for i, name := range all[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	cell := func(rec []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	assets := make([]models.Asset, 0, len(all)-1)
	for _, rec := range all[1:] {
		asset := models.Asset{
			Inventory:   cell(rec, "inventory"),
			Kind:        cell(rec, "type"),
			Brand:       cell(rec, "brand"),
			ProcessorID: cell(rec, "processor_id"),
			SDSID:       cell(rec, "sds011"),
			BMEID:       cell(rec, "bme280"),
		}
		if asset.Inventory == "" {
			continue
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// GroupByAsset joins location rows with assets by digit-normalized sensor
// id. Rows whose sensor matches no asset are dropped with a warning; assets
// without rows produce no group.
func GroupByAsset(rows []models.LocationRow, assets []models.Asset, log zerolog.Logger) []models.AssetGroup {
	index := map[models.SensorType]map[string]int{
		models.SensorSDS: {},
		models.SensorBME: {},
	}
	for i, asset := range assets {
		if id := models.NormalizeID(asset.SDSID); id != "" {
			index[models.SensorSDS][id] = i
		}
		if id := models.NormalizeID(asset.BMEID); id != "" {
			index[models.SensorBME][id] = i
		}
	}

	grouped := make(map[int][]models.LocationRow)
	for _, row := range rows {
		idx, ok := index[row.Type][models.NormalizeID(row.SensorID)]
		if !ok {
			log.Warn().
				Str("type", string(row.Type)).
				Str("sensor", row.SensorID).
				Msg("no asset metadata for sensor, skipping")
			continue
		}
		grouped[idx] = append(grouped[idx], row)
	}

	groups := make([]models.AssetGroup, 0, len(grouped))
	for i, asset := range assets {
		if rows, ok := grouped[i]; ok {
			groups = append(groups, models.AssetGroup{Asset: asset, Rows: rows})
		}
	}
	return groups
}
