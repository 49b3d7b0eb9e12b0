// Command aerosync incrementally synchronizes archived sensor readings
// into a SensorThings-compatible observation store. Each invocation plans
// the date ranges still missing per sensor, fills the local archive,
// annotates observed locations with reverse-geocoded addresses, and
// uploads only observations the store does not hold yet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"aerosync/internal/archive"
	"aerosync/internal/config"
	"aerosync/internal/frost"
	"aerosync/internal/geocode"
	"aerosync/internal/models"
	"aerosync/internal/schedule"
	"aerosync/internal/state"
	"aerosync/internal/stats"
	"aerosync/internal/uploader"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("job failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg)
	log.Info().Msg("job started")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	release, err := state.AcquireLock(cfg.DataDir)
	if err != nil {
		return err
	}
	defer release()

	statePath := state.Path(cfg.DataDir)
	prev := state.Load(statePath, log)

	now := time.Now().UTC()
	plan := schedule.Build(cfg, prev, now, now, log)

	if plan.HasWork {
		dl := archive.New(cfg.ArchiveURL, cfg.DataDir, log)
		if err := dl.Run(ctx, plan.Tasks); err != nil {
			return err
		}
		// The files are on disk now; remember that even if the later
		// stages fail (optimistic policy, the historical behavior).
		if cfg.StatePolicy == config.PolicyOptimistic {
			if err := state.Save(statePath, plan.State); err != nil {
				return fmt.Errorf("persist run state: %w", err)
			}
			log.Info().Str("path", statePath).Msg("run state saved")
		}
	} else {
		log.Info().Msg("everything up to date, skipping retrieval")
	}

	for _, sensorType := range models.AllSensorTypes {
		stats.ScanReport(cfg.DataDir, sensorType, log)
	}

	rows := stats.Collect(cfg.DataDir, log)
	if len(rows) == 0 {
		log.Warn().Msg("no aggregated location rows, nothing to upload")
	} else {
		if err := geocodeAndUpload(ctx, cfg, rows, plan, log); err != nil {
			return err
		}
	}

	if cfg.StatePolicy == config.PolicyConfirmed {
		if err := state.Save(statePath, plan.State); err != nil {
			return fmt.Errorf("persist run state: %w", err)
		}
		log.Info().Str("path", statePath).Msg("run state saved (confirmed policy)")
	}

	log.Info().Msg("job finished")
	return nil
}

func geocodeAndUpload(ctx context.Context, cfg *config.Config, rows []models.LocationRow, plan schedule.Plan, log zerolog.Logger) error {
	if cfg.MapboxToken == "" {
		return errors.New("geocoding token missing (mapbox_token in config or MAPBOX_TOKEN)")
	}

	resolver := geocode.New(cfg.MapboxToken, cfg.Language, cfg.Country, cfg.GeocodeWorkers, log)
	if err := resolver.Preflight(ctx); err != nil {
		return fmt.Errorf("geocoding preflight: %w", err)
	}

	log.Info().Int("rows", len(rows)).Msg("resolving addresses")
	addrs, err := resolver.ResolveAll(ctx, rows)
	if err != nil {
		return fmt.Errorf("reverse geocoding: %w", err)
	}
	for i := range rows {
		rows[i].Address = addrs[i]
	}

	descPath := filepath.Join(cfg.DataDir, "description.csv")
	assets, err := stats.LoadAssets(descPath)
	if err != nil {
		log.Error().Err(err).Str("path", descPath).
			Msg("asset description table unavailable, skipping upload")
		return nil
	}

	groups := stats.GroupByAsset(rows, assets, log)
	if len(groups) == 0 {
		log.Warn().Msg("no location rows matched an asset, skipping upload")
		return nil
	}

	client := frost.NewClient(cfg.FrostURL, cfg.FrostToken, cfg.DryRun, log)
	sync := &uploader.Synchronizer{Frost: client, DataDir: cfg.DataDir, Log: log}
	return sync.Run(ctx, groups, plan)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
			level = parsed
		}
	}

	var out = os.Stdout
	logger := zerolog.New(out)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
