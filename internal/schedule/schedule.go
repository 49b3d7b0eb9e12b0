// Package schedule derives, from persisted run state, the minimal date
// range still needing retrieval per sensor.
package schedule

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"aerosync/internal/config"
	"aerosync/internal/models"
	"aerosync/internal/state"
)

// Plan is the outcome of one planning pass.
type Plan struct {
	// Tasks holds one entry per configured sensor, in deterministic order.
	Tasks []models.SyncTask
	// State is the full updated run state to persist.
	State state.State
	// HasWork reports whether at least one task covers any dates.
	HasWork bool
}

// Task returns the planned task for a sensor, if one exists. Sensor ids
// are compared digit-normalized so "sds_82312" finds the task for "82312".
func (p Plan) Task(t models.SensorType, sensorID string) (models.SyncTask, bool) {
	want := models.NormalizeID(sensorID)
	for _, task := range p.Tasks {
		if task.Type == t && models.NormalizeID(task.SensorID) == want {
			return task, true
		}
	}
	return models.SyncTask{}, false
}

// Build computes a task and an updated state record for every configured
// sensor. Prior state resumes from the day after lastDownloaded; sensors
// without history start from the configured default. The end bound is
// always today: each run tries to catch up to now.
//
// The updated state stamps lastDownloaded = today before retrieval is
// attempted. This optimistic advance is the historical behavior; with the
// "confirmed" state policy the caller simply defers persisting it.
func Build(cfg *config.Config, prev state.State, today, now time.Time, log zerolog.Logger) Plan {
	today = civil(today)
	plan := Plan{State: prev.Clone()}

	log.Info().Str("today", today.Format(models.DateLayout)).Msg("planning sync ranges")

	for _, sensorType := range models.AllSensorTypes {
		key := sensorType.ConfigKey()
		sensors, ok := cfg.Sensors[key]
		if !ok {
			continue
		}

		ids := make([]string, 0, len(sensors))
		for id := range sensors {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			task, rec := planSensor(sensorType, id, sensors[id], plan.State, today, log)
			rec.LastRun = now.UTC().Format(time.RFC3339)
			plan.State.Set(key, id, rec)
			plan.Tasks = append(plan.Tasks, task)
			if !task.NoOp() {
				plan.HasWork = true
			}
		}
	}

	return plan
}

func planSensor(
	sensorType models.SensorType,
	id string,
	dates *config.SensorDates,
	st state.State,
	today time.Time,
	log zerolog.Logger,
) (models.SyncTask, state.SensorState) {
	slog := log.With().Str("type", string(sensorType)).Str("sensor", id).Logger()

	configStart := today
	if dates != nil && dates.Start != "" {
		parsed, err := time.ParseInLocation(models.DateLayout, dates.Start, time.UTC)
		if err != nil {
			slog.Warn().Str("start", dates.Start).Msg("malformed configured start date, using today")
		} else {
			configStart = parsed
		}
	}

	rec, hasState := st.Get(sensorType.ConfigKey(), id)

	start := configStart
	if hasState && rec.LastDownloaded != "" {
		last, err := time.ParseInLocation(models.DateLayout, rec.LastDownloaded, time.UTC)
		if err != nil {
			slog.Warn().Str("last_downloaded", rec.LastDownloaded).
				Msg("corrupt date in state, using configured start")
		} else {
			start = last.AddDate(0, 0, 1)
			slog.Info().
				Str("last_downloaded", rec.LastDownloaded).
				Str("next_start", start.Format(models.DateLayout)).
				Msg("resuming from state")
		}
	} else {
		rec.InitialStart = configStart.Format(models.DateLayout)
		slog.Info().Str("start", configStart.Format(models.DateLayout)).
			Msg("no history in state, starting from configured date")
	}

	task := models.SyncTask{SensorID: id, Type: sensorType, Start: start, End: today}
	if start.After(today) {
		// Degenerate range: retrieval skips it entirely.
		task.Start = today.AddDate(0, 0, 1)
		slog.Info().Msg("up to date, nothing to retrieve")
	} else {
		slog.Info().
			Str("from", task.Start.Format(models.DateLayout)).
			Str("to", task.End.Format(models.DateLayout)).
			Msg("planned retrieval range")
	}

	// lastDownloaded never moves backwards, even if state carries a date
	// past today (clock skew on a previous host).
	newLast := today
	if rec.LastDownloaded != "" {
		if prev, err := time.ParseInLocation(models.DateLayout, rec.LastDownloaded, time.UTC); err == nil && prev.After(newLast) {
			newLast = prev
		}
	}
	rec.LastDownloaded = newLast.Format(models.DateLayout)

	return task, rec
}

func civil(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
