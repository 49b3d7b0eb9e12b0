package schedule

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerosync/internal/config"
	"aerosync/internal/models"
	"aerosync/internal/state"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation(models.DateLayout, s, time.UTC)
	require.NoError(t, err)
	return d
}

func sensorConfig(start string) *config.Config {
	return &config.Config{
		Sensors: map[string]map[string]*config.SensorDates{
			"sds": {"82312": {Start: start}},
		},
	}
}

func TestBuildColdStart(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	today := day(t, "2024-01-03")

	plan := Build(cfg, state.State{}, today, today, zerolog.Nop())

	require.Len(t, plan.Tasks, 1)
	task := plan.Tasks[0]
	assert.Equal(t, day(t, "2024-01-01"), task.Start)
	assert.Equal(t, day(t, "2024-01-03"), task.End)
	assert.False(t, task.NoOp())
	assert.True(t, plan.HasWork)

	rec, ok := plan.State.Get("sds", "82312")
	require.True(t, ok)
	assert.Equal(t, "2024-01-03", rec.LastDownloaded)
	assert.Equal(t, "2024-01-01", rec.InitialStart)
	assert.NotEmpty(t, rec.LastRun)
}

func TestBuildResumesFromDayAfterLastDownloaded(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	prev := state.State{}
	prev.Set("sds", "82312", state.SensorState{LastDownloaded: "2024-01-01", InitialStart: "2024-01-01"})

	plan := Build(cfg, prev, day(t, "2024-01-03"), day(t, "2024-01-03"), zerolog.Nop())

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, day(t, "2024-01-02"), plan.Tasks[0].Start)
	assert.Equal(t, day(t, "2024-01-03"), plan.Tasks[0].End)
	assert.True(t, plan.HasWork)

	// initialStart is set once and never overwritten
	rec, _ := plan.State.Get("sds", "82312")
	assert.Equal(t, "2024-01-01", rec.InitialStart)
}

func TestBuildUpToDateYieldsNoOpTask(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	prev := state.State{}
	prev.Set("sds", "82312", state.SensorState{LastDownloaded: "2024-01-03"})

	plan := Build(cfg, prev, day(t, "2024-01-03"), day(t, "2024-01-03"), zerolog.Nop())

	require.Len(t, plan.Tasks, 1)
	assert.True(t, plan.Tasks[0].NoOp())
	assert.False(t, plan.HasWork)

	// lastDownloaded is still reported, unchanged
	rec, _ := plan.State.Get("sds", "82312")
	assert.Equal(t, "2024-01-03", rec.LastDownloaded)
}

func TestBuildMalformedConfigDateFallsBackToToday(t *testing.T) {
	cfg := sensorConfig("not-a-date")
	today := day(t, "2024-01-03")

	plan := Build(cfg, state.State{}, today, today, zerolog.Nop())

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, today, plan.Tasks[0].Start)
	assert.Equal(t, today, plan.Tasks[0].End)
	assert.True(t, plan.HasWork)
}

func TestBuildCorruptStateDateUsesConfiguredStart(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	prev := state.State{}
	prev.Set("sds", "82312", state.SensorState{LastDownloaded: "zzz", InitialStart: "2024-01-01"})

	plan := Build(cfg, prev, day(t, "2024-01-03"), day(t, "2024-01-03"), zerolog.Nop())

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, day(t, "2024-01-01"), plan.Tasks[0].Start)
}

func TestBuildLastDownloadedNeverMovesBackwards(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	prev := state.State{}
	prev.Set("sds", "82312", state.SensorState{LastDownloaded: "2024-02-01"})

	plan := Build(cfg, prev, day(t, "2024-01-03"), day(t, "2024-01-03"), zerolog.Nop())

	rec, _ := plan.State.Get("sds", "82312")
	assert.Equal(t, "2024-02-01", rec.LastDownloaded)
	assert.True(t, plan.Tasks[0].NoOp())
}

func TestBuildUnconfiguredTypeSkipped(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	plan := Build(cfg, state.State{}, day(t, "2024-01-03"), day(t, "2024-01-03"), zerolog.Nop())

	for _, task := range plan.Tasks {
		assert.Equal(t, models.SensorSDS, task.Type)
	}
}

func TestPlanTaskLookupNormalizesIDs(t *testing.T) {
	cfg := sensorConfig("2024-01-01")
	plan := Build(cfg, state.State{}, day(t, "2024-01-03"), day(t, "2024-01-03"), zerolog.Nop())

	task, ok := plan.Task(models.SensorSDS, "sds_82312")
	require.True(t, ok)
	assert.Equal(t, "82312", task.SensorID)

	_, ok = plan.Task(models.SensorBME, "82312")
	assert.False(t, ok)
}
