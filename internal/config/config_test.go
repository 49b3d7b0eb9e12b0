package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"frost_url": "http://store/v1.1",
		"sensors": {"sds": {"82312": {"start": "2024-01-01"}}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "https://archive.sensor.community/", cfg.ArchiveURL)
	assert.Equal(t, "ru", cfg.Language)
	assert.Equal(t, "ru", cfg.Country)
	assert.Equal(t, 8, cfg.GeocodeWorkers)
	assert.Equal(t, PolicyOptimistic, cfg.StatePolicy)
	assert.Equal(t, "2024-01-01", cfg.Sensors["sds"]["82312"].Start)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", "env-token")
	t.Setenv("FROST_URL", "http://env-store/v1.1")
	t.Setenv("DRY_RUN", "true")

	path := writeConfig(t, `{
		"frost_url": "http://file-store/v1.1",
		"mapbox_token": "file-token",
		"sensors": {}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.MapboxToken)
	assert.Equal(t, "http://env-store/v1.1", cfg.FrostURL)
	assert.True(t, cfg.DryRun)
}

func TestLoadRequiresFrostURL(t *testing.T) {
	path := writeConfig(t, `{"sensors": {}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frost_url")
}

func TestLoadRejectsUnknownStatePolicy(t *testing.T) {
	path := writeConfig(t, `{"frost_url": "http://s", "state_policy": "maybe"}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_policy")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestArchiveURLGetsTrailingSlash(t *testing.T) {
	path := writeConfig(t, `{"frost_url": "http://s", "archive_url": "http://archive.example"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://archive.example/", cfg.ArchiveURL)
}
