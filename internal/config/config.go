package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

const (
	defaultArchiveURL     = "https://archive.sensor.community/"
	defaultLanguage       = "ru"
	defaultCountry        = "ru"
	defaultGeocodeWorkers = 8
)

// StatePolicy controls when the planned run state is persisted.
type StatePolicy string

const (
	// PolicyOptimistic saves the planned state right after retrieval,
	// before upload. Matches the historical behavior: a later upload
	// failure leaves the window marked as done.
	PolicyOptimistic StatePolicy = "optimistic"
	// PolicyConfirmed defers the save until the upload stage completed.
	PolicyConfirmed StatePolicy = "confirmed"
)

// SensorDates holds the configured default start date for one sensor.
type SensorDates struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// Config holds runtime configuration for the sync pipeline.
type Config struct {
	DataDir        string                             `json:"data_dir"`
	FrostURL       string                             `json:"frost_url"`
	FrostToken     string                             `json:"frost_token,omitempty"`
	MapboxToken    string                             `json:"mapbox_token,omitempty"`
	ArchiveURL     string                             `json:"archive_url,omitempty"`
	Language       string                             `json:"language,omitempty"`
	Country        string                             `json:"country,omitempty"`
	GeocodeWorkers int                                `json:"geocode_workers,omitempty"`
	StatePolicy    StatePolicy                        `json:"state_policy,omitempty"`
	DryRun         bool                               `json:"dry_run,omitempty"`
	Sensors        map[string]map[string]*SensorDates `json:"sensors"`

	LogLevel  string `json:"log_level,omitempty"`
	LogPretty bool   `json:"log_pretty,omitempty"`
}

// Load reads configuration from a JSON file and applies environment
// overrides (optionally from .env). Environment values take precedence over
// file values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MAPBOX_TOKEN")); v != "" {
		cfg.MapboxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("FROST_URL")); v != "" {
		cfg.FrostURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FROST_TOKEN")); v != "" {
		cfg.FrostToken = v
	}
	if v := strings.TrimSpace(os.Getenv("DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_PRETTY")); v != "" {
		cfg.LogPretty = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("DRY_RUN")); v != "" {
		cfg.DryRun = v == "1" || strings.EqualFold(v, "true")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = defaultArchiveURL
	}
	if !strings.HasSuffix(cfg.ArchiveURL, "/") {
		cfg.ArchiveURL += "/"
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.Country == "" {
		cfg.Country = defaultCountry
	}
	if cfg.GeocodeWorkers <= 0 {
		cfg.GeocodeWorkers = defaultGeocodeWorkers
	}
	if cfg.StatePolicy == "" {
		cfg.StatePolicy = PolicyOptimistic
	}
	if cfg.Sensors == nil {
		cfg.Sensors = map[string]map[string]*SensorDates{}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.FrostURL) == "" {
		return errors.New("frost_url is required (config file or FROST_URL)")
	}
	switch c.StatePolicy {
	case PolicyOptimistic, PolicyConfirmed:
	default:
		return fmt.Errorf("invalid state_policy %q", c.StatePolicy)
	}
	return nil
}
