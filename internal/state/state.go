// Package state persists per-sensor sync progress between runs and guards
// against overlapping invocations.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// FileName is the state file kept inside the data directory.
const FileName = "state.json"

// ErrLocked is returned when another pipeline run holds the lock file.
var ErrLocked = errors.New("another run is already in progress")

// SensorState is the persisted record for one sensor.
type SensorState struct {
	// LastDownloaded is the inclusive upper bound already retrieved,
	// monotonically non-decreasing across runs.
	LastDownloaded string `json:"last_downloaded,omitempty"`
	// InitialStart is set on first encounter and never overwritten.
	InitialStart string `json:"initial_start,omitempty"`
	LastRun      string `json:"last_run_timestamp,omitempty"`
}

// State maps sensor type key -> sensor id -> record.
type State map[string]map[string]SensorState

// Get returns the record for a sensor, if present.
func (s State) Get(typeKey, sensorID string) (SensorState, bool) {
	m, ok := s[typeKey]
	if !ok {
		return SensorState{}, false
	}
	rec, ok := m[sensorID]
	return rec, ok
}

// Set stores the record for a sensor, creating the type bucket as needed.
func (s State) Set(typeKey, sensorID string, rec SensorState) {
	m, ok := s[typeKey]
	if !ok {
		m = map[string]SensorState{}
		s[typeKey] = m
	}
	m[sensorID] = rec
}

// Clone returns a deep copy so planning can build the next state without
// mutating the loaded one.
func (s State) Clone() State {
	out := make(State, len(s))
	for typeKey, sensors := range s {
		m := make(map[string]SensorState, len(sensors))
		for id, rec := range sensors {
			m[id] = rec
		}
		out[typeKey] = m
	}
	return out
}

// Path returns the state file location inside the data directory.
func Path(dataDir string) string { return filepath.Join(dataDir, FileName) }

// Load reads the state file. A missing or corrupt file yields an empty
// state (cold start), never an error.
func Load(path string, log zerolog.Logger) State {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to read state file, starting clean")
		}
		return State{}
	}

	st := State{}
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("corrupt state file, starting clean")
		return State{}
	}
	return st
}

// Save writes the state file atomically (write temp, rename).
func Save(path string, st State) error {
	raw, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// AcquireLock takes the single-instance lock for the data directory. The
// returned release func removes the lock file.
func AcquireLock(dataDir string) (func(), error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "aerosync.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() { os.Remove(path) }, nil
}
