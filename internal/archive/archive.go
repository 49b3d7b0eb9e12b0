// Package archive fills the local data directory with daily sensor CSV
// files from the upstream archive. Files already on disk are never
// re-downloaded, so interrupted runs resume where they stopped.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"aerosync/internal/models"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRetryWait = 2 * time.Second
	retriesPerDate   = 2 // attempts = retries + 1
)

var errNotFound = errors.New("not in archive")

// Downloader retrieves daily files for planned sync tasks.
type Downloader struct {
	Client    *http.Client
	BaseURL   string
	DataDir   string
	RetryWait time.Duration
	Log       zerolog.Logger
}

// New returns a Downloader with the default HTTP client.
func New(baseURL, dataDir string, log zerolog.Logger) *Downloader {
	return &Downloader{
		Client:    &http.Client{Timeout: defaultTimeout},
		BaseURL:   baseURL,
		DataDir:   dataDir,
		RetryWait: defaultRetryWait,
		Log:       log,
	}
}

// FileName builds the archive file name for one sensor-day.
func FileName(date time.Time, sensorType models.SensorType, sensorID string) string {
	return fmt.Sprintf("%s_%s_sensor_%s.csv",
		date.Format(models.DateLayout), sensorType.FileToken(), sensorID)
}

// Run downloads every missing daily file for the given tasks. Failures for
// a single date are logged and do not abort the run; after Run returns, all
// retrievable files for the requested ranges exist on disk.
func (d *Downloader) Run(ctx context.Context, tasks []models.SyncTask) error {
	d.Log.Info().Int("tasks", len(tasks)).Msg("starting retrieval")

	for _, task := range tasks {
		if task.NoOp() {
			continue
		}
		if err := d.runTask(ctx, task); err != nil {
			if ctx.Err() != nil {
				return err
			}
			d.Log.Error().Err(err).
				Str("sensor", task.SensorID).
				Msg("retrieval failed for sensor")
		}
	}

	d.Log.Info().Msg("retrieval finished")
	return ctx.Err()
}

func (d *Downloader) runTask(ctx context.Context, task models.SyncTask) error {
	dir := filepath.Join(d.DataDir, task.Type.Dir(), task.SensorID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sensor dir: %w", err)
	}

	for date := task.Start; !date.After(task.End); date = date.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := FileName(date, task.Type, task.SensorID)
		local := filepath.Join(dir, name)

		if info, err := os.Stat(local); err == nil && info.Size() > 0 {
			continue
		}

		url := fmt.Sprintf("%s%s/%s", d.BaseURL, date.Format(models.DateLayout), name)
		if err := d.fetchFile(ctx, url, local); err != nil {
			if errors.Is(err, errNotFound) {
				d.Log.Warn().Str("file", name).Msg("not found upstream")
				continue
			}
			d.Log.Error().Err(err).Str("file", name).Msg("download failed")
			continue
		}
		d.Log.Info().Str("file", name).Msg("downloaded")
	}

	return nil
}

func (d *Downloader) fetchFile(ctx context.Context, url, local string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.RetryWait), retriesPerDate), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := d.Client.Do(req)
		if err != nil {
			return fmt.Errorf("request archive: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			// fall through to write
		case resp.StatusCode == http.StatusNotFound:
			// Terminal for this date only.
			return backoff.Permanent(errNotFound)
		default:
			return fmt.Errorf("unexpected status %s", resp.Status)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read archive body: %w", err)
		}
		if err := os.WriteFile(local, body, 0o644); err != nil {
			return backoff.Permanent(fmt.Errorf("write %s: %w", local, err))
		}
		return nil
	}, policy)
}
