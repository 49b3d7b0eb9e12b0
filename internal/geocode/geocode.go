// Package geocode resolves raw sensor coordinates into human-readable
// addresses through the Mapbox reverse-geocoding API. Lookups run on a
// bounded worker pool behind a process-lifetime cache; a retry/fallback
// cascade escapes sparse coverage and transient API failures.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"aerosync/internal/models"
)

const (
	// DefaultEndpoint is the Mapbox reverse-geocoding URL prefix.
	DefaultEndpoint = "https://api.mapbox.com/geocoding/v5/mapbox.places"

	defaultWorkers = 8
	maxAttempts    = 5
	requestTimeout = 12 * time.Second
	maxRetryAfter  = 60 * time.Second
	backoffBase    = 500 * time.Millisecond
)

// ErrUnauthorized aborts the whole resolution run: a bad credential will
// fail every remaining lookup too.
var ErrUnauthorized = errors.New("geocoding auth rejected")

// fallbackTypes are the category filters tried per cascade stage, narrow
// to none.
var fallbackTypes = []string{
	"address,street,neighborhood,locality,place,region,postcode,poi",
	"address,street,place,region,postcode",
	"",
}

// microOffsets nudge a point off polygon-gap coordinates, (dLon, dLat).
var microOffsets = [4][2]float64{{1e-4, 0}, {-1e-4, 0}, {0, 1e-4}, {0, -1e-4}}

// preflight reference point (central Moscow), known to always resolve.
const (
	preflightLon = 37.6175
	preflightLat = 55.7520
)

// Point is a cache key: a corrected coordinate pair in (lon, lat) order.
type Point struct {
	Lon, Lat float64
}

// Resolver maps coordinate pairs to addresses with caching and a bounded
// concurrent worker pool.
type Resolver struct {
	Client      *http.Client
	Endpoint    string
	Token       string
	Language    string
	Country     string
	Workers     int
	BackoffBase time.Duration
	Log         zerolog.Logger

	mu    sync.Mutex
	cache map[Point]*string
}

// New returns a Resolver with defaults matching the production pipeline.
func New(token, language, country string, workers int, log zerolog.Logger) *Resolver {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Resolver{
		Client:      &http.Client{Timeout: requestTimeout},
		Endpoint:    DefaultEndpoint,
		Token:       token,
		Language:    language,
		Country:     country,
		Workers:     workers,
		BackoffBase: backoffBase,
		Log:         log,
		cache:       map[Point]*string{},
	}
}

// LooksSwapped reports whether a (lat, lon) pair appears transposed:
// outside the plausible latitude/longitude bands, but inside both after a
// swap. Upstream data occasionally transposes the two fields.
func LooksSwapped(lat, lon float64) bool {
	latOK := lat >= 40 && lat <= 82
	lonOK := (lon >= 19 && lon <= 180) || (lon >= -180 && lon <= -169)
	latLikeLon := (lat >= 19 && lat <= 180) || (lat >= -180 && lat <= -169)
	lonLikeLat := lon >= 40 && lon <= 82
	return !(latOK && lonOK) && latLikeLon && lonLikeLat
}

// Correct applies the swap heuristic and returns the cache key.
func Correct(lat, lon float64) Point {
	if LooksSwapped(lat, lon) {
		return Point{Lon: lat, Lat: lon}
	}
	return Point{Lon: lon, Lat: lat}
}

// Preflight issues one known-good lookup and fails fast when it yields no
// address, signalling a bad credential before the bulk run burns budget.
func (r *Resolver) Preflight(ctx context.Context) error {
	addr, err := r.resolvePoint(ctx, Point{Lon: preflightLon, Lat: preflightLat})
	if err != nil {
		return err
	}
	if addr == nil {
		return errors.New("preflight lookup returned no address, check geocoding token")
	}
	return nil
}

// ResolveAll maps every row's coordinates to an address, positionally:
// result[i] belongs to rows[i], nil when unresolved. Identical corrected
// coordinates are looked up at most once per run.
func (r *Resolver) ResolveAll(ctx context.Context, rows []models.LocationRow) ([]*string, error) {
	results := make([]*string, len(rows))
	pending := map[Point][]int{}

	for i, row := range rows {
		if math.IsNaN(row.Lat) || math.IsNaN(row.Lon) || math.IsInf(row.Lat, 0) || math.IsInf(row.Lon, 0) {
			continue
		}
		p := Correct(row.Lat, row.Lon)
		if p.Lat != row.Lat {
			r.Log.Debug().
				Float64("lat", row.Lat).Float64("lon", row.Lon).
				Msg("coordinate pair looks swapped, corrected")
		}

		r.mu.Lock()
		addr, hit := r.cache[p]
		r.mu.Unlock()
		if hit {
			results[i] = addr
			continue
		}
		pending[p] = append(pending[p], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Workers)

	for p, idxs := range pending {
		p, idxs := p, idxs
		g.Go(func() error {
			addr, err := r.resolvePoint(gctx, p)
			if err != nil {
				return err
			}
			// Unresolved points are cached too, so the run never repeats
			// a futile lookup.
			r.mu.Lock()
			r.cache[p] = addr
			r.mu.Unlock()
			for _, i := range idxs {
				results[i] = addr
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// resolvePoint runs the full cascade for one point: category fallbacks with
// the country restriction, then without it, then at four micro-offsets with
// the restriction. First success wins.
func (r *Resolver) resolvePoint(ctx context.Context, p Point) (*string, error) {
	for _, types := range fallbackTypes {
		addr, err := r.reverseOnce(ctx, p.Lon, p.Lat, r.Country, types)
		if err != nil || addr != nil {
			return addr, err
		}
	}
	for _, types := range fallbackTypes {
		addr, err := r.reverseOnce(ctx, p.Lon, p.Lat, "", types)
		if err != nil || addr != nil {
			return addr, err
		}
	}
	for _, off := range microOffsets {
		for _, types := range fallbackTypes {
			addr, err := r.reverseOnce(ctx, p.Lon+off[0], p.Lat+off[1], r.Country, types)
			if err != nil || addr != nil {
				return addr, err
			}
		}
	}
	return nil, nil
}

type featureResponse struct {
	Features []struct {
		PlaceName string `json:"place_name"`
	} `json:"features"`
}

// reverseOnce performs one stage lookup with bounded retries. A nil, nil
// return means "no result at this stage": the caller moves on.
func (r *Resolver) reverseOnce(ctx context.Context, lon, lat float64, country, types string) (*string, error) {
	endpoint := fmt.Sprintf("%s/%s,%s.json",
		r.Endpoint,
		strconv.FormatFloat(lon, 'f', -1, 64),
		strconv.FormatFloat(lat, 'f', -1, 64))

	params := url.Values{}
	params.Set("access_token", r.Token)
	params.Set("language", r.Language)
	params.Set("limit", "1")
	if country != "" {
		params.Set("country", country)
	}
	if types != "" {
		params.Set("types", types)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.BackoffBase
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = maxRetryAfter
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		addr, retry, err := r.tryRequest(ctx, endpoint+"?"+params.Encode())
		if err != nil {
			return nil, err
		}
		if !retry.retryable {
			return addr, nil
		}

		wait := bo.NextBackOff()
		if retry.after > 0 {
			wait = retry.after
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, nil
}

type retryHint struct {
	retryable bool
	after     time.Duration
}

func (r *Resolver) tryRequest(ctx context.Context, fullURL string) (*string, retryHint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, retryHint{}, err
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retryHint{}, ctx.Err()
		}
		// Transport errors back off within the same attempt budget.
		return nil, retryHint{retryable: true}, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload featureResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, retryHint{retryable: true}, nil
		}
		if len(payload.Features) == 0 || payload.Features[0].PlaceName == "" {
			return nil, retryHint{}, nil
		}
		addr := payload.Features[0].PlaceName
		return &addr, retryHint{}, nil

	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return nil, retryHint{retryable: true, after: parseRetryAfter(resp.Header.Get("Retry-After"))}, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, retryHint{}, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)

	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		// Definitive negative result for this stage.
		return nil, retryHint{}, nil

	default:
		return nil, retryHint{retryable: true}, nil
	}
}

// parseRetryAfter honors a server-supplied delay hint, capped at 60 s.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
