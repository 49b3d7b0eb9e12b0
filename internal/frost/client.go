package frost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Client talks to one SensorThings store.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	DryRun  bool
	Log     zerolog.Logger

	dryRunSeq atomic.Int64
}

// NewClient builds a client for the given store base URL. An empty token
// disables the Authorization header.
func NewClient(baseURL, token string, dryRun bool, log zerolog.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultTimeout},
		DryRun:  dryRun,
		Log:     log,
	}
}

type queryResponse struct {
	Value []struct {
		ID             ID     `json:"@iot.id"`
		PhenomenonTime string `json:"phenomenonTime"`
	} `json:"value"`
}

// FindFirst returns the id of the first entity in a set matching the OData
// filter expression.
func (c *Client) FindFirst(ctx context.Context, set, filter string) (ID, bool, error) {
	params := url.Values{}
	params.Set("$filter", filter)

	var payload queryResponse
	if err := c.get(ctx, "/"+set+"?"+params.Encode(), &payload); err != nil {
		return ID{}, false, err
	}
	if len(payload.Value) == 0 {
		return ID{}, false, nil
	}
	return payload.Value[0].ID, true, nil
}

// FindByName looks an entity up by its name, the idempotency key.
func (c *Client) FindByName(ctx context.Context, set, name string) (ID, bool, error) {
	escaped := strings.ReplaceAll(name, "'", "''")
	return c.FindFirst(ctx, set, fmt.Sprintf("name eq '%s'", escaped))
}

// EnsureEntity returns the id of the entity with the given name, creating
// it only when no entity of that name exists yet. Safe to re-run: for a
// given name at most one entity ever exists.
func (c *Client) EnsureEntity(ctx context.Context, set, name string, entity any) (ID, error) {
	id, found, err := c.FindByName(ctx, set, name)
	if err != nil {
		return ID{}, fmt.Errorf("check existing %s %q: %w", set, name, err)
	}
	if found {
		c.Log.Debug().Str("set", set).Str("name", name).Str("id", id.String()).
			Msg("reusing existing entity")
		return id, nil
	}
	return c.Create(ctx, set, entity)
}

// Create posts a new entity and returns the server-assigned id, taken from
// the Location response header when present, otherwise from the body.
func (c *Client) Create(ctx context.Context, set string, entity any) (ID, error) {
	if c.DryRun {
		id := ParseID(fmt.Sprintf("dry-run-%d", c.dryRunSeq.Add(1)))
		c.Log.Info().Str("set", set).Msg("dry-run: simulated entity id")
		return id, nil
	}

	body, err := json.Marshal(entity)
	if err != nil {
		return ID{}, fmt.Errorf("encode %s: %w", set, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+set, bytes.NewReader(body))
	if err != nil {
		return ID{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return ID{}, fmt.Errorf("create %s: %w", set, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ID{}, fmt.Errorf("create %s: status %s: %s", set, resp.Status, strings.TrimSpace(string(msg)))
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		if open := strings.LastIndex(loc, "("); open >= 0 && strings.HasSuffix(loc, ")") {
			return ParseID(loc[open+1 : len(loc)-1]), nil
		}
	}

	var created struct {
		ID ID `json:"@iot.id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID.IsZero() {
		return ID{}, fmt.Errorf("create %s: response carries no id", set)
	}
	return created.ID, nil
}

// LatestObservation returns the most recent phenomenon time the store holds
// for a datastream, if any.
func (c *Client) LatestObservation(ctx context.Context, datastream ID) (time.Time, bool, error) {
	params := url.Values{}
	params.Set("$top", "1")
	params.Set("$orderby", "phenomenonTime desc")
	path := fmt.Sprintf("/Datastreams(%s)/Observations?%s", datastream.String(), params.Encode())

	var payload queryResponse
	if err := c.get(ctx, path, &payload); err != nil {
		return time.Time{}, false, err
	}
	if len(payload.Value) == 0 || payload.Value[0].PhenomenonTime == "" {
		return time.Time{}, false, nil
	}

	raw := payload.Value[0].PhenomenonTime
	// Interval values carry start/end; the start bounds dedup.
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	ts, err := parsePhenomenonTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse phenomenon time %q: %w", raw, err)
	}
	return ts, true, nil
}

// PostObservation uploads one observation.
func (c *Client) PostObservation(ctx context.Context, obs Observation) error {
	if c.DryRun {
		c.Log.Debug().Str("time", obs.PhenomenonTime).Msg("dry-run: would post observation")
		return nil
	}

	body, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+SetObservations, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post observation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post observation: status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

var phenomenonLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// parsePhenomenonTime accepts zoned and naive timestamps; naive values are
// taken as UTC, matching the store's convention.
func parsePhenomenonTime(raw string) (time.Time, error) {
	for _, layout := range phenomenonLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized format")
}
