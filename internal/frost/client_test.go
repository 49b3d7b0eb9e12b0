package frost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "", false, zerolog.Nop())
}

func TestIDRoundTrip(t *testing.T) {
	numeric, err := json.Marshal(RefTo(ParseID("42")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"@iot.id":42}`, string(numeric))

	str, err := json.Marshal(RefTo(ParseID("abc-1")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"@iot.id":"abc-1"}`, string(str))

	var ref Ref
	require.NoError(t, json.Unmarshal([]byte(`{"@iot.id":"x7"}`), &ref))
	assert.Equal(t, "x7", ref.ID.String())
	assert.False(t, ref.ID.IsZero())
}

func TestFindByNameEscapesQuotes(t *testing.T) {
	var filter atomic.Value
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter.Store(r.URL.Query().Get("$filter"))
		w.Write([]byte(`{"value":[{"@iot.id":7}]}`))
	}))

	id, found, err := c.FindByName(context.Background(), SetThings, "Station 'A'")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "7", id.String())
	assert.Equal(t, "name eq 'Station ''A'''", filter.Load())
}

func TestFindByNameNoMatch(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))

	_, found, err := c.FindByName(context.Background(), SetThings, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateIDFromLocationHeader(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Location", "http://store/v1.1/Things(42)")
		w.WriteHeader(http.StatusCreated)
	}))

	id, err := c.Create(context.Background(), SetThings, Thing{Name: "t"})
	require.NoError(t, err)
	assert.Equal(t, "42", id.String())
}

func TestCreateIDFromBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"@iot.id":"9f"}`))
	}))

	id, err := c.Create(context.Background(), SetSensors, Sensor{Name: "s"})
	require.NoError(t, err)
	assert.Equal(t, "9f", id.String())
}

func TestCreateErrorStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))

	_, err := c.Create(context.Background(), SetThings, Thing{Name: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestEnsureEntityReusesExisting(t *testing.T) {
	var posts atomic.Int64
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"@iot.id":99}`))
			return
		}
		w.Write([]byte(`{"value":[{"@iot.id":13}]}`))
	}))

	id, err := c.EnsureEntity(context.Background(), SetThings, "existing", Thing{Name: "existing"})
	require.NoError(t, err)
	assert.Equal(t, "13", id.String())
	assert.Equal(t, int64(0), posts.Load())
}

func TestEnsureEntityCreatesWhenAbsent(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"@iot.id":99}`))
			return
		}
		w.Write([]byte(`{"value":[]}`))
	}))

	id, err := c.EnsureEntity(context.Background(), SetThings, "fresh", Thing{Name: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, "99", id.String())
}

func TestLatestObservation(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("$top"))
		assert.Equal(t, "phenomenonTime desc", r.URL.Query().Get("$orderby"))
		w.Write([]byte(`{"value":[{"@iot.id":1,"phenomenonTime":"2024-01-01T10:00:00Z"}]}`))
	}))

	ts, found, err := c.LatestObservation(context.Background(), ParseID("5"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestLatestObservationIntervalAndNaive(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[{"phenomenonTime":"2024-01-01T10:00:00/2024-01-01T11:00:00"}]}`))
	}))

	ts, found, err := c.LatestObservation(context.Background(), ParseID("5"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestLatestObservationEmptyStream(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))

	_, found, err := c.LatestObservation(context.Background(), ParseID("5"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBearerTokenHeader(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{"value":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "secret", false, zerolog.Nop())
	_, _, err := c.FindByName(context.Background(), SetThings, "x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth.Load())
}

func TestDryRunSkipsPosts(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.Write([]byte(`{"value":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "", true, zerolog.Nop())

	id, err := c.Create(context.Background(), SetThings, Thing{Name: "t"})
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	require.NoError(t, c.PostObservation(context.Background(), Observation{
		PhenomenonTime: "2024-01-01T00:00:00Z",
		Result:         1,
		Datastream:     RefTo(id),
	}))
	assert.Equal(t, int64(0), posts.Load())
}
