package objectstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(baseURL, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func testPayload() domain.ExportPayload {
	ev := domain.Event{EventID: "us1000", Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Lat: 37.5, Lon: -122.1, Depth: 8, Magnitude: 4.4}
	st := domain.Station{
		Network: "NC", Code: "ABC", Name: "Alpha", Lat: 37.5, Lon: -122.1,
		Channels: []domain.Channel{{Name: "HNZ", PGMs: []domain.PGM{{IMT: domain.IMTPGA, Value: 1.2}}}},
	}
	return domain.BuildExport(ev, []domain.Station{st}, domain.ExportMeta{
		Software: "amp-associator", Version: "1.0.0", RunID: "run-1",
		ProcessTime: time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC),
	})
}

// memBucket is an in-memory object store speaking PUT and GET.
type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	queries []string
}

func (b *memBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, r.URL.RawQuery)
	switch r.Method {
	case http.MethodPut:
		if r.Header.Get(headerContentType) != contentTypeJSON {
			http.Error(w, "bad content type", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		b.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := b.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestClient_ExportAndFetch(t *testing.T) {
	bucket := &memBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	c := testClient(t, srv.URL+"/shakemap/?token=abc")
	ctx := context.Background()
	payload := testPayload()

	require.NoError(t, c.Export(ctx, "us1000", payload))

	stored, ok := bucket.objects["/shakemap/events/us1000/input/event.xml"]
	require.True(t, ok, "object written under the export key")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(stored, &decoded))
	assert.Equal(t, "FeatureCollection", decoded["type"])
	assert.Equal(t, "run-1", decoded["run_id"])

	got, err := c.Fetch(ctx, "us1000")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, []string{"token=abc", "token=abc"}, bucket.queries)
}

func TestClient_Fetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(&memBucket{objects: map[string][]byte{}})
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Export_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).Export(context.Background(), "us1000", testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "slow down")
}

func TestClient_Export_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, 50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Error(t, c.Export(context.Background(), "us1000", testPayload()))
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"s3://bucket", "://nope", "bucket"} {
		t.Run(raw, func(t *testing.T) {
			_, err := NewClient(raw, time.Second, slog.Default())
			assert.Error(t, err)
		})
	}
}
