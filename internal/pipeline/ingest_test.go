package pipeline_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/adapter/store"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", "file::memory:", domain.DefaultWindow(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func freezeClock(t *testing.T, at time.Time) *clockwork.FakeClock {
	t.Helper()
	clk := clockwork.NewFakeClockAt(at)
	domain.SetClock(clk)
	t.Cleanup(func() { domain.SetClock(nil) })
	return clk
}

// amplitudeDoc renders a three-component amplitude document for station
// NC.<code> observed at ts.
func amplitudeDoc(code string, ts time.Time, lat, lon float64) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="ISO-8859-1"?>
<amplitudes agency="NC">
  <record>
    <timing>
      <reference zone="GMT"><PGMTime>%s</PGMTime></reference>
    </timing>
    <station code="%s" name="Station %s" lat="%g" lon="%g" net="NC"/>
    <component name="HNE"><pga value="9.81"/><pgv value="1.5"/><sa period="0.3" value="4.905"/></component>
    <component name="HNN"><pga value="19.62"/><pgv value="2.5"/><sa period="1.0" value="0.981"/></component>
    <component name="HNZ"><pga value="4.905"/><pgv value="0.5"/><sa period="3.0" value="0.0981"/></component>
  </record>
</amplitudes>`, ts.UTC().Format(domain.TimeLayout), code, code, lat, lon))
}

const noTimeDoc = `<amplitudes agency="NC">
  <record>
    <station code="ABC" name="Alpha" lat="37.5" lon="-122.1" net="NC"/>
    <component name="HNZ"><pga value="1.0"/></component>
  </record>
</amplitudes>`

func TestAmplitudeHandler_Ingest(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	metrics := newTestMetrics()
	h, err := pipeline.NewAmplitudeHandler(s, 16, slog.Default(), metrics)
	require.NoError(t, err)
	ctx := context.Background()
	doc := amplitudeDoc("ABC", t0, 37.5, -122.1)

	res, err := h.Ingest(ctx, "nc_abc.xml", doc)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInserted, res.Outcome)
	assert.Equal(t, 3, res.ChannelsInserted)
	assert.Equal(t, 9, res.MeasurementsInserted)

	t.Run("identical bytes hit the digest cache", func(t *testing.T) {
		res, err := h.Ingest(ctx, "nc_abc.xml", doc)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.DedupCacheHits), 0)
	})

	t.Run("same content under new bytes is a store duplicate", func(t *testing.T) {
		res, err := h.Ingest(ctx, "nc_abc_copy.xml", append(append([]byte(nil), doc...), '\n'))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.DedupCacheHits), 0)
	})

	t.Run("a report seconds later merges", func(t *testing.T) {
		later := []byte(`<amplitudes agency="NC"><record>
  <timing><reference><PGMTime>` + t0.Add(4*time.Second).Format(domain.TimeLayout) + `</PGMTime></reference></timing>
  <station code="ABC" name="Station ABC" lat="37.5" lon="-122.1" net="NC"/>
  <component name="HNZ"><sa period="0.3" value="1.0"/></component>
</record></amplitudes>`)
		res, err := h.Ingest(ctx, "nc_abc_late.xml", later)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeMerged, res.Outcome)
		assert.Equal(t, 0, res.ChannelsInserted)
		assert.Equal(t, 1, res.MeasurementsInserted)
	})

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.IngestOutcomes.WithLabelValues("inserted")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.IngestOutcomes.WithLabelValues("duplicate")), 0)
}

func TestAmplitudeHandler_CacheDisabled(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	metrics := newTestMetrics()
	h, err := pipeline.NewAmplitudeHandler(s, 0, slog.Default(), metrics)
	require.NoError(t, err)
	doc := amplitudeDoc("ABC", t0, 37.5, -122.1)

	for range 2 {
		_, err := h.Ingest(context.Background(), "nc_abc.xml", doc)
		require.NoError(t, err)
	}
	assert.Zero(t, testutil.ToFloat64(metrics.DedupCacheHits))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.IngestOutcomes.WithLabelValues("duplicate")), 0)
}

func TestAmplitudeHandler_Errors(t *testing.T) {
	s := newTestStore(t)
	metrics := newTestMetrics()
	h, err := pipeline.NewAmplitudeHandler(s, 16, slog.Default(), metrics)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("no time is a soft skip", func(t *testing.T) {
		res, err := h.Ingest(ctx, "nc_notime.xml", []byte(noTimeDoc))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeNoTime, res.Outcome)
	})

	t.Run("malformed XML is skippable", func(t *testing.T) {
		_, err := h.Ingest(ctx, "broken.xml", []byte("<amplitudes><record>"))
		require.Error(t, err)
		var pe *domain.ParseError
		require.ErrorAs(t, err, &pe)
		assert.True(t, domain.IsSkippable(err))
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.ParseErrors), 0)
	})

	t.Run("Handle names the message in errors", func(t *testing.T) {
		err := h.Handle(ctx, domain.RawMessage{
			Value:   []byte("not xml"),
			Headers: map[string]string{"source": "upload-42.xml"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upload-42.xml")
	})

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Stations)
}

func TestOriginHandler_Handle(t *testing.T) {
	s := newTestStore(t)
	metrics := newTestMetrics()
	h := pipeline.NewOriginHandler(s, slog.Default(), metrics)
	ctx := context.Background()

	msg := func(body string) domain.RawMessage {
		return domain.RawMessage{Key: []byte("us1000"), Value: []byte(body)}
	}

	require.NoError(t, h.Handle(ctx, msg(`{"eventid":"us1000","netid":"us","time":"2024-05-01T12:01:00Z","latitude":37.5,"longitude":-122.1,"depth":10,"magnitude":4.5,"locstring":"Near Alpha"}`)))
	require.NoError(t, h.Handle(ctx, msg(`{"eventid":"nc2000","ids":["us1000"],"netid":"nc","time":"2024-05-01T12:01:01Z","latitude":37.6,"longitude":-122.0,"depth":8,"magnitude":4.6}`)))

	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "nc2000", events[0].EventID)
	assert.InDelta(t, 4.6, events[0].Magnitude, 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.OriginsUpserted.WithLabelValues("inserted")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.OriginsUpserted.WithLabelValues("updated")), 0)

	t.Run("invalid JSON is skippable", func(t *testing.T) {
		err := h.Handle(ctx, msg(`{"eventid":`))
		require.Error(t, err)
		assert.True(t, domain.IsSkippable(err))
	})

	t.Run("missing eventid is skippable", func(t *testing.T) {
		err := h.Handle(ctx, msg(`{"time":"2024-05-01T12:01:00Z","latitude":1,"longitude":2}`))
		require.Error(t, err)
		assert.True(t, domain.IsSkippable(err))
	})

	assert.InDelta(t, 2, testutil.ToFloat64(metrics.OriginsUpserted.WithLabelValues("invalid")), 0)
}
