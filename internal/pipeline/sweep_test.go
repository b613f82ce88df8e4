package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/adapter/store"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	payloads map[string]domain.ExportPayload
	err      error
	entered  chan struct{}
	release  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{payloads: make(map[string]domain.ExportPayload)}
}

func (f *fakeSink) Export(ctx context.Context, eventID string, payload domain.ExportPayload) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads[eventID] = payload
	return nil
}

func (f *fakeSink) get(eventID string) (domain.ExportPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[eventID]
	return p, ok
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var testSweepOptions = pipeline.SweepOptions{
	StationMaxAge: 15 * 24 * time.Hour,
	EventMaxAge:   90 * 24 * time.Hour,
	Software:      "amp-associator",
	Version:       "test",
}

func ingestDoc(t *testing.T, s *store.Store, code string, ts time.Time, lat, lon float64) {
	t.Helper()
	h, err := pipeline.NewAmplitudeHandler(s, 0, slog.Default(), newTestMetrics())
	require.NoError(t, err)
	_, err = h.Ingest(context.Background(), code+".xml", amplitudeDoc(code, ts, lat, lon))
	require.NoError(t, err)
}

func upsertOrigin(t *testing.T, s *store.Store, id string, at time.Time) domain.Event {
	t.Helper()
	ev, _, err := s.UpsertEvent(context.Background(), domain.EventDescriptor{
		EventID:     id,
		NetID:       "nc",
		Time:        at,
		Lat:         37.5,
		Lon:         -122.1,
		Depth:       8,
		Magnitude:   4.4,
		Description: "3 km N of Alpha",
	})
	require.NoError(t, err)
	return ev
}

func TestSweeper_Run(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	ctx := context.Background()

	ingestDoc(t, s, "ABC", t0, 37.5, -122.1)
	ingestDoc(t, s, "FAR", t0.Add(30*time.Second), 45.0, -122.1)    // ~830 km north
	ingestDoc(t, s, "OLD", t0.Add(-10*time.Minute), 37.5, -122.1) // before the window
	upsertOrigin(t, s, "nc1000", t0.Add(30*time.Second))

	sink := newFakeSink()
	metrics := newTestMetrics()
	sw := pipeline.NewSweeper(s, sink, testSweepOptions, slog.Default(), metrics)

	report, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.Events)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.StationsAssociated)
	assert.Equal(t, 1, report.ExportsWritten)
	assert.Zero(t, report.ExportsFailed)
	assert.Equal(t, int64(1), report.StationsDetached)
	assert.Equal(t, domain.PurgeResult{}, report.Purged)

	payload, ok := sink.get("nc1000")
	require.True(t, ok)
	assert.Equal(t, "FeatureCollection", payload.Type)
	assert.Equal(t, report.RunID, payload.RunID)
	assert.Equal(t, "nc1000", payload.Event.ID)
	assert.Equal(t, "2024-05-01T12:00:30.000000Z", payload.Event.Time)
	assert.Equal(t, domain.Software{Name: "amp-associator", Version: "test"}, payload.Software)
	require.Len(t, payload.Features, 1)
	props := payload.Features[0].Properties
	assert.Equal(t, "NC", props.NetworkCode)
	assert.Equal(t, "ABC", props.StationCode)
	assert.Equal(t, domain.DefaultProvider, props.Provider)
	assert.Len(t, props.Components, 3)
	require.NotNil(t, props.Components["HNE"].PGA)
	assert.InDelta(t, 1.0, props.Components["HNE"].PGA.Value, 1e-9)

	ev, err := s.EventByEventID(ctx, "nc1000")
	require.NoError(t, err)
	remaining, err := s.AssociatedStations(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining, "exported stations are detached")
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Exported)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.StationsAssociated), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Exports.WithLabelValues("written")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.SweepDuration))
}

func TestSweeper_Run_OverlappingEventsExportStationOnce(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	ctx := context.Background()

	ingestDoc(t, s, "ABC", t0, 37.5, -122.1)
	upsertOrigin(t, s, "nc1000", t0.Add(10*time.Second))
	upsertOrigin(t, s, "nc1001", t0.Add(20*time.Second))

	sink := newFakeSink()
	sw := pipeline.NewSweeper(s, sink, testSweepOptions, slog.Default(), newTestMetrics())

	report, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Events)
	assert.Equal(t, 1, report.StationsAssociated)
	assert.Equal(t, 1, report.ExportsWritten)

	_, ok := sink.get("nc1000")
	assert.True(t, ok, "earliest origin claims the station")
	_, ok = sink.get("nc1001")
	assert.False(t, ok)

	t.Run("next sweep finds nothing new", func(t *testing.T) {
		report, err := sw.Run(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Candidates)
		assert.Zero(t, report.StationsAssociated)
		assert.Zero(t, report.ExportsWritten)
	})
}

func TestSweeper_Run_ExportFailureKeepsAssociation(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	ctx := context.Background()

	ingestDoc(t, s, "ABC", t0, 37.5, -122.1)
	ev := upsertOrigin(t, s, "nc1000", t0.Add(30*time.Second))

	sink := newFakeSink()
	sink.setErr(errors.New("bucket unavailable"))
	metrics := newTestMetrics()
	sw := pipeline.NewSweeper(s, sink, testSweepOptions, slog.Default(), metrics)

	report, err := sw.Run(ctx)
	require.NoError(t, err, "per-event failures do not fail the sweep")
	assert.Equal(t, 1, report.ExportsFailed)
	assert.Equal(t, 1, report.EventsFailed)
	assert.Zero(t, report.StationsDetached)

	kept, err := s.AssociatedStations(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, kept, 1)

	t.Run("next sweep exports the kept stations", func(t *testing.T) {
		sink.setErr(nil)
		report, err := sw.Run(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.StationsAssociated, "already associated")
		assert.Equal(t, 1, report.ExportsWritten)

		payload, ok := sink.get("nc1000")
		require.True(t, ok)
		assert.Len(t, payload.Features, 1)
	})

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Exports.WithLabelValues("failed")), 0)
}

func TestSweeper_Run_NoStationsNoExport(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	upsertOrigin(t, s, "nc1000", t0)

	sink := newFakeSink()
	sw := pipeline.NewSweeper(s, sink, testSweepOptions, slog.Default(), newTestMetrics())

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Events)
	assert.Zero(t, report.ExportsWritten)
	_, ok := sink.get("nc1000")
	assert.False(t, ok)
}

func TestSweeper_Run_Retention(t *testing.T) {
	clk := freezeClock(t, t0)
	s := newTestStore(t)
	ctx := context.Background()

	ingestDoc(t, s, "ABC", t0, 10.0, 10.0)
	upsertOrigin(t, s, "nc-old", t0.Add(-91*24*time.Hour))
	clk.Advance(16 * 24 * time.Hour)
	ingestDoc(t, s, "NEW", clk.Now(), 10.0, 10.0)

	metrics := newTestMetrics()
	sw := pipeline.NewSweeper(s, newFakeSink(), testSweepOptions, slog.Default(), metrics)
	report, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PurgeResult{Stations: 1, Events: 1}, report.Purged)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Stations)
	assert.Zero(t, st.Events)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Purged.WithLabelValues("station")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Purged.WithLabelValues("event")), 0)
}

func TestSweeper_Run_Exclusive(t *testing.T) {
	freezeClock(t, t0)
	s := newTestStore(t)
	ingestDoc(t, s, "ABC", t0, 37.5, -122.1)
	upsertOrigin(t, s, "nc1000", t0.Add(30*time.Second))

	sink := newFakeSink()
	sink.entered = make(chan struct{})
	sink.release = make(chan struct{})
	sw := pipeline.NewSweeper(s, sink, testSweepOptions, slog.Default(), newTestMetrics())

	done := make(chan error, 1)
	go func() {
		_, err := sw.Run(context.Background())
		done <- err
	}()

	<-sink.entered
	_, err := sw.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrSweepRunning)

	close(sink.release)
	require.NoError(t, <-done)
}

func TestSweeper_Schedule(t *testing.T) {
	clk := freezeClock(t, t0)
	s := newTestStore(t)
	ingestDoc(t, s, "ABC", t0, 37.5, -122.1)
	upsertOrigin(t, s, "nc1000", t0.Add(30*time.Second))

	sink := newFakeSink()
	sink.entered = make(chan struct{}, 1)
	sink.release = make(chan struct{})
	close(sink.release)
	sw := pipeline.NewSweeper(s, sink, testSweepOptions, slog.Default(), newTestMetrics())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		sw.Schedule(ctx, time.Minute)
		close(stopped)
	}()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Minute)

	select {
	case <-sink.entered:
	case <-ctx.Done():
		t.Fatal("scheduled sweep did not run")
	}
	cancel()
	<-stopped
}
