package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/observability"
	"github.com/google/uuid"
)

// SweepStore is the store surface used by association and retention.
type SweepStore interface {
	ListEvents(ctx context.Context) ([]domain.Event, error)
	Associate(ctx context.Context, ev domain.Event) ([]domain.Candidate, error)
	AssociatedStations(ctx context.Context, eventRowID int64) ([]domain.Station, error)
	Detach(ctx context.Context, eventRowID int64) (int64, error)
	Purge(ctx context.Context, stationCutoff, eventCutoff time.Time) (domain.PurgeResult, error)
}

// ExportSink delivers an event's export payload, keyed by the event id.
type ExportSink interface {
	Export(ctx context.Context, eventID string, payload domain.ExportPayload) error
}

// SweepOptions configures a Sweeper.
type SweepOptions struct {
	StationMaxAge time.Duration
	EventMaxAge   time.Duration
	Software      string
	Version       string
	Provider      string
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	RunID              string             `json:"run_id"`
	StartedAt          time.Time          `json:"started_at"`
	Duration           time.Duration      `json:"duration_ns"`
	Events             int                `json:"events"`
	EventsFailed       int                `json:"events_failed"`
	Candidates         int                `json:"candidates"`
	StationsAssociated int                `json:"stations_associated"`
	ExportsWritten     int                `json:"exports_written"`
	ExportsFailed      int                `json:"exports_failed"`
	StationsDetached   int64              `json:"stations_detached"`
	Purged             domain.PurgeResult `json:"purged"`
}

// ErrSweepRunning is returned when a sweep is requested while one is in progress.
var ErrSweepRunning = errors.New("sweep already running")

// Sweeper runs association, export and retention over the event backlog.
type Sweeper struct {
	store   SweepStore
	sink    ExportSink
	opts    SweepOptions
	logger  *slog.Logger
	metrics *observability.Metrics
	mu      sync.Mutex
}

// NewSweeper creates a Sweeper.
func NewSweeper(store SweepStore, sink ExportSink, opts SweepOptions, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{store: store, sink: sink, opts: opts, logger: logger, metrics: metrics}
}

// Run performs one sweep. Events are processed by ascending origin time and
// each claims the unassociated stations in its window, so a station matching
// several origins goes to the earliest. Exported stations are detached and
// never claimed again; a failed export leaves them associated so the next
// sweep exports them again. A failure on one event never stops the others.
// Retention runs last.
func (s *Sweeper) Run(ctx context.Context) (report SweepReport, err error) {
	if !s.mu.TryLock() {
		return SweepReport{}, ErrSweepRunning
	}
	defer s.mu.Unlock()

	start := time.Now()
	report = SweepReport{RunID: uuid.NewString(), StartedAt: domain.Now()}
	logger := s.logger.With("run_id", report.RunID)
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.SweepDuration.Observe(report.Duration.Seconds())
	}()

	events, err := s.store.ListEvents(ctx)
	if err != nil {
		return report, fmt.Errorf("list events: %w", err)
	}
	report.Events = len(events)

	for _, ev := range events {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.sweepEvent(ctx, logger, ev, &report); err != nil {
			report.EventsFailed++
			logger.Error("sweep event failed", "event_id", ev.EventID, "error", err)
		}
	}

	now := domain.Now()
	purged, err := s.store.Purge(ctx, now.Add(-s.opts.StationMaxAge), now.Add(-s.opts.EventMaxAge))
	if err != nil {
		return report, fmt.Errorf("purge: %w", err)
	}
	report.Purged = purged
	s.metrics.Purged.WithLabelValues("station").Add(float64(purged.Stations))
	s.metrics.Purged.WithLabelValues("event").Add(float64(purged.Events))

	logger.Info("sweep complete",
		"events", report.Events,
		"events_failed", report.EventsFailed,
		"stations_associated", report.StationsAssociated,
		"exports_written", report.ExportsWritten,
		"exports_failed", report.ExportsFailed,
		"stations_purged", purged.Stations,
		"events_purged", purged.Events,
	)
	return report, nil
}

func (s *Sweeper) sweepEvent(ctx context.Context, logger *slog.Logger, ev domain.Event, report *SweepReport) error {
	candidates, err := s.store.Associate(ctx, ev)
	if err != nil {
		return fmt.Errorf("associate: %w", err)
	}
	report.Candidates += len(candidates)
	for _, c := range candidates {
		if !c.Accepted {
			continue
		}
		report.StationsAssociated++
		s.metrics.StationsAssociated.Inc()
		logger.Debug("station associated",
			"event_id", ev.EventID,
			"station", c.Station.Network+"."+c.Station.Code,
			"distance_km", c.DistanceKm,
			"travel_time", c.TravelTime,
			"residual", c.Residual,
		)
	}

	stations, err := s.store.AssociatedStations(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("load associated stations: %w", err)
	}
	if len(stations) == 0 {
		return nil
	}

	payload := domain.BuildExport(ev, stations, domain.ExportMeta{
		Software:    s.opts.Software,
		Version:     s.opts.Version,
		Provider:    s.opts.Provider,
		RunID:       report.RunID,
		ProcessTime: domain.Now(),
	})
	if err := s.sink.Export(ctx, ev.EventID, payload); err != nil {
		report.ExportsFailed++
		s.metrics.Exports.WithLabelValues("failed").Inc()
		return fmt.Errorf("export %d stations: %w", len(stations), err)
	}
	report.ExportsWritten++
	s.metrics.Exports.WithLabelValues("written").Inc()

	detached, err := s.store.Detach(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	report.StationsDetached += detached
	logger.Info("event exported", "event_id", ev.EventID, "stations", len(stations))
	return nil
}

// Schedule runs a sweep every interval until ctx is cancelled. Sweep errors
// are logged and the schedule continues.
func (s *Sweeper) Schedule(ctx context.Context, interval time.Duration) {
	ticker := domain.Clock().NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweep scheduled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
