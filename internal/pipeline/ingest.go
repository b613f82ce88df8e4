package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
)

// AmplitudeStore merges parsed amplitude records.
type AmplitudeStore interface {
	IngestRecord(ctx context.Context, rec domain.AmplitudeRecord) (domain.IngestResult, error)
}

// OriginStore stores origin descriptors.
type OriginStore interface {
	UpsertEvent(ctx context.Context, d domain.EventDescriptor) (domain.Event, bool, error)
}

// AmplitudeHandler ingests amplitude documents. A bounded cache of content
// digests short-circuits byte-identical redeliveries; the store stays the
// authority on duplicates.
type AmplitudeHandler struct {
	store   AmplitudeStore
	seen    *lru.Cache[[sha256.Size]byte, struct{}]
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAmplitudeHandler creates a handler. A cacheSize of 0 disables the digest cache.
func NewAmplitudeHandler(store AmplitudeStore, cacheSize int, logger *slog.Logger, metrics *observability.Metrics) (*AmplitudeHandler, error) {
	h := &AmplitudeHandler{store: store, logger: logger, metrics: metrics}
	if cacheSize > 0 {
		cache, err := lru.New[[sha256.Size]byte, struct{}](cacheSize)
		if err != nil {
			return nil, err
		}
		h.seen = cache
	}
	return h, nil
}

// Handle implements Handler for the amplitude feed.
func (h *AmplitudeHandler) Handle(ctx context.Context, msg domain.RawMessage) error {
	_, err := h.Ingest(ctx, msg.SourceRef(), msg.Value)
	return err
}

// Ingest parses one amplitude document and merges it into the store. A
// document without usable time is reported as OutcomeNoTime with a nil error.
func (h *AmplitudeHandler) Ingest(ctx context.Context, source string, data []byte) (domain.IngestResult, error) {
	digest := sha256.Sum256(data)
	if h.seen != nil && h.seen.Contains(digest) {
		h.metrics.DedupCacheHits.Inc()
		h.metrics.IngestOutcomes.WithLabelValues(string(domain.OutcomeDuplicate)).Inc()
		h.logger.Debug("duplicate document skipped", "source", source)
		return domain.IngestResult{Source: source, Outcome: domain.OutcomeDuplicate}, nil
	}

	rec, err := domain.ParseAmplitudes(source, data)
	var missing *domain.MissingTimeError
	switch {
	case errors.As(err, &missing):
		h.metrics.IngestOutcomes.WithLabelValues(string(domain.OutcomeNoTime)).Inc()
		h.logger.Info("no time data, skipping document", "source", source)
		h.remember(digest)
		return domain.IngestResult{Source: source, Outcome: domain.OutcomeNoTime}, nil
	case err != nil:
		h.metrics.ParseErrors.Inc()
		h.metrics.IngestOutcomes.WithLabelValues("invalid").Inc()
		return domain.IngestResult{Source: source}, err
	}

	result, err := h.store.IngestRecord(ctx, rec)
	if err != nil {
		if domain.IsSkippable(err) {
			h.metrics.IngestOutcomes.WithLabelValues("invalid").Inc()
		} else {
			h.metrics.IngestOutcomes.WithLabelValues("error").Inc()
		}
		return result, err
	}

	h.remember(digest)
	h.metrics.IngestOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	h.logger.Debug("amplitude document ingested",
		"source", source,
		"outcome", result.Outcome,
		"station_id", result.StationID,
		"channels_inserted", result.ChannelsInserted,
		"measurements_inserted", result.MeasurementsInserted,
	)
	return result, nil
}

func (h *AmplitudeHandler) remember(digest [sha256.Size]byte) {
	if h.seen != nil {
		h.seen.Add(digest, struct{}{})
	}
}

// OriginHandler stores origin descriptors from the event feed.
type OriginHandler struct {
	store   OriginStore
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewOriginHandler creates an OriginHandler.
func NewOriginHandler(store OriginStore, logger *slog.Logger, metrics *observability.Metrics) *OriginHandler {
	return &OriginHandler{store: store, logger: logger, metrics: metrics}
}

// Handle implements Handler for the origin feed. Messages carry one JSON
// event descriptor.
func (h *OriginHandler) Handle(ctx context.Context, msg domain.RawMessage) error {
	var d domain.EventDescriptor
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		h.metrics.OriginsUpserted.WithLabelValues("invalid").Inc()
		return &domain.ParseError{Source: msg.SourceRef(), Err: err}
	}
	_, _, err := h.Upsert(ctx, d)
	return err
}

// Upsert stores one origin, updating an existing event matched by id or
// alternate id.
func (h *OriginHandler) Upsert(ctx context.Context, d domain.EventDescriptor) (domain.Event, bool, error) {
	ev, inserted, err := h.store.UpsertEvent(ctx, d)
	if err != nil {
		if domain.IsSkippable(err) {
			h.metrics.OriginsUpserted.WithLabelValues("invalid").Inc()
		}
		return ev, inserted, err
	}

	result := "updated"
	if inserted {
		result = "inserted"
	}
	h.metrics.OriginsUpserted.WithLabelValues(result).Inc()
	h.logger.Info("origin stored", "event_id", ev.EventID, "result", result, "time", ev.Time)
	return ev, inserted, nil
}
