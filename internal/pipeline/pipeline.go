package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// BatchExtractor reads up to batchSize raw messages from a feed.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// Handler applies one message. Errors for which domain.IsSkippable holds are
// logged and committed; any other error is retried with backoff.
type Handler interface {
	Handle(ctx context.Context, msg domain.RawMessage) error
}

// Pipeline drives one feed: extract a batch, handle each message in order,
// commit each offset once its message is settled.
type Pipeline struct {
	feed      string
	extractor BatchExtractor
	handler   Handler
	logger    *slog.Logger
	metrics   *observability.Metrics
	batchSize int
}

// New creates a Pipeline for the named feed.
func New(feed string, e BatchExtractor, h Handler, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		feed:      feed,
		extractor: e,
		handler:   h,
		logger:    logger.With("feed", feed),
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// Run executes the batch loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.WithLabelValues(p.feed).Set(1)
	defer p.metrics.PipelineRunning.WithLabelValues(p.feed).Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one extract-handle-commit cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	// Messages fetched before an extract error are already past the reader's
	// position, so they are settled before backing off.
	batch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err, "fetched", len(batch))
		if len(batch) == 0 {
			return p.backoffOrStop(ctx, backoff)
		}
	}

	if len(batch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.MessagesConsumed.WithLabelValues(p.feed).Add(float64(len(batch)))
	p.metrics.BatchSize.WithLabelValues(p.feed).Observe(float64(len(batch)))
	*backoff = initialBackoff

	for _, msg := range batch {
		if !p.settle(ctx, msg, backoff) {
			return false
		}
	}

	p.metrics.BatchProcessingDuration.WithLabelValues(p.feed).Observe(time.Since(start).Seconds())
	return true
}

// settle handles msg until it succeeds or is skippable, then commits it.
// Offsets commit in order, so a failing message blocks the ones after it.
// Returns false if the pipeline should stop.
func (p *Pipeline) settle(ctx context.Context, msg domain.RawMessage, backoff *time.Duration) bool {
	for {
		err := p.handler.Handle(ctx, msg)
		switch {
		case err == nil:
		case domain.IsSkippable(err):
			p.logger.Warn("skipping message",
				"error", err,
				"source", msg.SourceRef(),
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		default:
			if ctx.Err() != nil {
				return false
			}
			p.logger.Error("handle message failed, retrying",
				"error", err,
				"source", msg.SourceRef(),
				"offset", msg.Offset,
				"backoff", *backoff,
			)
			if !p.backoffOrStop(ctx, backoff) {
				return false
			}
			continue
		}

		*backoff = initialBackoff
		p.commitOffset(ctx, msg)
		return true
	}
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !retry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, msg domain.RawMessage) {
	if msg.Commit == nil {
		return
	}
	if err := msg.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}
