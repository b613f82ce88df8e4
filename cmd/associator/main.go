package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpadapter "github.com/couchcryptid/amp-association-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/amp-association-service/internal/adapter/kafka"
	"github.com/couchcryptid/amp-association-service/internal/adapter/objectstore"
	"github.com/couchcryptid/amp-association-service/internal/adapter/store"
	"github.com/couchcryptid/amp-association-service/internal/config"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/observability"
	"github.com/couchcryptid/amp-association-service/internal/pipeline"
)

const softwareName = "amp-associator"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.Association, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	sink, closeSink, err := newExportSink(cfg, logger)
	if err != nil {
		logger.Error("failed to create export sink", "error", err)
		os.Exit(1)
	}

	amplitudes, err := pipeline.NewAmplitudeHandler(db, cfg.DedupCacheSize, logger, metrics)
	if err != nil {
		logger.Error("failed to create amplitude handler", "error", err)
		os.Exit(1)
	}
	origins := pipeline.NewOriginHandler(db, logger, metrics)

	sweeper := pipeline.NewSweeper(db, sink, pipeline.SweepOptions{
		StationMaxAge: cfg.StationMaxAge,
		EventMaxAge:   cfg.EventMaxAge,
		Software:      softwareName,
		Version:       version,
		Provider:      cfg.ExportProvider,
	}, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Ready:      db,
		Amplitudes: amplitudes,
		Origins:    origins,
		Sweeper:    sweeper,
		Events:     db,
		Export:     domain.ExportMeta{Software: softwareName, Version: version, Provider: cfg.ExportProvider},
	}, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	var wg sync.WaitGroup
	var readers []io.Closer

	// Start feed pipelines.
	if cfg.KafkaEnabled {
		ampReader := kafkaadapter.NewReader(cfg, cfg.KafkaAmplitudeTopic, logger)
		originReader := kafkaadapter.NewReader(cfg, cfg.KafkaOriginTopic, logger)
		readers = append(readers, ampReader, originReader)

		feeds := []*pipeline.Pipeline{
			pipeline.New("amplitude", ampReader, amplitudes, logger, metrics, cfg.BatchSize),
			pipeline.New("origin", originReader, origins, logger, metrics, cfg.BatchSize),
		}
		for _, p := range feeds {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.Run(ctx); err != nil {
					logger.Error("pipeline error", "error", err)
				}
			}()
		}
	} else {
		logger.Info("kafka ingestion disabled, accepting documents over http only")
	}

	// Start sweep schedule.
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Schedule(ctx, cfg.SweepInterval)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	wg.Wait()
	for _, r := range readers {
		if err := r.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if err := closeSink(); err != nil {
		logger.Error("export sink close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// newExportSink builds the configured sink and a function releasing it.
func newExportSink(cfg *config.Config, logger *slog.Logger) (pipeline.ExportSink, func() error, error) {
	switch cfg.ExportSink {
	case config.SinkHTTP:
		client, err := objectstore.NewClient(cfg.ExportBucketURL, cfg.ExportTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("exporting to object store", "timeout", cfg.ExportTimeout)
		return client, func() error { return nil }, nil
	default:
		writer := kafkaadapter.NewWriter(cfg, logger)
		logger.Info("exporting to kafka", "topic", cfg.KafkaExportTopic)
		return writer, writer.Close, nil
	}
}
