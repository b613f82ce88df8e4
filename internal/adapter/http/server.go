package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/adapter/store"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/pipeline"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxDocumentBytes bounds an uploaded amplitude document.
const maxDocumentBytes = 8 << 20

// Ingester merges one amplitude document.
type Ingester interface {
	Ingest(ctx context.Context, source string, data []byte) (domain.IngestResult, error)
}

// OriginUpserter stores one origin descriptor.
type OriginUpserter interface {
	Upsert(ctx context.Context, d domain.EventDescriptor) (domain.Event, bool, error)
}

// SweepRunner runs one association and retention sweep.
type SweepRunner interface {
	Run(ctx context.Context) (pipeline.SweepReport, error)
}

// EventReader reads stored events and their associated stations.
type EventReader interface {
	EventByEventID(ctx context.Context, eventID string) (domain.Event, error)
	AssociatedStations(ctx context.Context, eventRowID int64) ([]domain.Station, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Deps are the collaborators behind the operator API.
type Deps struct {
	Ready      sharedobs.ReadinessChecker
	Amplitudes Ingester
	Origins    OriginUpserter
	Sweeper    SweepRunner
	Events     EventReader
	Export     domain.ExportMeta // Software, Version and Provider stamped on previews
}

// Server exposes health, readiness, metrics and the operator API.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /v1 operator routes.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	r.GET("/healthz", gin.WrapF(sharedobs.LivenessHandler()))
	r.GET("/readyz", gin.WrapF(sharedobs.ReadinessHandler(deps.Ready)))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/amplitudes", s.handleIngest)
	v1.POST("/origins", s.handleOrigin)
	v1.POST("/sweeps", s.handleSweep)
	v1.GET("/events/:eventid/export", s.handleExport)
	v1.GET("/stats", s.handleStats)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// POST /v1/amplitudes
// - Body is one amplitude XML document
// - Source name from ?source= or the X-Source header
// - 201 when a station was created, 200 for merges, duplicates and skips
func (s *Server) handleIngest(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	source := c.Query("source")
	if source == "" {
		source = c.GetHeader("X-Source")
	}
	if source == "" {
		source = "http-upload"
	}

	result, err := s.deps.Amplitudes.Ingest(c.Request.Context(), source, data)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == domain.OutcomeInserted {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// POST /v1/origins
// - Body is one JSON event descriptor
// - 201 for a new event, 200 when an existing one was updated
func (s *Server) handleOrigin(c *gin.Context) {
	var d domain.EventDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	ev, inserted, err := s.deps.Origins.Upsert(c.Request.Context(), d)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	c.JSON(status, ev)
}

// POST /v1/sweeps runs one sweep synchronously and returns its report.
func (s *Server) handleSweep(c *gin.Context) {
	report, err := s.deps.Sweeper.Run(c.Request.Context())
	switch {
	case errors.Is(err, pipeline.ErrSweepRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("sweep request failed", "error", err, "run_id", report.RunID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run_id": report.RunID})
	default:
		c.JSON(http.StatusOK, report)
	}
}

// GET /v1/events/:eventid/export previews the payload the next export of the
// event would carry, built from its currently associated stations.
func (s *Server) handleExport(c *gin.Context) {
	ctx := c.Request.Context()
	ev, err := s.deps.Events.EventByEventID(ctx, c.Param("eventid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	stations, err := s.deps.Events.AssociatedStations(ctx, ev.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	meta := s.deps.Export
	meta.ProcessTime = domain.Now()
	c.Header("X-Object-Key", domain.ExportKey(ev.EventID))
	c.JSON(http.StatusOK, domain.BuildExport(ev, stations, meta))
}

// GET /v1/stats
func (s *Server) handleStats(c *gin.Context) {
	st, err := s.deps.Events.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// writeError maps domain and store errors onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domain.IsSkippable(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConstraint):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
