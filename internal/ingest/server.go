// Package ingest hosts the HTTP surface of the queue: the signed result
// callback detached workers post to, and a token-gated admin API for
// inspecting and canceling tasks. The ingest is stateless; every request is
// one store round-trip, which keeps it safe to run in multiple replicas.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/infra/observability"
	"gridq/internal/shared/logging"
)

// Config carries the server's settings.
type Config struct {
	// ListenAddr is the bind address, e.g. ":8112".
	ListenAddr string

	// Secret is the shared HMAC key result envelopes are signed with.
	// Empty means every callback is rejected.
	Secret string

	// AdminToken guards the /api surface. Empty disables the admin API
	// entirely; the callback and health endpoints stay up.
	AdminToken string

	// WatchInterval is the cadence of websocket status pushes.
	WatchInterval time.Duration

	Debug bool
}

// Server is the ingest HTTP server.
type Server struct {
	store      taskdomain.Store
	config     Config
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds the ingest server and wires its routes.
func NewServer(store taskdomain.Store, cfg Config, logger logging.Logger, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) *Server {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 2 * time.Second
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", SignatureHeader}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		store:   store,
		config:  cfg,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		tracer:  tracer,
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.POST("/v1/task-result", s.handleTaskResult)

	if s.config.AdminToken == "" {
		s.logger.Warn("admin API disabled: %s not set", "GRIDQ_ADMIN_TOKEN")
		return
	}
	api := s.engine.Group("/api", s.requireAdminToken)
	{
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/stats", s.handleStats)
		api.GET("/tasks/watch", s.handleWatch)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)
	}
}

// Handler exposes the gin engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("ingest server listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ingest server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleTaskResult finalizes a detached task from a signed result envelope.
// The signature covers the raw body bytes; verification happens before any
// decoding so malformed bodies cannot probe the store.
func (s *Server) handleTaskResult(c *gin.Context) {
	ctx, span := s.tracer.StartSpan(c.Request.Context(), observability.SpanIngestResult)
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unreadable body"})
		return
	}

	sig := c.GetHeader(SignatureHeader)
	if !VerifySignature(s.config.Secret, body, sig) {
		s.recordCallback(ctx, span, "rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "bad signature"})
		return
	}

	var envelope ResultEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid json"})
		return
	}
	if envelope.TaskID == "" || envelope.LeasedBy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "task_id and leased_by are required"})
		return
	}
	span.SetAttributes(attribute.String(observability.AttrTaskID, envelope.TaskID))

	if envelope.OK {
		result := envelope.Result
		if result == nil {
			result = taskdomain.Document{"ok": true}
		}
		applied, err := s.store.MarkDone(ctx, envelope.TaskID, envelope.LeasedBy, result)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store error"})
			return
		}
		if !applied {
			// Stale leaseholder or already finalized: the row stays as it
			// was and the worker gets the same answer as on first delivery.
			s.logger.Info("callback for task %s from %s not applied (stale or duplicate)",
				envelope.TaskID, envelope.LeasedBy)
		}
		s.recordCallback(ctx, span, "done")
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": "done"})
		return
	}

	errText := envelope.Error
	if errText == "" {
		errText = "unknown error"
	}
	applied, err := s.store.MarkFailed(ctx, envelope.TaskID, envelope.LeasedBy, errText, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store error"})
		return
	}
	if !applied {
		s.logger.Info("failure callback for task %s from %s not applied (stale or duplicate)",
			envelope.TaskID, envelope.LeasedBy)
	}
	s.recordCallback(ctx, span, "failed")
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": "failed"})
}

func (s *Server) recordCallback(ctx context.Context, span trace.Span, outcome string) {
	span.SetAttributes(observability.StatusAttrs(outcome)...)
	if s.metrics != nil {
		s.metrics.RecordCallback(ctx, outcome)
	}
}
