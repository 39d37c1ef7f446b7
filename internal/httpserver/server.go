// Package httpserver exposes the ingestion and admin HTTP API of a pipeline.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/alerting"
	"github.com/tinytelemetry/beacon/internal/analyzer"
	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/pipeline"
	"github.com/tinytelemetry/beacon/internal/reporter"
)

// DefaultAddr is used when NewServer gets an empty address.
const DefaultAddr = "0.0.0.0:3000"

// Backend is the pipeline surface the API drives.
type Backend interface {
	CollectEntry(partial *model.LogEntry) *model.LogEntry
	RecordHTTPRequest(req metrics.HTTPRequest) bool
	RecordDatabaseQuery(q metrics.DatabaseQuery) bool
	RecordCacheOperation(op metrics.CacheOperation) bool
	RecordBusinessMetric(ev metrics.BusinessEvent) bool
	Stats(ctx context.Context) pipeline.Stats
	Entries() model.EntrySource
	Aggregator() *metrics.Aggregator
	Recorder() *metrics.Recorder
	Alerts() *alerting.Engine
	Reporter() *reporter.Reporter
	Batch() *analyzer.Batch
	Analyses() model.AnalysisStore
}

// Server provides the HTTP API of a beacon pipeline.
type Server struct {
	addr      string
	backend   Backend
	metrics   http.Handler
	logger    *zap.Logger
	now       func() time.Time
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. metricsHandler serves /metrics
// and may be nil.
func NewServer(addr string, backend Backend, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		backend:   backend,
		metrics:   metricsHandler,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/stats", s.handleStats)

	v1.POST("/logs", s.handleIngestLogs)
	v1.GET("/logs", s.handleListLogs)

	v1.GET("/metrics", s.handleMetricStats)
	v1.POST("/metrics/http", s.handleHTTPMetric)
	v1.POST("/metrics/db", s.handleDatabaseMetric)
	v1.POST("/metrics/cache", s.handleCacheMetric)
	v1.POST("/metrics/business", s.handleBusinessMetric)
	v1.GET("/recorder", s.handleGetRecorder)
	v1.PUT("/recorder", s.handleUpdateRecorder)

	v1.GET("/rules", s.handleListRules)
	v1.POST("/rules", s.handleCreateRule)
	v1.GET("/rules/:id", s.handleGetRule)
	v1.PUT("/rules/:id", s.handleUpdateRule)
	v1.DELETE("/rules/:id", s.handleDeleteRule)

	v1.GET("/alerts", s.handleListAlerts)
	v1.GET("/alerts/:id", s.handleGetAlert)
	v1.POST("/alerts/:id/acknowledge", s.handleAcknowledge)
	v1.POST("/alerts/:id/resolve", s.handleResolve)

	v1.POST("/reports", s.handleGenerateReport)
	v1.GET("/analyses", s.handleListAnalyses)
	v1.POST("/analyses/run", s.handleRunAnalysis)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = s.now()
	s.logger.Info("http api listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.backend.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         s.now().Sub(s.startTime).String(),
		"queued_logs":    stats.QueuedLogs,
		"queued_metrics": stats.QueuedMetrics,
		"active_alerts":  stats.ActiveAlerts,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Stats(c.Request.Context()))
}
