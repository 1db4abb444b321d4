// Package api wires the usage handlers into a gin HTTP server.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/usagehub/internal/api/handlers/management"
	"github.com/router-for-me/usagehub/internal/config"
	"github.com/router-for-me/usagehub/internal/logging"
	"github.com/router-for-me/usagehub/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Server is the HTTP front of the usage service.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	handler *management.Handler
}

// NewServer builds the router for plugin. queue may be nil.
func NewServer(cfg *config.Config, plugin storage.Plugin, queue *storage.WriteQueue) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	s := &Server{
		engine:  engine,
		handler: management.NewHandler(plugin, queue),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.handler
	s.engine.GET("/healthz", h.HealthCheck)

	v1 := s.engine.Group("/v1/usage")
	{
		v1.POST("/records", h.IngestUsageRecords)
		v1.POST("/records/batch", h.IngestUsageBatch)
		v1.GET("/records", h.GetUsageRecords)
		v1.GET("/records/:hash", h.GetUsageRecordByHash)
		v1.POST("/query", h.QueryUsage)

		v1.GET("/trend", h.GetUsageTrend)
		v1.GET("/top", h.GetTopUsage)
		v1.GET("/breakdown", h.GetCostBreakdown)
		v1.GET("/summary", h.GetUsageSummary)
		v1.GET("/projection", h.GetCostProjection)

		v1.GET("/retention", h.GetRetentionInfo)
		v1.POST("/retention/apply", h.ApplyRetentionPolicy)

		v1.POST("/export", h.ExportUsageData)
		v1.GET("/stats", h.GetStorageStats)
		v1.POST("/optimize", h.OptimizeStorage)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	log.Infof("usage API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
