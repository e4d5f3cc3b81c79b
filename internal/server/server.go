// Package server hosts the HTTP surface of the connector service: the push
// notification endpoint Google delivers change signals to, plus health and
// readiness probes.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sergey-chuvayev/dust/internal/database"
	"github.com/sergey-chuvayev/dust/pkg/logger"
	syncpkg "github.com/sergey-chuvayev/dust/pkg/sync"
)

// Server is the HTTP server for webhook delivery and health checks.
type Server struct {
	config     *Config
	db         *database.Connection
	webhooks   *syncpkg.WebhookManager
	debouncer  *syncpkg.Debouncer
	logger     *logger.Logger
	httpServer *http.Server
	engine     *gin.Engine
}

// New creates the HTTP server.
func New(config *Config, db *database.Connection, webhooks *syncpkg.WebhookManager, debouncer *syncpkg.Debouncer, log *logger.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:    config,
		db:        db,
		webhooks:  webhooks,
		debouncer: debouncer,
		logger:    log,
		engine:    engine,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Address(),
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/readyz", s.handleReady)
	s.engine.POST("/webhooks/gdrive", s.handleDriveNotification)
}

// Start begins serving and blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.config.Address())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	s.debouncer.Stop()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unavailable",
			"database": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleDriveNotification receives Google Drive push notifications. The
// payload carries no change data, only channel identity headers; the
// notification's sole job is to schedule an incremental sync for the drive
// the channel watches. Responses are always 2xx for known-but-stale channels
// so Google stops retrying deliveries we have deliberately dropped.
func (s *Server) handleDriveNotification(c *gin.Context) {
	channelID := c.GetHeader("X-Goog-Channel-ID")
	resourceState := c.GetHeader("X-Goog-Resource-State")
	if channelID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	// The initial handshake message confirms channel creation; nothing to
	// sync yet.
	if resourceState == "sync" {
		c.Status(http.StatusOK)
		return
	}

	sub, err := s.webhooks.ResolveNotification(c.Request.Context(), channelID)
	if err != nil {
		s.logger.Error("failed to resolve notification channel %s: %v", channelID, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if sub == nil {
		// Unknown or expired channel. 404 tells Google to stop this channel.
		c.Status(http.StatusNotFound)
		return
	}

	s.logger.WithConnector(sub.ConnectorID.String(), sub.DriveID).
		Debug("drive notification received, state=%s", resourceState)
	s.debouncer.Notify(sub.ConnectorID, sub.DriveID)
	c.Status(http.StatusOK)
}

