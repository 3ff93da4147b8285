// Package api provides the HTTP API server implementation for the Pool
// Proxy API. It includes the main server struct, routing setup, middleware
// wiring for logging and connection tracking, and graceful shutdown that
// cancels every in-flight request.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	claudehandlers "github.com/router-for-me/PoolProxyAPI/internal/api/handlers/claude"
	geminihandlers "github.com/router-for-me/PoolProxyAPI/internal/api/handlers/gemini"
	managementhandlers "github.com/router-for-me/PoolProxyAPI/internal/api/handlers/management"
	"github.com/router-for-me/PoolProxyAPI/internal/api/middleware"
	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/logging"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
)

// Server is the HTTP API server for the proxy.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	registry   *connection.Registry
}

// NewServer assembles the Gin engine, wires the handlers, and prepares the
// HTTP server. shutdownCtx is the global shutdown context every request
// token derives from.
func NewServer(cfg *config.Config, pool *keypool.Pool, store *usage.Store, registry *connection.Registry, shutdownCtx context.Context) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Recovery outermost; the request logger runs inside the connection
	// middleware so it can tag lines with the connection id.
	engine := gin.New()
	engine.Use(logging.Recovery())
	engine.Use(middleware.ConnectionMonitor(registry))
	engine.Use(logging.RequestLogger())

	geminiHandler := geminihandlers.NewHandler(pool, store, registry, shutdownCtx)
	claudeHandler := claudehandlers.NewHandler(pool, store, registry, shutdownCtx)
	managementHandler := managementhandlers.NewHandler(pool, store, registry)

	// Gemini family: the URL encodes the upstream method; the openai
	// sub-path flips the dialect inside the handler.
	engine.POST("/v1beta/*path", geminiHandler.HandleProxy)
	engine.POST("/vertex/v1beta/*path", geminiHandler.HandleVertex)

	// Claude family.
	engine.POST("/v1/messages", claudeHandler.HandleWeb)
	engine.POST("/code/v1/messages", claudeHandler.HandleCode)
	engine.POST("/v1/chat/completions", claudeHandler.HandleOpenAI)

	// Management API.
	managementGroup := engine.Group("/v0/management", middleware.ManagementAuth(cfg.ManagementPassword))
	managementGroup.GET("/keys", managementHandler.ListKeys)
	managementGroup.POST("/keys", managementHandler.SubmitKey)
	managementGroup.DELETE("/keys", managementHandler.DeleteKey)
	managementGroup.GET("/connections", managementHandler.ListConnections)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		engine:   engine,
		registry: registry,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: engine,
		},
	}
}

// Run starts serving and blocks until the listener fails or the server is
// shut down.
func (s *Server) Run() error {
	log.Infof("API server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown cancels every live connection and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CancelAll()

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
