// Package api provides the HTTP surface of the gateway: the
// OpenAI-compatible chat-completions and models endpoints, the queue and
// cancellation controls, capability discovery, usage counters, and health.
// The server wires Gin middleware for access logging, panic recovery,
// request logging, CORS, and API-key authentication.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/logging"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/state"
)

// Server is the HTTP front of the gateway.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// state is the shared application state.
	state *state.AppState

	// cfg holds the current server configuration.
	cfg *config.Config

	// requestLogger captures request/response bodies when enabled.
	requestLogger *logging.FileRequestLogger
}

// NewServer creates and initializes the API server: Gin engine, middleware
// chain, and routes.
func NewServer(st *state.AppState) *Server {
	cfg := st.Cfg
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLog())
	engine.Use(logging.Recovery())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, cfg.LogDir)
	engine.Use(requestLoggingMiddleware(requestLogger))

	engine.Use(corsMiddleware())
	engine.Use(AuthMiddleware(cfg))

	s := &Server{
		engine:        engine,
		state:         st,
		cfg:           cfg,
		requestLogger: requestLogger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes defines the endpoints and associates them with their handlers.
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.Root)
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.GET("/models", s.OpenAIModels)
		v1.POST("/cancel/:req_id", s.Cancel)
		v1.GET("/queue", s.QueueSnapshot)
	}

	capabilities := s.engine.Group("/api")
	{
		capabilities.GET("/model-capabilities", s.ModelCapabilities)
		capabilities.GET("/model-capabilities/:model", s.ModelCapabilityByID)
		capabilities.GET("/usage", s.Usage)
	}
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server stops.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// SetRequestLogEnabled flips request logging at runtime; called by the
// config watcher.
func (s *Server) SetRequestLogEnabled(enabled bool) {
	if s.requestLogger != nil {
		s.requestLogger.SetEnabled(enabled)
	}
}

// corsMiddleware adds CORS headers to every response, allowing cross-origin
// requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware authenticates requests with the configured API keys. With
// no keys configured every request passes. Excluded paths (and the built-in
// root and health endpoints) bypass authentication.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(cfg.APIKeys) == 0 || authExcluded(cfg, c.Request.URL.Path) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		apiKeyQuery, _ := c.GetQuery("key")
		if authHeader == "" && apiKeyQuery == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing API key", "type": "authentication_error"},
			})
			return
		}

		apiKey := authHeader
		if parts := strings.Split(authHeader, " "); len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			apiKey = parts[1]
		}

		for i := range cfg.APIKeys {
			if cfg.APIKeys[i] == apiKey || cfg.APIKeys[i] == apiKeyQuery {
				c.Set("apiKey", cfg.APIKeys[i])
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "invalid API key", "type": "authentication_error"},
		})
	}
}

func authExcluded(cfg *config.Config, path string) bool {
	if path == "/" || path == "/health" {
		return true
	}
	for _, excluded := range cfg.AuthExcludedPaths {
		if excluded == path || (strings.HasSuffix(excluded, "/*") && strings.HasPrefix(path, strings.TrimSuffix(excluded, "*"))) {
			return true
		}
	}
	return false
}
