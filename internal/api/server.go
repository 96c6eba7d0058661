// Package api exposes a small read-only HTTP surface over the running
// supervisor: health, cycle status, tracked positions and recent decisions.
// It never places or cancels orders.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-supervisor/config"
	"trading-supervisor/internal/circuit"
	"trading-supervisor/internal/store"
)

// StatusProvider is what the orchestrator exposes to the API.
type StatusProvider interface {
	Status() map[string]interface{}
}

// Server is the read-only status server.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	sink       store.Sink
	breaker    *circuit.Breaker
	status     StatusProvider
	logger     zerolog.Logger
}

func NewServer(cfg config.ServerConfig, sink store.Sink, breaker *circuit.Breaker, status StatusProvider, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		router:  router,
		sink:    sink,
		breaker: breaker,
		status:  status,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/decisions", s.handleDecisions)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	out := gin.H{}
	if s.status != nil {
		for k, v := range s.status.Status() {
			out[k] = v
		}
	}
	if s.breaker != nil {
		state, reason := s.breaker.Status()
		out["circuit_state"] = string(state)
		if reason != "" {
			out["circuit_reason"] = reason
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePositions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	positions := make([]store.PositionRecord, 0)
	for _, marketType := range []string{"spot", "futures"} {
		recs, err := s.sink.ListPositions(ctx, c.Query("mode"), marketType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		positions = append(positions, recs...)
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handleDecisions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	limit := 50
	if q := c.Query("limit"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &limit); err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}
	}
	recs, err := s.sink.ListRecentDecisions(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs, "count": len(recs)})
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("status API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting status API: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
