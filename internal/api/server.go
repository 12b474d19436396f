// Package api exposes a read-only HTTP surface over the bot's state:
// health, status, active groups and the stop modification log. There is no
// mutating endpoint; trading is driven by signals, not by the API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"triad-trading-bot/config"
	"triad-trading-bot/internal/broker"
	"triad-trading-bot/internal/ledger"
)

// BotStatus is the slice of the bot the API is allowed to see.
type BotStatus interface {
	Status() map[string]interface{}
}

// HealthCheck probes one dependency. A nil return means healthy.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.APIConfig
	ledger     *ledger.Ledger
	limiter    *broker.RateLimiter
	bot        BotStatus
	checks     []namedCheck
	logger     zerolog.Logger
}

// NewServer creates the API server. limiter and bot may be nil; the
// corresponding status sections are omitted.
func NewServer(cfg config.APIConfig, led *ledger.Ledger, limiter *broker.RateLimiter, bot BotStatus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := splitOrigins(cfg.AllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		cfg:     cfg,
		ledger:  led,
		limiter: limiter,
		bot:     bot,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

// AddHealthCheck registers a dependency probe reported by /health.
// Register before Start.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/groups", s.handleGroups)
		api.GET("/groups/:id", s.handleGroup)
		api.GET("/positions/:magic/stops", s.handleStopModifications)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server starting")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()
	return nil
}

// splitOrigins parses the comma-separated allowed-origins setting.
func splitOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
