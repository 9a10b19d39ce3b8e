package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/pkg/circuitbreaker"
	"BrowserAgent/backend/go/pkg/httpmiddleware"
	"BrowserAgent/backend/go/pkg/logger"
	"BrowserAgent/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// Server wraps http.Server around a gin engine.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// ServerOption defines a function for configuring a Server.
type ServerOption func(*Server)

// WithAddress sets the address for the server to listen on.
func WithAddress(addr string) ServerOption {
	return func(s *Server) {
		s.httpServer.Addr = addr
	}
}

// NewServer creates a Server serving handler.
func NewServer(handler http.Handler, log *logger.Logger, opts ...ServerOption) *Server {
	srv := &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.httpServer.Addr == "" {
		srv.httpServer.Addr = ":8000"
	}
	return srv
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts the HTTP server. A normal shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.WithPayload(map[string]interface{}{"address": s.httpServer.Addr}).Info("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Guards builds the rate limiting and circuit breaking middleware enabled in cfg,
// in the order they should run.
func Guards(cfg config.MiddlewareConfig, log *logger.Logger) ([]gin.HandlerFunc, error) {
	var guards []gin.HandlerFunc

	if cfg.RateLimiter.Enabled {
		settings, err := rateLimiterSettings(cfg.RateLimiter)
		if err != nil {
			return nil, err
		}
		if cfg.RateLimiter.PerClient {
			keyed, err := ratelimiter.NewKeyed(settings)
			if err != nil {
				return nil, fmt.Errorf("failed to create rate limiter: %w", err)
			}
			guards = append(guards, httpmiddleware.RateLimitPerClient(keyed))
		} else {
			limiter, err := ratelimiter.New(settings)
			if err != nil {
				return nil, fmt.Errorf("failed to create rate limiter: %w", err)
			}
			guards = append(guards, httpmiddleware.RateLimit(limiter))
		}
		log.WithPayload(map[string]interface{}{
			"algorithm":  settings.Algorithm,
			"per_client": cfg.RateLimiter.PerClient,
		}).Info("Enabling rate limiter middleware")
	}

	if cfg.CircuitBreaker.Enabled {
		breaker, err := createCircuitBreaker(cfg.CircuitBreaker)
		if err != nil {
			return nil, err
		}
		log.Info("Enabling circuit breaker middleware")
		guards = append(guards, httpmiddleware.CircuitBreak(breaker))
	}
	return guards, nil
}

func rateLimiterSettings(cfg config.RateLimiterConfig) (ratelimiter.Settings, error) {
	s := ratelimiter.Settings{
		Algorithm: cfg.Algorithm,
		Rate:      cfg.Rate,
		Capacity:  cfg.Capacity,
		Limit:     cfg.Limit,
	}
	if s.Algorithm == "" {
		s.Algorithm = ratelimiter.AlgorithmTokenBucket
	}
	if s.Algorithm != ratelimiter.AlgorithmTokenBucket {
		window, err := time.ParseDuration(cfg.Window)
		if err != nil {
			return s, fmt.Errorf("invalid rate limiter window: %w", err)
		}
		s.Window = window
	}
	return s, nil
}

// createCircuitBreaker initializes a circuit breaker based on the configuration.
func createCircuitBreaker(cfg config.CircuitBreakerConfig) (circuitbreaker.CircuitBreaker, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
	}
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout), nil
}
