// Package server exposes remedyd's HTTP surface: the signal webhook,
// a health check, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/ingest"
)

// Server is the HTTP server.
type Server struct {
	cfg     *config.Config
	echo    *echo.Echo
	handler ingest.Handler
	limiter *ingest.SenderLimiter
	logger  *zap.Logger
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// AcceptedResponse is the JSON response for an admitted signal.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// New creates the HTTP server. Signals POSTed to /v1/signals are
// dispatched to handler asynchronously.
func New(cfg *config.Config, handler ingest.Handler, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server requires a config")
	}
	if handler == nil {
		return nil, fmt.Errorf("server requires a signal handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	perSecond := float64(cfg.Ingest.WebhookRatePerMin) / 60.0
	s := &Server{
		cfg:     cfg,
		echo:    e,
		handler: handler,
		limiter: ingest.NewSenderLimiter(perSecond, cfg.Ingest.WebhookBurst),
		logger:  logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/v1/signals", s.handleSignal)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.cfg.Observability.ServiceName,
	})
}

// handleSignal admits a signal delivery. Malformed bodies are not
// rejected outright: whatever was sent is preserved as logs so even a
// broken sender leaves a classifiable trace. Only empty bodies get 400.
func (s *Server) handleSignal(c echo.Context) error {
	sender := c.Request().Header.Get("X-Sender")
	if sender == "" {
		sender = c.RealIP()
	}
	if !s.limiter.Allow(sender) {
		s.logger.Warn("signal delivery rate limited", zap.String("sender", sender))
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	}

	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "reading body"})
	}
	signal, ok := ingest.DecodeSignal(body, s.logger)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty signal"})
	}

	// Remediation may take a long time; do not hold the request open.
	ctx := context.WithoutCancel(c.Request().Context())
	go func() {
		if _, err := s.handler.HandleSignal(ctx, signal); err != nil {
			s.logger.Error("handling signal from webhook",
				zap.String("sender", sender),
				zap.Error(err),
			)
		}
	}()

	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

const maxSignalBody = 1 << 20 // 1 MiB

func readBody(c echo.Context) ([]byte, error) {
	r := http.MaxBytesReader(c.Response(), c.Request().Body, maxSignalBody)
	defer r.Close()
	return io.ReadAll(r)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()
	s.logger.Info("HTTP server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.cfg.Server.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes in tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
