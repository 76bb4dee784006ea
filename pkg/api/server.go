package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ServerConfig carries the HTTP listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ShutdownTimeout bounds graceful shutdown once the context is
	// cancelled.
	ShutdownTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Server is the gateway HTTP server. It serves all three surfaces from one
// listener and supports graceful shutdown.
type Server struct {
	server       *http.Server
	config       ServerConfig
	logger       *slog.Logger
	shutdownOnce sync.Once
}

// NewServer creates the server in a stopped state. Call Start to serve.
func NewServer(config ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
		logger: logger,
	}
}

// Start serves until the context is cancelled or the listener fails, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}
}

// Stop drains in-flight requests. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown: %w", err)
			s.logger.Error("shutdown error", "error", err)
		} else {
			s.logger.Info("server stopped")
		}
	})
	return shutdownErr
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
