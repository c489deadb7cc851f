package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estatehub/portal/common/logger"
)

// Server wraps HTTP server with graceful shutdown
type Server struct {
	httpServer      *http.Server
	log             *logger.Logger
	name            string
	shutdownTimeout time.Duration
	onShutdown      []func(context.Context) error
}

// New creates a new server
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:             log,
		name:            name,
		shutdownTimeout: 30 * time.Second,
	}
}

// OnShutdown registers a hook that runs after the listener has drained
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Start blocks until SIGINT/SIGTERM or ctx cancellation, then drains in-flight requests
func (s *Server) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())

	case <-ctx.Done():
		s.log.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("could not stop server: %w", err)
		}
	}

	for _, fn := range s.onShutdown {
		if err := fn(shutdownCtx); err != nil {
			s.log.Error("shutdown hook failed", "error", err)
		}
	}

	s.log.Info("shutdown complete")
	return nil
}
