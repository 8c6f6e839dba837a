package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/campusworker/internal/config"
)

// DrainFunc waits for background work to finish once the listener stopped
// accepting requests.
type DrainFunc func(ctx context.Context) error

const shutdownTimeout = 10 * time.Second

// Server owns the HTTP lifecycle and orchestrates graceful shutdown.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	drain      DrainFunc
	once       sync.Once
}

// New binds the listener configured in cfg to handler. drain, when set, runs
// after the listener shut down so in-flight worker events can complete.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler, drain DrainFunc) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With(slog.String("agent", "http_server")),
		httpServer: httpSrv,
		drain:      drain,
	}, nil
}

// Run serves until ctx is cancelled, then shuts the listener down and drains.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http listener starting", slog.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// shutdown runs at most once.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		shutdownErr = s.httpServer.Shutdown(ctx)
		if s.drain == nil {
			return
		}
		if err := s.drain(ctx); err != nil {
			s.logger.Warn("worker events still pending at shutdown", slog.Any("error", err))
			shutdownErr = errors.Join(shutdownErr, err)
		}
	})
	return shutdownErr
}
