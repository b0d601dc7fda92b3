package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/logging"
)

const (
	readHeaderTimeout = 2 * time.Second
	listenPrefix      = ":"
)

// Server owns the HTTP listener for the API.
type Server struct {
	server *http.Server
	logger *logrus.Entry
}

// NewServer constructs a server that serves handler on the provided port.
func NewServer(port int, handler http.Handler, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:              fmt.Sprintf("%s%d", listenPrefix, port),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "http_listen",
		"addr":  s.server.Addr,
	}).Info("starting http server")

	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("event", "http_stopped").Info("http server stopped")
			return nil
		}

		return fmt.Errorf("http server listen: %w", err)
	}

	s.logger.WithField("event", "http_stopped").Info("http server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}
