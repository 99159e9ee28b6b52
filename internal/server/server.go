// Package server exposes token-keeper's admin API and OAuth connect flow over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"token-keeper/internal/common/logging"
)

// Server represents an HTTP server
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
	errs    chan error
	logger  logging.Logger
}

// New creates a new server instance
func New(handler http.Handler, port, tlsCert, tlsKey string, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Server{
		srv: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// Admin refreshes can sit through a full retry cycle.
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
		errs:    make(chan error, 1),
		logger:  logger.WithFields(logging.String("component", "http_server")),
	}
}

// Start begins serving in the background. A listener failure is reported on Errors.
func (s *Server) Start() error {
	serve := s.srv.ListenAndServe
	if s.tlsCert != "" && s.tlsKey != "" {
		s.srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		serve = func() error {
			return s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
		}
	}

	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped unexpectedly", err)
			s.errs <- err
		}
	}()

	s.logger.Info("HTTP server listening",
		logging.String("addr", s.srv.Addr),
		logging.Bool("tls", s.tlsCert != ""))
	return nil
}

// Errors delivers the error that stopped the listener, if any.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
