// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves the webhook endpoint on a TCP listener. It manages
// listener lifecycle and graceful shutdown; routing is a single
// endpoint, POST /webhooks/github.
//
// Serve(ctx) blocks until the context is cancelled and in-flight
// requests drain.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// shutdownTimeout bounds the wait for active requests after the
	// context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed once the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// ServerConfig configures a webhook Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g. "127.0.0.1:9137").
	// Required.
	Address string

	// Handler processes webhook deliveries. Required.
	Handler *Handler

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10
	// seconds if zero.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a server that will listen on the configured
// address. Call Serve to start accepting connections.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("webhook: Address is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("webhook: Handler is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("webhook: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/github", config.Handler)

	return &Server{
		address:         config.Address,
		handler:         mux,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}, nil
}

// Ready returns a channel closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed; with a port-0 address this carries the assigned port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully: no new connections, up to ShutdownTimeout for active
// requests.
func (s *Server) Serve(ctx context.Context) error {
	// Bind early so readiness can be signalled before the serve
	// loop starts.
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Webhook payloads are small; these timeouts only guard
		// against slow clients holding connections open.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook server shutdown: %w", err)
	}

	s.logger.Info("webhook server stopped")
	return nil
}
