// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package wire exposes the message bus to remote clients over WebSocket.
//
// Clients send JSON text frames: {"type":"get_new_channel_id"} to allocate a
// channel and {"type":"invoke","channel_id":N,"to":"name","data":{...}} to
// invoke a plugin or the host. The server answers with binary frames; see
// EncodeNewChannel and EncodePayload for the layout.
package wire

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/psychehost/psyche/internal/bus"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// ReadLimit is the largest inbound frame accepted.
const ReadLimit = 16 * 1024

// Bus is the part of the message bus the server uses.
type Bus interface {
	EnqueueMessage(msg bus.Message)
	NewChannelID() int64
	RegisterCallback(channel int64, handler pluginapi.PayloadHandler)
	RemoveCallback(channel int64)
}

// Server accepts WebSocket clients.
type Server struct {
	addr           string
	bus            Bus
	logger         *slog.Logger
	originPatterns []string

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	conns    map[*conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOriginPatterns allows cross-origin browser clients whose origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, b Bus, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		bus:    b,
		logger: slog.Default(),
		conns:  make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return ErrListenFailed(s.addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wire server failed", "error", err)
		}
	}()

	s.logger.Info("wire server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting clients, closes every open connection and waits
// for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.http
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	s.logger.Info("wire server stopped", "closed_connections", len(conns))
	return err
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(ReadLimit)

	c := newConn(ws, s.bus, s.logger)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()

	c.logger.Info("connection opened", "remote", r.RemoteAddr)
	c.serve()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	ConnectionsActive.Dec()
	c.logger.Info("connection closed")
}
