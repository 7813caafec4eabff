// Package mirrorserver exposes a remote.Mirror backend over HTTP so devices
// can share one document per identity.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/documents/{id}        raw document, 404 when absent
//	PUT  /v1/documents/{id}        body: document sections
//	GET  /v1/documents/{id}/watch  websocket, one text message per change
//
// Document routes require "Authorization: Bearer <jwt>" whose subject is
// {id}, unless the server runs without a secret.
package mirrorserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/remote"
)

// ErrUnauthorized is returned when a request's token does not grant access
// to the addressed document.
var ErrUnauthorized = errors.New("unauthorized")

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787").
	Addr string

	// Secret verifies bearer tokens. Empty disables authentication.
	Secret []byte

	// Registry receives the server metrics and backs /metrics. Default:
	// a fresh registry.
	Registry *prometheus.Registry

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8787",
		Logger: zerolog.Nop(),
	}
}

// Server serves a Mirror backend.
type Server struct {
	addr     string
	backend  remote.Mirror
	secret   []byte
	registry *prometheus.Registry
	metrics  *metrics
	logger   zerolog.Logger

	listener net.Listener
	server   *http.Server

	// Open websocket watchers
	watchers   map[*websocket.Conn]struct{}
	watchersMu sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for backend.
func NewServer(backend remote.Mirror, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		backend:  backend,
		secret:   config.Secret,
		registry: registry,
		metrics:  newMetrics(registry),
		logger:   config.Logger.With().Str("component", "mirrorserver").Logger(),
		watchers: make(map[*websocket.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if len(s.secret) == 0 {
		s.logger.Warn().Msg("no secret configured, document routes are unauthenticated")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("mirror server listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()

	return nil
}

// Stop closes watchers and shuts the server down gracefully.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping mirror server")

	// Ends every watch loop
	s.cancel()

	s.watchersMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.watchers))
	for conn := range s.watchers {
		conns = append(conns, conn)
	}
	s.watchersMu.Unlock()

	// Handlers remove their own watcher on exit
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("mirror server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// WatcherCount returns the number of open websocket watchers.
func (s *Server) WatcherCount() int {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	return len(s.watchers)
}

func (s *Server) addWatcher(conn *websocket.Conn) {
	s.watchersMu.Lock()
	s.watchers[conn] = struct{}{}
	s.watchersMu.Unlock()
	s.metrics.watchers.Inc()
}

func (s *Server) removeWatcher(conn *websocket.Conn) {
	s.watchersMu.Lock()
	_, exists := s.watchers[conn]
	delete(s.watchers, conn)
	s.watchersMu.Unlock()
	if exists {
		s.metrics.watchers.Dec()
	}
}
