package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

// Server owns the registry, the upgrader and the readiness flag behind the
// HTTP handlers.
type Server struct {
	config   Config
	hub      *Hub
	verifier auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
	ready    atomic.Bool
}

// New builds a ready Server. A nil verifier falls back to auth.DemoVerifier and
// a nil logger to slog.Default.
func New(cfg Config, verifier auth.Verifier, logger *slog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = auth.DemoVerifier{}
	}

	policy := newOriginPolicy(cfg.AllowedOrigins, logger)
	s := &Server{
		config:   cfg,
		hub:      NewHub(logger),
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
	}
	s.ready.Store(true)
	return s
}

// Hub returns the room registry.
func (s *Server) Hub() *Hub { return s.hub }

// Config returns the sanitized configuration.
func (s *Server) Config() Config { return s.config }

// Ready reports whether the server still accepts connections.
func (s *Server) Ready() bool { return s.ready.Load() }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.Routes() }

// Shutdown marks the server not ready, then closes every connection and waits
// up to timeout for the sessions to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.ready.Store(false)
	return s.hub.Shutdown(timeout)
}
