// Package api serves the operator dashboard: a JSON snapshot endpoint and a
// WebSocket stream of pipeline events, fed by the engine through the
// StatusProvider interface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"coinbot/internal/config"
)

// Server runs the HTTP/WebSocket dashboard.
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the hub, handlers, and routes.
func NewServer(cfg config.Config, provider StatusProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg.Dashboard,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api_server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the hub, the engine event consumer, and the HTTP listener.
// Blocks until the listener exits.
func (s *Server) Start() error {
	go s.hub.Run(s.ctx)
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and stops the hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.cancel()
	return err
}

// consumeEvents forwards engine events to the hub until the stream closes.
func (s *Server) consumeEvents() {
	events := s.provider.DashboardEvents()
	if events == nil {
		return
	}
	for evt := range events {
		s.hub.Broadcast(evt)
	}
}
