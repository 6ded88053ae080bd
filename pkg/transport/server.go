// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport exposes the interactive agent's message channel
// (spec.md §6.2, "Dragon") over HTTP: a chi router upgrades a client's
// connection to a gorilla/websocket stream and hands every frame to a
// dragon.Hub. Provider networking and dashboard rendering are out of
// scope (spec.md §1); this transport only proves the message-shape
// contract.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/specforge/orchestrator/pkg/dragon"
	"github.com/specforge/orchestrator/pkg/observability"
)

// Config holds the server's listen address and dependencies.
type Config struct {
	Address string // e.g. ":8080"

	// Hubs resolves a project id to the Hub that owns its sessions.
	// Returns (nil, false) for an unknown project.
	Hubs func(projectID string) (*dragon.Hub, bool)

	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Server owns the HTTP listener that fronts the websocket upgrade
// endpoint and the Prometheus metrics endpoint.
type Server struct {
	config   Config
	httpSrv  *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer builds a Server. Call Start to begin serving.
func NewServer(config Config) *Server {
	if config.Address == "" {
		config.Address = ":8080"
	}
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: slog.Default().With("component", "transport.Server"),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMiddleware(s.config.Tracer, s.config.Metrics))
	r.Get("/ws/{projectId}", s.handleWebSocket)
	r.Handle("/metrics", s.config.Metrics.Handler())
	return r
}

// Start listens on the configured address and serves until Stop is called
// (or the listener fails). Blocking call.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{Handler: s.router()}
	s.log.Info("dragon transport starting", "address", s.config.Address)

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, forcing closed after timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.log.Info("dragon transport shutting down")
	return s.httpSrv.Shutdown(ctx)
}

// StopWithTimeout stops the server with a default 30-second budget.
func (s *Server) StopWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

// Address returns the server's listening address.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	hub, ok := s.config.Hubs(projectID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown project %q", projectID), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "project", projectID, "error", err)
		return
	}
	defer conn.Close()

	wsConn := &wsConn{conn: conn}
	ctx := r.Context()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("websocket read closed", "project", projectID, "error", err)
			return
		}
		if err := hub.Handle(ctx, wsConn, raw, time.Now()); err != nil {
			s.log.Warn("dragon hub handling failed", "project", projectID, "error", err)
			return
		}
	}
}

// wsConn adapts a gorilla/websocket connection to dragon.Conn. Writes are
// serialized: gorilla/websocket connections are not safe for concurrent
// writers, and a single session can fan out several outbound frames (typing,
// stream chunks, final message) per inbound turn.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(fields)
}
