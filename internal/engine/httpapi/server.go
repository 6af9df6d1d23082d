// Copyright 2025 Tom Barlow
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

// Package httpapi is C12: the single-port HTTP/SSE/WS front door. Request
// tracking, graceful shutdown ordering, and the WebSocket upgrade/ping
// lifecycle are grounded on internal/rpc/server.go; the SSE replay framing
// expands internal/controller/api/events.go's heartbeat-only placeholder
// into full pub/sub plus historical replay over the event bus.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/runengine/internal/engine/checkpoint"
	"github.com/tombee/runengine/internal/engine/config"
	"github.com/tombee/runengine/internal/engine/eventbus"
	"github.com/tombee/runengine/internal/engine/runstore"
	"github.com/tombee/runengine/internal/engine/store"
	"github.com/tombee/runengine/internal/engine/terminal"
)

// Launcher starts a new supervised run and returns its id. It is
// implemented by the supervisor package; kept as a narrow interface here
// so httpapi does not import the full supervisor loop.
type Launcher interface {
	Launch(ctx context.Context, p runstore.CreateParams) (string, error)
}

// Server is the HTTP/SSE/WS front door binding a single port.
type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *store.Store
	bus       *eventbus.Bus
	runs      *runstore.RunStore
	terminals *terminal.Manager
	launcher  Launcher
	enc       *store.SettingsEncryptor

	upgrader websocket.Upgrader
	handler  http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]string // conn -> remote IP, for per-IP capacity accounting
}

// Deps bundles the collaborators a Server needs, mirroring the
// dependency-injection shape described in SPEC_FULL.md §9.
type Deps struct {
	Config    config.Config
	Logger    *slog.Logger
	DB        *store.Store
	Bus       *eventbus.Bus
	Runs      *runstore.RunStore
	Terminals *terminal.Manager
	Launcher  Launcher
	Enc       *store.SettingsEncryptor
}

// New builds a Server ready to Start.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       d.Config,
		logger:    logger,
		db:        d.DB,
		bus:       d.Bus,
		runs:      d.Runs,
		terminals: d.Terminals,
		launcher:  d.Launcher,
		enc:       d.Enc,
		wsConns:   make(map[*websocket.Conn]string),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = s.withRequestLimits(mux)
	return s
}

// Handler returns the server's top-level http.Handler, for tests driving
// requests via httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.handler,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("http front door starting", "addr", addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown shuts down the HTTP server, closes all WebSocket clients with
// code 1001, stops checkpoint managers, closes PTY sessions, then closes
// the DB — the order specified in §4.12. An HTTP shutdown error is returned
// after the remaining steps have run.
func (s *Server) Shutdown(ctx context.Context, checkpoints map[string]*checkpoint.Manager) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var httpErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			httpErr = fmt.Errorf("shutdown http server: %w", err)
		}
	}

	s.wsMu.Lock()
	for conn := range s.wsConns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.wsConns = make(map[*websocket.Conn]string)
	s.wsMu.Unlock()

	for _, m := range checkpoints {
		_ = m.Stop(ctx)
	}

	if s.terminals != nil {
		s.terminals.CloseAll()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
	}
	return httpErr
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.ClientOrigins) == 0 {
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host ||
			hasLoopbackOrigin(origin)
	}
	for _, o := range s.cfg.ClientOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func hasLoopbackOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
