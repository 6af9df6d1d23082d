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

package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/runengine/internal/engine/sandbox"
	"github.com/tombee/runengine/internal/engine/terminal"
)

// wsSocket adapts a gorilla/websocket connection to terminal.Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func (w *wsSocket) WriteText(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return w.conn.WriteMessage(websocket.TextMessage, p)
}

func (w *wsSocket) Close() error {
	return w.conn.Close()
}

// handleTerminal upgrades to a WebSocket and attaches to (or opens) a PTY
// session, enforcing the global/per-IP connection caps and the cwd
// sandbox, per §4.11/§4.12.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	s.wsMu.Lock()
	total := len(s.wsConns)
	ip := clientIP(r)
	perIP := 0
	for _, connIP := range s.wsConns {
		if connIP == ip {
			perIP++
		}
	}
	s.wsMu.Unlock()

	if total >= s.cfg.MaxWebSocketConnections || perIP >= s.cfg.MaxWebSocketPerIP {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	cwd := r.URL.Query().Get("cwd")
	if cwd != "" {
		box, err := sandbox.New(cwd)
		if err != nil {
			http.Error(w, "invalid cwd", http.StatusBadRequest)
			return
		}
		resolved, err := box.Resolve(".", sandbox.ModeRead)
		if err != nil {
			http.Error(w, "cwd rejected", http.StatusForbidden)
			return
		}
		cwd = resolved
	}

	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("terminal websocket upgrade failed", "error", err)
		return
	}

	s.wsMu.Lock()
	s.wsConns[conn] = ip
	s.wsMu.Unlock()
	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
	}()

	sock := &wsSocket{conn: conn}
	sess, _, err := s.terminals.Open(r.Context(), terminal.OpenParams{
		SessionID: sessionID, Cwd: cwd, Cols: cols, Rows: rows,
	}, sock)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer sess.Detach(s.terminals)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(msg) > terminal.MaxInputFrame {
			s.logger.Warn("terminal input frame dropped: too large", "size", len(msg))
			continue
		}
		if frame, ok := terminal.ParseFrame(msg); ok {
			switch frame.Type {
			case "resize":
				_ = sess.Resize(frame.Cols, frame.Rows)
			case "ping":
				_ = conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(10*time.Second))
			case "input":
				_ = sess.Write([]byte(frame.Data))
			}
			continue
		}
		_ = sess.Write(msg)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
