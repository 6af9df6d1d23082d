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

// Package terminal is C11: interactive PTY sessions multiplexed over
// WebSocket, with detach/reattach and a bounded output ring so a client
// that drops and reconnects can recover recent output. The connection
// lifecycle (ping/pong, tracked-connection set, CloseGoingAway shutdown) is
// grounded on internal/rpc/server.go; the process side uses
// github.com/creack/pty the way joeycumines-go-utilpkg/prompt/termtest
// drives a pty for its console tests.
package terminal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	// MinCols/MaxCols/MinRows/MaxRows clamp resize and initial-size requests.
	MinCols = 10
	MaxCols = 500
	MinRows = 5
	MaxRows = 200

	// ringCapacity bounds the replay buffer kept per session.
	ringCapacity = 50 * 1024

	// detachedRetention is how long a session with no attached socket is
	// kept alive before its process is killed and the session is dropped.
	detachedRetention = 30 * time.Minute

	// postExitRetention is how long a session is kept after its process
	// exits, so a client can still observe the exit code/signal.
	postExitRetention = 60 * time.Second

	// MaxInputFrame is the largest raw-text input frame accepted; larger
	// frames are dropped rather than truncated and forwarded.
	MaxInputFrame = 64 * 1024
)

// ExitInfo latches a session's terminal process-exit state.
type ExitInfo struct {
	Code   int
	Signal string
	At     time.Time
}

// Session is one PTY-backed terminal, independent of any particular
// WebSocket connection. A nil socket means detached.
type Session struct {
	ID    string
	Cwd   string
	mu    sync.Mutex
	cols  int
	rows  int
	pty   *os.File
	cmd   *exec.Cmd
	ring  *ring
	sock  Socket
	exit  *ExitInfo
	reapd chan struct{}

	detachedAt time.Time
	sweepTimer *time.Timer
}

// Socket is the minimal transport abstraction a Session writes output to;
// satisfied by a gorilla/websocket connection wrapper in the HTTP front
// door, and by a fake in tests.
type Socket interface {
	WriteText(p []byte) error
	Close() error
}

// ring is a bounded byte buffer used to replay recent output to a
// reattaching client.
type ring struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if over := r.buf.Len() - r.cap; over > 0 {
		r.buf.Next(over)
	}
}

func (r *ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out
}

// Manager owns every live terminal session for the process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// OpenParams describes a new terminal session request.
type OpenParams struct {
	SessionID string // empty generates a new id
	Cwd       string // already sandbox-validated by the caller
	Cols      int
	Rows      int
	Shell     string // defaults to $SHELL or /bin/sh
}

// ClampSize forces cols/rows into their allowed ranges.
func ClampSize(cols, rows int) (int, int) {
	if cols < MinCols {
		cols = MinCols
	} else if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	} else if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// Open starts a new PTY-backed session, or reattaches to an existing one
// sharing sock and replaying its ring if p.SessionID names a still-live
// detached session.
func (m *Manager) Open(ctx context.Context, p OpenParams, sock Socket) (*Session, bool, error) {
	cols, rows := ClampSize(p.Cols, p.Rows)

	if p.SessionID != "" {
		m.mu.Lock()
		s, ok := m.sessions[p.SessionID]
		m.mu.Unlock()
		if ok {
			if err := s.attach(sock); err != nil {
				return nil, false, err
			}
			return s, true, nil
		}
	}

	shell := p.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(context.Background(), shell)
	cmd.Dir = p.Cwd
	cmd.Env = os.Environ()

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, false, fmt.Errorf("start pty: %w", err)
	}

	id := p.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	s := &Session{
		ID:    id,
		Cwd:   p.Cwd,
		cols:  cols,
		rows:  rows,
		pty:   f,
		cmd:   cmd,
		ring:  newRing(ringCapacity),
		sock:  sock,
		reapd: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.pump()
	go m.reap(s)

	return s, false, nil
}

// pump copies PTY output into the session's ring and, if attached, to the
// socket, until the PTY closes (process exit).
func (s *Session) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.ring.Write(chunk)
			s.mu.Lock()
			sock := s.sock
			s.mu.Unlock()
			if sock != nil {
				_ = sock.WriteText(chunk)
			}
		}
		if err != nil {
			s.latchExit()
			return
		}
	}
}

func (s *Session) latchExit() {
	code, signal := 0, ""
	_ = s.cmd.Wait()
	if ps := s.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}
	s.mu.Lock()
	s.exit = &ExitInfo{Code: code, Signal: signal, At: time.Now()}
	s.mu.Unlock()
	close(s.reapd)
}

// reap drops the session postExitRetention after process exit.
func (m *Manager) reap(s *Session) {
	<-s.reapd
	time.Sleep(postExitRetention)
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// Exit returns the session's latched exit info, if its process has exited.
func (s *Session) Exit() (ExitInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return ExitInfo{}, false
	}
	return *s.exit, true
}

// attach binds sock to the session and replays its output ring, rebinding
// a detached session on reconnect. It cancels any pending detach sweep.
func (s *Session) attach(sock Socket) error {
	s.mu.Lock()
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.sweepTimer = nil
	}
	s.sock = sock
	s.mu.Unlock()

	return sock.WriteText(s.ring.Bytes())
}

// Detach unbinds the session's socket (on client disconnect) and, if the
// process has not exited, schedules removal after detachedRetention.
func (s *Session) Detach(m *Manager) {
	s.mu.Lock()
	s.sock = nil
	s.detachedAt = time.Now()
	_, exited := s.exit, s.exit != nil
	if !exited {
		s.sweepTimer = time.AfterFunc(detachedRetention, func() {
			s.Close()
			m.mu.Lock()
			delete(m.sessions, s.ID)
			m.mu.Unlock()
		})
	}
	s.mu.Unlock()
}

// Resize applies a clamped terminal size to the underlying PTY.
func (s *Session) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	f := s.pty
	s.mu.Unlock()
	return pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Write sends raw input to the PTY, dropping frames larger than
// MaxInputFrame rather than forwarding a truncated command.
func (s *Session) Write(p []byte) error {
	if len(p) > MaxInputFrame {
		return fmt.Errorf("terminal: input frame of %d bytes exceeds %d byte limit", len(p), MaxInputFrame)
	}
	_, err := s.pty.Write(p)
	return err
}

// Close terminates the session's process and releases its PTY file.
func (s *Session) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.pty.Close()
}

// CloseAll terminates every session, used during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}
