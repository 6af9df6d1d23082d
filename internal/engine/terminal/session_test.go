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

package terminal_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/terminal"
)

type fakeSocket struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeSocket) WriteText(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Write(p)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestClampSize(t *testing.T) {
	cols, rows := terminal.ClampSize(1, 1)
	require.Equal(t, terminal.MinCols, cols)
	require.Equal(t, terminal.MinRows, rows)

	cols, rows = terminal.ClampSize(10000, 10000)
	require.Equal(t, terminal.MaxCols, cols)
	require.Equal(t, terminal.MaxRows, rows)
}

func TestOpenRunsEchoAndCapturesOutput(t *testing.T) {
	m := terminal.NewManager()
	sock := &fakeSocket{}

	s, reattached, err := m.Open(context.Background(), terminal.OpenParams{
		Cwd: t.TempDir(), Cols: 80, Rows: 24, Shell: "/bin/sh",
	}, sock)
	require.NoError(t, err)
	require.False(t, reattached)
	defer s.Close()

	require.NoError(t, s.Write([]byte("echo hello-terminal\n")))

	require.Eventually(t, func() bool {
		return strings.Contains(sock.String(), "hello-terminal")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReattachReplaysRing(t *testing.T) {
	m := terminal.NewManager()
	sock1 := &fakeSocket{}

	s, _, err := m.Open(context.Background(), terminal.OpenParams{
		SessionID: "fixed-id", Cwd: t.TempDir(), Cols: 80, Rows: 24, Shell: "/bin/sh",
	}, sock1)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write([]byte("echo replay-me\n")))
	require.Eventually(t, func() bool {
		return strings.Contains(sock1.String(), "replay-me")
	}, 3*time.Second, 20*time.Millisecond)

	s.Detach(m)

	sock2 := &fakeSocket{}
	s2, reattached, err := m.Open(context.Background(), terminal.OpenParams{SessionID: "fixed-id"}, sock2)
	require.NoError(t, err)
	require.True(t, reattached)
	require.Equal(t, s, s2)
	require.Contains(t, sock2.String(), "replay-me")
}

func TestWriteRejectsOversizedFrame(t *testing.T) {
	m := terminal.NewManager()
	sock := &fakeSocket{}
	s, _, err := m.Open(context.Background(), terminal.OpenParams{Cwd: t.TempDir(), Cols: 80, Rows: 24, Shell: "/bin/sh"}, sock)
	require.NoError(t, err)
	defer s.Close()

	oversized := make([]byte, terminal.MaxInputFrame+1)
	require.Error(t, s.Write(oversized))
}

func TestParseFrame(t *testing.T) {
	f, ok := terminal.ParseFrame([]byte(`{"type":"resize","cols":100,"rows":40}`))
	require.True(t, ok)
	require.Equal(t, "resize", f.Type)
	require.Equal(t, 100, f.Cols)

	_, ok = terminal.ParseFrame([]byte("ls -la\n"))
	require.False(t, ok)
}

func TestExitLatchesAfterProcessEnds(t *testing.T) {
	m := terminal.NewManager()
	sock := &fakeSocket{}
	s, _, err := m.Open(context.Background(), terminal.OpenParams{Cwd: t.TempDir(), Cols: 80, Rows: 24, Shell: "/bin/sh"}, sock)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte("exit 0\n")))

	require.Eventually(t, func() bool {
		_, ok := s.Exit()
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}
