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

package sandbox_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/sandbox"
	engineerrors "github.com/tombee/runengine/pkg/errors"
)

func TestSandbox_Traversal(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	_, err = sb.Resolve("../etc/passwd", sandbox.ModeRead)
	require.Error(t, err)

	var secErr *engineerrors.PathSecurityError
	require.True(t, errors.As(err, &secErr))
	require.Equal(t, "traversal", secErr.Reason)
}

func TestSandbox_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "passwd"), []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	sb, err := sandbox.New(root)
	require.NoError(t, err)

	_, err = sb.Resolve("link/passwd", sandbox.ModeRead)
	require.Error(t, err)

	var secErr *engineerrors.PathSecurityError
	require.True(t, errors.As(err, &secErr))
	require.Equal(t, "symlink_escape", secErr.Reason)
}

func TestSandbox_ControlChar(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	_, err = sb.Resolve("foo\x00bar", sandbox.ModeRead)
	require.Error(t, err)

	var secErr *engineerrors.PathSecurityError
	require.True(t, errors.As(err, &secErr))
	require.Equal(t, "control_char", secErr.Reason)
}

func TestSandbox_UNCOrDrive(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	for _, p := range []string{`\\server\share`, `//server/share`, `C:\Windows`} {
		_, err := sb.Resolve(p, sandbox.ModeRead)
		require.Error(t, err, p)
		var secErr *engineerrors.PathSecurityError
		require.True(t, errors.As(err, &secErr), p)
		require.Equal(t, "unc_or_drive", secErr.Reason, p)
	}
}

func TestSandbox_CreateAllowsMissingLeaf(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	resolved, err := sb.Resolve("new/dir/file.txt", sandbox.ModeCreate)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resolved, sb.Root()))
}

// TestSandbox_Soundness is a property-style check (P1): whenever the sandbox
// accepts a path, the resolved result is a descendant of the canonical root.
func TestSandbox_Soundness(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "c.txt"), []byte("x"), 0o644))

	sb, err := sandbox.New(root)
	require.NoError(t, err)

	candidates := []string{".", "a", "a/b", "a/b/c.txt", "a/b/../b/c.txt"}
	for _, c := range candidates {
		resolved, err := sb.Resolve(c, sandbox.ModeRead)
		require.NoError(t, err, c)
		require.True(t, resolved == sb.Root() || strings.HasPrefix(resolved, sb.Root()+string(filepath.Separator)), "resolved %q not under root %q", resolved, sb.Root())
	}
}
