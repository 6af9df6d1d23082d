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

// Package sandbox resolves and validates filesystem paths against a repo
// root, rejecting traversal, symlink escapes, control characters, and
// UNC/drive-letter escapes before any tool touches disk.
package sandbox

import (
	"path/filepath"
	"runtime"
	"strings"

	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// Mode distinguishes a read from a create access, since a create target is
// allowed not to exist yet as long as its parent resolves inside the root.
type Mode int

const (
	ModeRead Mode = iota
	ModeCreate
)

// Sandbox validates paths against a fixed repository root.
type Sandbox struct {
	// root is the canonicalized repo root, computed once at construction.
	root string
}

// New canonicalizes repoRoot (symlink-resolved if it exists) and returns a
// Sandbox bound to it.
func New(repoRoot string) (*Sandbox, error) {
	canon, err := canonicalize(repoRoot)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: canon}, nil
}

// Root returns the canonicalized repo root this sandbox was constructed with.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve validates userPath against the repo root for the given mode and
// returns the resolved absolute path. It never performs I/O beyond the
// canonicalization calls themselves (stat/readlink), per C1's contract.
func (s *Sandbox) Resolve(userPath string, mode Mode) (string, error) {
	if err := rejectControlChars(userPath); err != nil {
		return "", err
	}
	if err := rejectUNCOrDrive(userPath); err != nil {
		return "", err
	}

	joined := filepath.Join(s.root, userPath)
	normalized := filepath.Clean(joined)

	if !hasPrefix(normalized, s.root) {
		return "", &engineerrors.PathSecurityError{Path: userPath, Reason: "traversal"}
	}

	switch mode {
	case ModeRead:
		resolved, err := canonicalizeIfExists(normalized)
		if err != nil {
			return "", err
		}
		if !hasPrefix(resolved, s.root) {
			return "", &engineerrors.PathSecurityError{Path: userPath, Reason: "symlink_escape"}
		}
		return resolved, nil
	case ModeCreate:
		// The target itself may not exist yet; its parent must resolve inside
		// the root after symlink resolution.
		parent := filepath.Dir(normalized)
		resolvedParent, err := canonicalizeIfExists(parent)
		if err != nil {
			return "", err
		}
		if !hasPrefix(resolvedParent, s.root) {
			return "", &engineerrors.PathSecurityError{Path: userPath, Reason: "symlink_escape"}
		}
		// If the target itself already exists (e.g. overwrite), re-check it too.
		if resolved, err := canonicalizeIfExists(normalized); err == nil && resolved != normalized {
			if !hasPrefix(resolved, s.root) {
				return "", &engineerrors.PathSecurityError{Path: userPath, Reason: "symlink_escape"}
			}
			return resolved, nil
		}
		return normalized, nil
	default:
		return "", &engineerrors.PathSecurityError{Path: userPath, Reason: "traversal"}
	}
}

// rejectControlChars rejects NUL and any byte < 0x20 or == 0x7f.
func rejectControlChars(p string) error {
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b < 0x20 || b == 0x7f {
			return &engineerrors.PathSecurityError{Path: p, Reason: "control_char"}
		}
	}
	return nil
}

// rejectUNCOrDrive rejects Windows UNC paths and drive-letter prefixes on
// Windows; on other platforms a leading "//"/"\\" or drive-letter-looking
// prefix is still rejected defensively since it cannot be a relative path
// inside the sandbox.
func rejectUNCOrDrive(p string) error {
	if strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, `//`) {
		return &engineerrors.PathSecurityError{Path: p, Reason: "unc_or_drive"}
	}
	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		return &engineerrors.PathSecurityError{Path: p, Reason: "unc_or_drive"}
	}
	return nil
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// hasPrefix compares p against root using a separator-aware, platform-
// appropriate case sensitivity: case-insensitive on Windows, case-sensitive
// elsewhere.
func hasPrefix(p, root string) bool {
	if p == root {
		return true
	}
	withSep := root + string(filepath.Separator)
	if runtime.GOOS == "windows" {
		return strings.HasPrefix(strings.ToLower(p), strings.ToLower(withSep))
	}
	return strings.HasPrefix(p, withSep)
}
