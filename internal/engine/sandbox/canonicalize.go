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

package sandbox

import (
	"os"
	"path/filepath"
)

// canonicalize resolves path to an absolute, symlink-resolved form. If the
// path does not exist, it resolves as much of the parent chain as exists and
// joins the remainder, mirroring the teacher's recursive parent-resolution
// idiom for not-yet-created paths.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return canonicalizeIfExists(abs)
}

// canonicalizeIfExists resolves symlinks for abs if it (or its nearest
// existing ancestor) exists, walking up the directory tree when the leaf is
// missing. It never errors on a simply-missing path.
func canonicalizeIfExists(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(abs)
	if parent == abs {
		// Reached the filesystem root without finding an existing ancestor.
		return filepath.Clean(abs), nil
	}
	resolvedParent, err := canonicalizeIfExists(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(abs)), nil
}
