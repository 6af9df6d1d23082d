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

package dispatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tombee/runengine/internal/engine/sandbox"
)

const (
	maxReadBytes  = 50 * 1024
	maxWriteBytes = 10 * 1024 * 1024
	maxListEntries = 500
	maxListDepth   = 10
)

var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {}, ".pdf": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".exe": {}, ".dll": {}, ".so": {},
	".dylib": {}, ".bin": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
}

var skippedDirNames = map[string]struct{}{
	"node_modules": {}, "dist": {}, ".git": {}, "vendor": {},
}

func (d *Dispatcher) readFile(args map[string]any) Result {
	path := stringArg(args, "path")
	resolved, err := d.sandbox.Resolve(path, sandbox.ModeRead)
	if err != nil {
		return errResult(err)
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		return errResult(fmt.Errorf("read_file %s: %w", path, err))
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errResult(fmt.Errorf("read_file %s: refusing to read a symlink", path))
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	if _, isBinary := binaryExtensions[ext]; isBinary {
		return Result{Success: true, Result: map[string]any{
			"size_only": true,
			"size":      info.Size(),
		}}
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errResult(fmt.Errorf("read_file %s: %w", path, err))
	}

	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}

	content := string(data)
	if truncated {
		content += "\n[truncated]"
	}
	return Result{Success: true, Result: map[string]any{
		"content":   content,
		"truncated": truncated,
	}}
}

func (d *Dispatcher) editFile(args map[string]any) Result {
	path := stringArg(args, "path")
	oldString := stringArg(args, "old_string")
	newString := stringArg(args, "new_string")
	replaceAll := boolArg(args, "replace_all", false)

	resolved, err := d.sandbox.Resolve(path, sandbox.ModeCreate)
	if err != nil {
		return errResult(err)
	}

	if info, statErr := os.Lstat(resolved); statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return errResult(fmt.Errorf("edit_file %s: refusing to write through a symlink", path))
	}

	if oldString == "" {
		if len(newString) > maxWriteBytes {
			return errResult(fmt.Errorf("edit_file %s: content exceeds %d bytes", path, maxWriteBytes))
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return errResult(fmt.Errorf("edit_file %s: %w", path, err))
		}
		if err := os.WriteFile(resolved, []byte(newString), 0o644); err != nil {
			return errResult(fmt.Errorf("edit_file %s: %w", path, err))
		}
		return Result{Success: true, Result: map[string]any{"created": true}}
	}

	existing, err := os.ReadFile(resolved)
	if err != nil {
		return errResult(fmt.Errorf("edit_file %s: %w", path, err))
	}
	content := string(existing)
	count := strings.Count(content, oldString)
	if count == 0 {
		return errResult(fmt.Errorf("edit_file %s: old_string not found", path))
	}
	if !replaceAll && count > 1 {
		return errResult(fmt.Errorf("edit_file %s: old_string matches %d times, expected exactly 1 (pass replace_all to replace every match)", path, count))
	}

	var updated string
	replacements := 1
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
		replacements = count
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
	}

	if len(updated) > maxWriteBytes {
		return errResult(fmt.Errorf("edit_file %s: resulting content exceeds %d bytes", path, maxWriteBytes))
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return errResult(fmt.Errorf("edit_file %s: %w", path, err))
	}
	return Result{Success: true, Result: map[string]any{"replacements": replacements}}
}

func (d *Dispatcher) listFiles(args map[string]any) Result {
	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	recursive := boolArg(args, "recursive", false)

	resolved, err := d.sandbox.Resolve(path, sandbox.ModeRead)
	if err != nil {
		return errResult(err)
	}

	var entries []map[string]any
	truncated := false

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })

		for _, item := range items {
			if len(entries) >= maxListEntries {
				truncated = true
				return nil
			}
			name := item.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if item.IsDir() {
				if _, skip := skippedDirNames[name]; skip {
					continue
				}
			}

			full := filepath.Join(dir, name)
			rel, _ := filepath.Rel(resolved, full)

			info, err := item.Info()
			isSymlink := err == nil && info.Mode()&os.ModeSymlink != 0

			entries = append(entries, map[string]any{
				"path":       rel,
				"is_dir":     item.IsDir(),
				"is_symlink": isSymlink,
			})

			if recursive && item.IsDir() && !isSymlink && depth < maxListDepth {
				if err := walk(full, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(resolved, 0); err != nil {
		return errResult(fmt.Errorf("list_files %s: %w", path, err))
	}

	return Result{Success: true, Result: map[string]any{
		"entries":   entries,
		"truncated": truncated,
	}}
}
