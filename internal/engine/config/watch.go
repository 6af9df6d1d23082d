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

package config

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the hot-reloadable subset of a YAML config file on
// change and reports the updated values via onReload. DB path, port, and
// PTY limits are not watched; those require a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(Config)
	done     chan struct{}
}

// WatchFile starts watching path for changes, calling onReload with base
// updated by the hot-reloadable fields of the freshly loaded file (env vars
// still take precedence) whenever it changes on disk. Returns nil, nil if
// path does not exist yet.
func WatchFile(path string, base Config, logger *slog.Logger, onReload func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, logger: logger, onReload: onReload, done: make(chan struct{})}
	go w.loop(base)
	return w, nil
}

func (w *Watcher) loop(base Config) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			loaded, err := LoadFile(base, w.path)
			if err != nil {
				w.logger.Warn("config hot-reload failed", "path", w.path, "error", err)
				continue
			}
			loaded = LoadEnv(loaded)
			cfg := base
			cfg.LogLevel = loaded.LogLevel
			cfg.CommandAllowlist = loaded.CommandAllowlist
			cfg.CommandRule = loaded.CommandRule
			cfg.ClientOrigins = loaded.ClientOrigins
			w.logger.Info("config hot-reloaded", "path", w.path)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Stop halts the watcher and releases its file handle.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}
