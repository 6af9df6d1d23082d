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

// Package config loads the engine's process configuration: environment
// variables (§6) with defaults and clamping, optionally seeded from an
// engined.yaml file, with a narrow set of keys hot-reloadable via
// fsnotify.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's fully resolved, clamped process configuration.
type Config struct {
	Port     int    `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	MaxRequestSizeBytes     int64 `yaml:"max_request_size_bytes"`
	MaxWebSocketConnections int   `yaml:"max_websocket_connections"`
	MaxWebSocketPerIP       int   `yaml:"max_websocket_connections_per_ip"`

	AgentTimeout   time.Duration `yaml:"-"`
	CommandTimeout time.Duration `yaml:"-"`
	APITimeout     time.Duration `yaml:"-"`
	APIMaxRetries  int           `yaml:"api_max_retries"`

	CommandAllowlist []string `yaml:"command_allowlist"`
	CommandRule      string   `yaml:"command_rule"`
	ClientOrigins    []string `yaml:"client_origins"`

	MaxContextTokens int `yaml:"-"`

	PTYMaxCols    int `yaml:"-"`
	PTYMaxRows    int `yaml:"-"`
	PTYOutputCap  int `yaml:"-"`
}

// hot-reloadable via fsnotify watch on the yaml file (log level, command
// policy allowlist/rule, client origin set); everything else requires a
// process restart.
var hotReloadable = map[string]struct{}{
	"log_level":         {},
	"command_allowlist": {},
	"command_rule":      {},
	"client_origins":    {},
}

// IsHotReloadable reports whether key may be changed without a restart.
func IsHotReloadable(key string) bool {
	_, ok := hotReloadable[key]
	return ok
}

// Default returns the configuration with every §6-documented default,
// before environment or file overrides are applied.
func Default() Config {
	return Config{
		Port:                    8787,
		DBPath:                  "./engine.db",
		LogLevel:                "info",
		MaxRequestSizeBytes:     10 * 1024 * 1024,
		MaxWebSocketConnections: 100,
		MaxWebSocketPerIP:       10,
		AgentTimeout:            30 * time.Minute,
		CommandTimeout:          5 * time.Minute,
		APITimeout:              60 * time.Second,
		APIMaxRetries:           3,
		MaxContextTokens:        100000,
		PTYMaxCols:              500,
		PTYMaxRows:              200,
		PTYOutputCap:            50 * 1024,
	}
}

// LoadFile seeds cfg from an optional YAML file; a missing file is not an
// error since env vars and defaults are sufficient on their own.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnv applies §6's environment variables over cfg, env always wins
// over the YAML file per the ambient config surface rule. All bounds are
// clamped as documented.
func LoadEnv(cfg Config) Config {
	if v, ok := os.LookupEnv("PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := os.LookupEnv("SUPERVISOR_DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("MAX_REQUEST_SIZE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxRequestSizeBytes = n
		}
	}
	if v, ok := os.LookupEnv("MAX_WEBSOCKET_CONNECTIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWebSocketConnections = n
		}
	}
	if v, ok := os.LookupEnv("MAX_WEBSOCKET_CONNECTIONS_PER_IP"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWebSocketPerIP = n
		}
	}
	if v, ok := os.LookupEnv("AGENT_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("COMMAND_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CommandTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("API_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APITimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("API_MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIMaxRetries = n
		}
	}
	return clamp(cfg)
}

// clamp bounds every value §6 says is clamped, applied after env/file
// loading so neither source can put the config in an invalid state.
func clamp(cfg Config) Config {
	if cfg.Port < 1 || cfg.Port > 65535 {
		cfg.Port = 8787
	}
	if cfg.MaxRequestSizeBytes <= 0 {
		cfg.MaxRequestSizeBytes = 10 * 1024 * 1024
	}
	if cfg.MaxWebSocketConnections < 1 {
		cfg.MaxWebSocketConnections = 100
	}
	if cfg.MaxWebSocketPerIP < 1 {
		cfg.MaxWebSocketPerIP = 10
	}
	if cfg.MaxContextTokens < 10000 {
		cfg.MaxContextTokens = 10000
	}
	if cfg.MaxContextTokens > 500000 {
		cfg.MaxContextTokens = 500000
	}
	if cfg.PTYMaxCols < 10 {
		cfg.PTYMaxCols = 10
	}
	if cfg.PTYMaxCols > 500 {
		cfg.PTYMaxCols = 500
	}
	if cfg.PTYMaxRows < 5 {
		cfg.PTYMaxRows = 5
	}
	if cfg.PTYMaxRows > 200 {
		cfg.PTYMaxRows = 200
	}
	return cfg
}

// Load builds the final configuration: defaults, then an optional YAML
// file, then environment overrides, then clamping.
func Load(yamlPath string) (Config, error) {
	cfg, err := LoadFile(Default(), yamlPath)
	if err != nil {
		return Config{}, err
	}
	return LoadEnv(cfg), nil
}
