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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/runengine/internal/engine/config"
	"github.com/tombee/runengine/internal/engine/eventbus"
	"github.com/tombee/runengine/internal/engine/executor"
	"github.com/tombee/runengine/internal/engine/httpapi"
	"github.com/tombee/runengine/internal/engine/runstore"
	"github.com/tombee/runengine/internal/engine/store"
	"github.com/tombee/runengine/internal/engine/supervisor"
	"github.com/tombee/runengine/internal/engine/terminal"
	"github.com/tombee/runengine/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "engined",
		Short:   "Run Execution Engine daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newMigrateCommand(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logCfg := log.FromEnv()
	if cfg.LogLevel != "" {
		logCfg.Level = cfg.LogLevel
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the database and apply schema migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(store.Config{Path: cfg.DBPath, WAL: true})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			logger.Info("migrations applied", "db_path", cfg.DBPath)
			return nil
		},
	}
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine daemon and serve the HTTP/SSE/WS front door",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configPath)
		},
	}
}

func runDaemon(configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(store.Config{Path: cfg.DBPath, WAL: true})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	bus := eventbus.New()
	runs := runstore.New(db)
	terminals := terminal.NewManager()
	enc := store.NewSettingsEncryptor(masterKeyFromEnv())

	sv := supervisor.New(supervisor.Deps{
		DB:      db,
		Bus:     bus,
		Runs:    runs,
		Config:  cfg,
		Logger:  logger,
		Planner: supervisor.UnconfiguredPlanner(),
		ExecFactory: func(vendor executor.Vendor) *executor.Adapter {
			return executor.New(vendor, "", "")
		},
	})

	interrupted, err := runs.ReclassifyInterrupted(context.Background())
	if err != nil {
		logger.Error("reclassify interrupted runs failed", "error", err)
	} else if len(interrupted) > 0 {
		logger.Info("reclassified runs left running by a prior process exit", "count", len(interrupted))
	}

	srv := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Bus:       bus,
		Runs:      runs,
		Terminals: terminals,
		Launcher:  sv,
		Enc:       enc,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	logger.Info("engine started", "port", cfg.Port, "db_path", cfg.DBPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	sv.Shutdown(context.Background())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx, sv.Checkpoints()); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

func masterKeyFromEnv() []byte {
	if v := os.Getenv("SETTINGS_MASTER_KEY"); v != "" {
		return []byte(v)
	}
	return []byte("insecure-dev-master-key-change-me")
}
