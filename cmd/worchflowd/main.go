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

// worchflowd runs the worchflow engine: worker pool, cron scheduler and
// monitoring API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/worchflow/worchflow/internal/api"
	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/client"
	"github.com/worchflow/worchflow/internal/config"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/internal/log"
	"github.com/worchflow/worchflow/internal/scheduler"
	"github.com/worchflow/worchflow/internal/worker"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  string
		concurrency int
		apiAddr     string
		noScheduler bool
	)

	root := &cobra.Command{
		Use:     "worchflowd",
		Short:   "Durable workflow orchestration daemon",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Worker.Concurrency = concurrency
			}
			if cmd.Flags().Changed("api-addr") {
				cfg.API.Addr = apiAddr
			}
			if noScheduler {
				cfg.Scheduler.Enabled = false
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.Flags().IntVar(&concurrency, "concurrency", 0, "Number of worker dequeue loops")
	root.Flags().StringVar(&apiAddr, "api-addr", "", "Monitoring API listen address")
	root.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Disable the cron scheduler")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kvStore := kv.New(kv.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer kvStore.Close()

	doc, err := docstore.New(docstore.Config{Path: cfg.Store.Path}, logger)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer doc.Close()

	lifecycle := bus.New(logger)

	c, err := client.New(ctx, kvStore, doc, cfg.QueuePrefix, lifecycle, logger)
	if err != nil {
		return err
	}

	handlers := demoHandlers()

	pool, err := worker.New(worker.Options{
		KV:          kvStore,
		Doc:         doc,
		Handlers:    handlers,
		Concurrency: cfg.Worker.Concurrency,
		QueuePrefix: cfg.QueuePrefix,
		Bus:         lifecycle,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Options{
			KV:                  kvStore,
			Doc:                 doc,
			Client:              c,
			Handlers:            handlers,
			QueuePrefix:         cfg.QueuePrefix,
			Bus:                 lifecycle,
			Logger:              logger,
			LeaderElection:      cfg.Scheduler.LeaderElection,
			LeaderTTL:           cfg.Scheduler.LeaderTTL,
			LeaderCheckInterval: cfg.Scheduler.LeaderCheckInterval,
		})
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	apiHandler := api.New(doc, kvStore, c, cfg.QueuePrefix, logger)
	server := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: apiHandler.Router(),
	}
	go func() {
		logger.Info("monitoring API listening", slog.String("addr", cfg.API.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", log.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("stopping scheduler", log.Error(err))
		}
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("stopping worker pool", log.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stopping API server", log.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
