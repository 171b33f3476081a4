// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Command icarusd is the ICARUS orchestrator composition root: it
// wires config, storage, the Docker sandbox driver, the Sentinel and
// the Job Engine into one process and serves the API Gateway, the same
// shape as src/main.go's worker bootstrap.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/joho/godotenv"

	"icarus/internal/api"
	"icarus/internal/config"
	"icarus/internal/engine"
	"icarus/internal/sandbox/docker"
	"icarus/internal/sentinel"
	"icarus/internal/store/postgres"
	"icarus/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file found, continuing with environment as-is: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("ICARUS_CONFIG_FILE"))
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	otelShutdown, err := telemetry.Setup(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	st, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		panic(fmt.Sprintf("failed to open store: %v", err))
	}
	defer st.Close()

	notifier, wake, err := postgres.NewNotifier(cfg.DatabaseURL)
	if err != nil {
		telemetry.Log(ctx, slog.LevelWarn, "failed to start LISTEN/NOTIFY wake-up, falling back to poll-only admission", "error", err)
	} else {
		defer notifier.Close()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		panic(fmt.Sprintf("failed to create docker client: %v", err))
	}
	defer cli.Close()

	driver := docker.New(cli)
	networkID, err := driver.EnsureNetwork(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup sandbox network: %v", err))
	}
	telemetry.Log(ctx, slog.LevelInfo, "sandbox network ready", "network_id", truncate(networkID, 12))

	var sent *sentinel.Sentinel
	if cfg.Sentinel.Enabled {
		sent = sentinel.New(
			cfg.Sentinel.YellowThreshold,
			cfg.Sentinel.RedThreshold,
			time.Duration(cfg.Sentinel.PollIntervalSeconds)*time.Second,
			driver,
		)
		go sent.Run(ctx)
	}

	callbackBaseURL := os.Getenv("ICARUS_CALLBACK_BASE_URL")
	if callbackBaseURL == "" {
		callbackBaseURL = fmt.Sprintf("http://host.docker.internal:%d", cfg.Orchestrator.Port)
	}

	eng := engine.New(cfg, st, driver, sent, engine.NoopCommitter{}, callbackBaseURL)
	go eng.Run(ctx)

	if wake != nil {
		go func() {
			for range wake {
				eng.WakeAdmission()
			}
		}()
	}

	gateway := api.New(eng)
	addr := fmt.Sprintf("%s:%d", cfg.Orchestrator.Host, cfg.Orchestrator.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: gateway.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		telemetry.Log(ctx, slog.LevelInfo, "API server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		telemetry.Log(ctx, slog.LevelError, "server startup failed", "error", err)
	case <-ctx.Done():
		telemetry.Log(ctx, slog.LevelInfo, "shutdown signal received, closing server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			telemetry.Log(ctx, slog.LevelError, "graceful shutdown failed", "error", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
