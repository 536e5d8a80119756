// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coredb-io/meshring/internal/config"
	"github.com/coredb-io/meshring/internal/messaging"
	"github.com/coredb-io/meshring/internal/metrics"
	"github.com/USA-RedDragon/configulator"
	"github.com/lmittmann/tint"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meshring",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("meshring - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registerer := prometheus.DefaultRegisterer
	metricsCollectors := messaging.NewMetrics(registerer)

	// The messaging package logs on its hot paths (sweeper, writer, reader)
	// through pingcap/log's global zap logger, a lower-allocation shim than
	// slog; the CLI bootstrap above stays on slog+tint for readability.
	var messagingLogger *zap.Logger = log.L()

	hub := messaging.NewHub(messaging.HubConfig{
		Outbound: messaging.OutboundConfig{
			RateLimit:     rate.Limit(cfg.Messaging.OutboundRateLimit),
			DropThreshold: cfg.Messaging.DropThreshold,
		},
		CallbackTTL: cfg.Messaging.RPCTimeout,
	}, messagingLogger, metricsCollectors)

	if err := registerExampleHandlers(hub); err != nil {
		return fmt.Errorf("failed to register verb handlers: %w", err)
	}

	listener := messaging.NewListener(messaging.ListenerConfig{
		BindAddr: cfg.Messaging.BindAddr,
	}, hub, messagingLogger)

	go func() {
		if err := metrics.CreateMetricsServer(cfg); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- listener.Serve(ctx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := listener.WaitUntilListening(waitCtx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	slog.Info("meshring ready to accept traffic", "bind_addr", cfg.Messaging.BindAddr)

	setupShutdownHandlers(ctx, hub, listener)
	return <-listenErrCh
}

// registerExampleHandlers wires the verbs this repo ships worked examples
// for (echo) so the listener has at least one live round trip to serve.
func registerExampleHandlers(hub *messaging.Hub) error {
	return hub.RegisterVerbHandler(messaging.VerbEcho, func(msg messaging.MessageIn) {
		_ = hub.SendReply(msg.From, msg.ID, messaging.VerbRequestResponse, messaging.EchoPayload{})
	})
}

// loadConfig loads the configuration from context.
func loadConfig(ctx context.Context) (*config.Config, error) {
	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.LoadWithoutValidation()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// setupLogger configures the structured logger.
func setupLogger(cfg *config.Config) {
	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// setupShutdownHandlers blocks until SIGINT/SIGTERM/SIGQUIT/SIGHUP is
// received, then performs an orderly shutdown: stop accepting new
// connections, drain the hub, and force-exit if shutdown overruns its
// budget.
func setupShutdownHandlers(ctx context.Context, hub *messaging.Hub, listener *messaging.Listener) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	sig := <-sigCh
	slog.Error("shutting down due to signal", "signal", sig)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Close(); err != nil {
			slog.Error("failed to close listener", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		defer cancel()
		hub.Shutdown(shutdownCtx)
	}()

	const timeout = 10 * time.Second
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		slog.Info("all components stopped, shutting down gracefully")
		os.Exit(0)
	case <-time.After(timeout):
		slog.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
