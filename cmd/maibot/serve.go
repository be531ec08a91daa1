package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SnowindMe/MaiBot/internal/api"
	"github.com/SnowindMe/MaiBot/internal/buildinfo"
	"github.com/SnowindMe/MaiBot/internal/connwatch"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/mqtt"
	"github.com/SnowindMe/MaiBot/internal/outbound"
)

const shutdownTimeout = 5 * time.Second

// runServe handles "maibot serve". It connects to the broker (when
// configured), starts the background loops and the API server, and
// blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. The signal cancels ctx; every loop returns.
//  2. The bridge publishes "offline" and disconnects.
//  3. The API server drains in-flight requests.
//  4. Willingness is saved by its loop; the database closes via defer.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting MaiBot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Chat,
		"ollama_url", cfg.Models.OllamaURL,
		"mqtt", cfg.MQTT.Configured(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The bridge is both the inbound source and the outbound transport,
	// so its handler closes over the app built after it.
	var (
		a         *app
		bridge    *mqtt.Bridge
		transport outbound.Transport
	)
	bus := events.New()
	if cfg.MQTT.Configured() {
		bridge = mqtt.New(cfg.MQTT, func(ctx context.Context, payload []byte) {
			a.handle(ctx, payload)
		}, bus, logger)
		transport = bridge
	} else {
		logger.Warn("mqtt not configured, replies are only logged")
	}

	a, err = newApp(ctx, cfg, bus, transport, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a, bus, a.registry, logger)
	ollamaWatch := connwatch.New(connwatch.Config{
		Name:   "ollama",
		Probe:  a.ollama.Ping,
		Bus:    bus,
		Logger: logger,
	})
	server.AddHealthCheck("ollama", ollamaWatch.Check)
	if bridge != nil {
		server.AddHealthCheck("mqtt", bridge.AwaitConnection)
	}

	g, gctx := errgroup.WithContext(ctx)
	a.runLoops(gctx, g, true)
	g.Go(func() error { ollamaWatch.Run(gctx); return nil })
	if bridge != nil {
		g.Go(func() error { return bridge.Start(gctx) })
	}
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if bridge != nil {
			if err := bridge.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("MaiBot stopped")
	return nil
}
