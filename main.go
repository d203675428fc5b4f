package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"uplink/internal/config"
	"uplink/internal/payload"
	"uplink/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg := config.Load()

	endpoint := flag.String("endpoint", cfg.Endpoint, "Platform API base URL")
	channelURL := flag.String("channel-url", cfg.ChannelURL, "Realtime channel websocket URL")
	dataDir := flag.String("data-dir", cfg.DataDir, "Data directory (sqlite + payloads)")
	view := flag.String("view", cfg.View, "Current view identity")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfg.Endpoint = *endpoint
	cfg.ChannelURL = *channelURL
	cfg.DataDir = *dataDir
	cfg.View = *view

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if RunCLI(flag.Args(), cfg) {
		return
	}

	slog.Info("starting agent", "version", Version, "endpoint", cfg.Endpoint, "data_dir", cfg.DataDir)

	meta, err := store.Open(dbPath(cfg))
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := meta.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	payloads, err := payload.NewStore(payloadDir(cfg))
	if err != nil {
		slog.Error("initialize payload store", "err", err)
		os.Exit(1)
	}

	agent := NewAgent(cfg, meta, payloads)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		slog.Error("start agent", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			// Operator hint that connectivity returned — wake the queue.
			agent.NotifyOnline()
			continue
		}
		slog.Info("received signal, shutting down", "signal", sig.String())
		break
	}
	agent.Stop()
	slog.Info("agent stopped")
}

func dbPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "uplink.db")
}

func payloadDir(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "payloads")
}

func recordingsDir(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "recordings")
}
