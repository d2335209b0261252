// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Wardend is the warden security agent daemon. It owns the encrypted
// vault, the signed integrity baseline, and the tamper-evident audit
// log, and serves the two local control sockets:
//
//   - status.sock answers unauthenticated status queries.
//   - command.sock executes commands after a challenge/response
//     handshake keyed on the vault's shared IPC secret.
//
// The daemon starts with the vault locked. "warden unlock" (or any
// authenticated peer) brings it online: baseline verification,
// real-time file watching, scheduled scans, and the optional signed
// heartbeat to a remote monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/warden-security/warden/lib/config"
	"github.com/warden-security/warden/lib/guard"
	"github.com/warden-security/warden/lib/ipcserver"
	"github.com/warden-security/warden/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to warden.yaml (defaults to $WARDEN_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("wardend %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	if _, err := os.Stat(cfg.VaultPath()); os.IsNotExist(err) {
		logger.Warn("no vault found; run 'warden init' to create one",
			"path", cfg.VaultPath())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := guard.New(cfg, logger, nil)
	if err := agent.Start(); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	defer agent.Shutdown()

	statusServer := ipcserver.NewStatusServer(cfg.StatusSocketPath(), agent.Status, logger)
	commandServer := ipcserver.NewCommandServer(cfg.CommandSocketPath(), agent.IPCSecret, logger,
		ipcserver.CommandServerOptions{
			SessionTTL: cfg.SessionTTL(),
			OnAuth:     agent.RecordAuthEvent,
		})
	agent.RegisterHandlers(commandServer)

	// The servers outlive any single connection; a listen failure on
	// either socket is fatal. The scheduler and heartbeat loops only
	// stop with the context.
	serveErrors := make(chan error, 2)
	go func() { serveErrors <- statusServer.Serve(ctx) }()
	go func() { serveErrors <- commandServer.Serve(ctx) }()
	go agent.RunScheduler(ctx)
	go agent.RunHeartbeat(ctx)

	logger.Info("wardend running",
		"version", version.Short(),
		"status_socket", cfg.StatusSocketPath(),
		"command_socket", cfg.CommandSocketPath())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-serveErrors:
		if err != nil {
			return fmt.Errorf("socket server failed: %w", err)
		}
		return nil
	}
}
