package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/john/flashforge_bridge/bridge"
	"github.com/john/flashforge_bridge/coordinator"
	"github.com/john/flashforge_bridge/printer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	once := flag.Bool("once", false, "refresh once, print the snapshot as JSON and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid config: %v\n", err)
		os.Exit(2)
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	coord, err := newCoordinator(cfg, logger)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	if *once {
		if err := runOnce(coord, cfg, os.Stdout); err != nil {
			logger.Error("refresh failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("flashforge bridge starting",
		"printer", cfg.Printer.Host,
		"listen", cfg.ListenAddr(),
	)

	server := bridge.NewServer(bridge.ServerConfig{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, coord, logger)

	pollTimeout := time.Duration(cfg.Printer.HTTPTimeout+cfg.Printer.TCPTimeout) * time.Second
	poller := coordinator.NewPoller(coord, pollTimeout, logger)
	poller.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			exit = 1
		}
	}

	poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("server shutdown", "error", err)
	}
	logger.Info("bridge stopped")
	if exit != 0 {
		os.Exit(exit)
	}
}

func newCoordinator(cfg *Config, logger *slog.Logger) (*coordinator.Coordinator, error) {
	status := printer.NewStatusClient(cfg.StatusClientConfig())
	commands := printer.NewCommandClient(cfg.Printer.Host, cfg.Printer.TCPPort,
		time.Duration(cfg.Printer.TCPTimeout)*time.Second)

	return coordinator.New(cfg.CoordinatorConfig(), coordinator.Deps{
		Status:   status,
		Commands: commands,
		Logger:   logger,
		NewStatus: func(serial, checkCode string) coordinator.StatusFetcher {
			return status.WithCredentials(serial, checkCode)
		},
	})
}

// runOnce performs a single refresh and writes the snapshot.
func runOnce(coord *coordinator.Coordinator, cfg *Config, out io.Writer) error {
	timeout := time.Duration(cfg.Printer.HTTPTimeout+cfg.Printer.TCPTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := coord.Refresh(ctx); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(coord.Snapshot())
}
