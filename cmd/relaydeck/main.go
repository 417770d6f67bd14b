package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaydeck/relaydeck/internal/app"
	"github.com/relaydeck/relaydeck/internal/bridge"
	"github.com/relaydeck/relaydeck/internal/config"
	"github.com/relaydeck/relaydeck/internal/credentials"
	"github.com/relaydeck/relaydeck/internal/logger"
	"github.com/relaydeck/relaydeck/internal/statusserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (default: platform config dir)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none")
	tokenPath := flag.String("token-path", "", "path to the bearer token file")
	statusPort := flag.Int("status-port", -1, "localhost port for the status endpoint, 0 to disable")
	local := flag.Bool("local", false, "connect to the local executor instead of discovering workspaces")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *tokenPath != "" {
		cfg.TokenPath = *tokenPath
	}
	if *statusPort >= 0 {
		cfg.StatusPort = *statusPort
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Global().Close()

	companion := app.New(cfg, &consoleEvents{})

	watcher, err := credentials.NewWatcher(cfg.TokenPath, companion.SetCredential)
	if err != nil {
		return fmt.Errorf("failed to create token watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to watch token file: %w", err)
	}
	defer watcher.Close()

	if *local {
		companion.Manager.ConnectToLocal(context.Background())
	}

	var status *statusserver.Server
	if cfg.StatusPort > 0 {
		status = statusserver.NewServer(companion, cfg.StatusPort)
		go func() {
			if err := status.Start(); err != nil {
				logger.Error("status server failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if status != nil {
		if err := status.Stop(); err != nil {
			logger.Warn("status server shutdown: %v", err)
		}
	}
	companion.Stop()
	return nil
}

// consoleEvents mirrors connection-lifecycle notifications to stderr so the
// companion is usable headless. The desktop UI subscribes through the status
// endpoint instead.
type consoleEvents struct{}

func (consoleEvents) Connecting(t bridge.Target) {
	fmt.Fprintf(os.Stderr, "connecting to %s (%s)\n", t.URL, t.Kind)
}

func (consoleEvents) Connected(t bridge.Target, remoteID string) {
	if remoteID != "" {
		fmt.Fprintf(os.Stderr, "connected to %s (%s)\n", t.URL, remoteID)
		return
	}
	fmt.Fprintf(os.Stderr, "connected to %s\n", t.URL)
}

func (consoleEvents) Disconnected(t bridge.Target) {
	fmt.Fprintf(os.Stderr, "disconnected from %s\n", t.URL)
}

func (consoleEvents) Reconnecting(attempt, max int) {
	fmt.Fprintf(os.Stderr, "reconnecting (%d/%d)\n", attempt, max)
}

func (consoleEvents) Switching(from, to bridge.Target) {
	fmt.Fprintf(os.Stderr, "switching %s -> %s\n", from.URL, to.URL)
}

func (consoleEvents) Error(t bridge.Target, message string) {
	fmt.Fprintf(os.Stderr, "connection error (%s): %s\n", t.URL, message)
}
