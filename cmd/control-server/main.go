// Command control-server runs the swarm control server: it accepts UI
// WebSocket connections, dials the configured relay backends, and
// multiplexes commands between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/codewire/internal/config"
	"github.com/codewiresh/codewire/internal/fleet"
	"github.com/codewiresh/codewire/internal/gateway"
	"github.com/codewiresh/codewire/internal/registry"
	"github.com/codewiresh/codewire/internal/relay"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2

	shutdownGrace = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	var logLevel string
	var logJSON bool

	root := &cobra.Command{
		Use:   "control-server [config-path]",
		Short: "Swarm control server: WebSocket broker for toio cube fleets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(logLevel, logJSON)

			path := resolveConfigPath(args)
			return serve(cmd.Context(), path)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			slog.Error(exitErr.Error())
			return exitErr.code
		}
		slog.Error("control-server: fatal error", "err", err)
		return exitConfigError
	}
	return exitOK
}

// exitError carries the process exit code a failure should produce, so
// run() doesn't have to re-classify errors cobra has already bubbled up.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func resolveConfigPath(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	const primary = "config/control_server.json"
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	return "config/control_server.example.json"
}

func configureLogging(level string, asJSON bool) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfigError, err: fmt.Errorf("loading %s: %w", configPath, err)}
	}

	reg := registry.New()
	orchestrator := fleet.New(reg)

	relayManager, err := relay.NewManager(reg, cfg)
	if err != nil {
		return &exitError{code: exitConfigError, err: fmt.Errorf("configuring relays: %w", err)}
	}

	server := gateway.NewServer("/ws/ui")
	gw := gateway.New(server, relayManager, reg, orchestrator, cfg.Field)
	gw.RegisterHandlers()

	if err := server.Start(cfg.UI.Host, cfg.UI.Port); err != nil {
		return &exitError{code: exitBindError, err: err}
	}

	relayManager.Start(ctx)
	slog.Info("control-server: started", "ui_addr", fmt.Sprintf("%s:%d", cfg.UI.Host, cfg.UI.Port), "relays", len(cfg.Relays))

	<-ctx.Done()
	slog.Info("control-server: shutting down")

	relayManager.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("control-server: graceful shutdown error", "err", err)
	}
	return nil
}
