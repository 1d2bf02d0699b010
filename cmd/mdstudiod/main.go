// Package main provides the mdstudiod binary entry point.
// mdstudiod runs the MDStudio microservice platform: the auth, db, schema
// and logger components over a NATS router, embedded by default.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdstudio/mdstudio/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mdstudiod"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "mdstudiod",
		Short: "MDStudio platform daemon",
		Long: `mdstudiod runs the MDStudio microservice platform for molecular
dynamics workflows.

It hosts:
- the auth component (token authority, login, authorization rings)
- the db component (per-component document storage)
- the schema component (endpoint/resource/claims schema registry)
- the logger component (log aggregation)

All components communicate over NATS; without --nats an embedded router
is started.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, natsURL, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&natsURL, "nats", "", "External NATS router URL (empty = embedded)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, natsURL, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags override the file and environment layers.
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	app := NewApp(cfg, logger)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return err
	}

	slog.Info("MDStudio platform ready",
		"version", Version,
		"router", app.RouterURL(),
		"realm", cfg.Realm)

	// Block until shutdown signal
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	slog.Info("MDStudio shutdown complete")
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.ApplyEnv()
		return cfg, nil
	}
	return config.NewLoader(slog.Default()).Load()
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
