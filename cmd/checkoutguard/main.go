package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/checkoutguard.yaml", "Path to configuration file")
	instance := flag.String("instance", "", "Instance name for status reports (default: hostname)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("checkoutguard %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Config()

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
		Rotation: logging.Rotation{
			MaxSize:    cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if *instance == "" {
		*instance, _ = os.Hostname()
	}

	profile := cfg.Profile()
	logging.Info("Starting checkoutguard",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("environment", cfg.Environment),
		zap.String("tier", profile.Name),
		zap.String("instance", *instance),
	)

	a, err := newApp(cfg, *instance, logger)
	if err != nil {
		logging.Error("Failed to build traffic control", zap.Error(err))
		os.Exit(1)
	}
	defer a.close()

	watcher.OnChange(a.reload)
	if err := watcher.Start(); err != nil {
		logging.Warn("Config watcher not started, live reload disabled", zap.Error(err))
	}
	defer watcher.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("checkoutguard stopped")
}
