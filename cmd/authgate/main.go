package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/gateway"
	"github.com/wudi/authgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/authgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("authgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting authgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("upstream", cfg.Upstream.URL),
		zap.Int("skip_urls", len(cfg.Auth.SkipURLs)),
	)

	// Bounds the initial JWKS fetch.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	server, err := gateway.NewServer(ctx, cfg, *configPath)
	cancel()
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
