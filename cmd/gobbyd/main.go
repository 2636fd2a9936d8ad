// Package main is the gobby daemon entry point: the local assistant that
// sits between AI coding front-ends and their MCP tool servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.gobby/config.yaml)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadWithPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Fatal("daemon startup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("gobby starting",
		zap.Int("port", cfg.DaemonPort),
		zap.String("database", cfg.DatabasePath))

	if err := d.Run(ctx); err != nil {
		log.Fatal("daemon exited with error", zap.Error(err))
	}
}
