package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hl-paper-arb/internal/app"
	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to dotenv file")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
