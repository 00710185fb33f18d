// Package main runs the raffle engine daemon: the raffle state machine, the
// randomness coordinator, the upkeep keeper, the optional Redis event relay
// and the operator HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openraffle/raffle-engine/internal/config"
	"github.com/openraffle/raffle-engine/internal/runtime"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML configuration file")
	envFile := flag.String("env", "", "Optional .env file applied before the config loads")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("load env (%s): %v", *envFile, err)
		}
	} else {
		_ = godotenv.Load() // allow .env for local runs
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	app, err := runtime.New(cfg, appLog)
	if err != nil {
		log.Fatalf("assemble application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.WithField("signal", sig.String()).Info("shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		appLog.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
	appLog.Info("raffle engine stopped")
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[raffled] ")
}
