package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-streambridge/pkg/config"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "streambridge.yaml", "path to the YAML config file (optional)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "streambridge").Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize bridge")
	}
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Bridge stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Bridge shut down gracefully.")
}
