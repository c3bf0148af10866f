// Command devcollector runs a local collection endpoint that logs envelopes
// and answers with configured destinations.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/devcollector"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a collector YAML config")
	port := flag.String("port", "", "listen address, overrides http_port")
	flag.Parse()

	cfg := &devcollector.Config{}
	if *configPath != "" {
		var err error
		cfg, err = devcollector.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
	}
	if *port != "" {
		cfg.HTTPPort = *port
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = ":8080"
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	server, err := devcollector.NewServer(*cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create collector")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start collector")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Collector shutdown failed")
	}
}
