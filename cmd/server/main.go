// Package main is the entry point for the mediation server
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	mconfig "github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

func main() {
	// Parse configuration from flags and environment
	cfg := ParseConfig()

	// Initialize structured logger
	logger.Init(logger.DefaultConfig())
	log := logger.Log

	placements, err := mconfig.LoadPlacements(cfg.PlacementsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.PlacementsFile).Msg("Failed to load placements")
	}

	server, err := NewServer(cfg, placements)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		return server.RunEventFlusher(ctx, mconfig.EventFlushInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), mconfig.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}
