package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/config"
	"github.com/maatini/unistore/internal/db"
	"github.com/maatini/unistore/internal/httpapi"
	"github.com/maatini/unistore/internal/store/kv"
	"github.com/maatini/unistore/internal/store/object"
	"github.com/maatini/unistore/internal/watch"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "unistore").Logger()

	cfg := config.Load()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection and schema bootstrap
	dbURL := cfg.DatabaseURL()
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Bootstrap(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	// Stores
	kvStore := kv.NewStore(pool, cfg.KVMaxValueSize, cfg.KVMaxHistorySize)
	objStore := object.NewStore(pool, cfg.ObjectChunkSize, cfg.ObjectMaxObjectSize)

	// Watch hub: seed the bucket caches before the listener starts
	hub := watch.NewHub(pool, dbURL)
	if err := hub.Seed(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to seed watch hub")
	}
	go hub.Run(ctx)

	// TTL sweeper
	sweeper := kv.NewSweeper(pool, cfg.CleanupInterval)
	go sweeper.Run(ctx)

	// HTTP server setup
	srv := &httpapi.Server{
		DB:              pool,
		KV:              kvStore,
		Objects:         objStore,
		Hub:             hub,
		AuthSecret:      cfg.AuthSecret,
		RateLimitConfig: httpapi.DefaultRateLimitConfig(),
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
