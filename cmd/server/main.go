package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/chatsync/internal/api"
	"github.com/manpreetbhatti/chatsync/internal/broker"
	"github.com/manpreetbhatti/chatsync/internal/compaction"
	"github.com/manpreetbhatti/chatsync/internal/config"
	"github.com/manpreetbhatti/chatsync/internal/db"
	"github.com/manpreetbhatti/chatsync/internal/logging"
	"github.com/manpreetbhatti/chatsync/internal/store"
	"github.com/manpreetbhatti/chatsync/internal/ws"
)

// Everything a history backend has to provide.
type historyStore interface {
	ws.History
	api.Store
	compaction.Store
}

func main() {
	cfg, err := config.LoadServer("")
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment(), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := ws.Options{
		Catalog:           cfg.Rooms,
		HistoryLimit:      cfg.HistoryLimit,
		Logger:            logger,
		MessagesPerSecond: cfg.RateLimit.PerSecond,
		MessageBurst:      cfg.RateLimit.Burst,
	}

	var history historyStore
	switch cfg.Backend {
	case "redis":
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		history = redisStore
		opts.Presence = redisStore
		logger.Info().Msg("connected to Redis")
	default:
		database, err := db.New(cfg.DBPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize database")
		}
		defer database.Close()
		for _, room := range cfg.Rooms {
			if err := database.EnsureRoom(ctx, room); err != nil {
				logger.Fatal().Err(err).Str("room", room).Msg("failed to register room")
			}
		}
		history = database
		logger.Info().Str("path", cfg.DBPath).Msg("opened database")
	}
	opts.History = history

	if cfg.NATSURL != "" {
		nodeID := cfg.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		natsBroker, err := broker.NewNATSBroker(cfg.NATSURL, nodeID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		defer natsBroker.Close()
		opts.Broker = natsBroker
		logger.Info().Str("node", nodeID).Msg("connected to NATS")
	}

	hub := ws.NewHub(opts)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("hub stopped")
			stop()
		}
	}()

	retention := compaction.New(history, cfg.Rooms, compaction.Config{
		Interval:           cfg.Retention.Interval,
		MessageThreshold:   cfg.Retention.Threshold,
		KeepRecentMessages: cfg.Retention.Keep,
	}, logger)
	retention.Start()

	router := api.NewRouter(api.New(hub, history, logger), cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("env", cfg.Env).
			Str("backend", cfg.Backend).
			Strs("rooms", cfg.Rooms).
			Msg("starting chatsync server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	retention.Stop()
	<-hubDone

	logger.Info().Msg("server exited")
}
