package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/twis/internal/auth"
	"github.com/Tyrowin/twis/internal/chat"
	"github.com/Tyrowin/twis/internal/config"
	"github.com/Tyrowin/twis/internal/logging"
	"github.com/Tyrowin/twis/internal/server"
	"github.com/Tyrowin/twis/internal/store"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Twis stopped")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.Info().Msg("Starting Twis server...")

	for _, origin := range cfg.InvalidOrigins {
		logging.Warn().Str("origin", origin).Msg("Ignoring invalid allowed origin")
	}

	db, err := store.Open(cfg.StorePath, cfg.StoreInMemory)
	if err != nil {
		// Keep serving; every store call reports the failure until restart.
		logging.Error().Err(err).Str("path", cfg.StorePath).Msg("Document store connection error")
		db = store.Unavailable(err)
	} else {
		logging.Info().Str("path", cfg.StorePath).Bool("in_memory", cfg.StoreInMemory).Msg("Document store connected")
	}

	if cfg.SessionSecret == "" {
		logging.Warn().Msg("SESSION_SECRET is not set; session tokens will not survive a restart")
	}
	tokens, err := auth.NewTokens(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("session tokens: %w", err)
	}

	srv := server.New(cfg, auth.NewService(db, tokens), chat.NewService(db, cfg.HistoryLimit))
	srv.StartHub()

	httpServer := server.CreateServer(cfg.Addr(), srv.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
	}

	return errors.Join(
		err,
		server.ShutdownServer(httpServer, cfg.ShutdownTimeout),
		srv.Hub().Shutdown(cfg.ShutdownTimeout),
		db.Close(),
	)
}
