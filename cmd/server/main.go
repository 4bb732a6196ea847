// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/unclebandit/sms-dispatch/internal/app"
	"github.com/unclebandit/sms-dispatch/internal/config"
	"github.com/unclebandit/sms-dispatch/internal/db"
	"github.com/unclebandit/sms-dispatch/internal/logger"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	migrate := pflag.Bool("migrate", false, "apply the database schema before serving")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Dir: cfg.LogDir, Pretty: cfg.LogPretty, Name: "sms-server"})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrate && cfg.StorageDriver == "postgres" {
		conn, err := db.Open(ctx, cfg.DSN(), log)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		if err := db.Migrate(ctx, conn); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		conn.Close()
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// Without a broker nothing else can drain the queue.
	if !a.Broker {
		if err := a.StartConsumers(ctx); err != nil {
			log.Fatal().Err(err).Msg("starting in-process consumers failed")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("storage", cfg.StorageDriver).Bool("broker", a.Broker).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
