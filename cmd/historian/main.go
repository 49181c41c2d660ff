// cmd/historian/main.go is the audit-log service. It drains the
// completed_games stream into PostgreSQL and serves each user's finished
// games over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/cache"
	"github.com/karchevskii/tictactoe/internal/config"
	"github.com/karchevskii/tictactoe/internal/database"
	"github.com/karchevskii/tictactoe/internal/handlers"
	"github.com/karchevskii/tictactoe/internal/historian"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:   "tictactoe-historian",
		Usage:  "records finished games and serves game history",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.FromCommand(cmd)
	if err := cfg.ValidateHistorian(); err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Connect(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	recorder := database.NewHistoryRecorder(pool)

	resolver, err := auth.NewResolver(cfg.UsersServiceURL, cfg.JWTPublicKeyPath, cfg.AuthCookie)
	if err != nil {
		return err
	}

	consumer := historian.NewConsumer(rdb, recorder, logger, historian.Options{
		Group:    cfg.HistorianGroup,
		Consumer: cfg.HistorianConsumer,
	})
	hs := &handlers.HistoryServer{
		History:        recorder,
		Resolver:       resolver,
		CookieName:     cfg.AuthCookie,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	srv := &http.Server{
		Addr:              cfg.HistoryAddr,
		Handler:           hs.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		logger.Infof("Running on %s", cfg.HistoryAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("history server exited: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
