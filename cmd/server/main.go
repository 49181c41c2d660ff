// cmd/server/main.go
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
	"github.com/karchevskii/tictactoe/internal/bus"
	"github.com/karchevskii/tictactoe/internal/cache"
	"github.com/karchevskii/tictactoe/internal/config"
	"github.com/karchevskii/tictactoe/internal/game"
	"github.com/karchevskii/tictactoe/internal/handlers"
	"github.com/karchevskii/tictactoe/internal/hub"
	"github.com/karchevskii/tictactoe/internal/lease"
	"github.com/karchevskii/tictactoe/internal/store"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:   "tictactoe-server",
		Usage:  "real-time tic-tac-toe game service",
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
	if err := cfg.Validate(); err != nil {
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

	resolver, err := auth.NewResolver(cfg.UsersServiceURL, cfg.JWTPublicKeyPath, cfg.AuthCookie)
	if err != nil {
		return err
	}

	h := hub.New(bus.NewRedisBus(rdb, logger), logger)
	defer h.Close()
	log := logger.WithField("instance_id", h.InstanceID)

	svc := game.NewService(
		store.New(rdb, log),
		h,
		store.NewPresence(rdb, h.InstanceID, cfg.PresenceTTL()),
		log,
		game.Options{FinishedGrace: cfg.FinishedGrace},
	)
	monitor := game.NewMonitor(svc, lease.New(rdb, cache.StaleSweeperLease, cfg.LeaseTTL()), game.MonitorConfig{
		MonitorInterval:    cfg.MonitorInterval,
		SweepInterval:      cfg.SweepInterval,
		DisconnectTimeout:  cfg.DisconnectTimeout,
		CompletedRetention: cfg.CompletedRetention,
		WaitingExpiry:      cfg.WaitingExpiry,
	}, log)

	gs := &handlers.GameServer{
		Service:        svc,
		Resolver:       resolver,
		CookieName:     cfg.AuthCookie,
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.PingInterval,
		Logger:         log,
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gs.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Running on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return monitor.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
