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

	"github.com/gin-gonic/gin"
	"github.com/habitlog/internal/config"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/handler"
	"github.com/habitlog/internal/logger"
	"github.com/habitlog/internal/router"
	"github.com/habitlog/internal/service"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, log *logger.Logger) error {
	// 初始化数据库
	gdb, err := db.Open(db.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DSN()})
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	if user, err := db.EnsureUser(gdb, cfg.SuperRootUserName, cfg.SuperRootPassword); err != nil {
		return fmt.Errorf("ensure super root user: %w", err)
	} else if user != nil {
		log.Info("super root user ready", "username", user.Username)
	}

	opts := handler.Options{
		Verifier: service.VerifierOptions{
			SampleSize:            cfg.VerifySampleSize,
			ExpectedSourceVersion: cfg.ExpectedSourceVersion,
		},
	}
	if cfg.AlertWebhookURL != "" {
		opts.Notifier = service.NewWebhookNotifier(cfg.AlertWebhookURL, log)
	} else {
		log.Warn("ALERT_WEBHOOK_URL not set, drift alerts are disabled")
	}

	gin.SetMode(cfg.GinMode)
	api := handler.NewAPI(gdb, log, opts)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.SetupRouter(api, cfg.SessionSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr, "driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return service.RunVerifySchedule(gctx, api.Verifier(), cfg.VerifyInterval, log)
	})

	return g.Wait()
}
