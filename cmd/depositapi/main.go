package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/zex-protocol/zexporta/internal/api"
	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/healthcheck"
	"github.com/zex-protocol/zexporta/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir, "depositapi")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("deposit api starting",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.RunMigrations(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	health := healthcheck.NewRegistry()
	health.Register(healthcheck.CheckFunc{
		CheckName: "storage",
		Fn: func(ctx context.Context) error {
			return database.Conn().PingContext(ctx)
		},
	})
	for symbol, chain := range cfg.ChainConfigs() {
		client, err := chainclient.New(chain)
		if err != nil {
			slog.Error("failed to build chain client", "chain", symbol, "error", err)
			os.Exit(1)
		}
		health.Register(healthcheck.CheckFunc{
			CheckName: "rpc-" + symbol,
			Fn: func(ctx context.Context) error {
				_, err := client.LatestBlock(ctx)
				return err
			},
		})
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(cfg, database, health),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("deposit api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("deposit api stopped")
}
