package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/finalizer"
	"github.com/zex-protocol/zexporta/internal/logging"
	"github.com/zex-protocol/zexporta/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir, "finalizer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("finalizer starting",
		"env", cfg.Env,
		"chains", cfg.Chains,
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

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	for _, chain := range cfg.ChainConfigs() {
		client, err := chainclient.New(chain)
		if err != nil {
			slog.Error("failed to build chain client", "chain", chain.Symbol, "error", err)
			os.Exit(1)
		}

		var middleware []finalizer.Middleware
		if chain.Kind == models.ChainKindBTC {
			middleware = append(middleware, finalizer.NewBTCUTXOMiddleware(database))
		}

		fin := finalizer.New(chain, client, database, middleware...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fin.Run(ctx)
		}()
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	cancel()
	wg.Wait()
	slog.Info("finalizer stopped")
}
