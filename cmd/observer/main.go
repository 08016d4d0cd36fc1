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
	"github.com/zex-protocol/zexporta/internal/deriver"
	"github.com/zex-protocol/zexporta/internal/logging"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/observer"
	"github.com/zex-protocol/zexporta/internal/zex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir, "observer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("observer starting",
		"env", cfg.Env,
		"chains", cfg.Chains,
		"dbPath", cfg.DBPath,
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

	zexClient := zex.NewClient(cfg.Zex.BaseURL, chainclient.NewHTTPClient())
	registry, err := deriver.NewRegistry(database, zexClient, cfg)
	if err != nil {
		slog.Error("failed to build address registry", "error", err)
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

		var middleware []observer.DepositMiddleware
		if chain.Kind == models.ChainKindBTC {
			middleware = append(middleware, observer.BTCUTXOMiddleware(database))
		}

		obs := observer.New(chain, client, database, registry, middleware...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.Run(ctx)
		}()
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	cancel()
	wg.Wait()
	slog.Info("observer stopped")
}
