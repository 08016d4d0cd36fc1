package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/deriver"
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/logging"
	"github.com/zex-protocol/zexporta/internal/sequencer"
	"github.com/zex-protocol/zexporta/internal/validator"
	"github.com/zex-protocol/zexporta/internal/zex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir, "validator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("validator starting",
		"env", cfg.Env,
		"chains", cfg.Chains,
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

	dkg, err := frost.ParseDKGFile(cfg.DKG.JSONPath, cfg.DKG.Name)
	if err != nil {
		slog.Error("failed to parse dkg file", "error", err)
		os.Exit(1)
	}
	signer, err := validator.NewShareSigner(dkg.ShareHex)
	if err != nil {
		slog.Error("failed to load key share", "error", err)
		os.Exit(1)
	}

	zexClient := zex.NewClient(cfg.Zex.BaseURL, chainclient.NewHTTPClient())
	registry, err := deriver.NewRegistry(database, zexClient, cfg)
	if err != nil {
		slog.Error("failed to build address registry", "error", err)
		os.Exit(1)
	}

	clients := make(map[string]chainclient.Client)
	for symbol, chain := range cfg.ChainConfigs() {
		client, err := chainclient.New(chain)
		if err != nil {
			slog.Error("failed to build chain client", "chain", symbol, "error", err)
			os.Exit(1)
		}
		clients[symbol] = client
	}

	seq := sequencer.NewClient(cfg.Sequencer, chainclient.NewHTTPClient())
	handler := validator.NewHandler(cfg, database, registry, clients, zexClient, seq)
	node := validator.NewNode(handler, signer)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      node.Router(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("validator listening", "addr", addr)
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

	slog.Info("validator stopped")
}
