package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
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
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/logging"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/sa"
	"github.com/zex-protocol/zexporta/internal/sequencer"
	"github.com/zex-protocol/zexporta/internal/vault"
	"github.com/zex-protocol/zexporta/internal/zex"
)

func main() {
	role := flag.String("role", "deposit", "sa role: deposit | withdraw-observer | withdraw | vault-depositor")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir, "sa-"+*role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("sa starting",
		"role", *role,
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

	zexClient := zex.NewClient(cfg.Zex.BaseURL, chainclient.NewHTTPClient())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	spawn := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	switch *role {
	case "deposit":
		dkg, shieldKey := mustRoundKeys(cfg)
		signer := frost.NewAggregator(cfg.SA.Timeout)
		for _, chain := range cfg.ChainConfigs() {
			round := sa.NewDepositRound(chain, database, signer, dkg, zexClient, shieldKey, cfg)
			spawn(round.Run)
		}

	case "withdraw-observer":
		for _, chain := range cfg.ChainConfigs() {
			obs := sa.NewWithdrawObserver(chain, database, zexClient, cfg.SA.Delay)
			spawn(obs.Run)
		}

	case "withdraw":
		dkg, shieldKey := mustRoundKeys(cfg)
		signer := frost.NewAggregator(cfg.SA.Timeout)
		withdrawerKey, err := cfg.WithdrawerKey()
		if err != nil {
			slog.Error("failed to load withdrawer key", "error", err)
			os.Exit(1)
		}
		seq := sequencer.NewClient(cfg.Sequencer, chainclient.NewHTTPClient())

		for _, chain := range cfg.ChainConfigs() {
			switch chain.Kind {
			case models.ChainKindEVM:
				client, err := chainclient.NewEVMClient(chain)
				if err != nil {
					slog.Error("failed to build evm client", "chain", chain.Symbol, "error", err)
					os.Exit(1)
				}
				v := vault.New(client.Eth(), chain.VaultAddress, chain.ChainId, withdrawerKey, chain.Delay)
				round := sa.NewEVMWithdrawRound(chain, database, signer, dkg, v, shieldKey, cfg.SA.Delay)
				spawn(round.Run)
			case models.ChainKindBTC:
				client := chainclient.NewBTCClient(chain)
				round := sa.NewBTCWithdrawRound(chain, database, client, signer, dkg, seq, deriver.NetworkParams(cfg.BTCNetwork), cfg.SA.Delay)
				spawn(round.Run)
			}
		}

	case "vault-depositor":
		withdrawerKey, err := cfg.WithdrawerKey()
		if err != nil {
			slog.Error("failed to load withdrawer key", "error", err)
			os.Exit(1)
		}
		for _, chain := range cfg.ChainConfigs() {
			if chain.Kind != models.ChainKindEVM {
				continue
			}
			client, err := chainclient.NewEVMClient(chain)
			if err != nil {
				slog.Error("failed to build evm client", "chain", chain.Symbol, "error", err)
				os.Exit(1)
			}
			dep := sa.NewVaultDepositor(chain, client, database, cfg.UserDeposit.FactoryAddress, withdrawerKey, cfg.SA.Delay)
			spawn(dep.Run)
		}

	default:
		slog.Error("unknown role", "role", *role)
		os.Exit(1)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	cancel()
	wg.Wait()
	slog.Info("sa stopped")
}

func mustRoundKeys(cfg *config.Config) (*frost.DKGKey, *ecdsa.PrivateKey) {
	dkg, err := frost.ParseDKGFile(cfg.DKG.JSONPath, cfg.DKG.Name)
	if err != nil {
		slog.Error("failed to parse dkg file", "error", err)
		os.Exit(1)
	}
	shieldKey, err := cfg.ShieldKey()
	if err != nil {
		slog.Error("failed to load shield key", "error", err)
		os.Exit(1)
	}
	return dkg, shieldKey
}
