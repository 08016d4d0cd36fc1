package sa

import (
	"context"
	"log/slog"
	"time"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/zex"
)

// WithdrawObserver pulls new withdraw requests from Zex in strict nonce
// order and records them for the SA rounds. BTC withdraws enter the
// pipeline in PROCESSING (UTXO selection comes first); EVM withdraws
// enter PENDING.
type WithdrawObserver struct {
	chain    *config.ChainConfig
	database *db.DB
	zex      *zex.Client
	delay    time.Duration
}

// NewWithdrawObserver creates a withdraw observer for one chain.
func NewWithdrawObserver(chain *config.ChainConfig, database *db.DB, zexClient *zex.Client, delay time.Duration) *WithdrawObserver {
	return &WithdrawObserver{
		chain:    chain,
		database: database,
		zex:      zexClient,
		delay:    delay,
	}
}

// Run loops until ctx is cancelled.
func (o *WithdrawObserver) Run(ctx context.Context) {
	slog.Info("withdraw observer started", "chain", o.chain.Symbol)

	for {
		if err := o.observeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("withdraw observer stopped", "chain", o.chain.Symbol)
				return
			}
			slog.Error("withdraw observation failed, retrying",
				"chain", o.chain.Symbol,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("withdraw observer stopped", "chain", o.chain.Symbol)
			return
		case <-time.After(o.delay):
		}
	}
}

func (o *WithdrawObserver) observeOnce(ctx context.Context) error {
	last, err := o.database.LastWithdrawNonce(o.chain.Symbol)
	if err != nil {
		return err
	}
	zexLast, err := o.zex.LastWithdrawNonce(ctx, o.chain.Symbol)
	if err != nil {
		return err
	}
	if last >= zexLast {
		slog.Debug("no new withdraws",
			"chain", o.chain.Symbol,
			"lastNonce", last,
		)
		return nil
	}

	withdraws, err := o.zex.ListWithdraws(ctx, &zex.ChainRef{Symbol: o.chain.Symbol, ChainId: o.chain.ChainId}, uint64(last+1), 0)
	if err != nil {
		return err
	}
	if len(withdraws) == 0 {
		return nil
	}

	if o.chain.Kind == models.ChainKindBTC {
		for i := range withdraws {
			withdraws[i].Status = models.WithdrawProcessing
		}
	}

	if err := o.database.InsertWithdrawsIfNotExist(withdraws); err != nil {
		return err
	}

	// Cursor moves last and only as far as what was stored.
	if err := o.database.SetLastWithdrawNonce(o.chain.Symbol, last+int64(len(withdraws))); err != nil {
		return err
	}

	slog.Info("withdraws observed",
		"chain", o.chain.Symbol,
		"count", len(withdraws),
		"fromNonce", last+1,
	)
	return nil
}
