package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/deriver"
	"github.com/zex-protocol/zexporta/internal/explorer"
	"github.com/zex-protocol/zexporta/internal/models"
)

// DepositMiddleware runs over the deposits one observation produced
// before the cursor moves. BTC uses it to materialize PROCESSING UTXO
// rows alongside the deposits.
type DepositMiddleware func(deposits []models.Deposit) error

// Observer owns one chain's last-observed-block cursor and drives the
// explorer forward from it.
type Observer struct {
	chain      *config.ChainConfig
	client     chainclient.Client
	database   *db.DB
	registry   *deriver.Registry
	explorer   *explorer.Explorer
	middleware []DepositMiddleware
}

// New creates an observer for one chain.
func New(chain *config.ChainConfig, client chainclient.Client, database *db.DB, registry *deriver.Registry, middleware ...DepositMiddleware) *Observer {
	return &Observer{
		chain:      chain,
		client:     client,
		database:   database,
		registry:   registry,
		explorer:   explorer.New(client, database, chain.BatchBlockSize, chain.Delay),
		middleware: middleware,
	}
}

// Run loops until ctx is cancelled. Transient errors log and restart
// the iteration after the chain's delay; the cursor only moves after
// deposits and side-effects are persisted.
func (o *Observer) Run(ctx context.Context) {
	slog.Info("observer started", "chain", o.chain.Symbol)

	for {
		if err := o.observeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("observer stopped", "chain", o.chain.Symbol)
				return
			}
			slog.Error("observation failed, retrying",
				"chain", o.chain.Symbol,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("observer stopped", "chain", o.chain.Symbol)
			return
		case <-time.After(o.chain.Delay):
		}
	}
}

// observeOnce advances the cursor by at most one batch of blocks.
func (o *Observer) observeOnce(ctx context.Context) error {
	latest, err := o.client.LatestBlock(ctx)
	if err != nil {
		return err
	}

	lastObserved, ok, err := o.database.LastObservedBlock(o.chain.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		// First run: start just behind the tip.
		if latest == 0 {
			return nil
		}
		lastObserved = latest - 1
	}
	if lastObserved >= latest {
		slog.Debug("no new blocks",
			"chain", o.chain.Symbol,
			"lastObserved", lastObserved,
			"latest", latest,
		)
		return nil
	}

	toBlock := latest
	if max := lastObserved + models.BlockNumber(o.chain.BatchBlockSize); max < toBlock {
		toBlock = max
	}

	// Address sync failures must not stall observation; the filter just
	// runs against the last synced snapshot.
	if err := o.registry.Sync(ctx, o.chain.Symbol); err != nil {
		slog.Warn("address sync failed, continuing with stored addresses",
			"chain", o.chain.Symbol,
			"error", err,
		)
	}

	accepted, err := o.registry.ActiveAddresses(o.chain.Symbol)
	if err != nil {
		return err
	}

	deposits, err := o.explorer.Explore(ctx, lastObserved+1, toBlock, accepted)
	if err != nil {
		return err
	}

	if len(deposits) > 0 {
		if err := o.database.InsertDepositsIfNotExist(deposits); err != nil {
			return err
		}
		for _, mw := range o.middleware {
			if err := mw(deposits); err != nil {
				return err
			}
		}
		slog.Info("deposits observed",
			"chain", o.chain.Symbol,
			"count", len(deposits),
			"fromBlock", lastObserved+1,
			"toBlock", toBlock,
		)
	}

	// Cursor moves last: a crash before this line re-observes the same
	// window and the upserts absorb the duplicates.
	return o.database.SetLastObservedBlock(o.chain.Symbol, toBlock)
}

// BTCUTXOMiddleware records a PROCESSING UTXO per observed deposit
// output so the finalizer can materialize it later.
func BTCUTXOMiddleware(database *db.DB) DepositMiddleware {
	return func(deposits []models.Deposit) error {
		utxos := make([]models.UTXO, 0, len(deposits))
		for _, dep := range deposits {
			utxos = append(utxos, models.UTXO{
				TxHash:  dep.TxHash,
				Index:   dep.Index,
				Amount:  dep.Value.Int64(),
				Address: dep.To,
				Status:  models.UTXOProcessing,
				Salt:    dep.UserId,
			})
		}
		return database.InsertUTXOsIfNotExist(utxos)
	}
}
