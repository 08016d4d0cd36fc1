package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
)

// Middleware observes the finalizer's verdicts on each window. BTC uses
// it to move the backing UTXOs to UNSPENT or REJECTED.
type Middleware interface {
	OnFinalized(deposits []models.Deposit) error
	OnReorged(deposits []models.Deposit) error
}

// Finalizer promotes PENDING deposits under the finalized block to
// FINALIZED when their transaction is still on-chain, and demotes the
// rest of the window to REORG. The observer cursor never rewinds; this
// demotion is the only reorg handling in the system.
type Finalizer struct {
	chain      *config.ChainConfig
	client     chainclient.Client
	database   *db.DB
	middleware []Middleware
}

// New creates a finalizer for one chain.
func New(chain *config.ChainConfig, client chainclient.Client, database *db.DB, middleware ...Middleware) *Finalizer {
	return &Finalizer{
		chain:      chain,
		client:     client,
		database:   database,
		middleware: middleware,
	}
}

// Run loops until ctx is cancelled.
func (f *Finalizer) Run(ctx context.Context) {
	slog.Info("finalizer started", "chain", f.chain.Symbol)

	for {
		if err := f.finalizeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("finalizer stopped", "chain", f.chain.Symbol)
				return
			}
			slog.Error("finalize pass failed, retrying",
				"chain", f.chain.Symbol,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("finalizer stopped", "chain", f.chain.Symbol)
			return
		case <-time.After(f.chain.Delay):
		}
	}
}

// finalizeOnce settles every PENDING block at or below the chain's
// finalized height.
func (f *Finalizer) finalizeOnce(ctx context.Context) error {
	finalized, err := f.client.FinalizedBlock(ctx)
	if err != nil {
		return err
	}

	blocks, err := f.database.PendingBlockNumbers(f.chain.Symbol, finalized)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		slog.Debug("no pending deposits below finalized block",
			"chain", f.chain.Symbol,
			"finalized", finalized,
		)
		return nil
	}

	for start := 0; start < len(blocks); start += f.chain.BatchBlockSize {
		end := start + f.chain.BatchBlockSize
		if end > len(blocks) {
			end = len(blocks)
		}
		if err := f.settleWindow(ctx, finalized, blocks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// settleWindow resolves one window of pending block numbers.
func (f *Finalizer) settleWindow(ctx context.Context, finalized models.BlockNumber, window []models.BlockNumber) error {
	hashes, err := f.blockTxHashes(ctx, window)
	if err != nil {
		return err
	}

	// The deposits whose transactions survived become FINALIZED.
	survivors, err := f.database.FindDepositsByTxHashes(f.chain.Symbol, models.DepositPending, hashes)
	if err != nil {
		return err
	}
	if _, err := f.database.PromoteToFinalized(f.chain.Symbol, finalized, hashes); err != nil {
		return err
	}
	for i := range survivors {
		survivors[i].Status = models.DepositFinalized
	}
	for _, mw := range f.middleware {
		if err := mw.OnFinalized(survivors); err != nil {
			return fmt.Errorf("finalizer middleware: %w", err)
		}
	}

	// Whatever is still PENDING inside the window was orphaned.
	minBlock, maxBlock := window[0], window[len(window)-1]
	orphans, err := f.database.FindDepositsByStatus(f.chain.Symbol, models.DepositPending, &minBlock, &maxBlock, 0)
	if err != nil {
		return err
	}
	if _, err := f.database.DemoteToReorg(f.chain.Symbol, minBlock, maxBlock, models.DepositPending); err != nil {
		return err
	}
	for i := range orphans {
		orphans[i].Status = models.DepositReorg
	}
	for _, mw := range f.middleware {
		if err := mw.OnReorged(orphans); err != nil {
			return fmt.Errorf("finalizer middleware: %w", err)
		}
	}

	return nil
}

// blockTxHashes fetches the union of tx hashes the window's blocks
// contain, one concurrent call per block.
func (f *Finalizer) blockTxHashes(ctx context.Context, window []models.BlockNumber) ([]string, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		hashes   []string
	)

	for _, number := range window {
		wg.Add(1)
		go func(number models.BlockNumber) {
			defer wg.Done()
			blockHashes, err := f.client.BlockTxHashes(ctx, number)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("block %d tx hashes: %w", number, err)
				}
				return
			}
			hashes = append(hashes, blockHashes...)
		}(number)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return hashes, nil
}

// BTCUTXOMiddleware materializes the UTXO side of finalization:
// finalized deposits get an UNSPENT output, reorged ones REJECTED.
type BTCUTXOMiddleware struct {
	database *db.DB
}

// NewBTCUTXOMiddleware creates the BTC finalizer middleware.
func NewBTCUTXOMiddleware(database *db.DB) *BTCUTXOMiddleware {
	return &BTCUTXOMiddleware{database: database}
}

func (m *BTCUTXOMiddleware) OnFinalized(deposits []models.Deposit) error {
	return m.database.TransitionUTXOsForDeposits(deposits, models.UTXOProcessing, models.UTXOUnspent)
}

func (m *BTCUTXOMiddleware) OnReorged(deposits []models.Deposit) error {
	return m.database.TransitionUTXOsForDeposits(deposits, models.UTXOProcessing, models.UTXORejected)
}
