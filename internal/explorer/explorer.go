package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
)

// Explorer pulls block ranges through a chain client and distills them
// into PENDING deposits for the accepted address set.
type Explorer struct {
	client   chainclient.Client
	database *db.DB

	// BatchBlockSize bounds the per-window RPC fan-out; Delay is the
	// minimum wall-clock spent per window (backpressure on the RPC).
	BatchBlockSize int
	Delay          time.Duration
}

// New creates an explorer over one chain client.
func New(client chainclient.Client, database *db.DB, batchBlockSize int, delay time.Duration) *Explorer {
	return &Explorer{
		client:         client,
		database:       database,
		BatchBlockSize: batchBlockSize,
		Delay:          delay,
	}
}

// Explore walks [fromBlock, toBlock] inclusive and returns the PENDING
// deposits those blocks contain for the accepted addresses. Windows are
// processed sequentially; blocks inside a window concurrently.
func (e *Explorer) Explore(ctx context.Context, fromBlock, toBlock models.BlockNumber, accepted map[string]models.UserId) ([]models.Deposit, error) {
	var result []models.Deposit

	for _, window := range BlockWindows(fromBlock, toBlock, e.BatchBlockSize) {
		windowStart := time.Now()
		slog.Debug("exploring block window",
			"chain", e.client.Symbol(),
			"from", window[0],
			"to", window[len(window)-1],
		)

		transfers, err := e.extractWindow(ctx, window)
		if err != nil {
			return nil, err
		}

		deposits, err := e.AcceptDeposits(ctx, transfers, accepted, models.DepositPending, 0)
		if err != nil {
			return nil, err
		}
		result = append(result, deposits...)

		if remaining := e.Delay - time.Since(windowStart); remaining > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(remaining):
			}
		}
	}

	return result, nil
}

// extractWindow runs one ExtractTransfers call per block concurrently
// and flattens the results. Any block failure fails the window so the
// cursor never skips past unseen transfers.
func (e *Explorer) extractWindow(ctx context.Context, window []models.BlockNumber) ([]models.Transfer, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		result   []models.Transfer
	)

	for _, number := range window {
		wg.Add(1)
		go func(number models.BlockNumber) {
			defer wg.Done()
			transfers, err := e.client.ExtractTransfers(ctx, number)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("extract block %d: %w", number, err)
				}
				return
			}
			result = append(result, transfers...)
		}(number)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// AcceptDeposits keeps the transfers addressed to the accepted set,
// confirms each survivor's on-chain success, resolves its token
// decimals through the write-through cache and wraps it into a Deposit
// with the given status. Shared between the observer path and the
// validator's per-tx verification.
func (e *Explorer) AcceptDeposits(ctx context.Context, transfers []models.Transfer, accepted map[string]models.UserId, status models.DepositStatus, saTimestamp int64) ([]models.Deposit, error) {
	var result []models.Deposit
	for _, transfer := range transfers {
		userId, ok := accepted[transfer.To]
		if !ok {
			continue
		}

		ok, err := e.client.IsSuccessful(ctx, transfer.TxHash)
		if err != nil {
			return nil, fmt.Errorf("check tx %s success: %w", transfer.TxHash, err)
		}
		if !ok {
			slog.Debug("dropping unsuccessful tx",
				"chain", e.client.Symbol(),
				"txHash", transfer.TxHash,
			)
			continue
		}

		decimals, err := e.TokenDecimals(ctx, transfer.Token)
		if err != nil {
			return nil, err
		}

		result = append(result, models.Deposit{
			Transfer:    transfer,
			UserId:      userId,
			Decimals:    decimals,
			Status:      status,
			SaTimestamp: saTimestamp,
		})
	}
	return result, nil
}

// TokenDecimals resolves a token's decimals through the persistent
// cache, asking the chain on a miss and writing the answer through.
func (e *Explorer) TokenDecimals(ctx context.Context, tokenAddress string) (uint8, error) {
	decimals, ok, err := e.database.TokenDecimals(e.client.Symbol(), tokenAddress)
	if err != nil {
		return 0, err
	}
	if ok {
		return decimals, nil
	}

	decimals, err = e.client.TokenDecimals(ctx, tokenAddress)
	if err != nil {
		return 0, fmt.Errorf("fetch decimals of %s: %w", tokenAddress, err)
	}
	if err := e.database.InsertTokenDecimals(e.client.Symbol(), tokenAddress, decimals); err != nil {
		return 0, err
	}
	return decimals, nil
}

// BlockWindows splits [fromBlock, toBlock] into consecutive windows of
// at most batchSize blocks.
func BlockWindows(fromBlock, toBlock models.BlockNumber, batchSize int) [][]models.BlockNumber {
	if toBlock < fromBlock || batchSize < 1 {
		return nil
	}
	var windows [][]models.BlockNumber
	for start := fromBlock; start <= toBlock; start += models.BlockNumber(batchSize) {
		end := start + models.BlockNumber(batchSize) - 1
		if end > toBlock {
			end = toBlock
		}
		window := make([]models.BlockNumber, 0, end-start+1)
		for n := start; n <= end; n++ {
			window = append(window, n)
		}
		windows = append(windows, window)
	}
	return windows
}
