package chainclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/models"
)

// Client is the per-chain RPC capability the pipeline is built on.
// Implementations are shared-by-chain singletons holding their own
// connection pools.
type Client interface {
	// Symbol returns the chain symbol this client serves (e.g. "SEP").
	Symbol() string
	// LatestBlock returns the chain tip height.
	LatestBlock(ctx context.Context) (models.BlockNumber, error)
	// FinalizedBlock returns the highest irreversible block, either by
	// tag or by depth (latest - finalize_block_count).
	FinalizedBlock(ctx context.Context) (models.BlockNumber, error)
	// BlockTxHashes returns the tx hashes a block contains.
	BlockTxHashes(ctx context.Context, number models.BlockNumber) ([]string, error)
	// ExtractTransfers fetches a block with transactions and decodes
	// each to zero or more Transfers. Garbled inputs are skipped.
	ExtractTransfers(ctx context.Context, number models.BlockNumber) ([]models.Transfer, error)
	// TransfersByTxHash returns the transfers a single transaction
	// carries: one for EVM, one per addressed output for BTC.
	TransfersByTxHash(ctx context.Context, txHash string) ([]models.Transfer, error)
	// IsSuccessful reports whether the transaction executed successfully.
	IsSuccessful(ctx context.Context, txHash string) (bool, error)
	// TokenDecimals returns a token's decimals; the zero address means
	// the chain's native asset.
	TokenDecimals(ctx context.Context, tokenAddress string) (uint8, error)
	// SendRaw broadcasts a serialized signed transaction.
	SendRaw(ctx context.Context, rawTx []byte) (string, error)
}

// New builds the client matching the chain section's kind.
func New(chain *config.ChainConfig) (Client, error) {
	switch chain.Kind {
	case models.ChainKindEVM:
		return NewEVMClient(chain)
	case models.ChainKindBTC:
		return NewBTCClient(chain), nil
	default:
		return nil, fmt.Errorf("unknown chain kind %q", chain.Kind)
	}
}

// NewHTTPClient creates a configured HTTP client for indexer use.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:     config.HTTPMaxConnsPerHost,
		MaxIdleConnsPerHost: config.HTTPMaxIdleConnsPerHost,
		MaxIdleConns:        config.HTTPMaxIdleConns,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.RPCRequestTimeout,
	}
}
