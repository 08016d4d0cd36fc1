package chainclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/models"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_from","type":"address"},{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EVMClient implements Client over a go-ethereum JSON-RPC connection.
type EVMClient struct {
	chain *config.ChainConfig
	eth   *ethclient.Client
	rpc   *rpc.Client
}

// NewEVMClient dials the chain section's RPC endpoint.
func NewEVMClient(chain *config.ChainConfig) (*EVMClient, error) {
	rpcClient, err := rpc.Dial(chain.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc %q: %w", chain.RPC, err)
	}

	slog.Info("evm client created",
		"chain", chain.Symbol,
		"chainId", chain.ChainId,
		"poa", chain.PoA,
	)

	return &EVMClient{
		chain: chain,
		eth:   ethclient.NewClient(rpcClient),
		rpc:   rpcClient,
	}, nil
}

func (c *EVMClient) Symbol() string { return c.chain.Symbol }

// Eth exposes the underlying ethclient for EVM-specific callers
// (vault submission, nonce management).
func (c *EVMClient) Eth() *ethclient.Client { return c.eth }

// ChainId returns the configured EIP-155 chain id.
func (c *EVMClient) ChainId() uint64 { return c.chain.ChainId }

func (c *EVMClient) LatestBlock(ctx context.Context) (models.BlockNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	number, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", classifyNetErr(err))
	}
	return number, nil
}

func (c *EVMClient) FinalizedBlock(ctx context.Context) (models.BlockNumber, error) {
	if c.chain.FinalizeBlockCount > 0 {
		latest, err := c.LatestBlock(ctx)
		if err != nil {
			return 0, err
		}
		if latest < c.chain.FinalizeBlockCount {
			return 0, nil
		}
		return latest - c.chain.FinalizeBlockCount, nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	header, err := c.eth.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
	if err != nil {
		return 0, fmt.Errorf("get finalized block: %w", classifyNetErr(err))
	}
	return header.Number.Uint64(), nil
}

func (c *EVMClient) BlockTxHashes(ctx context.Context, number models.BlockNumber) ([]string, error) {
	block, err := c.blockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		hashes = append(hashes, tx.Hash().Hex())
	}
	return hashes, nil
}

func (c *EVMClient) ExtractTransfers(ctx context.Context, number models.BlockNumber) ([]models.Transfer, error) {
	block, err := c.blockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	var result []models.Transfer
	for _, tx := range block.Transactions() {
		transfer, err := c.parseTransfer(tx, number)
		if err != nil {
			if IsTransient(err) {
				return nil, err
			}
			// Unrecognized or garbled input, skip the transaction.
			slog.Debug("skipping non-transfer tx",
				"chain", c.chain.Symbol,
				"txHash", tx.Hash().Hex(),
				"error", err,
			)
			continue
		}
		result = append(result, transfer)
	}
	return result, nil
}

func (c *EVMClient) TransfersByTxHash(ctx context.Context, txHash string) ([]models.Transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	tx, pending, err := c.eth.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return nil, fmt.Errorf("tx %s: %w", txHash, ErrNotFound)
		}
		return nil, fmt.Errorf("get tx %s: %w", txHash, classifyNetErr(err))
	}
	if pending {
		return nil, fmt.Errorf("tx %s still pending: %w", txHash, ErrNotFound)
	}

	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return nil, fmt.Errorf("receipt %s: %w", txHash, ErrNotFound)
		}
		return nil, fmt.Errorf("get receipt %s: %w", txHash, classifyNetErr(err))
	}

	transfer, err := c.parseTransfer(tx, receipt.BlockNumber.Uint64())
	if err != nil {
		return nil, err
	}
	return []models.Transfer{transfer}, nil
}

func (c *EVMClient) IsSuccessful(ctx context.Context, txHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("get receipt %s: %w", txHash, classifyNetErr(err))
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (c *EVMClient) TokenDecimals(ctx context.Context, tokenAddress string) (uint8, error) {
	if tokenAddress == "" || tokenAddress == ZeroAddress {
		return c.chain.NativeDecimals, nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	token := common.HexToAddress(tokenAddress)
	calldata, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals call: %w", err)
	}

	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: calldata}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals on %s: %w", tokenAddress, classifyNetErr(err))
	}

	outputs, err := erc20ABI.Unpack("decimals", raw)
	if err != nil || len(outputs) != 1 {
		return 0, fmt.Errorf("%w: decimals output of %s", ErrBadResponse, tokenAddress)
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals output type of %s", ErrBadResponse, tokenAddress)
	}
	return decimals, nil
}

func (c *EVMClient) SendRaw(ctx context.Context, rawTx []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("decode raw tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send raw tx: %w", classifyNetErr(err))
	}
	return tx.Hash().Hex(), nil
}

func (c *EVMClient) blockByNumber(ctx context.Context, number models.BlockNumber) (*types.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RPCRequestTimeout)
	defer cancel()

	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if err == ethereum.NotFound {
			return nil, fmt.Errorf("block %d: %w", number, ErrNotFound)
		}
		return nil, fmt.Errorf("get block %d: %w", number, classifyNetErr(err))
	}
	return block, nil
}

// parseTransfer decodes one transaction into a Transfer. Native value
// transfers have empty input; ERC-20 transfer/transferFrom calls are
// decoded from calldata. Everything else is rejected.
func (c *EVMClient) parseTransfer(tx *types.Transaction, blockNumber models.BlockNumber) (models.Transfer, error) {
	if tx.To() == nil {
		return models.Transfer{}, fmt.Errorf("%w: contract creation", ErrTransferNotValid)
	}

	data := tx.Data()
	if len(data) == 0 {
		return models.Transfer{
			TxHash:      tx.Hash().Hex(),
			ChainSymbol: c.chain.Symbol,
			Value:       new(big.Int).Set(tx.Value()),
			Token:       ZeroAddress,
			To:          tx.To().Hex(),
			BlockNumber: blockNumber,
		}, nil
	}

	decoded, err := DecodeTransferInput(data)
	if err != nil {
		return models.Transfer{}, err
	}

	return models.Transfer{
		TxHash:      tx.Hash().Hex(),
		ChainSymbol: c.chain.Symbol,
		Value:       decoded.Value,
		Token:       tx.To().Hex(),
		To:          decoded.To,
		BlockNumber: blockNumber,
	}, nil
}
