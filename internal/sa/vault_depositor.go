package sa

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
)

const factoryABIJSON = `[
	{"inputs":[{"name":"salt","type":"uint256"}],"name":"deploy","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"addr","type":"address"},{"indexed":false,"name":"salt","type":"uint256"}],"name":"Deployed","type":"event"}
]`

const userDepositABIJSON = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferERC20","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	factoryABI     = mustABI(factoryABIJSON)
	userDepositABI = mustABI(userDepositABIJSON)
)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// VaultDepositor sweeps VERIFIED EVM deposits into the vault: it
// deploys the user's deposit contract when it does not exist yet, then
// calls transferERC20 to forward the funds, marking the deposit
// SUCCESSFUL.
type VaultDepositor struct {
	chain    *config.ChainConfig
	client   *chainclient.EVMClient
	database *db.DB
	factory  common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	delay    time.Duration
}

// NewVaultDepositor wires the sweep loop for one EVM chain.
func NewVaultDepositor(chain *config.ChainConfig, client *chainclient.EVMClient, database *db.DB, factoryAddress string, key *ecdsa.PrivateKey, delay time.Duration) *VaultDepositor {
	return &VaultDepositor{
		chain:    chain,
		client:   client,
		database: database,
		factory:  common.HexToAddress(factoryAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		delay:    delay,
	}
}

// Run loops until ctx is cancelled.
func (v *VaultDepositor) Run(ctx context.Context) {
	slog.Info("vault depositor started", "chain", v.chain.Symbol)

	for {
		if err := v.sweepOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("vault sweep failed",
				"chain", v.chain.Symbol,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("vault depositor stopped", "chain", v.chain.Symbol)
			return
		case <-time.After(v.delay):
		}
	}
}

func (v *VaultDepositor) sweepOnce(ctx context.Context) error {
	deposits, err := v.database.FindDepositsByStatus(v.chain.Symbol, models.DepositVerified, nil, nil, 0)
	if err != nil {
		return err
	}
	if len(deposits) == 0 {
		slog.Debug("no verified deposits to sweep", "chain", v.chain.Symbol)
		return nil
	}

	eth := v.client.Eth()
	for _, dep := range deposits {
		if dep.Token == chainclient.ZeroAddress {
			// Native deposits are swept by the deposit contract itself
			// at deploy time.
			continue
		}

		depositAddr := common.HexToAddress(dep.To)
		code, err := eth.CodeAt(ctx, depositAddr, nil)
		if err != nil {
			return fmt.Errorf("check code at %s: %w", dep.To, err)
		}
		if len(code) == 0 {
			slog.Info("deposit contract missing, deploying",
				"chain", v.chain.Symbol,
				"address", dep.To,
				"userId", dep.UserId,
			)
			calldata, err := factoryABI.Pack("deploy", new(big.Int).SetUint64(dep.UserId))
			if err != nil {
				return fmt.Errorf("pack deploy call: %w", err)
			}
			if err := v.submitAndWait(ctx, v.factory, calldata); err != nil {
				return fmt.Errorf("deploy deposit contract for user %d: %w", dep.UserId, err)
			}
		}

		calldata, err := userDepositABI.Pack("transferERC20", common.HexToAddress(dep.Token), dep.Value)
		if err != nil {
			return fmt.Errorf("pack transferERC20 call: %w", err)
		}
		if err := v.submitAndWait(ctx, depositAddr, calldata); err != nil {
			slog.Error("sweep of deposit failed",
				"chain", v.chain.Symbol,
				"txHash", dep.TxHash,
				"error", err,
			)
			continue
		}

		if _, err := v.database.UpdateDepositStatus(dep.ChainSymbol, dep.TxHash, dep.Index, models.DepositVerified, models.DepositSuccessful); err != nil {
			return err
		}
		slog.Info("deposit swept into vault",
			"chain", v.chain.Symbol,
			"txHash", dep.TxHash,
			"userId", dep.UserId,
		)
	}
	return nil
}

// submitAndWait signs, sends and waits out one contract call.
func (v *VaultDepositor) submitAndWait(ctx context.Context, to common.Address, calldata []byte) error {
	eth := v.client.Eth()

	nonce, err := eth.PendingNonceAt(ctx, v.from)
	if err != nil {
		return fmt.Errorf("fetch account nonce: %w", err)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := eth.EstimateGas(ctx, ethereum.CallMsg{From: v.from, To: &to, Data: calldata})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, new(big.Int), gasLimit, gasPrice, calldata)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(v.chain.ChainId)), v.key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := eth.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}

	for {
		receipt, err := eth.TransactionReceipt(ctx, signedTx.Hash())
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("tx %s reverted", signedTx.Hash().Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.chain.Delay):
		}
	}
}
