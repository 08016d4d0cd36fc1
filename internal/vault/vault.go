package vault

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
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
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/zex-protocol/zexporta/internal/models"
)

const vaultABIJSON = `[
	{"inputs":[
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"recipient","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"signature","type":"uint256"},
		{"name":"nonceTaAddr","type":"address"},
		{"name":"shieldSig","type":"bytes"}
	],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var vaultABI = mustParseABI(vaultABIJSON)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ErrContractReverted marks a vault call the contract itself refused;
// the withdraw is REJECTED rather than retried.
var ErrContractReverted = errors.New("vault contract reverted")

// Vault submits signed withdraw calls to one chain's vault contract.
type Vault struct {
	eth       *ethclient.Client
	address   common.Address
	chainId   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	blockTime time.Duration
}

// New creates a vault binding for one chain.
func New(eth *ethclient.Client, vaultAddress string, chainId uint64, withdrawerKey *ecdsa.PrivateKey, blockTime time.Duration) *Vault {
	return &Vault{
		eth:       eth,
		address:   common.HexToAddress(vaultAddress),
		chainId:   new(big.Int).SetUint64(chainId),
		key:       withdrawerKey,
		from:      crypto.PubkeyToAddress(withdrawerKey.PublicKey),
		blockTime: blockTime,
	}
}

// Withdraw calls the vault's withdraw method and returns the submitted
// transaction hash. The hash is handed back before the receipt wait so
// the caller can persist it first.
func (v *Vault) Withdraw(ctx context.Context, w models.WithdrawRequest, signature *big.Int, signatureNonce string, shieldSig []byte) (string, error) {
	calldata, err := vaultABI.Pack("withdraw",
		common.HexToAddress(w.TokenAddress),
		w.Amount,
		common.HexToAddress(w.Recipient),
		new(big.Int).SetUint64(w.Nonce),
		signature,
		common.HexToAddress(signatureNonce),
		shieldSig,
	)
	if err != nil {
		return "", fmt.Errorf("pack withdraw call: %w", err)
	}

	nonce, err := v.eth.PendingNonceAt(ctx, v.from)
	if err != nil {
		return "", fmt.Errorf("fetch account nonce: %w", err)
	}
	gasPrice, err := v.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	gasLimit, err := v.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: v.from,
		To:   &v.address,
		Data: calldata,
	})
	if err != nil {
		// Estimation runs the call; a revert here is the contract
		// refusing the withdraw.
		return "", fmt.Errorf("%w: %v", ErrContractReverted, err)
	}

	tx := types.NewTransaction(nonce, v.address, new(big.Int), gasLimit, gasPrice, calldata)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(v.chainId), v.key)
	if err != nil {
		return "", fmt.Errorf("sign withdraw tx: %w", err)
	}

	if err := v.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send withdraw tx: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	slog.Info("vault withdraw submitted",
		"vault", v.address.Hex(),
		"nonce", w.Nonce,
		"txHash", txHash,
	)
	return txHash, nil
}

// WaitReceipt polls for the transaction receipt, bounded by a few block
// times. A reverted receipt maps to ErrContractReverted.
func (v *Vault) WaitReceipt(ctx context.Context, txHash string) error {
	deadline := time.Now().Add(10 * v.blockTime)
	hash := common.HexToHash(txHash)

	for {
		receipt, err := v.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: tx %s", ErrContractReverted, txHash)
			}
			return nil
		}
		if err != ethereum.NotFound {
			return fmt.Errorf("fetch receipt %s: %w", txHash, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("receipt %s not found before deadline", txHash)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.blockTime / 4):
		}
	}
}

// ShieldSign produces the ECDSA shield signature over a message using
// the Ethereum signed-message envelope.
func ShieldSign(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	if err != nil {
		return nil, fmt.Errorf("shield sign: %w", err)
	}
	// Normalize v to the 27/28 convention contracts expect.
	sig[64] += 27
	return sig, nil
}

// ShieldSignHex shield-signs the byte decoding of a hex message hash.
func ShieldSignHex(key *ecdsa.PrivateKey, hexHash string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexHash, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode message hash: %w", err)
	}
	return ShieldSign(key, raw)
}
