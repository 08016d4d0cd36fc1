package sa

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/encoder"
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/vault"
)

// EVMWithdrawRound drives PENDING EVM withdraws through a threshold
// round and the vault contract, strictly in nonce order.
type EVMWithdrawRound struct {
	chain     *config.ChainConfig
	database  *db.DB
	signer    frost.ThresholdSigner
	dkg       *frost.DKGKey
	vault     *vault.Vault
	shieldKey *ecdsa.PrivateKey
	delay     time.Duration
}

// NewEVMWithdrawRound wires the EVM withdraw loop for one chain.
func NewEVMWithdrawRound(chain *config.ChainConfig, database *db.DB, signer frost.ThresholdSigner, dkg *frost.DKGKey, v *vault.Vault, shieldKey *ecdsa.PrivateKey, delay time.Duration) *EVMWithdrawRound {
	return &EVMWithdrawRound{
		chain:     chain,
		database:  database,
		signer:    signer,
		dkg:       dkg,
		vault:     v,
		shieldKey: shieldKey,
		delay:     delay,
	}
}

// Run loops until ctx is cancelled.
func (r *EVMWithdrawRound) Run(ctx context.Context) {
	slog.Info("evm withdraw round started", "chain", r.chain.Symbol)

	for {
		if err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("evm withdraw pass failed",
				"chain", r.chain.Symbol,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("evm withdraw round stopped", "chain", r.chain.Symbol)
			return
		case <-time.After(r.delay):
		}
	}
}

// ProcessOnce works through the PENDING queue in nonce order. A
// rejected withdraw advances the queue; a transient failure stops the
// pass so ordering is preserved.
func (r *EVMWithdrawRound) ProcessOnce(ctx context.Context) error {
	withdraws, err := r.database.FindWithdrawsByStatus(r.chain.Symbol, models.WithdrawPending)
	if err != nil {
		return err
	}
	if len(withdraws) == 0 {
		slog.Debug("no pending withdraws", "chain", r.chain.Symbol)
		return nil
	}

	for _, w := range withdraws {
		if err := r.processWithdraw(ctx, w); err != nil {
			switch {
			case errors.Is(err, frost.ErrDifferentHash), errors.Is(err, vault.ErrContractReverted):
				// The request itself is bad; reject it so the nonce
				// cursor can move past.
				w.Status = models.WithdrawRejected
				if upsertErr := r.database.UpsertWithdraw(w); upsertErr != nil {
					return upsertErr
				}
				slog.Error("withdraw rejected",
					"chain", r.chain.Symbol,
					"nonce", w.Nonce,
					"error", err,
				)
				continue
			default:
				return fmt.Errorf("withdraw nonce %d: %w", w.Nonce, err)
			}
		}
	}
	return nil
}

func (r *EVMWithdrawRound) processWithdraw(ctx context.Context, w models.WithdrawRequest) error {
	// A PENDING row that already carries a tx hash was submitted on a
	// previous pass whose receipt wait did not conclude. Re-running the
	// threshold round would broadcast a second transaction for the same
	// withdraw nonce, so resume at the receipt wait instead.
	if w.TxHash != "" {
		return r.finishWithdraw(ctx, w)
	}

	nonces, err := r.signer.RequestNonces(ctx, r.dkg.Party, 1)
	if err != nil {
		return err
	}

	request := frost.SigRequest{
		Method: "withdraw",
		Data: frost.SaWithdrawData{
			ChainSymbol:     r.chain.Symbol,
			SaWithdrawNonce: w.Nonce,
		},
	}
	result, err := r.signer.RequestSignature(ctx, r.dkg, nonces, request, r.dkg.Party)
	if err != nil {
		return err
	}
	if result.Result != frost.ResultSuccessful {
		return fmt.Errorf("%w: result %q", frost.ErrValidatorReject, result.Result)
	}

	// The validators hashed their own copy of the request pulled from
	// Zex; it must match ours exactly.
	localHash := encoder.EVMWithdrawHash(w)
	if localHash != result.MessageHash {
		return fmt.Errorf("%w: local %s, aggregated %s", frost.ErrDifferentHash, localHash, result.MessageHash)
	}

	shieldSig, err := vault.ShieldSignHex(r.shieldKey, localHash)
	if err != nil {
		return err
	}
	signature, ok := new(big.Int).SetString(result.Signature, 16)
	if !ok {
		return fmt.Errorf("%w: unparseable signature %q", frost.ErrValidatorReject, result.Signature)
	}

	txHash, err := r.vault.Withdraw(ctx, w, signature, result.Nonce, shieldSig)
	if err != nil {
		return err
	}

	// The hash is durable before the receipt wait: if anything fails
	// from here on, the next pass resumes at finishWithdraw instead of
	// re-submitting.
	w.TxHash = txHash
	if err := r.database.UpsertWithdraw(w); err != nil {
		return err
	}

	return r.finishWithdraw(ctx, w)
}

// finishWithdraw waits out the receipt of an already-submitted withdraw
// transaction and records the outcome.
func (r *EVMWithdrawRound) finishWithdraw(ctx context.Context, w models.WithdrawRequest) error {
	if err := r.vault.WaitReceipt(ctx, w.TxHash); err != nil {
		return err
	}

	w.Status = models.WithdrawSuccessful
	if err := r.database.UpsertWithdraw(w); err != nil {
		return err
	}

	slog.Info("withdraw successful",
		"chain", r.chain.Symbol,
		"nonce", w.Nonce,
		"txHash", w.TxHash,
	)
	return nil
}
