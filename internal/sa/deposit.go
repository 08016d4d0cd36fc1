package sa

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/encoder"
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/vault"
	"github.com/zex-protocol/zexporta/internal/zex"
)

// DepositRound drives the SA side of deposit verification for one
// chain: batch FINALIZED deposits, run a threshold round over their tx
// hashes, submit the signed batch to Zex and advance the survivors to
// VERIFIED.
type DepositRound struct {
	chain     *config.ChainConfig
	database  *db.DB
	signer    frost.ThresholdSigner
	dkg       *frost.DKGKey
	zex       *zex.Client
	shieldKey *ecdsa.PrivateKey

	encodeVersion uint8
	batchSize     int
	delay         time.Duration
	now           func() time.Time
}

// NewDepositRound wires a deposit round loop for one chain.
func NewDepositRound(chain *config.ChainConfig, database *db.DB, signer frost.ThresholdSigner, dkg *frost.DKGKey, zexClient *zex.Client, shieldKey *ecdsa.PrivateKey, cfg *config.Config) *DepositRound {
	return &DepositRound{
		chain:         chain,
		database:      database,
		signer:        signer,
		dkg:           dkg,
		zex:           zexClient,
		shieldKey:     shieldKey,
		encodeVersion: cfg.Zex.EncodeVersion,
		batchSize:     cfg.SA.TransactionsBatchSize,
		delay:         cfg.SA.Delay,
		now:           time.Now,
	}
}

// Run loops until ctx is cancelled. Round failures abort the round with
// nothing persisted and retry after the SA delay.
func (r *DepositRound) Run(ctx context.Context) {
	slog.Info("sa deposit round started", "chain", r.chain.Symbol)

	for {
		if err := r.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("sa deposit round stopped", "chain", r.chain.Symbol)
				return
			}
			switch {
			case errors.Is(err, frost.ErrDifferentHash):
				slog.Error("deposit round hash mismatch, batch retried next round",
					"chain", r.chain.Symbol,
					"error", err,
				)
			case errors.Is(err, frost.ErrRoundTransient):
				slog.Warn("deposit round transient failure",
					"chain", r.chain.Symbol,
					"error", err,
				)
			default:
				slog.Error("deposit round failed",
					"chain", r.chain.Symbol,
					"error", err,
				)
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("sa deposit round stopped", "chain", r.chain.Symbol)
			return
		case <-time.After(r.delay):
		}
	}
}

// ProcessOnce runs a single round over the oldest FINALIZED batch.
func (r *DepositRound) ProcessOnce(ctx context.Context) error {
	batch, err := r.database.FindDepositsByStatus(r.chain.Symbol, models.DepositFinalized, nil, nil, r.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		slog.Debug("no finalized deposits", "chain", r.chain.Symbol)
		return nil
	}

	txHashes := uniqueTxHashes(batch)
	finalizedBlock := batch[len(batch)-1].BlockNumber

	nonces, err := r.signer.RequestNonces(ctx, r.dkg.Party, 1)
	if err != nil {
		return err
	}

	timestamp := r.now().Unix()
	request := frost.SigRequest{
		Method: "deposit",
		Data: frost.SaDepositData{
			TxHashes:             txHashes,
			Timestamp:            timestamp,
			ChainSymbol:          r.chain.Symbol,
			FinalizedBlockNumber: finalizedBlock,
		},
	}

	result, err := r.signer.RequestSignature(ctx, r.dkg, nonces, request, r.dkg.Party)
	if err != nil {
		return err
	}
	if result.Result != frost.ResultSuccessful {
		return fmt.Errorf("%w: result %q", frost.ErrValidatorReject, result.Result)
	}

	verified, err := decodeValidatorDeposits(result)
	if err != nil {
		return err
	}

	encoder.SortDeposits(verified)
	localHash, encoded, err := encoder.HashDepositBatch(r.encodeVersion, encoder.DepositOperation, verified, r.chain.Symbol)
	if err != nil {
		return err
	}
	if localHash != result.MessageHash {
		return fmt.Errorf("%w: local %s, aggregated %s", frost.ErrDifferentHash, localHash, result.MessageHash)
	}

	if len(verified) > 0 {
		if err := r.submitToZex(ctx, encoded, result); err != nil {
			return err
		}
		if err := r.database.UpsertDeposits(verified); err != nil {
			return err
		}
	}

	// Deposits the validators did not confirm lost the race: their tx
	// was proposed but no longer checks out against the finalized chain.
	losers := missingTxHashes(txHashes, verified)
	if len(losers) > 0 {
		if _, err := r.database.ReorgByTxHashes(r.chain.Symbol, models.DepositFinalized, losers); err != nil {
			return err
		}
		slog.Warn("unconfirmed deposits demoted to reorg",
			"chain", r.chain.Symbol,
			"count", len(losers),
		)
	}

	slog.Info("deposit batch verified",
		"chain", r.chain.Symbol,
		"deposits", len(verified),
		"finalizedBlock", finalizedBlock,
	)
	return nil
}

// submitToZex posts encoded_data || nonce || signature || shield_sig.
// Zex deduplicates on the round nonce, so a crash between submit and
// upsert only costs a redundant resend.
func (r *DepositRound) submitToZex(ctx context.Context, encoded []byte, result *frost.SigResult) error {
	signature, err := hex.DecodeString(result.Signature)
	if err != nil {
		return fmt.Errorf("decode round signature: %w", err)
	}

	shieldSig, err := vault.ShieldSign(r.shieldKey, encoded)
	if err != nil {
		return err
	}

	payload := make([]byte, 0, len(encoded)+len(result.Nonce)+len(signature)+len(shieldSig))
	payload = append(payload, encoded...)
	payload = append(payload, []byte(result.Nonce)...)
	payload = append(payload, signature...)
	payload = append(payload, shieldSig...)

	return r.zex.SendDeposits(ctx, [][]byte{payload})
}

// decodeValidatorDeposits takes the VERIFIED deposit set from any one
// node's response; the hash agreement already proved they are all
// identical.
func decodeValidatorDeposits(result *frost.SigResult) ([]models.Deposit, error) {
	for _, raw := range result.SignatureDataFromNode {
		var data struct {
			Deposits []models.Deposit `json:"deposits"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode validator deposits: %w", err)
		}
		return data.Deposits, nil
	}
	return nil, fmt.Errorf("%w: no node data in result", frost.ErrValidatorReject)
}

func uniqueTxHashes(deposits []models.Deposit) []string {
	seen := make(map[string]struct{}, len(deposits))
	var hashes []string
	for _, dep := range deposits {
		if _, ok := seen[dep.TxHash]; ok {
			continue
		}
		seen[dep.TxHash] = struct{}{}
		hashes = append(hashes, dep.TxHash)
	}
	return hashes
}

func missingTxHashes(proposed []string, confirmed []models.Deposit) []string {
	confirmedSet := make(map[string]struct{}, len(confirmed))
	for _, dep := range confirmed {
		confirmedSet[dep.TxHash] = struct{}{}
	}
	var missing []string
	for _, hash := range proposed {
		if _, ok := confirmedSet[hash]; !ok {
			missing = append(missing, hash)
		}
	}
	return missing
}
