package sa

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/zex-protocol/zexporta/internal/btctx"
	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/sequencer"
)

// BTCWithdrawRound drives BTC withdraws through both phases:
//
// Phase A (PROCESSING): select UNSPENT UTXOs largest-first, commit them
// to SPEND, publish the proposed shape to the sequencer, move to
// PENDING.
//
// Phase B (PENDING): run the threshold round over the exact transaction
// bytes, collect one Schnorr witness per input, broadcast.
type BTCWithdrawRound struct {
	chain     *config.ChainConfig
	database  *db.DB
	client    *chainclient.BTCClient
	signer    frost.ThresholdSigner
	dkg       *frost.DKGKey
	sequencer *sequencer.Client
	net       *chaincfg.Params
	delay     time.Duration
}

// NewBTCWithdrawRound wires the BTC withdraw loop.
func NewBTCWithdrawRound(chain *config.ChainConfig, database *db.DB, client *chainclient.BTCClient, signer frost.ThresholdSigner, dkg *frost.DKGKey, seq *sequencer.Client, net *chaincfg.Params, delay time.Duration) *BTCWithdrawRound {
	return &BTCWithdrawRound{
		chain:     chain,
		database:  database,
		client:    client,
		signer:    signer,
		dkg:       dkg,
		sequencer: seq,
		net:       net,
		delay:     delay,
	}
}

// Run loops until ctx is cancelled.
func (r *BTCWithdrawRound) Run(ctx context.Context) {
	slog.Info("btc withdraw round started", "chain", r.chain.Symbol)

	for {
		if err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("btc withdraw pass failed",
				"chain", r.chain.Symbol,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("btc withdraw round stopped", "chain", r.chain.Symbol)
			return
		case <-time.After(r.delay):
		}
	}
}

// ProcessOnce runs phase A over the PROCESSING queue, then phase B over
// the PENDING queue, each in nonce order.
func (r *BTCWithdrawRound) ProcessOnce(ctx context.Context) error {
	processing, err := r.database.FindWithdrawsByStatus(r.chain.Symbol, models.WithdrawProcessing)
	if err != nil {
		return err
	}
	for _, w := range processing {
		if err := r.selectAndCommit(ctx, w); err != nil {
			if errors.Is(err, sequencer.ErrSequencer) || errors.Is(err, btctx.ErrNotEnoughInputs) {
				slog.Warn("phase A aborted, retrying later",
					"chain", r.chain.Symbol,
					"nonce", w.Nonce,
					"error", err,
				)
				continue
			}
			return fmt.Errorf("phase A of nonce %d: %w", w.Nonce, err)
		}
	}

	pending, err := r.database.FindWithdrawsByStatus(r.chain.Symbol, models.WithdrawPending)
	if err != nil {
		return err
	}
	for _, w := range pending {
		if err := r.signAndBroadcast(ctx, w); err != nil {
			if errors.Is(err, frost.ErrDifferentHash) {
				// The committed shape disagrees with the validators'
				// sequencer view. The UTXOs stay SPEND: recycling them
				// here would open a double-spend race, so releasing
				// them is a manual operation.
				w.Status = models.WithdrawRejected
				if upsertErr := r.database.UpsertWithdraw(w); upsertErr != nil {
					return upsertErr
				}
				slog.Error("btc withdraw rejected on hash mismatch",
					"chain", r.chain.Symbol,
					"nonce", w.Nonce,
				)
				continue
			}
			return fmt.Errorf("phase B of nonce %d: %w", w.Nonce, err)
		}
	}
	return nil
}

// selectAndCommit is phase A: executed once per withdraw, by the SA.
func (r *BTCWithdrawRound) selectAndCommit(ctx context.Context, w models.WithdrawRequest) error {
	satPerByte, err := r.client.FeePerByte(ctx)
	if err != nil {
		return err
	}

	unspent, err := r.database.FindUTXOsByStatus(models.UTXOUnspent, 0)
	if err != nil {
		return err
	}

	chosen, fee, err := btctx.SelectUTXOs(unspent, w.Amount.Int64(), satPerByte)
	if err != nil {
		return err
	}

	// The SPEND commit is the uniqueness point: once these rows flip,
	// no concurrent withdraw can take them.
	if err := r.database.MarkUTXOsSpend(chosen); err != nil {
		return err
	}

	w.UTXOs = chosen
	w.SatPerByte = satPerByte

	index, err := r.sequencer.Send(ctx, w)
	if err != nil {
		return err
	}
	w.ZellularIndex = index
	w.Status = models.WithdrawPending

	if err := r.database.UpsertWithdraw(w); err != nil {
		return err
	}

	slog.Info("btc withdraw committed",
		"chain", r.chain.Symbol,
		"nonce", w.Nonce,
		"inputs", len(chosen),
		"fee", fee,
		"zellularIndex", index,
	)
	return nil
}

// signAndBroadcast is phase B.
func (r *BTCWithdrawRound) signAndBroadcast(ctx context.Context, w models.WithdrawRequest) error {
	built, err := btctx.BuildWithdrawTx(w, r.chain.VaultAddress, r.net)
	if err != nil {
		return err
	}
	localHex, err := btctx.SerializeHex(built.Tx)
	if err != nil {
		return err
	}

	nonces, err := r.signer.RequestNonces(ctx, r.dkg.Party, 1)
	if err != nil {
		return err
	}

	request := frost.SigRequest{Method: "withdraw", Data: w}
	result, err := r.signer.RequestSignature(ctx, r.dkg, nonces, request, r.dkg.Party)
	if err != nil {
		return err
	}
	if result.Result != frost.ResultSuccessful {
		return fmt.Errorf("%w: result %q", frost.ErrValidatorReject, result.Result)
	}
	if result.MessageHash != localHex {
		return fmt.Errorf("%w: validators built different tx bytes", frost.ErrDifferentHash)
	}

	signatures, err := r.collectWitnesses(ctx, w, built)
	if err != nil {
		return err
	}
	if err := btctx.AttachWitnesses(built.Tx, signatures); err != nil {
		return err
	}

	raw, err := btctx.Serialize(built.Tx)
	if err != nil {
		return err
	}

	txHash, err := r.client.SendRaw(ctx, raw)
	if err != nil {
		// Broadcast failures keep the row PENDING; the next pass
		// rebuilds the same bytes and tries again.
		slog.Warn("btc broadcast failed, will retry",
			"chain", r.chain.Symbol,
			"nonce", w.Nonce,
			"error", err,
		)
		return nil
	}

	w.TxHash = txHash
	w.Status = models.WithdrawSuccessful
	if err := r.database.UpsertWithdraw(w); err != nil {
		return err
	}

	slog.Info("btc withdraw broadcast",
		"chain", r.chain.Symbol,
		"nonce", w.Nonce,
		"txHash", txHash,
	)
	return nil
}

// collectWitnesses runs one threshold round per input, each over that
// input's taproot sighash digest.
func (r *BTCWithdrawRound) collectWitnesses(ctx context.Context, w models.WithdrawRequest, built *btctx.BuiltTx) ([][]byte, error) {
	signatures := make([][]byte, 0, len(built.Digests))
	for i, digest := range built.Digests {
		nonces, err := r.signer.RequestNonces(ctx, r.dkg.Party, 1)
		if err != nil {
			return nil, err
		}

		request := frost.SigRequest{
			Method: "withdraw_input",
			Data: map[string]any{
				"chain_symbol":      r.chain.Symbol,
				"sa_withdraw_nonce": w.Nonce,
				"input_index":       i,
				"sighash":           hex.EncodeToString(digest),
			},
		}
		result, err := r.signer.RequestSignature(ctx, r.dkg, nonces, request, r.dkg.Party)
		if err != nil {
			return nil, err
		}
		if result.Result != frost.ResultSuccessful {
			return nil, fmt.Errorf("%w: input %d result %q", frost.ErrValidatorReject, i, result.Result)
		}

		sig, err := schnorrSignature(result)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		signatures = append(signatures, sig)
	}
	return signatures, nil
}

// schnorrSignature assembles the 64-byte R || s witness signature from
// a round result.
func schnorrSignature(result *frost.SigResult) ([]byte, error) {
	rBytes, err := hex.DecodeString(result.Nonce)
	if err != nil || len(rBytes) != 32 {
		return nil, fmt.Errorf("%w: bad nonce point %q", frost.ErrValidatorReject, result.Nonce)
	}
	sBytes, err := hex.DecodeString(result.Signature)
	if err != nil || len(sBytes) != 32 {
		return nil, fmt.Errorf("%w: bad signature scalar %q", frost.ErrValidatorReject, result.Signature)
	}
	return append(rBytes, sBytes...), nil
}
