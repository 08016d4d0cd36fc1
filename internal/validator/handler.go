package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/zex-protocol/zexporta/internal/btctx"
	"github.com/zex-protocol/zexporta/internal/chainclient"
	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/deriver"
	"github.com/zex-protocol/zexporta/internal/encoder"
	"github.com/zex-protocol/zexporta/internal/explorer"
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/sequencer"
	"github.com/zex-protocol/zexporta/internal/zex"
)

// Handler errors; each one rejects the round on this node.
var (
	ErrNoTxHashes      = errors.New("empty tx hash list")
	ErrNotFinalized    = errors.New("aggregator finalized block is ahead of this node")
	ErrUTXOMismatch    = errors.New("utxo set differs from sequencer-confirmed withdraw")
	ErrDoubleSpend     = errors.New("utxo already committed to another withdraw")
	ErrAddressMismatch = errors.New("utxo address does not derive from its salt")
)

// Handler re-verifies aggregator proposals against this node's own
// chain view. Its outputs feed the node's signature share: a share is
// produced only over hashes this handler computed itself.
type Handler struct {
	cfg       *config.Config
	database  *db.DB
	registry  *deriver.Registry
	clients   map[string]chainclient.Client
	zex       *zex.Client
	sequencer *sequencer.Client
	net       *chaincfg.Params
}

// NewHandler wires a validator handler over all configured chains.
func NewHandler(cfg *config.Config, database *db.DB, registry *deriver.Registry, clients map[string]chainclient.Client, zexClient *zex.Client, seq *sequencer.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		database:  database,
		registry:  registry,
		clients:   clients,
		zex:       zexClient,
		sequencer: seq,
		net:       deriver.NetworkParams(cfg.BTCNetwork),
	}
}

// Deposit re-derives the VERIFIED deposit set for a proposed batch and
// returns the canonical hash plus the deposits themselves.
func (h *Handler) Deposit(ctx context.Context, data frost.SaDepositData) (string, []models.Deposit, error) {
	if len(data.TxHashes) == 0 {
		return "", nil, ErrNoTxHashes
	}

	chain, err := h.cfg.Chain(data.ChainSymbol)
	if err != nil {
		return "", nil, err
	}
	client, ok := h.clients[data.ChainSymbol]
	if !ok {
		return "", nil, fmt.Errorf("no client for chain %q", data.ChainSymbol)
	}

	finalized, err := client.FinalizedBlock(ctx)
	if err != nil {
		return "", nil, err
	}
	if data.FinalizedBlockNumber > finalized {
		return "", nil, fmt.Errorf("%w: aggregator %d, local %d",
			ErrNotFinalized, data.FinalizedBlockNumber, finalized)
	}

	if err := h.registry.Sync(ctx, data.ChainSymbol); err != nil {
		slog.Warn("address sync failed during validation",
			"chain", data.ChainSymbol,
			"error", err,
		)
	}
	accepted, err := h.registry.ActiveAddresses(data.ChainSymbol)
	if err != nil {
		return "", nil, err
	}

	var transfers []models.Transfer
	for _, txHash := range data.TxHashes {
		found, err := client.TransfersByTxHash(ctx, txHash)
		if err != nil {
			if errors.Is(err, chainclient.ErrNotFound) {
				slog.Warn("proposed tx not found on this node",
					"chain", data.ChainSymbol,
					"txHash", txHash,
				)
				continue
			}
			return "", nil, err
		}
		for _, transfer := range found {
			if transfer.BlockNumber <= finalized {
				transfers = append(transfers, transfer)
			}
		}
	}

	exp := explorer.New(client, h.database, chain.BatchBlockSize, chain.Delay)
	deposits, err := exp.AcceptDeposits(ctx, transfers, accepted, models.DepositVerified, data.Timestamp)
	if err != nil {
		return "", nil, err
	}

	encoder.SortDeposits(deposits)
	hash, _, err := encoder.HashDepositBatch(h.cfg.Zex.EncodeVersion, encoder.DepositOperation, deposits, data.ChainSymbol)
	if err != nil {
		return "", nil, err
	}
	return hash, deposits, nil
}

// EVMWithdraw pulls the withdraw at the proposed nonce straight from
// Zex and returns its canonical hash; the aggregator's own copy never
// enters the computation.
func (h *Handler) EVMWithdraw(ctx context.Context, data frost.SaWithdrawData) (string, *models.WithdrawRequest, error) {
	chain, err := h.cfg.Chain(data.ChainSymbol)
	if err != nil {
		return "", nil, err
	}

	withdraws, err := h.zex.ListWithdraws(ctx, &zex.ChainRef{Symbol: chain.Symbol, ChainId: chain.ChainId}, data.SaWithdrawNonce, 1)
	if err != nil {
		return "", nil, err
	}
	if len(withdraws) == 0 || withdraws[0].Nonce != data.SaWithdrawNonce {
		return "", nil, fmt.Errorf("withdraw nonce %d not found on zex", data.SaWithdrawNonce)
	}

	w := withdraws[0]
	return encoder.EVMWithdrawHash(w), &w, nil
}

// BTCWithdraw verifies a proposed BTC withdraw against the
// sequencer-confirmed commitment and rebuilds the exact transaction
// bytes. The returned hash is the serialized transaction itself.
func (h *Handler) BTCWithdraw(ctx context.Context, proposed models.WithdrawRequest) (string, *models.WithdrawRequest, error) {
	chain, err := h.cfg.Chain(proposed.ChainSymbol)
	if err != nil {
		return "", nil, err
	}

	var confirmed models.WithdrawRequest
	if err := h.sequencer.GetFinalized(ctx, proposed.ZellularIndex, &confirmed); err != nil {
		return "", nil, err
	}
	confirmed.ChainSymbol = chain.Symbol

	stored, err := h.database.InsertSaWithdrawIfNotExists(confirmed)
	if err != nil {
		return "", nil, err
	}
	if !sameUTXOSet(stored.UTXOs, confirmed.UTXOs) {
		return "", nil, fmt.Errorf("%w: nonce %d", ErrUTXOMismatch, confirmed.Nonce)
	}

	// Every referenced output must belong to exactly this withdraw.
	nonces, err := h.database.FindSaWithdrawNoncesByUTXOs(chain.Symbol, confirmed.UTXOs)
	if err != nil {
		return "", nil, err
	}
	for _, nonce := range nonces {
		if nonce != confirmed.Nonce {
			return "", nil, fmt.Errorf("%w: also referenced by nonce %d", ErrDoubleSpend, nonce)
		}
	}

	// Each UTXO address must re-derive from its salt: the vault only
	// signs inputs it actually controls.
	for _, u := range confirmed.UTXOs {
		derived, err := h.registry.Derive(chain.Symbol, u.Salt)
		if err != nil {
			return "", nil, err
		}
		if derived != u.Address {
			return "", nil, fmt.Errorf("%w: %s", ErrAddressMismatch, u.Outpoint())
		}
	}

	built, err := btctx.BuildWithdrawTx(confirmed, chain.VaultAddress, h.net)
	if err != nil {
		return "", nil, err
	}
	txHex, err := btctx.SerializeHex(built.Tx)
	if err != nil {
		return "", nil, err
	}
	return txHex, &confirmed, nil
}

// BTCWithdrawInput recomputes one input's taproot sighash for the
// stored withdraw and checks it against the aggregator's claim.
func (h *Handler) BTCWithdrawInput(ctx context.Context, chainSymbol string, nonce uint64, inputIndex int, claimedSighash string) (string, error) {
	chain, err := h.cfg.Chain(chainSymbol)
	if err != nil {
		return "", err
	}

	stored, err := h.database.GetSaWithdraw(chainSymbol, nonce)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", fmt.Errorf("no sequencer-confirmed withdraw stored for nonce %d", nonce)
	}

	built, err := btctx.BuildWithdrawTx(*stored, chain.VaultAddress, h.net)
	if err != nil {
		return "", err
	}
	if inputIndex < 0 || inputIndex >= len(built.Digests) {
		return "", fmt.Errorf("input index %d out of range", inputIndex)
	}

	localSighash := fmt.Sprintf("%x", built.Digests[inputIndex])
	if localSighash != claimedSighash {
		return "", fmt.Errorf("%w: sighash of input %d", ErrUTXOMismatch, inputIndex)
	}
	return localSighash, nil
}

func sameUTXOSet(a, b []models.UTXO) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int64, len(a))
	for _, u := range a {
		set[u.Outpoint()] = u.Amount
	}
	for _, u := range b {
		amount, ok := set[u.Outpoint()]
		if !ok || amount != u.Amount {
			return false
		}
	}
	return true
}
