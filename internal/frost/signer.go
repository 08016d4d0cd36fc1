package frost

import (
	"context"
	"encoding/json"
	"errors"
)

// Round outcome classification. Each SA loop handles every arm
// explicitly instead of aborting through panics.
var (
	// ErrDifferentHash: a validator's recomputed message hash differs
	// from the SA's own; the proposed data is inconsistent with the
	// validators' view of the chain.
	ErrDifferentHash = errors.New("validator hash differs from aggregator hash")
	// ErrValidatorReject: a validator refused to sign (guard violation,
	// verification failure).
	ErrValidatorReject = errors.New("validator rejected the round")
	// ErrRoundTransient: timeout or transport failure; retry later,
	// nothing was persisted.
	ErrRoundTransient = errors.New("threshold round transient failure")
)

// ResultSuccessful is the Result value of a completed round.
const ResultSuccessful = "SUCCESSFUL"

// SigRequest is the payload every validator independently re-verifies
// before contributing its share.
type SigRequest struct {
	Method string `json:"method"`
	Data   any    `json:"data"`
}

// SaDepositData is the deposit-round request body.
type SaDepositData struct {
	TxHashes             []string `json:"txs_hash"`
	Timestamp            int64    `json:"timestamp"`
	ChainSymbol          string   `json:"chain_symbol"`
	FinalizedBlockNumber uint64   `json:"finalized_block_number"`
}

// SaWithdrawData is the withdraw-round request body.
type SaWithdrawData struct {
	ChainSymbol     string `json:"chain_symbol"`
	SaWithdrawNonce uint64 `json:"sa_withdraw_nonce"`
}

// SigResult is an aggregated round outcome.
type SigResult struct {
	Result                string                     `json:"result"`
	MessageHash           string                     `json:"message_hash"`
	Signature             string                     `json:"signature"`
	Nonce                 string                     `json:"nonce"`
	SignatureDataFromNode map[string]json.RawMessage `json:"signature_data_from_node"`
}

// ThresholdSigner drives a threshold-signature round with the validator
// party. Implementations never reconstruct the group private key.
type ThresholdSigner interface {
	// RequestNonces asks each party member for fresh signing nonces.
	RequestNonces(ctx context.Context, party []string, count int) (map[string]string, error)
	// RequestSignature runs a full round: each validator re-derives the
	// request's message from its own chain view, hashes it with the
	// shared encoder and signs its share iff the hash matches.
	RequestSignature(ctx context.Context, key *DKGKey, nonces map[string]string, request SigRequest, party []string) (*SigResult, error)
}
