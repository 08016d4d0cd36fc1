package models

import (
	"fmt"
	"math/big"
)

// ChainKind discriminates the chain family a config or client serves.
type ChainKind string

const (
	ChainKindEVM ChainKind = "evm"
	ChainKindBTC ChainKind = "btc"
)

// UserId is assigned by Zex, monotonically increasing from zero.
type UserId = uint64

// BlockNumber is a chain block height.
type BlockNumber = uint64

// DepositStatus is the deposit state machine position.
// Allowed transitions: PENDING -> FINALIZED -> VERIFIED -> SUCCESSFUL.
// PENDING or FINALIZED may instead fall to REORG; REORG and REJECTED
// are terminal.
type DepositStatus string

const (
	DepositPending    DepositStatus = "PENDING"
	DepositFinalized  DepositStatus = "FINALIZED"
	DepositVerified   DepositStatus = "VERIFIED"
	DepositSuccessful DepositStatus = "SUCCESSFUL"
	DepositReorg      DepositStatus = "REORG"
	DepositRejected   DepositStatus = "REJECTED"
)

// WithdrawStatus is the withdraw state machine position.
type WithdrawStatus string

const (
	WithdrawPending    WithdrawStatus = "PENDING"
	WithdrawProcessing WithdrawStatus = "PROCESSING"
	WithdrawSuccessful WithdrawStatus = "SUCCESSFUL"
	WithdrawRejected   WithdrawStatus = "REJECTED"
)

// UTXOStatus tracks a vault-owned BTC output.
type UTXOStatus string

const (
	UTXOProcessing UTXOStatus = "PROCESSING"
	UTXOUnspent    UTXOStatus = "UNSPENT"
	UTXOSpend      UTXOStatus = "SPEND"
	UTXORejected   UTXOStatus = "REJECTED"
)

// Transfer is an incoming value movement extracted from a block.
// For EVM identity is tx_hash alone; for BTC the vout index is part of
// identity (one Transfer per output that has an address).
type Transfer struct {
	TxHash      string      `json:"tx_hash"`
	ChainSymbol string      `json:"chain_symbol"`
	Value       *big.Int    `json:"value"`
	Token       string      `json:"token"` // zero address for native; BTC reuses the output address
	To          string      `json:"to"`
	BlockNumber BlockNumber `json:"block_number"`
	Index       uint32      `json:"index"` // BTC vout index; always 0 for EVM
}

// Deposit wraps a Transfer with the crediting metadata the pipeline
// persists.
type Deposit struct {
	Transfer
	UserId      UserId        `json:"user_id"`
	Decimals    uint8         `json:"decimals"`
	Status      DepositStatus `json:"status"`
	SaTimestamp int64         `json:"sa_timestamp"` // unix seconds; zero until a SA round concludes
}

// UTXO is a vault-owned BTC output. Salt is the user id whose derived
// address received it.
type UTXO struct {
	TxHash  string     `json:"tx_hash"`
	Index   uint32     `json:"index"`
	Amount  int64      `json:"amount"` // satoshis
	Address string     `json:"address"`
	Status  UTXOStatus `json:"status"`
	Salt    UserId     `json:"salt"`
}

// Outpoint returns the "txhash:index" identity of the output.
func (u UTXO) Outpoint() string {
	return Outpoint(u.TxHash, u.Index)
}

// WithdrawRequest is a Zex-originated request to move funds out of the
// vault. EVM withdraws carry the token and chain id; BTC withdraws carry
// the committed UTXO set and the sequencer handle.
type WithdrawRequest struct {
	ChainSymbol string         `json:"chain_symbol"`
	Amount      *big.Int       `json:"amount"`
	Recipient   string         `json:"recipient"`
	Nonce       uint64         `json:"nonce"`
	Status      WithdrawStatus `json:"status"`
	TxHash      string         `json:"tx_hash,omitempty"`

	// EVM only.
	TokenAddress string `json:"token_address,omitempty"`
	ChainId      uint64 `json:"chain_id,omitempty"`

	// BTC only.
	UTXOs         []UTXO `json:"utxos,omitempty"`
	SatPerByte    int64  `json:"sat_per_byte,omitempty"`
	ZellularIndex string `json:"zellular_index,omitempty"`
}

// UserAddress maps a Zex user id to its derived deposit address on one
// chain. Rows are append-only.
type UserAddress struct {
	UserId      UserId `json:"user_id"`
	ChainSymbol string `json:"chain_symbol"`
	Address     string `json:"address"`
}

// Outpoint is the canonical "txhash:index" form used for UTXO identity
// and disjointness checks.
func Outpoint(txHash string, index uint32) string {
	return fmt.Sprintf("%s:%d", txHash, index)
}
