package config

import "time"

// Logging
const (
	LogMaxAgeDays = 14
)

// RPC clients
const (
	RPCRequestTimeout       = 15 * time.Second
	RPCMaxRetries           = 3
	RPCRetryBaseDelay       = 1 * time.Second
	HTTPMaxConnsPerHost     = 16
	HTTPMaxIdleConnsPerHost = 8
	HTTPMaxIdleConns        = 32
	IndexerRequestsPerSec   = 10
	CircuitBreakerThreshold = 5
	CircuitBreakerCooldown  = 30 * time.Second
)

// Storage
const (
	DBBusyTimeout = 5000 // milliseconds
)

// HTTP surface
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

// BIP-44 derivation for the withdrawer account (m/44'/60'/0'/0/0).
const (
	BIP44Purpose       = 44
	EVMCoinType        = 60
	WithdrawerKeyIndex = 0
)

// BTC transaction construction
const (
	// Each threshold Schnorr signature adds roughly this many bytes to
	// the serialized transaction; the fee estimator charges it per input.
	BTCSignatureOverheadBytes = 30
	BTCDustThresholdSats      = 546
	BTCMaxInputsPerTx         = 200
)

// Deposit batch encoding field widths (must match the Zex decoder).
const (
	EncodedTxHashLen = 66
	EncodedTokenLen  = 42
)
