package btctx

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/models"
)

// Errors surfaced by transaction construction.
var (
	ErrNotEnoughInputs = errors.New("unspent pool cannot cover amount plus fee")
	ErrDustOutput      = errors.New("output below dust threshold")
	ErrTooManyInputs   = errors.New("transaction exceeds maximum input count")
)

// BuiltTx is an unsigned withdraw transaction plus the taproot sighash
// digest of every input. The digests are what the threshold signer
// produces Schnorr signatures over.
type BuiltTx struct {
	Tx      *wire.MsgTx
	Digests [][]byte
	Fee     int64
	Change  int64
}

// BuildWithdrawTx constructs the canonical withdraw transaction:
// inputs are the committed UTXOs in order, outputs are
// (amount -> recipient) then (change -> vault). Every honest node must
// produce these exact bytes.
func BuildWithdrawTx(w models.WithdrawRequest, changeAddress string, net *chaincfg.Params) (*BuiltTx, error) {
	if len(w.UTXOs) == 0 {
		return nil, fmt.Errorf("%w: no utxos on withdraw nonce %d", ErrNotEnoughInputs, w.Nonce)
	}
	if len(w.UTXOs) > config.BTCMaxInputsPerTx {
		return nil, fmt.Errorf("%w: %d inputs", ErrTooManyInputs, len(w.UTXOs))
	}

	amount := w.Amount.Int64()
	fee := EstimateFee(w.UTXOs, w.SatPerByte)

	var totalInput int64
	for _, u := range w.UTXOs {
		totalInput += u.Amount
	}
	change := totalInput - amount - fee
	if change < 0 {
		return nil, fmt.Errorf("%w: inputs %d, amount %d, fee %d", ErrNotEnoughInputs, totalInput, amount, fee)
	}
	if change > 0 && change < config.BTCDustThresholdSats {
		// Dust change is burned into the fee rather than creating an
		// unspendable output.
		fee += change
		change = 0
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevOutFetcher := txscript.NewMultiPrevOutFetcher(nil)

	for _, u := range w.UTXOs {
		hash, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return nil, fmt.Errorf("parse utxo txid %q: %w", u.TxHash, err)
		}
		outPoint := wire.NewOutPoint(hash, u.Index)

		pkScript, err := PKScriptFromAddress(u.Address, net)
		if err != nil {
			return nil, err
		}
		prevOutFetcher.AddPrevOut(*outPoint, &wire.TxOut{Value: u.Amount, PkScript: pkScript})

		txIn := wire.NewTxIn(outPoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		msgTx.AddTxIn(txIn)
	}

	recipientScript, err := PKScriptFromAddress(w.Recipient, net)
	if err != nil {
		return nil, err
	}
	msgTx.AddTxOut(wire.NewTxOut(amount, recipientScript))

	if change > 0 {
		changeScript, err := PKScriptFromAddress(changeAddress, net)
		if err != nil {
			return nil, err
		}
		msgTx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	sigHashes := txscript.NewTxSigHashes(msgTx, prevOutFetcher)
	digests := make([][]byte, len(msgTx.TxIn))
	for i := range msgTx.TxIn {
		digest, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashAll, msgTx, i, prevOutFetcher)
		if err != nil {
			return nil, fmt.Errorf("taproot sighash of input %d: %w", i, err)
		}
		digests[i] = digest
	}

	slog.Debug("btc withdraw tx built",
		"nonce", w.Nonce,
		"inputs", len(msgTx.TxIn),
		"outputs", len(msgTx.TxOut),
		"fee", fee,
		"change", change,
	)

	return &BuiltTx{Tx: msgTx, Digests: digests, Fee: fee, Change: change}, nil
}

// EstimateFee prices a withdraw spending the given inputs. The
// serialized size is taken from an unsigned skeleton plus a fixed
// per-signature overhead, matching what validators recompute.
func EstimateFee(utxos []models.UTXO, satPerByte int64) int64 {
	// 2 outputs (recipient + change), no witnesses yet.
	size := skeletonSize(len(utxos)) + config.BTCSignatureOverheadBytes*len(utxos)
	return int64(size) * satPerByte
}

// skeletonSize is the serialized size of an unsigned transaction with n
// inputs and two outputs.
func skeletonSize(inputs int) int {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	for i := 0; i < inputs; i++ {
		msgTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	}
	// P2WPKH output (31 bytes) and P2TR output (43 bytes).
	msgTx.AddTxOut(wire.NewTxOut(0, make([]byte, 22)))
	msgTx.AddTxOut(wire.NewTxOut(0, make([]byte, 34)))
	return msgTx.SerializeSize()
}

// SelectUTXOs accumulates unspent outputs in the order given until they
// cover amount plus the fee of the transaction spending them. It does
// not sort; largest-first selection comes from passing the pool as
// FindUTXOsByStatus returns it (largest first).
func SelectUTXOs(unspent []models.UTXO, amount, satPerByte int64) ([]models.UTXO, int64, error) {
	var (
		chosen []models.UTXO
		sum    int64
	)
	for _, u := range unspent {
		chosen = append(chosen, u)
		sum += u.Amount
		fee := EstimateFee(chosen, satPerByte)
		if sum >= amount+fee {
			return chosen, fee, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: amount %d, pool of %d utxos holds %d", ErrNotEnoughInputs, amount, len(unspent), sum)
}

// AttachWitnesses sets each input's witness to its 64-byte Schnorr
// signature (65 with an explicit sighash type).
func AttachWitnesses(msgTx *wire.MsgTx, signatures [][]byte) error {
	if len(msgTx.TxIn) != len(signatures) {
		return fmt.Errorf("input count mismatch: tx has %d inputs, got %d signatures",
			len(msgTx.TxIn), len(signatures))
	}
	for i, sig := range signatures {
		// SigHashAll is not the taproot default, so it rides along.
		witness := make([]byte, len(sig)+1)
		copy(witness, sig)
		witness[len(sig)] = byte(txscript.SigHashAll)
		msgTx.TxIn[i].Witness = wire.TxWitness{witness}
	}
	return nil
}

// Serialize renders the transaction in BIP-141 wire form.
func Serialize(msgTx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize btc transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// SerializeHex renders the transaction as lowercase hex. The hex form
// doubles as the withdraw round's message hash: agreeing on it means
// agreeing on the exact bytes to broadcast.
func SerializeHex(msgTx *wire.MsgTx) (string, error) {
	raw, err := Serialize(msgTx)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// PKScriptFromAddress reconstructs the pkScript for an address; the
// indexer's UTXO rows do not carry scripts.
func PKScriptFromAddress(address string, net *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("create pkScript for %q: %w", address, err)
	}
	return pkScript, nil
}
