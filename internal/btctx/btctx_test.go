package btctx

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/zex-protocol/zexporta/internal/models"
)

var testNet = &chaincfg.TestNet3Params

func p2wpkhAddress(t *testing.T, seed byte) string {
	t.Helper()
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, testNet)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func p2trAddress(t *testing.T, seed byte) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed
	}
	_, pub := btcec.PrivKeyFromBytes(key)
	outputKey := txscript.ComputeTaprootOutputKey(pub, nil)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), testNet)
	if err != nil {
		t.Fatalf("NewAddressTaproot() error = %v", err)
	}
	return addr.EncodeAddress()
}

func testWithdraw(t *testing.T, amount int64, utxoAmounts ...int64) models.WithdrawRequest {
	t.Helper()
	utxos := make([]models.UTXO, 0, len(utxoAmounts))
	for i, a := range utxoAmounts {
		utxos = append(utxos, models.UTXO{
			TxHash:  strings.Repeat("ab", 31) + string([]byte{'0' + byte(i), '0'}),
			Index:   uint32(i),
			Amount:  a,
			Address: p2trAddress(t, byte(10+i)),
			Status:  models.UTXOSpend,
			Salt:    uint64(i),
		})
	}
	return models.WithdrawRequest{
		ChainSymbol: "BTC",
		Amount:      big.NewInt(amount),
		Recipient:   p2wpkhAddress(t, 0x11),
		Nonce:       42,
		Status:      models.WithdrawPending,
		UTXOs:       utxos,
		SatPerByte:  10,
	}
}

func TestSelectUTXOs_CoversAmountPlusFee(t *testing.T) {
	unspent := []models.UTXO{
		{TxHash: "big", Index: 0, Amount: 5_000_000},
		{TxHash: "mid", Index: 0, Amount: 2_000_000},
		{TxHash: "small", Index: 0, Amount: 100_000},
	}

	chosen, fee, err := SelectUTXOs(unspent, 6_000_000, 10)
	if err != nil {
		t.Fatalf("SelectUTXOs() error = %v", err)
	}
	if len(chosen) != 2 {
		t.Fatalf("chose %d utxos, want 2 (largest-first)", len(chosen))
	}
	if chosen[0].TxHash != "big" || chosen[1].TxHash != "mid" {
		t.Errorf("chose %s then %s", chosen[0].TxHash, chosen[1].TxHash)
	}

	var sum int64
	for _, u := range chosen {
		sum += u.Amount
	}
	if sum < 6_000_000+fee {
		t.Errorf("sum %d does not cover amount plus fee %d", sum, fee)
	}
}

func TestSelectUTXOs_NotEnough(t *testing.T) {
	unspent := []models.UTXO{{TxHash: "only", Index: 0, Amount: 1_000}}

	_, _, err := SelectUTXOs(unspent, 1_000_000, 10)
	if !errors.Is(err, ErrNotEnoughInputs) {
		t.Errorf("error = %v, want ErrNotEnoughInputs", err)
	}
}

func TestEstimateFee_GrowsWithInputs(t *testing.T) {
	one := []models.UTXO{{Amount: 1}}
	two := []models.UTXO{{Amount: 1}, {Amount: 1}}

	feeOne := EstimateFee(one, 10)
	feeTwo := EstimateFee(two, 10)
	if feeTwo <= feeOne {
		t.Errorf("fee with 2 inputs (%d) not greater than with 1 (%d)", feeTwo, feeOne)
	}
}

func TestBuildWithdrawTx_OutputsAndDigests(t *testing.T) {
	w := testWithdraw(t, 3_000_000, 2_000_000, 5_000_000)
	change := p2trAddress(t, 0x99)

	built, err := BuildWithdrawTx(w, change, testNet)
	if err != nil {
		t.Fatalf("BuildWithdrawTx() error = %v", err)
	}

	if len(built.Tx.TxIn) != 2 {
		t.Fatalf("inputs = %d, want 2", len(built.Tx.TxIn))
	}
	if len(built.Tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want 2 (recipient + change)", len(built.Tx.TxOut))
	}
	if built.Tx.TxOut[0].Value != 3_000_000 {
		t.Errorf("recipient output = %d, want 3000000", built.Tx.TxOut[0].Value)
	}
	if built.Tx.TxOut[1].Value != 7_000_000-3_000_000-built.Fee {
		t.Errorf("change output = %d, want inputs-amount-fee", built.Tx.TxOut[1].Value)
	}
	if len(built.Digests) != 2 {
		t.Fatalf("digests = %d, want one per input", len(built.Digests))
	}
	for i, digest := range built.Digests {
		if len(digest) != 32 {
			t.Errorf("digest %d length = %d, want 32", i, len(digest))
		}
	}
}

func TestBuildWithdrawTx_Deterministic(t *testing.T) {
	w := testWithdraw(t, 1_000_000, 2_000_000)
	change := p2trAddress(t, 0x99)

	first, err := BuildWithdrawTx(w, change, testNet)
	if err != nil {
		t.Fatalf("BuildWithdrawTx() error = %v", err)
	}
	second, err := BuildWithdrawTx(w, change, testNet)
	if err != nil {
		t.Fatalf("BuildWithdrawTx() error = %v", err)
	}

	firstHex, _ := SerializeHex(first.Tx)
	secondHex, _ := SerializeHex(second.Tx)
	if firstHex != secondHex {
		t.Error("two builds of the same withdraw produced different bytes")
	}
}

func TestBuildWithdrawTx_InsufficientInputs(t *testing.T) {
	w := testWithdraw(t, 10_000_000, 1_000_000)

	_, err := BuildWithdrawTx(w, p2trAddress(t, 0x99), testNet)
	if !errors.Is(err, ErrNotEnoughInputs) {
		t.Errorf("error = %v, want ErrNotEnoughInputs", err)
	}
}

func TestAttachWitnesses(t *testing.T) {
	w := testWithdraw(t, 1_000_000, 2_000_000)
	built, err := BuildWithdrawTx(w, p2trAddress(t, 0x99), testNet)
	if err != nil {
		t.Fatalf("BuildWithdrawTx() error = %v", err)
	}

	if err := AttachWitnesses(built.Tx, [][]byte{make([]byte, 64)}); err != nil {
		t.Fatalf("AttachWitnesses() error = %v", err)
	}
	if len(built.Tx.TxIn[0].Witness) != 1 || len(built.Tx.TxIn[0].Witness[0]) != 65 {
		t.Errorf("witness = %v, want one 65-byte element", built.Tx.TxIn[0].Witness)
	}

	if err := AttachWitnesses(built.Tx, nil); err == nil {
		t.Error("count mismatch accepted")
	}
}
