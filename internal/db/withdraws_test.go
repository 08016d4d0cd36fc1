package db

import (
	"math/big"
	"testing"

	"github.com/zex-protocol/zexporta/internal/models"
)

func testWithdraw(nonce uint64, status models.WithdrawStatus) models.WithdrawRequest {
	return models.WithdrawRequest{
		ChainSymbol:  "SEP",
		Amount:       big.NewInt(42_000_000),
		Recipient:    "0x" + "c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2",
		Nonce:        nonce,
		Status:       status,
		TokenAddress: "0x" + "d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3",
		ChainId:      11155111,
	}
}

func TestInsertWithdrawsIfNotExist_KeepsExisting(t *testing.T) {
	database := newTestDB(t)

	w := testWithdraw(42, models.WithdrawPending)
	if err := database.InsertWithdrawsIfNotExist([]models.WithdrawRequest{w}); err != nil {
		t.Fatalf("first insert error = %v", err)
	}

	w.Status = models.WithdrawSuccessful
	w.TxHash = "0xdone"
	if err := database.UpsertWithdraw(w); err != nil {
		t.Fatalf("UpsertWithdraw() error = %v", err)
	}

	// Re-observing the same nonce must not regress it to PENDING.
	again := testWithdraw(42, models.WithdrawPending)
	if err := database.InsertWithdrawsIfNotExist([]models.WithdrawRequest{again}); err != nil {
		t.Fatalf("second insert error = %v", err)
	}

	stored, err := database.GetWithdraw("SEP", 42)
	if err != nil {
		t.Fatalf("GetWithdraw() error = %v", err)
	}
	if stored == nil || stored.Status != models.WithdrawSuccessful || stored.TxHash != "0xdone" {
		t.Errorf("stored = %+v, want SUCCESSFUL with tx hash", stored)
	}
}

func TestWithdraw_UTXORoundTrip(t *testing.T) {
	database := newTestDB(t)

	w := testWithdraw(7, models.WithdrawProcessing)
	w.ChainSymbol = "BTC"
	w.UTXOs = []models.UTXO{
		testUTXO("u1", 0, 2_000_000, models.UTXOSpend),
		testUTXO("u2", 1, 5_000_000, models.UTXOSpend),
	}
	w.SatPerByte = 10
	w.ZellularIndex = "idx-99"

	if err := database.UpsertWithdraw(w); err != nil {
		t.Fatalf("UpsertWithdraw() error = %v", err)
	}

	stored, err := database.GetWithdraw("BTC", 7)
	if err != nil {
		t.Fatalf("GetWithdraw() error = %v", err)
	}
	if stored == nil {
		t.Fatal("GetWithdraw() returned nil")
	}
	if len(stored.UTXOs) != 2 || stored.UTXOs[1].Outpoint() != "u2:1" {
		t.Errorf("UTXOs = %+v, want the committed pair", stored.UTXOs)
	}
	if stored.SatPerByte != 10 || stored.ZellularIndex != "idx-99" {
		t.Errorf("stored = %+v, want sat_per_byte and zellular_index preserved", stored)
	}
}

func TestFindWithdrawsByStatus_NonceOrder(t *testing.T) {
	database := newTestDB(t)

	for _, nonce := range []uint64{5, 1, 3} {
		if err := database.InsertWithdrawsIfNotExist([]models.WithdrawRequest{testWithdraw(nonce, models.WithdrawPending)}); err != nil {
			t.Fatalf("insert error = %v", err)
		}
	}

	rows, err := database.FindWithdrawsByStatus("SEP", models.WithdrawPending)
	if err != nil {
		t.Fatalf("FindWithdrawsByStatus() error = %v", err)
	}
	if len(rows) != 3 || rows[0].Nonce != 1 || rows[1].Nonce != 3 || rows[2].Nonce != 5 {
		t.Errorf("nonce order = %v, want ascending", []uint64{rows[0].Nonce, rows[1].Nonce, rows[2].Nonce})
	}
}

func TestSaWithdraw_FirstSeenWins(t *testing.T) {
	database := newTestDB(t)

	w := testWithdraw(9, models.WithdrawPending)
	w.ChainSymbol = "BTC"
	w.UTXOs = []models.UTXO{testUTXO("first", 0, 100, models.UTXOSpend)}

	stored, err := database.InsertSaWithdrawIfNotExists(w)
	if err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	if len(stored.UTXOs) != 1 || stored.UTXOs[0].TxHash != "first" {
		t.Fatalf("stored = %+v, want the first utxo set", stored.UTXOs)
	}

	// A later conflicting proposal does not overwrite the pinned set.
	w.UTXOs = []models.UTXO{testUTXO("second", 0, 100, models.UTXOSpend)}
	stored, err = database.InsertSaWithdrawIfNotExists(w)
	if err != nil {
		t.Fatalf("second insert error = %v", err)
	}
	if len(stored.UTXOs) != 1 || stored.UTXOs[0].TxHash != "first" {
		t.Errorf("stored = %+v, want the first utxo set preserved", stored.UTXOs)
	}
}

func TestFindSaWithdrawNoncesByUTXOs(t *testing.T) {
	database := newTestDB(t)

	a := testWithdraw(1, models.WithdrawPending)
	a.ChainSymbol = "BTC"
	a.UTXOs = []models.UTXO{testUTXO("x", 0, 100, models.UTXOSpend)}
	b := testWithdraw(2, models.WithdrawPending)
	b.ChainSymbol = "BTC"
	b.UTXOs = []models.UTXO{testUTXO("y", 0, 100, models.UTXOSpend)}

	if _, err := database.InsertSaWithdrawIfNotExists(a); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if _, err := database.InsertSaWithdrawIfNotExists(b); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	nonces, err := database.FindSaWithdrawNoncesByUTXOs("BTC", []models.UTXO{testUTXO("x", 0, 100, models.UTXOSpend)})
	if err != nil {
		t.Fatalf("FindSaWithdrawNoncesByUTXOs() error = %v", err)
	}
	if len(nonces) != 1 || nonces[0] != 1 {
		t.Errorf("nonces = %v, want [1]", nonces)
	}
}
