package db

import (
	"strings"
	"testing"

	"github.com/zex-protocol/zexporta/internal/models"
)

func testUTXO(txHash string, vout uint32, amount int64, status models.UTXOStatus) models.UTXO {
	return models.UTXO{
		TxHash:  txHash,
		Index:   vout,
		Amount:  amount,
		Address: "tb1p-test-address",
		Status:  status,
		Salt:    7,
	}
}

func TestInsertUTXOsIfNotExist_Idempotent(t *testing.T) {
	database := newTestDB(t)

	utxos := []models.UTXO{
		testUTXO("aaaa", 0, 2_000_000, models.UTXOProcessing),
		testUTXO("aaaa", 1, 5_000_000, models.UTXOProcessing),
	}
	if err := database.InsertUTXOsIfNotExist(utxos); err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	if err := database.InsertUTXOsIfNotExist(utxos); err != nil {
		t.Fatalf("second insert error = %v", err)
	}

	rows, err := database.FindUTXOsByStatus(models.UTXOProcessing, 0)
	if err != nil {
		t.Fatalf("FindUTXOsByStatus() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
}

func TestFindUTXOsByStatus_LargestFirst(t *testing.T) {
	database := newTestDB(t)

	utxos := []models.UTXO{
		testUTXO("small", 0, 1_000, models.UTXOUnspent),
		testUTXO("large", 0, 9_000, models.UTXOUnspent),
		testUTXO("mid", 0, 5_000, models.UTXOUnspent),
	}
	if err := database.InsertUTXOsIfNotExist(utxos); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	rows, err := database.FindUTXOsByStatus(models.UTXOUnspent, 0)
	if err != nil {
		t.Fatalf("FindUTXOsByStatus() error = %v", err)
	}
	if rows[0].TxHash != "large" || rows[1].TxHash != "mid" || rows[2].TxHash != "small" {
		t.Errorf("unexpected order: %v %v %v", rows[0].TxHash, rows[1].TxHash, rows[2].TxHash)
	}
}

func TestMarkUTXOsSpend_RejectsRace(t *testing.T) {
	database := newTestDB(t)

	u := testUTXO("race", 0, 1_000, models.UTXOUnspent)
	if err := database.InsertUTXOsIfNotExist([]models.UTXO{u}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	if err := database.MarkUTXOsSpend([]models.UTXO{u}); err != nil {
		t.Fatalf("first MarkUTXOsSpend() error = %v", err)
	}

	// A second withdraw must not be able to take the same output.
	err := database.MarkUTXOsSpend([]models.UTXO{u})
	if err == nil {
		t.Fatal("second MarkUTXOsSpend() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "no longer unspent") {
		t.Errorf("error = %v, want no-longer-unspent", err)
	}
}

func TestMarkUTXOsSpend_RollsBackOnPartialFailure(t *testing.T) {
	database := newTestDB(t)

	free := testUTXO("free", 0, 1_000, models.UTXOUnspent)
	taken := testUTXO("taken", 0, 1_000, models.UTXOSpend)
	if err := database.InsertUTXOsIfNotExist([]models.UTXO{free, taken}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	if err := database.MarkUTXOsSpend([]models.UTXO{free, taken}); err == nil {
		t.Fatal("MarkUTXOsSpend() succeeded over a SPEND row, want error")
	}

	// The free output must still be available after the rollback.
	rows, err := database.FindUTXOsByStatus(models.UTXOUnspent, 0)
	if err != nil {
		t.Fatalf("FindUTXOsByStatus() error = %v", err)
	}
	if len(rows) != 1 || rows[0].TxHash != "free" {
		t.Errorf("unspent rows = %+v, want only the free output", rows)
	}
}

func TestTransitionUTXOsForDeposits(t *testing.T) {
	database := newTestDB(t)

	if err := database.InsertUTXOsIfNotExist([]models.UTXO{
		testUTXO("fin", 0, 100, models.UTXOProcessing),
		testUTXO("gone", 0, 100, models.UTXOProcessing),
	}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	finalized := []models.Deposit{testDeposit("fin", 0, 10, models.DepositFinalized)}
	reorged := []models.Deposit{testDeposit("gone", 0, 10, models.DepositReorg)}

	if err := database.TransitionUTXOsForDeposits(finalized, models.UTXOProcessing, models.UTXOUnspent); err != nil {
		t.Fatalf("TransitionUTXOsForDeposits() error = %v", err)
	}
	if err := database.TransitionUTXOsForDeposits(reorged, models.UTXOProcessing, models.UTXORejected); err != nil {
		t.Fatalf("TransitionUTXOsForDeposits() error = %v", err)
	}

	unspent, _ := database.FindUTXOsByStatus(models.UTXOUnspent, 0)
	rejected, _ := database.FindUTXOsByStatus(models.UTXORejected, 0)
	if len(unspent) != 1 || unspent[0].TxHash != "fin" {
		t.Errorf("unspent = %+v, want fin", unspent)
	}
	if len(rejected) != 1 || rejected[0].TxHash != "gone" {
		t.Errorf("rejected = %+v, want gone", rejected)
	}
}
