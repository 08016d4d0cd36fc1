package db

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/zex-protocol/zexporta/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return database
}

func testDeposit(txHash string, vout uint32, block models.BlockNumber, status models.DepositStatus) models.Deposit {
	return models.Deposit{
		Transfer: models.Transfer{
			TxHash:      txHash,
			ChainSymbol: "SEP",
			Value:       big.NewInt(1_000_000),
			Token:       "0x" + "b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0",
			To:          "0x" + "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1",
			BlockNumber: block,
			Index:       vout,
		},
		UserId:   7,
		Decimals: 6,
		Status:   status,
	}
}
