package finalizer

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
)

type fakeClient struct {
	finalized models.BlockNumber
	blocks    map[models.BlockNumber][]string
}

func (f *fakeClient) Symbol() string { return "SEP" }
func (f *fakeClient) LatestBlock(context.Context) (models.BlockNumber, error) {
	return f.finalized, nil
}
func (f *fakeClient) FinalizedBlock(context.Context) (models.BlockNumber, error) {
	return f.finalized, nil
}
func (f *fakeClient) BlockTxHashes(_ context.Context, n models.BlockNumber) ([]string, error) {
	return f.blocks[n], nil
}
func (f *fakeClient) ExtractTransfers(context.Context, models.BlockNumber) ([]models.Transfer, error) {
	return nil, nil
}
func (f *fakeClient) TransfersByTxHash(context.Context, string) ([]models.Transfer, error) {
	return nil, nil
}
func (f *fakeClient) IsSuccessful(context.Context, string) (bool, error) { return true, nil }
func (f *fakeClient) TokenDecimals(context.Context, string) (uint8, error) {
	return 6, nil
}
func (f *fakeClient) SendRaw(context.Context, []byte) (string, error) { return "", nil }

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return database
}

func testChain() *config.ChainConfig {
	return &config.ChainConfig{
		Symbol:         "SEP",
		Kind:           models.ChainKindEVM,
		BatchBlockSize: 5,
		Delay:          10 * time.Millisecond,
	}
}

func pendingDeposit(txHash string, vout uint32, block models.BlockNumber) models.Deposit {
	return models.Deposit{
		Transfer: models.Transfer{
			TxHash:      txHash,
			ChainSymbol: "SEP",
			Value:       big.NewInt(1000),
			Token:       "0xToken",
			To:          "0xUser",
			BlockNumber: block,
			Index:       vout,
		},
		UserId:   1,
		Decimals: 6,
		Status:   models.DepositPending,
	}
}

func TestFinalizeOnce_PromotesSurvivors(t *testing.T) {
	database := newTestDB(t)
	if err := database.InsertDepositsIfNotExist([]models.Deposit{
		pendingDeposit("0xlives", 0, 100),
	}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	client := &fakeClient{
		finalized: 105,
		blocks:    map[models.BlockNumber][]string{100: {"0xother", "0xlives"}},
	}
	fin := New(testChain(), client, database)

	if err := fin.finalizeOnce(context.Background()); err != nil {
		t.Fatalf("finalizeOnce() error = %v", err)
	}

	finalized, err := database.FindDepositsByStatus("SEP", models.DepositFinalized, nil, nil, 0)
	if err != nil {
		t.Fatalf("FindDepositsByStatus() error = %v", err)
	}
	if len(finalized) != 1 || finalized[0].TxHash != "0xlives" {
		t.Errorf("finalized = %+v, want 0xlives", finalized)
	}
}

func TestFinalizeOnce_DemotesOrphansToReorg(t *testing.T) {
	database := newTestDB(t)
	if err := database.InsertDepositsIfNotExist([]models.Deposit{
		pendingDeposit("0xgone", 0, 200),
	}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	// Block 200 no longer contains the deposit's transaction.
	client := &fakeClient{
		finalized: 205,
		blocks:    map[models.BlockNumber][]string{200: {"0xreplacement"}},
	}
	fin := New(testChain(), client, database)

	if err := fin.finalizeOnce(context.Background()); err != nil {
		t.Fatalf("finalizeOnce() error = %v", err)
	}

	reorged, err := database.FindDepositsByStatus("SEP", models.DepositReorg, nil, nil, 0)
	if err != nil {
		t.Fatalf("FindDepositsByStatus() error = %v", err)
	}
	if len(reorged) != 1 || reorged[0].TxHash != "0xgone" {
		t.Errorf("reorged = %+v, want 0xgone", reorged)
	}

	// No later pass may resurrect it.
	if err := fin.finalizeOnce(context.Background()); err != nil {
		t.Fatalf("second finalizeOnce() error = %v", err)
	}
	verified, _ := database.FindDepositsByStatus("SEP", models.DepositVerified, nil, nil, 0)
	finalized, _ := database.FindDepositsByStatus("SEP", models.DepositFinalized, nil, nil, 0)
	if len(verified)+len(finalized) != 0 {
		t.Error("reorged deposit advanced after demotion")
	}
}

func TestFinalizeOnce_LeavesUnfinalizedBlocksAlone(t *testing.T) {
	database := newTestDB(t)
	if err := database.InsertDepositsIfNotExist([]models.Deposit{
		pendingDeposit("0xyoung", 0, 300),
	}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	client := &fakeClient{finalized: 299, blocks: map[models.BlockNumber][]string{}}
	fin := New(testChain(), client, database)

	if err := fin.finalizeOnce(context.Background()); err != nil {
		t.Fatalf("finalizeOnce() error = %v", err)
	}

	pending, err := database.FindDepositsByStatus("SEP", models.DepositPending, nil, nil, 0)
	if err != nil {
		t.Fatalf("FindDepositsByStatus() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %+v, want the young deposit untouched", pending)
	}
}

func TestFinalizer_BTCMiddlewareMaterializesUTXOs(t *testing.T) {
	database := newTestDB(t)

	deposits := []models.Deposit{
		pendingDeposit("live", 0, 100),
		pendingDeposit("dead", 0, 100),
	}
	if err := database.InsertDepositsIfNotExist(deposits); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if err := database.InsertUTXOsIfNotExist([]models.UTXO{
		{TxHash: "live", Index: 0, Amount: 1000, Address: "tb1p-a", Status: models.UTXOProcessing, Salt: 1},
		{TxHash: "dead", Index: 0, Amount: 1000, Address: "tb1p-b", Status: models.UTXOProcessing, Salt: 1},
	}); err != nil {
		t.Fatalf("utxo insert error = %v", err)
	}

	client := &fakeClient{
		finalized: 105,
		blocks:    map[models.BlockNumber][]string{100: {"live"}},
	}
	fin := New(testChain(), client, database, NewBTCUTXOMiddleware(database))

	if err := fin.finalizeOnce(context.Background()); err != nil {
		t.Fatalf("finalizeOnce() error = %v", err)
	}

	unspent, _ := database.FindUTXOsByStatus(models.UTXOUnspent, 0)
	rejected, _ := database.FindUTXOsByStatus(models.UTXORejected, 0)
	if len(unspent) != 1 || unspent[0].TxHash != "live" {
		t.Errorf("unspent = %+v, want live", unspent)
	}
	if len(rejected) != 1 || rejected[0].TxHash != "dead" {
		t.Errorf("rejected = %+v, want dead", rejected)
	}
}
