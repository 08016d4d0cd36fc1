package explorer

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/models"
)

// fakeClient serves canned transfers per block.
type fakeClient struct {
	transfers     map[models.BlockNumber][]models.Transfer
	failed        map[string]bool
	decimals      uint8
	decimalsCalls int
}

func (f *fakeClient) Symbol() string { return "SEP" }
func (f *fakeClient) LatestBlock(context.Context) (models.BlockNumber, error) {
	return 0, nil
}
func (f *fakeClient) FinalizedBlock(context.Context) (models.BlockNumber, error) {
	return 0, nil
}
func (f *fakeClient) BlockTxHashes(context.Context, models.BlockNumber) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) ExtractTransfers(_ context.Context, n models.BlockNumber) ([]models.Transfer, error) {
	return f.transfers[n], nil
}
func (f *fakeClient) TransfersByTxHash(context.Context, string) ([]models.Transfer, error) {
	return nil, nil
}
func (f *fakeClient) IsSuccessful(_ context.Context, txHash string) (bool, error) {
	return !f.failed[txHash], nil
}
func (f *fakeClient) TokenDecimals(context.Context, string) (uint8, error) {
	f.decimalsCalls++
	return f.decimals, nil
}
func (f *fakeClient) SendRaw(context.Context, []byte) (string, error) {
	return "", nil
}

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

func transfer(txHash, to string, block models.BlockNumber) models.Transfer {
	return models.Transfer{
		TxHash:      txHash,
		ChainSymbol: "SEP",
		Value:       big.NewInt(1_000_000),
		Token:       "0xToken",
		To:          to,
		BlockNumber: block,
	}
}

func TestExplore_FiltersByAcceptedAddress(t *testing.T) {
	client := &fakeClient{
		transfers: map[models.BlockNumber][]models.Transfer{
			100: {
				transfer("0xhit", "0xAAA", 100),
				transfer("0xmiss", "0xZZZ", 100),
			},
		},
		decimals: 6,
	}
	exp := New(client, newTestDB(t), 5, 0)

	deposits, err := exp.Explore(context.Background(), 100, 100, map[string]models.UserId{"0xAAA": 7})
	if err != nil {
		t.Fatalf("Explore() error = %v", err)
	}
	if len(deposits) != 1 {
		t.Fatalf("got %d deposits, want 1", len(deposits))
	}
	dep := deposits[0]
	if dep.TxHash != "0xhit" || dep.UserId != 7 || dep.Decimals != 6 {
		t.Errorf("deposit = %+v", dep)
	}
	if dep.Status != models.DepositPending {
		t.Errorf("status = %s, want PENDING", dep.Status)
	}
}

func TestExplore_DropsFailedTx(t *testing.T) {
	client := &fakeClient{
		transfers: map[models.BlockNumber][]models.Transfer{
			100: {transfer("0xfail", "0xAAA", 100)},
		},
		failed:   map[string]bool{"0xfail": true},
		decimals: 6,
	}
	exp := New(client, newTestDB(t), 5, 0)

	deposits, err := exp.Explore(context.Background(), 100, 100, map[string]models.UserId{"0xAAA": 7})
	if err != nil {
		t.Fatalf("Explore() error = %v", err)
	}
	if len(deposits) != 0 {
		t.Errorf("got %d deposits, want 0", len(deposits))
	}
}

func TestTokenDecimals_WriteThroughCache(t *testing.T) {
	client := &fakeClient{decimals: 18}
	exp := New(client, newTestDB(t), 5, 0)

	for i := 0; i < 3; i++ {
		decimals, err := exp.TokenDecimals(context.Background(), "0xToken")
		if err != nil {
			t.Fatalf("TokenDecimals() error = %v", err)
		}
		if decimals != 18 {
			t.Errorf("decimals = %d, want 18", decimals)
		}
	}

	if client.decimalsCalls != 1 {
		t.Errorf("chain queried %d times, want 1 (cache miss only)", client.decimalsCalls)
	}
}

func TestBlockWindows(t *testing.T) {
	windows := BlockWindows(10, 21, 5)
	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
	if windows[0][0] != 10 || windows[0][len(windows[0])-1] != 14 {
		t.Errorf("first window = %v", windows[0])
	}
	if windows[2][0] != 20 || windows[2][len(windows[2])-1] != 21 {
		t.Errorf("last window = %v", windows[2])
	}

	if got := BlockWindows(5, 4, 5); got != nil {
		t.Errorf("inverted range returned %v, want nil", got)
	}
	if got := BlockWindows(5, 5, 5); len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("single block range = %v, want one window of one block", got)
	}
}
