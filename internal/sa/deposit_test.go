package sa

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/encoder"
	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/models"
	"github.com/zex-protocol/zexporta/internal/zex"
)

// fakeSigner plays a full honest validator set: it re-derives the
// VERIFIED deposits it was configured with, hashes them with the shared
// encoder and returns a successful round.
type fakeSigner struct {
	confirmed  map[string]models.Deposit // tx hash -> canned deposit
	forceHash  string                    // when set, returned as MessageHash
	roundsRun  int
	lastMethod string
}

func (f *fakeSigner) RequestNonces(context.Context, []string, int) (map[string]string, error) {
	return map[string]string{"http://node-a": strings.Repeat("ab", 32)}, nil
}

func (f *fakeSigner) RequestSignature(_ context.Context, _ *frost.DKGKey, _ map[string]string, request frost.SigRequest, _ []string) (*frost.SigResult, error) {
	f.roundsRun++
	f.lastMethod = request.Method

	data, ok := request.Data.(frost.SaDepositData)
	if !ok {
		return nil, fmt.Errorf("unexpected request data %T", request.Data)
	}

	var deposits []models.Deposit
	for _, txHash := range data.TxHashes {
		dep, ok := f.confirmed[txHash]
		if !ok {
			continue
		}
		dep.Status = models.DepositVerified
		dep.SaTimestamp = data.Timestamp
		deposits = append(deposits, dep)
	}
	encoder.SortDeposits(deposits)

	hash, _, err := encoder.HashDepositBatch(1, encoder.DepositOperation, deposits, data.ChainSymbol)
	if err != nil {
		return nil, err
	}
	if f.forceHash != "" {
		hash = f.forceHash
	}

	nodeData, err := json.Marshal(map[string]any{"deposits": deposits})
	if err != nil {
		return nil, err
	}

	return &frost.SigResult{
		Result:                frost.ResultSuccessful,
		MessageHash:           hash,
		Signature:             strings.Repeat("0a", 32),
		Nonce:                 "round-nonce",
		SignatureDataFromNode: map[string]json.RawMessage{"http://node-a": nodeData},
	}, nil
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

func finalizedDeposit(txHash string, block models.BlockNumber) models.Deposit {
	return models.Deposit{
		Transfer: models.Transfer{
			TxHash:      txHash,
			ChainSymbol: "SEP",
			Value:       big.NewInt(1_000_000),
			Token:       "0x" + strings.Repeat("b", 40),
			To:          "0x" + strings.Repeat("a", 40),
			BlockNumber: block,
		},
		UserId:   7,
		Decimals: 6,
		Status:   models.DepositFinalized,
	}
}

func newDepositRound(t *testing.T, database *db.DB, signer frost.ThresholdSigner, zexURL string) *DepositRound {
	t.Helper()

	shieldKey, err := crypto.HexToECDSA(strings.Repeat("11", 32))
	if err != nil {
		t.Fatalf("shield key error = %v", err)
	}

	chain := &config.ChainConfig{
		Symbol:         "SEP",
		Kind:           models.ChainKindEVM,
		BatchBlockSize: 5,
		Delay:          time.Millisecond,
	}
	dkg := &frost.DKGKey{Name: "zex", Threshold: 1, Party: []string{"http://node-a"}}

	return &DepositRound{
		chain:         chain,
		database:      database,
		signer:        signer,
		dkg:           dkg,
		zex:           zex.NewClient(zexURL, nil),
		shieldKey:     shieldKey,
		encodeVersion: 1,
		batchSize:     16,
		delay:         time.Millisecond,
		now:           func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func TestProcessOnce_VerifiesBatchAndDemotesLosers(t *testing.T) {
	database := newTestDB(t)

	winner := finalizedDeposit("0xwin", 100)
	loser := finalizedDeposit("0xlose", 101)
	if err := database.InsertDepositsIfNotExist([]models.Deposit{winner, loser}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	var zexCalls int
	zexSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zexCalls++
		if r.URL.Path != "/deposit" {
			t.Errorf("zex path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer zexSrv.Close()

	// The validators only confirm the winner.
	signer := &fakeSigner{confirmed: map[string]models.Deposit{"0xwin": winner}}
	round := newDepositRound(t, database, signer, zexSrv.URL)

	if err := round.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if zexCalls != 1 {
		t.Errorf("zex deposit calls = %d, want 1", zexCalls)
	}

	verified, err := database.FindDepositsByStatus("SEP", models.DepositVerified, nil, nil, 0)
	if err != nil {
		t.Fatalf("FindDepositsByStatus() error = %v", err)
	}
	if len(verified) != 1 || verified[0].TxHash != "0xwin" {
		t.Fatalf("verified = %+v, want only 0xwin", verified)
	}
	if verified[0].SaTimestamp != 1_700_000_000 {
		t.Errorf("SaTimestamp = %d, want the round timestamp", verified[0].SaTimestamp)
	}

	reorged, err := database.FindDepositsByStatus("SEP", models.DepositReorg, nil, nil, 0)
	if err != nil {
		t.Fatalf("FindDepositsByStatus() error = %v", err)
	}
	if len(reorged) != 1 || reorged[0].TxHash != "0xlose" {
		t.Errorf("reorged = %+v, want only 0xlose", reorged)
	}
}

func TestProcessOnce_HashMismatchAbortsWithoutPersisting(t *testing.T) {
	database := newTestDB(t)

	dep := finalizedDeposit("0xdep", 100)
	if err := database.InsertDepositsIfNotExist([]models.Deposit{dep}); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	var zexCalls int
	zexSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zexCalls++
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer zexSrv.Close()

	signer := &fakeSigner{
		confirmed: map[string]models.Deposit{"0xdep": dep},
		forceHash: strings.Repeat("f", 64),
	}
	round := newDepositRound(t, database, signer, zexSrv.URL)

	err := round.ProcessOnce(context.Background())
	if err == nil {
		t.Fatal("ProcessOnce() succeeded, want hash mismatch")
	}
	if zexCalls != 0 {
		t.Errorf("zex called %d times after aborted round, want 0", zexCalls)
	}

	// The batch stays FINALIZED for the next round.
	finalized, _ := database.FindDepositsByStatus("SEP", models.DepositFinalized, nil, nil, 0)
	if len(finalized) != 1 {
		t.Errorf("finalized = %+v, want the untouched batch", finalized)
	}
}

func TestProcessOnce_NoFinalizedDepositsIsNoop(t *testing.T) {
	database := newTestDB(t)

	signer := &fakeSigner{}
	round := newDepositRound(t, database, signer, "http://unused")

	if err := round.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if signer.roundsRun != 0 {
		t.Errorf("rounds run = %d, want 0", signer.roundsRun)
	}
}
