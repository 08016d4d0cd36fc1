package deriver

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/mr-tron/base58"
)

const (
	testFactory      = "0x4e59b44847b379578588920cA78FbF26c0B4956C"
	testBytecodeHash = "0x" + "21c35dbe1b344a2488cf3321d6ce542f8e9f305544ff09e4993a62319a497c1f"
)

func testGroupKey(t *testing.T) string {
	t.Helper()
	_, pub := btcec.PrivKeyFromBytes([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
	})
	return base58.Encode(pub.SerializeCompressed())
}

func TestEVMDerive_Deterministic(t *testing.T) {
	first, err := NewEVMDeriver(testFactory, testBytecodeHash)
	if err != nil {
		t.Fatalf("NewEVMDeriver() error = %v", err)
	}
	second, err := NewEVMDeriver(testFactory, testBytecodeHash)
	if err != nil {
		t.Fatalf("NewEVMDeriver() error = %v", err)
	}

	a, _ := first.Derive(7)
	b, _ := second.Derive(7)
	if a != b {
		t.Errorf("derive(7) = %s and %s, want equal", a, b)
	}
	if !strings.HasPrefix(a, "0x") || len(a) != 42 {
		t.Errorf("derive(7) = %q, want a 20-byte hex address", a)
	}
}

func TestEVMDerive_DistinctPerUser(t *testing.T) {
	d, err := NewEVMDeriver(testFactory, testBytecodeHash)
	if err != nil {
		t.Fatalf("NewEVMDeriver() error = %v", err)
	}

	seen := make(map[string]uint64)
	for userId := uint64(0); userId < 50; userId++ {
		addr, _ := d.Derive(userId)
		if prev, ok := seen[addr]; ok {
			t.Fatalf("users %d and %d collide on %s", prev, userId, addr)
		}
		seen[addr] = userId
	}
}

func TestEVMDeriver_RejectsBadInputs(t *testing.T) {
	if _, err := NewEVMDeriver("not-an-address", testBytecodeHash); err == nil {
		t.Error("bad factory address accepted")
	}
	if _, err := NewEVMDeriver(testFactory, "0x1234"); err == nil {
		t.Error("short bytecode hash accepted")
	}
}

func TestBTCDerive_Deterministic(t *testing.T) {
	groupKey := testGroupKey(t)

	first, err := NewBTCDeriver(groupKey, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewBTCDeriver() error = %v", err)
	}
	second, err := NewBTCDeriver(groupKey, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewBTCDeriver() error = %v", err)
	}

	a, err := first.Derive(7)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	b, err := second.Derive(7)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if a != b {
		t.Errorf("derive(7) = %s and %s, want equal", a, b)
	}
	if !strings.HasPrefix(a, "tb1p") {
		t.Errorf("derive(7) = %q, want a testnet taproot address", a)
	}
}

func TestBTCDerive_DistinctPerUser(t *testing.T) {
	d, err := NewBTCDeriver(testGroupKey(t), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewBTCDeriver() error = %v", err)
	}

	a, _ := d.Derive(1)
	b, _ := d.Derive(2)
	if a == b {
		t.Error("different salts derived the same address")
	}
	if !strings.HasPrefix(a, "bc1p") {
		t.Errorf("derive(1) = %q, want a mainnet taproot address", a)
	}
}

func TestNetworkParams(t *testing.T) {
	if NetworkParams("testnet") != &chaincfg.TestNet3Params {
		t.Error("testnet params mismatch")
	}
	if NetworkParams("mainnet") != &chaincfg.MainNetParams {
		t.Error("mainnet params mismatch")
	}
}
