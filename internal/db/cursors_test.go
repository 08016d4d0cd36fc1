package db

import "testing"

func TestLastObservedBlock_Lifecycle(t *testing.T) {
	database := newTestDB(t)

	if _, ok, err := database.LastObservedBlock("SEP"); err != nil || ok {
		t.Fatalf("fresh cursor = ok=%v err=%v, want absent", ok, err)
	}

	if err := database.SetLastObservedBlock("SEP", 100); err != nil {
		t.Fatalf("SetLastObservedBlock() error = %v", err)
	}
	block, ok, err := database.LastObservedBlock("SEP")
	if err != nil || !ok || block != 100 {
		t.Fatalf("cursor = %d ok=%v err=%v, want 100", block, ok, err)
	}
}

func TestLastWithdrawNonce_DefaultsToMinusOne(t *testing.T) {
	database := newTestDB(t)

	nonce, err := database.LastWithdrawNonce("SEP")
	if err != nil {
		t.Fatalf("LastWithdrawNonce() error = %v", err)
	}
	if nonce != -1 {
		t.Errorf("nonce = %d, want -1", nonce)
	}
}

func TestSetLastWithdrawNonce_Monotonic(t *testing.T) {
	database := newTestDB(t)

	if err := database.SetLastWithdrawNonce("SEP", 10); err != nil {
		t.Fatalf("SetLastWithdrawNonce() error = %v", err)
	}
	// A stale writer must not move the cursor backward.
	if err := database.SetLastWithdrawNonce("SEP", 4); err != nil {
		t.Fatalf("SetLastWithdrawNonce() error = %v", err)
	}

	nonce, err := database.LastWithdrawNonce("SEP")
	if err != nil {
		t.Fatalf("LastWithdrawNonce() error = %v", err)
	}
	if nonce != 10 {
		t.Errorf("nonce = %d, want 10", nonce)
	}
}

func TestCursors_PerChainNamespace(t *testing.T) {
	database := newTestDB(t)

	if err := database.SetLastObservedBlock("SEP", 100); err != nil {
		t.Fatalf("SetLastObservedBlock() error = %v", err)
	}
	if err := database.SetLastObservedBlock("BTC", 900); err != nil {
		t.Fatalf("SetLastObservedBlock() error = %v", err)
	}

	sep, _, _ := database.LastObservedBlock("SEP")
	btc, _, _ := database.LastObservedBlock("BTC")
	if sep != 100 || btc != 900 {
		t.Errorf("cursors = SEP:%d BTC:%d, want 100/900", sep, btc)
	}
}
