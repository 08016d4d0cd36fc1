package config

import (
	"errors"
	"testing"
	"time"

	"github.com/zex-protocol/zexporta/internal/models"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ZEXPORTA_CHAINS", "SEP,BTC")
	t.Setenv("ZEXPORTA_CHAIN_SEP_KIND", "evm")
	t.Setenv("ZEXPORTA_CHAIN_SEP_RPC", "http://localhost:8545")
	t.Setenv("ZEXPORTA_CHAIN_SEP_CHAIN_ID", "11155111")
	t.Setenv("ZEXPORTA_CHAIN_BTC_KIND", "btc")
	t.Setenv("ZEXPORTA_CHAIN_BTC_INDEXER", "http://localhost:9130")
	t.Setenv("ZEXPORTA_CHAIN_BTC_GROUP_PUB_KEY", "fakekey")
	t.Setenv("ZEXPORTA_CHAIN_BTC_NATIVE_DECIMALS", "8")
}

func TestLoad_ChainSections(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ZEXPORTA_CHAIN_SEP_FINALIZE_BLOCK_COUNT", "3")
	t.Setenv("ZEXPORTA_CHAIN_SEP_DELAY", "7s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	sep, err := cfg.Chain("SEP")
	if err != nil {
		t.Fatalf("Chain(SEP) error = %v", err)
	}
	if sep.Kind != models.ChainKindEVM || sep.ChainId != 11155111 {
		t.Errorf("sep = %+v", sep)
	}
	if sep.FinalizeBlockCount != 3 || sep.Delay != 7*time.Second {
		t.Errorf("sep overrides not applied: %+v", sep)
	}
	if sep.BatchBlockSize != 5 {
		t.Errorf("BatchBlockSize = %d, want default 5", sep.BatchBlockSize)
	}

	btc, err := cfg.Chain("BTC")
	if err != nil {
		t.Fatalf("Chain(BTC) error = %v", err)
	}
	if btc.Kind != models.ChainKindBTC || btc.NativeDecimals != 8 {
		t.Errorf("btc = %+v", btc)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q, want dev", cfg.Env)
	}
	if cfg.Zex.EncodeVersion != 1 {
		t.Errorf("EncodeVersion = %d, want 1", cfg.Zex.EncodeVersion)
	}
	if cfg.SA.Timeout != 200*time.Second {
		t.Errorf("SA.Timeout = %s, want 200s", cfg.SA.Timeout)
	}
}

func TestValidate_RejectsBadEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ZEXPORTA_ENV", "staging")

	_, err := Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate_RequiresEVMRPC(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ZEXPORTA_CHAIN_SEP_RPC", "")

	_, err := Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate_RequiresBTCGroupKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ZEXPORTA_CHAIN_BTC_GROUP_PUB_KEY", "")

	_, err := Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestChain_UnknownSymbol(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := cfg.Chain("DOGE"); err == nil {
		t.Error("Chain(DOGE) succeeded, want error")
	}
}
