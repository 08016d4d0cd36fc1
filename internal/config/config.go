package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/zex-protocol/zexporta/internal/models"
)

// Config holds all application configuration loaded from environment
// variables. Chain sections are loaded per symbol from the
// ZEXPORTA_CHAIN_<SYMBOL>_* namespace.
type Config struct {
	Env      string `envconfig:"ZEXPORTA_ENV" default:"dev"`
	DBPath   string `envconfig:"ZEXPORTA_DB_PATH" default:"./data/zexporta.sqlite"`
	Port     int    `envconfig:"ZEXPORTA_PORT" default:"8080"`
	LogLevel string `envconfig:"ZEXPORTA_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"ZEXPORTA_LOG_DIR" default:"./logs"`

	// Comma-separated chain symbols, each with its own env section.
	Chains string `envconfig:"ZEXPORTA_CHAINS" default:"SEP,BTC"`

	BTCNetwork string `envconfig:"ZEXPORTA_BTC_NETWORK" default:"testnet"`

	Zex         ZexConfig
	DKG         DKGConfig
	SA          SAConfig
	Withdrawer  WithdrawerConfig
	UserDeposit UserDepositConfig
	Sequencer   SequencerConfig

	chains map[string]*ChainConfig
}

// ZexConfig is the Zex HTTP API section.
type ZexConfig struct {
	BaseURL       string `envconfig:"ZEXPORTA_ZEX_BASE_URL" default:"http://localhost:8000/v1"`
	EncodeVersion uint8  `envconfig:"ZEXPORTA_ZEX_ENCODE_VERSION" default:"1"`
}

// DKGConfig points at the pre-generated threshold key material.
type DKGConfig struct {
	JSONPath string `envconfig:"ZEXPORTA_DKG_JSON_PATH" default:"./dkg.json"`
	Name     string `envconfig:"ZEXPORTA_DKG_NAME" default:"zex"`
}

// SAConfig is the signature-aggregator section.
type SAConfig struct {
	BatchBlockNumberSize  int           `envconfig:"ZEXPORTA_SA_BATCH_BLOCK_NUMBER_SIZE" default:"5"`
	TransactionsBatchSize int           `envconfig:"ZEXPORTA_SA_TRANSACTIONS_BATCH_SIZE" default:"16"`
	ShieldPrivateKey      string        `envconfig:"ZEXPORTA_SA_SHIELD_PRIVATE_KEY"`
	Timeout               time.Duration `envconfig:"ZEXPORTA_SA_TIMEOUT" default:"200s"`
	Delay                 time.Duration `envconfig:"ZEXPORTA_SA_DELAY" default:"10s"`
}

// WithdrawerConfig holds the EVM account used to submit vault withdraw
// transactions. The key is either a raw hex private key or derived from
// a BIP-39 mnemonic file.
type WithdrawerConfig struct {
	PrivateKey   string `envconfig:"ZEXPORTA_WITHDRAWER_PRIVATE_KEY"`
	MnemonicFile string `envconfig:"ZEXPORTA_WITHDRAWER_MNEMONIC_FILE"`
}

// UserDepositConfig parameterizes CREATE2 deposit-address derivation.
type UserDepositConfig struct {
	FactoryAddress string `envconfig:"ZEXPORTA_USER_DEPOSIT_FACTORY_ADDRESS"`
	BytecodeHash   string `envconfig:"ZEXPORTA_USER_DEPOSIT_BYTECODE_HASH"`
}

// SequencerConfig is the zellular sequencer section (BTC withdraws).
type SequencerConfig struct {
	BaseURL string `envconfig:"ZEXPORTA_SEQUENCER_BASE_URL" default:"http://localhost:6000"`
	AppName string `envconfig:"ZEXPORTA_SEQUENCER_APP_NAME" default:"zexporta"`
}

// ChainConfig is one chain's section, loaded from
// ZEXPORTA_CHAIN_<SYMBOL>_*.
type ChainConfig struct {
	Symbol             string           `ignored:"true"`
	Kind               models.ChainKind `envconfig:"KIND" default:"evm"`
	RPC                string           `envconfig:"RPC"`
	Indexer            string           `envconfig:"INDEXER"`
	ChainId            uint64           `envconfig:"CHAIN_ID"`
	VaultAddress       string           `envconfig:"VAULT_ADDRESS"`
	FinalizeBlockCount uint64           `envconfig:"FINALIZE_BLOCK_COUNT" default:"15"`
	Delay              time.Duration    `envconfig:"DELAY" default:"3s"`
	BatchBlockSize     int              `envconfig:"BATCH_BLOCK_SIZE" default:"5"`
	PoA                bool             `envconfig:"POA" default:"false"`
	NativeDecimals     uint8            `envconfig:"NATIVE_DECIMALS" default:"18"`
	GroupPubKey        string           `envconfig:"GROUP_PUB_KEY"`
}

// Load reads configuration from .env file (if present) then from
// environment variables. Environment variables override .env values.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	cfg.chains = make(map[string]*ChainConfig)
	for _, symbol := range strings.Split(cfg.Chains, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		cc := &ChainConfig{Symbol: symbol}
		if err := envconfig.Process("ZEXPORTA_CHAIN_"+strings.ToUpper(symbol), cc); err != nil {
			return nil, fmt.Errorf("failed to process chain %s config: %w", symbol, err)
		}
		cfg.chains[symbol] = cc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch c.Env {
	case "dev", "prod", "test":
	default:
		return fmt.Errorf("%w: env must be \"dev\", \"prod\" or \"test\", got %q", ErrInvalidConfig, c.Env)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if len(c.chains) == 0 {
		return fmt.Errorf("%w: no chains configured", ErrInvalidConfig)
	}
	for symbol, cc := range c.chains {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("chain %s: %w", symbol, err)
		}
	}
	return nil
}

// Validate checks a single chain section.
func (c *ChainConfig) Validate() error {
	switch c.Kind {
	case models.ChainKindEVM:
		if c.RPC == "" {
			return fmt.Errorf("%w: rpc url is required", ErrInvalidConfig)
		}
		if c.ChainId == 0 {
			return fmt.Errorf("%w: chain_id is required", ErrInvalidConfig)
		}
	case models.ChainKindBTC:
		if c.Indexer == "" {
			return fmt.Errorf("%w: indexer url is required", ErrInvalidConfig)
		}
		if c.GroupPubKey == "" {
			return fmt.Errorf("%w: group_pub_key is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown chain kind %q", ErrInvalidConfig, c.Kind)
	}
	if c.BatchBlockSize < 1 {
		return fmt.Errorf("%w: batch_block_size must be >= 1, got %d", ErrInvalidConfig, c.BatchBlockSize)
	}
	return nil
}

// ChainConfigs returns all configured chain sections keyed by symbol.
func (c *Config) ChainConfigs() map[string]*ChainConfig {
	return c.chains
}

// Chain returns one chain section by symbol.
func (c *Config) Chain(symbol string) (*ChainConfig, error) {
	cc, ok := c.chains[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: chain %q not configured", ErrInvalidConfig, symbol)
	}
	return cc, nil
}
