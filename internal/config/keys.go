package config

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// WithdrawerKey resolves the EVM withdrawer account key. A raw hex key
// takes precedence; otherwise the key is derived from the configured
// BIP-39 mnemonic file at m/44'/60'/0'/0/0.
func (c *Config) WithdrawerKey() (*ecdsa.PrivateKey, error) {
	if c.Withdrawer.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Withdrawer.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse withdrawer private key: %w", err)
		}
		return key, nil
	}
	if c.Withdrawer.MnemonicFile == "" {
		return nil, fmt.Errorf("%w: neither private key nor mnemonic file configured", ErrKeyDerivation)
	}
	mnemonic, err := readMnemonicFromFile(c.Withdrawer.MnemonicFile)
	if err != nil {
		return nil, err
	}
	return deriveEVMKey(mnemonic, WithdrawerKeyIndex)
}

// ShieldKey parses the SA shield ECDSA private key.
func (c *Config) ShieldKey() (*ecdsa.PrivateKey, error) {
	if c.SA.ShieldPrivateKey == "" {
		return nil, fmt.Errorf("%w: sa shield private key not configured", ErrKeyDerivation)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.SA.ShieldPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse shield private key: %w", err)
	}
	return key, nil
}

// readMnemonicFromFile reads a mnemonic from a file, trims whitespace,
// and validates it.
func readMnemonicFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read mnemonic file %q: %w", path, err)
	}

	mnemonic := strings.TrimSpace(string(data))
	if mnemonic == "" {
		return "", fmt.Errorf("mnemonic file %q is empty: %w", path, ErrInvalidMnemonic)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("mnemonic file %q: %w", path, ErrInvalidMnemonic)
	}

	slog.Info("mnemonic read and validated from file")
	return mnemonic, nil
}

// deriveEVMKey derives an EVM account key at m/44'/60'/0'/0/N.
func deriveEVMKey(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	purpose, err := masterKey.Derive(hdkeychain.HardenedKeyStart + BIP44Purpose)
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + EVMCoinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin key: %w", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}
	change, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive change key: %w", err)
	}
	child, err := change.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive child key at index %d: %w", index, err)
	}

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("get private key at index %d: %w", index, err)
	}
	return privKey.ToECDSA(), nil
}
