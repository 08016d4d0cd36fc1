package config

import "errors"

// Sentinel errors for internal use.
var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrKeyDerivation   = errors.New("key derivation failed")
)
