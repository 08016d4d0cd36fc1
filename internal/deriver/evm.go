package deriver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zex-protocol/zexporta/internal/models"
)

// EVMDeriver computes CREATE2 deposit addresses from the user-deposit
// factory and its contract bytecode hash.
type EVMDeriver struct {
	factory      common.Address
	bytecodeHash []byte
}

// NewEVMDeriver parses the factory address and bytecode hash.
func NewEVMDeriver(factoryAddress, bytecodeHash string) (*EVMDeriver, error) {
	if !common.IsHexAddress(factoryAddress) {
		return nil, fmt.Errorf("invalid factory address %q", factoryAddress)
	}
	hash, err := hex.DecodeString(strings.TrimPrefix(bytecodeHash, "0x"))
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("invalid bytecode hash %q", bytecodeHash)
	}
	return &EVMDeriver{
		factory:      common.HexToAddress(factoryAddress),
		bytecodeHash: hash,
	}, nil
}

// Derive returns user N's deposit address:
// keccak256(0xff ++ factory ++ salt ++ bytecode_hash)[12:], with
// salt = user_id as a 32-byte big-endian word. Pure and deterministic.
func (d *EVMDeriver) Derive(userId models.UserId) (string, error) {
	var salt [32]byte
	binary.BigEndian.PutUint64(salt[24:], userId)
	return crypto.CreateAddress2(d.factory, salt, d.bytecodeHash).Hex(), nil
}
