package encoder

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/models"
)

// DepositOperation is the operation byte of a deposit batch.
const DepositOperation = 'd'

// SortDeposits puts deposits in the canonical protocol order: by tx
// hash, then vout. Both the SA and every validator must encode the same
// sequence, so this ordering is part of the wire format.
func SortDeposits(deposits []models.Deposit) {
	sort.Slice(deposits, func(i, j int) bool {
		if deposits[i].TxHash != deposits[j].TxHash {
			return deposits[i].TxHash < deposits[j].TxHash
		}
		return deposits[i].Index < deposits[j].Index
	})
}

// EncodeDepositBatch packs a deposit batch into the bit-exact form Zex
// decodes. Layout, big-endian, no padding between fields:
//
//	u8 version | u8 op | char[3] chain_symbol_lower | u16 n_deposits
//	then per deposit:
//	char[66] tx_hash | char[42] token | bytes[32] value |
//	u8 decimals | u32 sa_timestamp | u64 user_id | u8 reserved
//
// Deposits must already be in canonical order (SortDeposits).
func EncodeDepositBatch(version uint8, operation byte, deposits []models.Deposit, chainSymbol string) ([]byte, error) {
	if len(deposits) > 0xffff {
		return nil, fmt.Errorf("batch of %d deposits exceeds u16 count", len(deposits))
	}

	var buf bytes.Buffer
	buf.WriteByte(version)
	buf.WriteByte(operation)
	buf.Write(fixedASCII(strings.ToLower(chainSymbol), 3))

	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(deposits)))
	buf.Write(count[:])

	for _, dep := range deposits {
		buf.Write(fixedASCII(dep.TxHash, config.EncodedTxHashLen))
		buf.Write(fixedASCII(dep.Token, config.EncodedTokenLen))

		value := dep.Value.Bytes()
		if len(value) > 32 {
			return nil, fmt.Errorf("deposit %s value exceeds 256 bits", dep.TxHash)
		}
		var word [32]byte
		copy(word[32-len(value):], value)
		buf.Write(word[:])

		buf.WriteByte(dep.Decimals)

		var ts [4]byte
		binary.BigEndian.PutUint32(ts[:], uint32(dep.SaTimestamp))
		buf.Write(ts[:])

		var user [8]byte
		binary.BigEndian.PutUint64(user[:], dep.UserId)
		buf.Write(user[:])

		buf.WriteByte(0) // reserved
	}

	return buf.Bytes(), nil
}

// HashDepositBatch is the sha256 of the encoded batch, lowercase hex.
// This is the message every validator signs its share over.
func HashDepositBatch(version uint8, operation byte, deposits []models.Deposit, chainSymbol string) (string, []byte, error) {
	encoded, err := EncodeDepositBatch(version, operation, deposits, chainSymbol)
	if err != nil {
		return "", nil, err
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:]), encoded, nil
}

// EVMWithdrawHash is keccak256(abi.encodePacked(address recipient,
// address token, uint256 amount, uint256 nonce, uint256 chain_id)),
// lowercase hex without a 0x prefix.
func EVMWithdrawHash(w models.WithdrawRequest) string {
	var packed bytes.Buffer
	packed.Write(common.HexToAddress(w.Recipient).Bytes())
	packed.Write(common.HexToAddress(w.TokenAddress).Bytes())
	packed.Write(uint256Word(w.Amount.Bytes()))

	var nonce [32]byte
	binary.BigEndian.PutUint64(nonce[24:], w.Nonce)
	packed.Write(nonce[:])

	var chainId [32]byte
	binary.BigEndian.PutUint64(chainId[24:], w.ChainId)
	packed.Write(chainId[:])

	return hex.EncodeToString(crypto.Keccak256(packed.Bytes()))
}

// fixedASCII right-pads s with zero bytes to width, truncating when
// longer.
func fixedASCII(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)
	return out
}

func uint256Word(b []byte) []byte {
	var word [32]byte
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(word[32-len(b):], b)
	return word[:]
}
