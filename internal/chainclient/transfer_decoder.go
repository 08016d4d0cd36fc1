package chainclient

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress marks the native asset in Transfer.Token.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Function selectors for the only two calls the explorer recognizes.
var (
	transferSelector     = [4]byte{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
	transferFromSelector = [4]byte{0x23, 0xb8, 0x72, 0xdd} // transferFrom(address,address,uint256)
)

// DecodedTransfer is the recipient and value a transfer call carries,
// plus the sender for transferFrom (empty for transfer).
type DecodedTransfer struct {
	To    string
	From  string
	Value *big.Int
}

// DecodeTransferInput decodes ERC-20 transfer/transferFrom calldata.
// Unrecognized selectors and malformed arguments return
// ErrTransferNotValid.
func DecodeTransferInput(data []byte) (DecodedTransfer, error) {
	if len(data) < 4 {
		return DecodedTransfer{}, fmt.Errorf("%w: input too short", ErrTransferNotValid)
	}

	var selector [4]byte
	copy(selector[:], data[:4])
	args := data[4:]

	switch selector {
	case transferSelector:
		if len(args) < 64 {
			return DecodedTransfer{}, fmt.Errorf("%w: transfer args too short", ErrTransferNotValid)
		}
		return DecodedTransfer{
			To:    wordToAddress(args[0:32]),
			Value: new(big.Int).SetBytes(args[32:64]),
		}, nil
	case transferFromSelector:
		if len(args) < 96 {
			return DecodedTransfer{}, fmt.Errorf("%w: transferFrom args too short", ErrTransferNotValid)
		}
		return DecodedTransfer{
			From:  wordToAddress(args[0:32]),
			To:    wordToAddress(args[32:64]),
			Value: new(big.Int).SetBytes(args[64:96]),
		}, nil
	default:
		return DecodedTransfer{}, fmt.Errorf("%w: selector 0x%s not recognized",
			ErrTransferNotValid, hex.EncodeToString(selector[:]))
	}
}

// DecodeTransferInputHex is DecodeTransferInput over a 0x-prefixed hex
// string.
func DecodeTransferInputHex(input string) (DecodedTransfer, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(input, "0x"))
	if err != nil {
		return DecodedTransfer{}, fmt.Errorf("%w: input is not hex", ErrTransferNotValid)
	}
	return DecodeTransferInput(data)
}

// wordToAddress extracts the checksummed address from a 32-byte ABI word.
func wordToAddress(word []byte) string {
	return common.BytesToAddress(word[12:32]).Hex()
}
