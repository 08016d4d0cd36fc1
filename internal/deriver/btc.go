package deriver

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/mr-tron/base58"

	"github.com/zex-protocol/zexporta/internal/models"
)

// BTCDeriver computes taproot deposit addresses by tweaking the group
// vault key with the user id.
type BTCDeriver struct {
	groupKey *btcec.PublicKey
	net      *chaincfg.Params
}

// NewBTCDeriver parses the base58-encoded compressed group public key.
func NewBTCDeriver(groupPubKey string, net *chaincfg.Params) (*BTCDeriver, error) {
	raw, err := base58.Decode(groupPubKey)
	if err != nil {
		return nil, fmt.Errorf("decode group pub key: %w", err)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse group pub key: %w", err)
	}
	return &BTCDeriver{groupKey: key, net: net}, nil
}

// Derive returns user N's taproot deposit address: the BIP-341 output
// key of the group key tweaked with salt = user_id as 8 big-endian
// bytes. Pure and deterministic.
func (d *BTCDeriver) Derive(userId models.UserId) (string, error) {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], userId)

	outputKey := txscript.ComputeTaprootOutputKey(d.groupKey, salt[:])
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), d.net)
	if err != nil {
		return "", fmt.Errorf("taproot address for user %d: %w", userId, err)
	}
	return addr.EncodeAddress(), nil
}

// OutputKey returns the tweaked x-only output key for a user, used when
// rebuilding input scripts during withdraw signing.
func (d *BTCDeriver) OutputKey(userId models.UserId) *btcec.PublicKey {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], userId)
	return txscript.ComputeTaprootOutputKey(d.groupKey, salt[:])
}

// NetworkParams maps the configured BTC network mode onto chain params.
func NetworkParams(network string) *chaincfg.Params {
	switch network {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
