package frost

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/mr-tron/base58"
)

// DKGKey is one pre-generated threshold keypair entry of dkg.json. The
// group private key is never reconstructed anywhere; each party holds
// only its share.
type DKGKey struct {
	Name      string            `json:"-"`
	GroupKey  string            `json:"group_key"` // base58 compressed public key
	Threshold int               `json:"threshold"`
	Party     []string          `json:"party"`     // validator base URLs
	ShareHex  string            `json:"share"`     // this node's share, validators only
	PartyIds  map[string]string `json:"party_ids"` // base URL -> node id
}

// ParseDKGFile loads the named key from a dkg.json file laid out as
// {"<name>": {...}}.
func ParseDKGFile(path, name string) (*DKGKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dkg file %q: %w", path, err)
	}

	var entries map[string]*DKGKey
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse dkg file %q: %w", path, err)
	}

	key, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("dkg key %q not found in %q", name, path)
	}
	key.Name = name

	if key.Threshold < 1 || len(key.Party) < key.Threshold {
		return nil, fmt.Errorf("dkg key %q: threshold %d with %d parties", name, key.Threshold, len(key.Party))
	}
	if _, err := key.GroupPublicKey(); err != nil {
		return nil, fmt.Errorf("dkg key %q: %w", name, err)
	}
	return key, nil
}

// GroupPublicKey decodes the group public key.
func (k *DKGKey) GroupPublicKey() (*btcec.PublicKey, error) {
	raw, err := base58.Decode(k.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("decode group key: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse group key: %w", err)
	}
	return pub, nil
}
