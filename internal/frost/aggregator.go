package frost

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// nodeSignResponse is one validator's answer to a sign request.
type nodeSignResponse struct {
	Hash  string          `json:"hash"`
	Share string          `json:"share"` // hex scalar
	Nonce string          `json:"nonce"` // hex point, echoed aggregated nonce
	Data  json.RawMessage `json:"data"`
}

// Aggregator is the HTTP ThresholdSigner: it fans a sign request out to
// the validator party, checks that every returned hash agrees, and
// combines the signature shares by scalar addition.
type Aggregator struct {
	client  *http.Client
	timeout time.Duration
}

// NewAggregator creates an aggregator with the given round timeout.
func NewAggregator(timeout time.Duration) *Aggregator {
	return &Aggregator{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// RequestNonces asks each party member for one fresh nonce commitment.
func (a *Aggregator) RequestNonces(ctx context.Context, party []string, count int) (map[string]string, error) {
	nonces := make(map[string]string, len(party))
	for _, node := range party {
		var out struct {
			Nonces []string `json:"nonces"`
		}
		if err := a.post(ctx, node+"/v1/nonces", map[string]int{"count": count}, &out); err != nil {
			return nil, fmt.Errorf("%w: nonces from %s: %v", ErrRoundTransient, node, err)
		}
		if len(out.Nonces) == 0 {
			return nil, fmt.Errorf("%w: node %s returned no nonces", ErrRoundTransient, node)
		}
		nonces[node] = out.Nonces[0]
	}
	return nonces, nil
}

// RequestSignature runs one round over the whole party. All hashes must
// agree; a disagreeing or refusing validator aborts the round.
func (a *Aggregator) RequestSignature(ctx context.Context, key *DKGKey, nonces map[string]string, request SigRequest, party []string) (*SigResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type signPayload struct {
		Name   string            `json:"name"`
		Method string            `json:"method"`
		Data   any               `json:"data"`
		Nonces map[string]string `json:"nonces"`
	}
	payload := signPayload{
		Name:   key.Name,
		Method: request.Method,
		Data:   request.Data,
		Nonces: nonces,
	}

	var (
		hash     string
		nonce    string
		shares   []string
		nodeData = make(map[string]json.RawMessage, len(party))
	)
	for _, node := range party {
		var resp nodeSignResponse
		if err := a.post(ctx, node+"/v1/sign", payload, &resp); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: round timed out at %s", ErrRoundTransient, node)
			}
			return nil, fmt.Errorf("%w: sign request to %s: %v", ErrValidatorReject, node, err)
		}
		if hash == "" {
			hash = resp.Hash
			nonce = resp.Nonce
		} else if resp.Hash != hash {
			slog.Error("validator hash disagreement",
				"node", node,
				"hash", resp.Hash,
				"expected", hash,
			)
			return nil, fmt.Errorf("%w: node %s", ErrDifferentHash, node)
		}
		shares = append(shares, resp.Share)
		nodeData[node] = resp.Data
	}

	signature, err := combineShares(shares)
	if err != nil {
		return nil, fmt.Errorf("%w: combine shares: %v", ErrValidatorReject, err)
	}

	return &SigResult{
		Result:                ResultSuccessful,
		MessageHash:           hash,
		Signature:             signature,
		Nonce:                 nonce,
		SignatureDataFromNode: nodeData,
	}, nil
}

// combineShares sums the hex-encoded signature share scalars mod the
// curve order.
func combineShares(shares []string) (string, error) {
	var sum btcec.ModNScalar
	for _, share := range shares {
		raw, err := hex.DecodeString(share)
		if err != nil || len(raw) != 32 {
			return "", fmt.Errorf("invalid share %q", share)
		}
		var s btcec.ModNScalar
		if overflow := s.SetByteSlice(raw); overflow {
			return "", fmt.Errorf("share %q overflows curve order", share)
		}
		sum.Add(&s)
	}
	combined := sum.Bytes()
	return hex.EncodeToString(combined[:]), nil
}

func (a *Aggregator) post(ctx context.Context, url string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node answered %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
