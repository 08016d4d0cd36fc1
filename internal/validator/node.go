package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zex-protocol/zexporta/internal/frost"
	"github.com/zex-protocol/zexporta/internal/models"
)

// ShareSigner holds this node's DKG key share and produces signature
// shares over message hashes. The group private key is never present.
type ShareSigner struct {
	share btcec.ModNScalar

	mu      sync.Mutex
	pending map[string]*btcec.ModNScalar // nonce commitment -> secret nonce
}

// NewShareSigner parses the hex key share from dkg.json.
func NewShareSigner(shareHex string) (*ShareSigner, error) {
	raw, err := hex.DecodeString(shareHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid key share")
	}
	s := &ShareSigner{pending: make(map[string]*btcec.ModNScalar)}
	if overflow := s.share.SetByteSlice(raw); overflow {
		return nil, fmt.Errorf("key share overflows curve order")
	}
	return s, nil
}

// NewNonce generates a fresh signing nonce and returns its public
// commitment (x-only, hex).
func (s *ShareSigner) NewNonce() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	commitment := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:33])

	s.mu.Lock()
	s.pending[commitment] = &priv.Key
	s.mu.Unlock()

	return commitment, nil
}

// SignShare produces this node's share over a message hash using one of
// its pending nonces: s_i = k_i + H(R || m) * d_i. The nonce is
// consumed; reuse would leak the share.
func (s *ShareSigner) SignShare(messageHash, nonceCommitment string) (string, error) {
	s.mu.Lock()
	k, ok := s.pending[nonceCommitment]
	if ok {
		delete(s.pending, nonceCommitment)
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown nonce commitment %q", nonceCommitment)
	}

	digest := sha256.Sum256([]byte(nonceCommitment + messageHash))
	var challenge btcec.ModNScalar
	challenge.SetByteSlice(digest[:])

	var sig btcec.ModNScalar
	sig.Set(&challenge)
	sig.Mul(&s.share)
	sig.Add(k)
	k.Zero()

	raw := sig.Bytes()
	return hex.EncodeToString(raw[:]), nil
}

// PendingNonce finds one of this node's pending commitments among the
// aggregator-provided nonce map.
func (s *ShareSigner) PendingNonce(nonces map[string]string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, commitment := range nonces {
		if _, ok := s.pending[commitment]; ok {
			return commitment, true
		}
	}
	return "", false
}

// Node is the validator HTTP service the aggregator talks to.
type Node struct {
	handler *Handler
	signer  *ShareSigner
}

// NewNode wires the service.
func NewNode(handler *Handler, signer *ShareSigner) *Node {
	return &Node{handler: handler, signer: signer}
}

// Router builds the chi router for the node endpoints.
func (n *Node) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/v1/nonces", n.handleNonces)
	r.Post("/v1/sign", n.handleSign)
	return r
}

func (n *Node) handleNonces(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count < 1 {
		httpError(w, http.StatusBadRequest, "invalid nonce request")
		return
	}

	nonces := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		nonce, err := n.signer.NewNonce()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		nonces = append(nonces, nonce)
	}
	writeJSON(w, map[string]any{"nonces": nonces})
}

// signRequest is the aggregator's round payload.
type signRequest struct {
	Name   string            `json:"name"`
	Method string            `json:"method"`
	Data   json.RawMessage   `json:"data"`
	Nonces map[string]string `json:"nonces"`
}

func (n *Node) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid sign request")
		return
	}

	hash, data, err := n.dispatch(r, req)
	if err != nil {
		slog.Error("sign request rejected",
			"method", req.Method,
			"error", err,
		)
		httpError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	nonce, ok := n.signer.PendingNonce(req.Nonces)
	if !ok {
		httpError(w, http.StatusUnprocessableEntity, "no pending nonce for this round")
		return
	}
	share, err := n.signer.SignShare(hash, nonce)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"hash":  hash,
		"share": share,
		"nonce": nonce,
		"data":  data,
	})
}

// dispatch runs the method-specific verification and returns the hash
// this node is willing to sign plus the data it derived.
func (n *Node) dispatch(r *http.Request, req signRequest) (string, any, error) {
	ctx := r.Context()

	switch req.Method {
	case "deposit":
		var data frost.SaDepositData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode deposit data: %w", err)
		}
		hash, deposits, err := n.handler.Deposit(ctx, data)
		if err != nil {
			return "", nil, err
		}
		return hash, map[string]any{"deposits": deposits}, nil

	case "withdraw":
		// EVM rounds carry {chain_symbol, sa_withdraw_nonce}; BTC rounds
		// carry the full withdraw including the sequencer index.
		var probe struct {
			ZellularIndex string `json:"zellular_index"`
		}
		if err := json.Unmarshal(req.Data, &probe); err != nil {
			return "", nil, fmt.Errorf("decode withdraw data: %w", err)
		}
		if probe.ZellularIndex != "" {
			var proposed models.WithdrawRequest
			if err := json.Unmarshal(req.Data, &proposed); err != nil {
				return "", nil, fmt.Errorf("decode btc withdraw data: %w", err)
			}
			hash, confirmed, err := n.handler.BTCWithdraw(ctx, proposed)
			if err != nil {
				return "", nil, err
			}
			return hash, confirmed, nil
		}
		var data frost.SaWithdrawData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode withdraw data: %w", err)
		}
		hash, withdraw, err := n.handler.EVMWithdraw(ctx, data)
		if err != nil {
			return "", nil, err
		}
		return hash, withdraw, nil

	case "withdraw_input":
		var data struct {
			ChainSymbol     string `json:"chain_symbol"`
			SaWithdrawNonce uint64 `json:"sa_withdraw_nonce"`
			InputIndex      int    `json:"input_index"`
			Sighash         string `json:"sighash"`
		}
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode withdraw_input data: %w", err)
		}
		hash, err := n.handler.BTCWithdrawInput(ctx, data.ChainSymbol, data.SaWithdrawNonce, data.InputIndex, data.Sighash)
		if err != nil {
			return "", nil, err
		}
		return hash, nil, nil

	default:
		return "", nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
