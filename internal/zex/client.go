package zex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zex-protocol/zexporta/internal/models"
)

// ErrAPI wraps every failure talking to Zex; callers treat it as
// transient and retry on the next iteration.
var ErrAPI = errors.New("zex api error")

// Paths of the consumed Zex HTTP API.
const (
	pathLatestUserId      = "/users/latest-id"
	pathDeposit           = "/deposit"
	pathLatestBlock       = "/block/latest"
	pathWithdraws         = "/withdraws"
	pathLastWithdrawNonce = "/withdraw/nonce/last"
	pathUserWithdrawNonce = "/user/withdraws/nonce"
	pathUserAsset         = "/asset/getUserAsset"
	pathWithdraw          = "/withdraw"
)

// UserAsset is one row of a user's Zex balance sheet.
type UserAsset struct {
	Asset       string `json:"asset"`
	Free        string `json:"free"`
	Locked      string `json:"locked"`
	Freeze      string `json:"freeze"`
	Withdrawing string `json:"withdrawing"`
}

// zexWithdraw is the wire shape of one withdraw row.
type zexWithdraw struct {
	Amount        json.Number `json:"amount"`
	Nonce         uint64      `json:"nonce"`
	Destination   string      `json:"destination"`
	TokenContract string      `json:"tokenContract"`
}

// Client talks to the Zex exchange HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Zex API client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, client: httpClient}
}

// LatestUserId returns Zex's highest assigned user id.
func (c *Client) LatestUserId(ctx context.Context) (models.UserId, error) {
	var out struct {
		Id models.UserId `json:"id"`
	}
	if err := c.getJSON(ctx, pathLatestUserId, nil, &out); err != nil {
		return 0, err
	}
	return out.Id, nil
}

// SendDeposits submits signed deposit batches. Each payload is the raw
// byte string encoded_data || nonce || signature || shield_signature,
// carried as the latin-1 decoding Zex expects.
func (c *Client) SendDeposits(ctx context.Context, payloads [][]byte) error {
	body := make([]string, 0, len(payloads))
	for _, p := range payloads {
		body = append(body, latin1String(p))
	}
	if err := c.postJSON(ctx, pathDeposit, body); err != nil {
		return err
	}
	slog.Debug("deposit batch sent to zex", "batches", len(payloads))
	return nil
}

// LatestBlock returns the last block Zex has credited for a chain.
func (c *Client) LatestBlock(ctx context.Context, chainSymbol string) (models.BlockNumber, error) {
	var out struct {
		Block models.BlockNumber `json:"block"`
	}
	params := url.Values{"chain": {chainSymbol}}
	if err := c.getJSON(ctx, pathLatestBlock, params, &out); err != nil {
		return 0, err
	}
	return out.Block, nil
}

// LastWithdrawNonce returns the chain's newest withdraw nonce; -1 when
// no withdraw exists yet (Zex answers 404).
func (c *Client) LastWithdrawNonce(ctx context.Context, chainSymbol string) (int64, error) {
	var out struct {
		Nonce int64 `json:"nonce"`
	}
	params := url.Values{"chain": {chainSymbol}}
	err := c.getJSON(ctx, pathLastWithdrawNonce, params, &out)
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return -1, nil
		}
		return -1, err
	}
	return out.Nonce, nil
}

// ListWithdraws fetches withdraw requests from offset, oldest first.
// limit 0 leaves the page size to Zex.
func (c *Client) ListWithdraws(ctx context.Context, chain *ChainRef, offset uint64, limit int) ([]models.WithdrawRequest, error) {
	params := url.Values{
		"chain":  {chain.Symbol},
		"offset": {strconv.FormatUint(offset, 10)},
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var rows []zexWithdraw
	if err := c.getJSON(ctx, pathWithdraws, params, &rows); err != nil {
		return nil, err
	}

	withdraws := make([]models.WithdrawRequest, 0, len(rows))
	for _, row := range rows {
		amount, ok := new(big.Int).SetString(row.Amount.String(), 10)
		if !ok {
			return nil, fmt.Errorf("%w: withdraw nonce %d has unparseable amount %q", ErrAPI, row.Nonce, row.Amount)
		}
		withdraws = append(withdraws, models.WithdrawRequest{
			ChainSymbol:  chain.Symbol,
			Amount:       amount,
			Recipient:    row.Destination,
			Nonce:        row.Nonce,
			Status:       models.WithdrawPending,
			TokenAddress: row.TokenContract,
			ChainId:      chain.ChainId,
		})
	}
	return withdraws, nil
}

// UserWithdrawNonce returns a user's next withdraw nonce on a chain.
func (c *Client) UserWithdrawNonce(ctx context.Context, chainSymbol string, userId models.UserId) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	params := url.Values{
		"id":    {strconv.FormatUint(userId, 10)},
		"chain": {chainSymbol},
	}
	if err := c.getJSON(ctx, pathUserWithdrawNonce, params, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

// UserAssets returns a user's balances.
func (c *Client) UserAssets(ctx context.Context, userId models.UserId) ([]UserAsset, error) {
	var out []UserAsset
	params := url.Values{"id": {strconv.FormatUint(userId, 10)}}
	if err := c.getJSON(ctx, pathUserAsset, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendWithdrawRequests submits signed withdraw requests.
func (c *Client) SendWithdrawRequests(ctx context.Context, withdraws []string) error {
	return c.postJSON(ctx, pathWithdraw, withdraws)
}

// ChainRef carries the chain identity ListWithdraws stamps onto rows.
type ChainRef struct {
	Symbol  string
	ChainId uint64
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("zex api error: unexpected status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error { return ErrAPI }

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrAPI, err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrAPI, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrAPI, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrAPI, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: parse response: %v", ErrAPI, err)
		}
	}
	return nil
}

// latin1String maps each byte onto the code point of the same value,
// matching Zex's latin-1 decoding of the binary deposit payload.
func latin1String(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
