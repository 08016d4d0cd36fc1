package sequencer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zex-protocol/zexporta/internal/config"
)

// ErrSequencer wraps every failure talking to the sequencer; BTC
// withdraw phase A aborts and retries on it.
var ErrSequencer = errors.New("sequencer error")

// Client talks to the zellular sequencer. A proposed BTC withdraw is
// posted as a batch; validators later read the finalized batch back at
// its index to verify the exact UTXO commitment.
type Client struct {
	baseURL string
	app     string
	client  *http.Client
}

// NewClient creates a sequencer client for one app namespace.
func NewClient(cfg config.SequencerConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RPCRequestTimeout}
	}
	return &Client{baseURL: cfg.BaseURL, app: cfg.AppName, client: httpClient}
}

// Send posts one batch and returns its sequencer index.
func (c *Client) Send(ctx context.Context, batch any) (string, error) {
	raw, err := json.Marshal([]any{batch})
	if err != nil {
		return "", fmt.Errorf("%w: encode batch: %v", ErrSequencer, err)
	}

	url := fmt.Sprintf("%s/apps/%s/batches", c.baseURL, c.app)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrSequencer, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Index string `json:"index"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Index == "" {
		return "", fmt.Errorf("%w: empty batch index", ErrSequencer)
	}
	return out.Index, nil
}

// GetFinalized reads the finalized batch at an index into out. It
// returns an ErrSequencer error when the sequencer has not finalized it
// yet.
func (c *Client) GetFinalized(ctx context.Context, index string, out any) error {
	url := fmt.Sprintf("%s/apps/%s/batches/%s/finalized", c.baseURL, c.app, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrSequencer, err)
	}

	var envelope struct {
		Batch []json.RawMessage `json:"batch"`
	}
	if err := c.do(req, &envelope); err != nil {
		return err
	}
	if len(envelope.Batch) == 0 {
		return fmt.Errorf("%w: batch %s not finalized", ErrSequencer, index)
	}
	if err := json.Unmarshal(envelope.Batch[0], out); err != nil {
		return fmt.Errorf("%w: decode finalized batch %s: %v", ErrSequencer, index, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSequencer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrSequencer, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d: %s", ErrSequencer, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
