package chainclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/models"
)

// blockbookStatus is the indexer root status envelope.
type blockbookStatus struct {
	Blockbook struct {
		BestHeight uint64 `json:"bestHeight"`
	} `json:"blockbook"`
}

// blockbookVout is one transaction output as the indexer reports it.
type blockbookVout struct {
	Value     string   `json:"value"` // satoshis, decimal string
	N         uint32   `json:"n"`
	Addresses []string `json:"addresses"`
	IsAddress bool     `json:"isAddress"`
}

// blockbookTx is a transaction as the indexer reports it.
type blockbookTx struct {
	Txid        string          `json:"txid"`
	Vout        []blockbookVout `json:"vout"`
	BlockHeight int64           `json:"blockHeight"`
}

// blockbookBlock is one (possibly paged) block response.
type blockbookBlock struct {
	Page       int           `json:"page"`
	TotalPages int           `json:"totalPages"`
	Height     uint64        `json:"height"`
	Txs        []blockbookTx `json:"txs"`
}

// blockbookResult is the envelope of sendtx/estimatefee responses.
type blockbookResult struct {
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// BTCClient implements Client over a blockbook-style indexer.
type BTCClient struct {
	chain   *config.ChainConfig
	client  *http.Client
	rl      *RateLimiter
	breaker *CircuitBreaker
}

// NewBTCClient creates a client for the chain section's indexer URL.
func NewBTCClient(chain *config.ChainConfig) *BTCClient {
	slog.Info("btc client created",
		"chain", chain.Symbol,
		"indexer", chain.Indexer,
	)
	return &BTCClient{
		chain:   chain,
		client:  NewHTTPClient(),
		rl:      NewRateLimiter(chain.Symbol+"-indexer", config.IndexerRequestsPerSec),
		breaker: NewCircuitBreaker(),
	}
}

func (c *BTCClient) Symbol() string { return c.chain.Symbol }

func (c *BTCClient) LatestBlock(ctx context.Context) (models.BlockNumber, error) {
	var status blockbookStatus
	if err := c.get(ctx, "/api/v2", &status); err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	if status.Blockbook.BestHeight == 0 {
		return 0, fmt.Errorf("%w: zero best height", ErrBadResponse)
	}
	return status.Blockbook.BestHeight, nil
}

func (c *BTCClient) FinalizedBlock(ctx context.Context) (models.BlockNumber, error) {
	latest, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if latest < c.chain.FinalizeBlockCount {
		return 0, nil
	}
	return latest - c.chain.FinalizeBlockCount, nil
}

func (c *BTCClient) BlockTxHashes(ctx context.Context, number models.BlockNumber) ([]string, error) {
	txs, err := c.blockTxs(ctx, number)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.Txid)
	}
	return hashes, nil
}

func (c *BTCClient) ExtractTransfers(ctx context.Context, number models.BlockNumber) ([]models.Transfer, error) {
	txs, err := c.blockTxs(ctx, number)
	if err != nil {
		return nil, err
	}

	var result []models.Transfer
	for _, tx := range txs {
		result = append(result, c.transfersFromTx(tx, number)...)
	}
	return result, nil
}

func (c *BTCClient) TransfersByTxHash(ctx context.Context, txHash string) ([]models.Transfer, error) {
	var tx blockbookTx
	if err := c.get(ctx, "/api/v2/tx/"+txHash, &tx); err != nil {
		return nil, fmt.Errorf("get tx %s: %w", txHash, err)
	}
	if tx.BlockHeight <= 0 {
		return nil, fmt.Errorf("tx %s not yet mined: %w", txHash, ErrNotFound)
	}
	return c.transfersFromTx(tx, uint64(tx.BlockHeight)), nil
}

// IsSuccessful treats tx visibility on the indexer as success; Bitcoin
// has no failed-execution state for mined transactions.
func (c *BTCClient) IsSuccessful(ctx context.Context, txHash string) (bool, error) {
	var tx blockbookTx
	err := c.get(ctx, "/api/v2/tx/"+txHash, &tx)
	if err != nil {
		if IsTransient(err) {
			return false, err
		}
		return false, nil
	}
	return tx.Txid == txHash, nil
}

func (c *BTCClient) TokenDecimals(ctx context.Context, _ string) (uint8, error) {
	return c.chain.NativeDecimals, nil
}

func (c *BTCClient) SendRaw(ctx context.Context, rawTx []byte) (string, error) {
	var res blockbookResult
	if err := c.get(ctx, "/api/v2/sendtx/"+hex.EncodeToString(rawTx), &res); err != nil {
		return "", fmt.Errorf("send raw tx: %w", err)
	}
	if res.Error != nil {
		return "", fmt.Errorf("%w: sendtx rejected: %s", ErrBadResponse, res.Error.Message)
	}
	if res.Result == "" {
		return "", fmt.Errorf("%w: sendtx returned no txid", ErrBadResponse)
	}
	return res.Result, nil
}

// FeePerByte returns the indexer's fee estimate in sat/vB for a
// two-block confirmation target.
func (c *BTCClient) FeePerByte(ctx context.Context) (int64, error) {
	var res blockbookResult
	if err := c.get(ctx, "/api/v2/estimatefee/2", &res); err != nil {
		return 0, fmt.Errorf("estimate fee: %w", err)
	}

	btcPerKB, err := strconv.ParseFloat(res.Result, 64)
	if err != nil || btcPerKB <= 0 {
		return 0, fmt.Errorf("%w: estimatefee result %q", ErrBadResponse, res.Result)
	}
	satPerByte := int64(btcPerKB * 1e8 / 1000)
	if satPerByte < 1 {
		satPerByte = 1
	}
	return satPerByte, nil
}

// blockTxs fetches every page of a block.
func (c *BTCClient) blockTxs(ctx context.Context, number models.BlockNumber) ([]blockbookTx, error) {
	var txs []blockbookTx
	page := 1
	for {
		var block blockbookBlock
		path := fmt.Sprintf("/api/v2/block/%d?page=%d", number, page)
		if err := c.get(ctx, path, &block); err != nil {
			return nil, fmt.Errorf("get block %d page %d: %w", number, page, err)
		}
		txs = append(txs, block.Txs...)
		if block.TotalPages <= page {
			return txs, nil
		}
		page++
	}
}

// transfersFromTx turns each addressed output into one Transfer. The
// output address doubles as the token field.
func (c *BTCClient) transfersFromTx(tx blockbookTx, blockNumber models.BlockNumber) []models.Transfer {
	var result []models.Transfer
	for _, out := range tx.Vout {
		if !out.IsAddress || len(out.Addresses) == 0 {
			continue
		}
		value, ok := new(big.Int).SetString(out.Value, 10)
		if !ok {
			slog.Warn("skipping output with unparseable value",
				"chain", c.chain.Symbol,
				"txHash", tx.Txid,
				"vout", out.N,
				"value", out.Value,
			)
			continue
		}
		result = append(result, models.Transfer{
			TxHash:      tx.Txid,
			ChainSymbol: c.chain.Symbol,
			Value:       value,
			Token:       out.Addresses[0],
			To:          out.Addresses[0],
			BlockNumber: blockNumber,
			Index:       out.N,
		})
	}
	return result
}

// get performs a rate-limited, breaker-guarded GET and decodes the JSON
// body into out.
func (c *BTCClient) get(ctx context.Context, path string, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: indexer circuit open", ErrConnection)
	}
	if err := c.rl.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.chain.Indexer+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: read body: %v", ErrBadResponse, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.RecordSuccess()
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: indexer rate limited (HTTP 429)", ErrConnection)
	case resp.StatusCode != http.StatusOK:
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: unexpected status %d: %s", ErrBadResponse, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: parse response: %v", ErrBadResponse, err)
	}

	c.breaker.RecordSuccess()
	return nil
}
