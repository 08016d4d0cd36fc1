package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/zex-protocol/zexporta/internal/models"
)

// LastObservedBlock returns the chain's observer cursor, or false when
// the chain has never been observed.
func (d *DB) LastObservedBlock(chainSymbol string) (models.BlockNumber, bool, error) {
	var block sql.NullInt64
	err := d.conn.QueryRow(`
		SELECT last_observed_block FROM chain_cursors WHERE chain_symbol = ?`,
		chainSymbol).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query last observed block for %s: %w", chainSymbol, err)
	}
	if !block.Valid {
		return 0, false, nil
	}
	return models.BlockNumber(block.Int64), true, nil
}

// SetLastObservedBlock upserts the observer cursor. Last writer wins;
// deposit uniqueness makes a cursor race harmless.
func (d *DB) SetLastObservedBlock(chainSymbol string, block models.BlockNumber) error {
	_, err := d.conn.Exec(`
		INSERT INTO chain_cursors (chain_symbol, last_observed_block, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (chain_symbol) DO UPDATE SET
			last_observed_block = excluded.last_observed_block,
			updated_at = excluded.updated_at`,
		chainSymbol, block)
	if err != nil {
		return fmt.Errorf("set last observed block for %s: %w", chainSymbol, err)
	}

	slog.Debug("observer cursor advanced", "chain", chainSymbol, "block", block)
	return nil
}

// LastWithdrawNonce returns the chain's withdraw cursor; -1 means no
// withdraw has ever been observed.
func (d *DB) LastWithdrawNonce(chainSymbol string) (int64, error) {
	var nonce int64
	err := d.conn.QueryRow(`
		SELECT last_withdraw_nonce FROM chain_cursors WHERE chain_symbol = ?`,
		chainSymbol).Scan(&nonce)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("query last withdraw nonce for %s: %w", chainSymbol, err)
	}
	return nonce, nil
}

// SetLastWithdrawNonce advances the withdraw cursor. The MAX guard
// keeps the cursor monotonic under concurrent writers.
func (d *DB) SetLastWithdrawNonce(chainSymbol string, nonce int64) error {
	_, err := d.conn.Exec(`
		INSERT INTO chain_cursors (chain_symbol, last_withdraw_nonce, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (chain_symbol) DO UPDATE SET
			last_withdraw_nonce = MAX(chain_cursors.last_withdraw_nonce, excluded.last_withdraw_nonce),
			updated_at = excluded.updated_at`,
		chainSymbol, nonce)
	if err != nil {
		return fmt.Errorf("set last withdraw nonce for %s: %w", chainSymbol, err)
	}

	slog.Debug("withdraw cursor advanced", "chain", chainSymbol, "nonce", nonce)
	return nil
}
