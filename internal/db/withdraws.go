package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/zex-protocol/zexporta/internal/models"
)

// InsertWithdrawsIfNotExist records withdraw requests, keeping existing
// rows. Uniqueness is (chain_symbol, nonce).
func (d *DB) InsertWithdrawsIfNotExist(withdraws []models.WithdrawRequest) error {
	if len(withdraws) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO withdraws (
			chain_symbol, nonce, amount, recipient, status, tx_hash,
			token_address, chain_id, utxos, sat_per_byte, zellular_index
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare withdraw insert: %w", err)
	}
	defer stmt.Close()

	for _, w := range withdraws {
		utxosJSON, err := marshalUTXOs(w.UTXOs)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(
			w.ChainSymbol, w.Nonce, w.Amount.String(), w.Recipient, string(w.Status),
			nullString(w.TxHash), nullString(w.TokenAddress), w.ChainId,
			utxosJSON, w.SatPerByte, w.ZellularIndex,
		); err != nil {
			return fmt.Errorf("insert withdraw nonce %d: %w", w.Nonce, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit withdraw insert: %w", err)
	}

	slog.Info("withdraws recorded",
		"chain", withdraws[0].ChainSymbol,
		"count", len(withdraws),
	)
	return nil
}

// UpsertWithdraw writes a withdraw row with its full current state.
func (d *DB) UpsertWithdraw(w models.WithdrawRequest) error {
	utxosJSON, err := marshalUTXOs(w.UTXOs)
	if err != nil {
		return err
	}

	_, err = d.conn.Exec(`
		INSERT INTO withdraws (
			chain_symbol, nonce, amount, recipient, status, tx_hash,
			token_address, chain_id, utxos, sat_per_byte, zellular_index
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_symbol, nonce) DO UPDATE SET
			status = excluded.status,
			tx_hash = excluded.tx_hash,
			utxos = excluded.utxos,
			sat_per_byte = excluded.sat_per_byte,
			zellular_index = excluded.zellular_index`,
		w.ChainSymbol, w.Nonce, w.Amount.String(), w.Recipient, string(w.Status),
		nullString(w.TxHash), nullString(w.TokenAddress), w.ChainId,
		utxosJSON, w.SatPerByte, w.ZellularIndex,
	)
	if err != nil {
		return fmt.Errorf("upsert withdraw nonce %d: %w", w.Nonce, err)
	}

	slog.Info("withdraw upserted",
		"chain", w.ChainSymbol,
		"nonce", w.Nonce,
		"status", w.Status,
	)
	return nil
}

// FindWithdrawsByStatus returns withdraws in a status, nonce ascending.
func (d *DB) FindWithdrawsByStatus(chainSymbol string, status models.WithdrawStatus) ([]models.WithdrawRequest, error) {
	return d.queryWithdraws(`
		SELECT chain_symbol, nonce, amount, recipient, status, tx_hash,
		       token_address, chain_id, utxos, sat_per_byte, zellular_index
		FROM withdraws WHERE chain_symbol = ? AND status = ?
		ORDER BY nonce ASC`, chainSymbol, string(status))
}

// GetWithdraw returns one withdraw by nonce, or nil.
func (d *DB) GetWithdraw(chainSymbol string, nonce uint64) (*models.WithdrawRequest, error) {
	withdraws, err := d.queryWithdraws(`
		SELECT chain_symbol, nonce, amount, recipient, status, tx_hash,
		       token_address, chain_id, utxos, sat_per_byte, zellular_index
		FROM withdraws WHERE chain_symbol = ? AND nonce = ?`, chainSymbol, nonce)
	if err != nil {
		return nil, err
	}
	if len(withdraws) == 0 {
		return nil, nil
	}
	return &withdraws[0], nil
}

func (d *DB) queryWithdraws(query string, args ...interface{}) ([]models.WithdrawRequest, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query withdraws: %w", err)
	}
	defer rows.Close()

	var withdraws []models.WithdrawRequest
	for rows.Next() {
		w, err := scanWithdraw(rows)
		if err != nil {
			return nil, err
		}
		withdraws = append(withdraws, w)
	}
	return withdraws, rows.Err()
}

func scanWithdraw(rows *sql.Rows) (models.WithdrawRequest, error) {
	var w models.WithdrawRequest
	var amount, status string
	var txHash, tokenAddress, utxosJSON sql.NullString
	if err := rows.Scan(
		&w.ChainSymbol, &w.Nonce, &amount, &w.Recipient, &status, &txHash,
		&tokenAddress, &w.ChainId, &utxosJSON, &w.SatPerByte, &w.ZellularIndex,
	); err != nil {
		return w, fmt.Errorf("scan withdraw row: %w", err)
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return w, fmt.Errorf("withdraw nonce %d has unparseable amount %q", w.Nonce, amount)
	}
	w.Amount = v
	w.Status = models.WithdrawStatus(status)
	w.TxHash = txHash.String
	w.TokenAddress = tokenAddress.String

	if utxosJSON.Valid && utxosJSON.String != "" {
		if err := json.Unmarshal([]byte(utxosJSON.String), &w.UTXOs); err != nil {
			return w, fmt.Errorf("decode utxos of withdraw nonce %d: %w", w.Nonce, err)
		}
	}
	return w, nil
}

func marshalUTXOs(utxos []models.UTXO) (string, error) {
	if len(utxos) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(utxos)
	if err != nil {
		return "", fmt.Errorf("encode utxos: %w", err)
	}
	return string(raw), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
