package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/zex-protocol/zexporta/internal/models"
)

// InsertSaWithdrawIfNotExists records a sequencer-confirmed withdraw on
// the validator side and returns the stored row. An existing row wins,
// which pins the first-seen UTXO set for the double-spend check.
func (d *DB) InsertSaWithdrawIfNotExists(w models.WithdrawRequest) (models.WithdrawRequest, error) {
	utxosJSON, err := marshalUTXOs(w.UTXOs)
	if err != nil {
		return w, err
	}

	_, err = d.conn.Exec(`
		INSERT OR IGNORE INTO sa_withdraws (
			chain_symbol, nonce, amount, recipient, utxos, sat_per_byte, zellular_index
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ChainSymbol, w.Nonce, w.Amount.String(), w.Recipient,
		utxosJSON, w.SatPerByte, w.ZellularIndex,
	)
	if err != nil {
		return w, fmt.Errorf("insert sa withdraw nonce %d: %w", w.Nonce, err)
	}

	var amount, utxosStored string
	stored := models.WithdrawRequest{ChainSymbol: w.ChainSymbol}
	err = d.conn.QueryRow(`
		SELECT nonce, amount, recipient, utxos, sat_per_byte, zellular_index
		FROM sa_withdraws WHERE chain_symbol = ? AND nonce = ?`,
		w.ChainSymbol, w.Nonce,
	).Scan(&stored.Nonce, &amount, &stored.Recipient, &utxosStored, &stored.SatPerByte, &stored.ZellularIndex)
	if err != nil {
		return w, fmt.Errorf("read back sa withdraw nonce %d: %w", w.Nonce, err)
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return w, fmt.Errorf("sa withdraw nonce %d has unparseable amount %q", w.Nonce, amount)
	}
	stored.Amount = v
	if utxosStored != "" {
		if err := json.Unmarshal([]byte(utxosStored), &stored.UTXOs); err != nil {
			return w, fmt.Errorf("decode utxos of sa withdraw nonce %d: %w", w.Nonce, err)
		}
	}
	return stored, nil
}

// GetSaWithdraw returns one stored sa withdraw by nonce, or nil.
func (d *DB) GetSaWithdraw(chainSymbol string, nonce uint64) (*models.WithdrawRequest, error) {
	var amount, utxosJSON string
	w := models.WithdrawRequest{ChainSymbol: chainSymbol}
	err := d.conn.QueryRow(`
		SELECT nonce, amount, recipient, utxos, sat_per_byte, zellular_index
		FROM sa_withdraws WHERE chain_symbol = ? AND nonce = ?`,
		chainSymbol, nonce,
	).Scan(&w.Nonce, &amount, &w.Recipient, &utxosJSON, &w.SatPerByte, &w.ZellularIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sa withdraw nonce %d: %w", nonce, err)
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("sa withdraw nonce %d has unparseable amount %q", nonce, amount)
	}
	w.Amount = v
	if utxosJSON != "" {
		if err := json.Unmarshal([]byte(utxosJSON), &w.UTXOs); err != nil {
			return nil, fmt.Errorf("decode utxos of sa withdraw nonce %d: %w", nonce, err)
		}
	}
	return &w, nil
}

// FindSaWithdrawNoncesByUTXOs returns the nonces of stored sa withdraws
// that reference any of the given outpoints.
func (d *DB) FindSaWithdrawNoncesByUTXOs(chainSymbol string, utxos []models.UTXO) ([]uint64, error) {
	rows, err := d.conn.Query(`
		SELECT nonce, utxos FROM sa_withdraws WHERE chain_symbol = ?`,
		chainSymbol)
	if err != nil {
		return nil, fmt.Errorf("query sa withdraws: %w", err)
	}
	defer rows.Close()

	wanted := make(map[string]struct{}, len(utxos))
	for _, u := range utxos {
		wanted[u.Outpoint()] = struct{}{}
	}

	var nonces []uint64
	for rows.Next() {
		var nonce uint64
		var utxosJSON string
		if err := rows.Scan(&nonce, &utxosJSON); err != nil {
			return nil, fmt.Errorf("scan sa withdraw row: %w", err)
		}
		var stored []models.UTXO
		if utxosJSON != "" {
			if err := json.Unmarshal([]byte(utxosJSON), &stored); err != nil {
				return nil, fmt.Errorf("decode utxos of sa withdraw nonce %d: %w", nonce, err)
			}
		}
		for _, u := range stored {
			if _, ok := wanted[u.Outpoint()]; ok {
				nonces = append(nonces, nonce)
				break
			}
		}
	}
	return nonces, rows.Err()
}
