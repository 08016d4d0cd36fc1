package db

import (
	"database/sql"
	"fmt"
)

// TokenDecimals returns the cached decimals for a token, or false on a
// cache miss.
func (d *DB) TokenDecimals(chainSymbol, tokenAddress string) (uint8, bool, error) {
	var decimals uint8
	err := d.conn.QueryRow(`
		SELECT decimals FROM tokens WHERE chain_symbol = ? AND token_address = ?`,
		chainSymbol, tokenAddress).Scan(&decimals)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query token decimals for %s: %w", tokenAddress, err)
	}
	return decimals, true, nil
}

// InsertTokenDecimals write-through caches a token's decimals.
func (d *DB) InsertTokenDecimals(chainSymbol, tokenAddress string, decimals uint8) error {
	_, err := d.conn.Exec(`
		INSERT OR IGNORE INTO tokens (chain_symbol, token_address, decimals)
		VALUES (?, ?, ?)`,
		chainSymbol, tokenAddress, decimals)
	if err != nil {
		return fmt.Errorf("insert token decimals for %s: %w", tokenAddress, err)
	}
	return nil
}
