package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/zex-protocol/zexporta/internal/models"
)

// InsertUserAddressesIfNotExist records derived deposit addresses,
// keeping existing rows. Safe under concurrent sync calls: uniqueness
// is enforced by the primary key.
func (d *DB) InsertUserAddressesIfNotExist(addresses []models.UserAddress) error {
	if len(addresses) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO user_addresses (chain_symbol, user_id, address)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare address insert: %w", err)
	}
	defer stmt.Close()

	for _, addr := range addresses {
		if _, err := stmt.Exec(addr.ChainSymbol, addr.UserId, addr.Address); err != nil {
			return fmt.Errorf("insert address for user %d: %w", addr.UserId, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit address insert: %w", err)
	}

	slog.Debug("user addresses recorded",
		"chain", addresses[0].ChainSymbol,
		"count", len(addresses),
	)
	return nil
}

// MaxUserId returns the highest stored user id for a chain, or false if
// no addresses exist yet.
func (d *DB) MaxUserId(chainSymbol string) (models.UserId, bool, error) {
	var max sql.NullInt64
	err := d.conn.QueryRow(`
		SELECT MAX(user_id) FROM user_addresses WHERE chain_symbol = ?`,
		chainSymbol).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("query max user id for %s: %w", chainSymbol, err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return models.UserId(max.Int64), true, nil
}

// ActiveAddresses returns the chain's address -> user id snapshot used
// by the explorer filter.
func (d *DB) ActiveAddresses(chainSymbol string) (map[string]models.UserId, error) {
	rows, err := d.conn.Query(`
		SELECT address, user_id FROM user_addresses WHERE chain_symbol = ?`,
		chainSymbol)
	if err != nil {
		return nil, fmt.Errorf("query active addresses for %s: %w", chainSymbol, err)
	}
	defer rows.Close()

	result := make(map[string]models.UserId)
	for rows.Next() {
		var address string
		var userId models.UserId
		if err := rows.Scan(&address, &userId); err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		result[address] = userId
	}
	return result, rows.Err()
}

// UserAddress returns one user's deposit address on a chain, or false.
func (d *DB) UserAddress(chainSymbol string, userId models.UserId) (string, bool, error) {
	var address string
	err := d.conn.QueryRow(`
		SELECT address FROM user_addresses WHERE chain_symbol = ? AND user_id = ?`,
		chainSymbol, userId).Scan(&address)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query address for user %d: %w", userId, err)
	}
	return address, true, nil
}
