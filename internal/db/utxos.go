package db

import (
	"fmt"
	"log/slog"

	"github.com/zex-protocol/zexporta/internal/models"
)

// InsertUTXOsIfNotExist records vault outputs, keeping existing rows.
func (d *DB) InsertUTXOsIfNotExist(utxos []models.UTXO) error {
	if len(utxos) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO btc_utxos (tx_hash, vout, amount, address, status, salt)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare utxo insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range utxos {
		if _, err := stmt.Exec(u.TxHash, u.Index, u.Amount, u.Address, string(u.Status), u.Salt); err != nil {
			return fmt.Errorf("insert utxo %s: %w", u.Outpoint(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit utxo insert: %w", err)
	}

	slog.Info("utxos recorded", "count", len(utxos), "status", utxos[0].Status)
	return nil
}

// FindUTXOsByStatus returns outputs in a status, largest first. limit 0
// means no limit.
func (d *DB) FindUTXOsByStatus(status models.UTXOStatus, limit int) ([]models.UTXO, error) {
	query := `
		SELECT tx_hash, vout, amount, address, status, salt
		FROM btc_utxos WHERE status = ?
		ORDER BY amount DESC, tx_hash ASC, vout ASC`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query utxos by status %s: %w", status, err)
	}
	defer rows.Close()

	var utxos []models.UTXO
	for rows.Next() {
		var u models.UTXO
		var status string
		if err := rows.Scan(&u.TxHash, &u.Index, &u.Amount, &u.Address, &status, &u.Salt); err != nil {
			return nil, fmt.Errorf("scan utxo row: %w", err)
		}
		u.Status = models.UTXOStatus(status)
		utxos = append(utxos, u)
	}
	return utxos, rows.Err()
}

// UpdateUTXOStatus performs a status-scoped transition on one output.
func (d *DB) UpdateUTXOStatus(txHash string, vout uint32, from, to models.UTXOStatus) (bool, error) {
	res, err := d.conn.Exec(`
		UPDATE btc_utxos SET status = ?
		WHERE tx_hash = ? AND vout = ? AND status = ?`,
		string(to), txHash, vout, string(from))
	if err != nil {
		return false, fmt.Errorf("update utxo %s status: %w", models.Outpoint(txHash, vout), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionUTXOsForDeposits applies a status transition to the outputs
// backing the given deposits. Used by the finalizer middleware to
// materialize UNSPENT/REJECTED outcomes.
func (d *DB) TransitionUTXOsForDeposits(deposits []models.Deposit, from, to models.UTXOStatus) error {
	if len(deposits) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE btc_utxos SET status = ?
		WHERE tx_hash = ? AND vout = ? AND status = ?`)
	if err != nil {
		return fmt.Errorf("prepare utxo transition: %w", err)
	}
	defer stmt.Close()

	moved := 0
	for _, dep := range deposits {
		res, err := stmt.Exec(string(to), dep.TxHash, dep.Index, string(from))
		if err != nil {
			return fmt.Errorf("transition utxo %s: %w", models.Outpoint(dep.TxHash, dep.Index), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			moved++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit utxo transition: %w", err)
	}

	slog.Info("utxos transitioned", "from", from, "to", to, "count", moved)
	return nil
}

// MarkUTXOsSpend commits the chosen outputs to one withdraw. Each row
// must still be UNSPENT; a miss means another withdraw raced us and the
// whole commit is rolled back.
func (d *DB) MarkUTXOsSpend(utxos []models.UTXO) error {
	if len(utxos) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range utxos {
		res, err := tx.Exec(`
			UPDATE btc_utxos SET status = ?
			WHERE tx_hash = ? AND vout = ? AND status = ?`,
			string(models.UTXOSpend), u.TxHash, u.Index, string(models.UTXOUnspent))
		if err != nil {
			return fmt.Errorf("mark utxo %s spend: %w", u.Outpoint(), err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("utxo %s is no longer unspent", u.Outpoint())
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit utxo spend: %w", err)
	}

	slog.Info("utxos committed to withdraw", "count", len(utxos))
	return nil
}
