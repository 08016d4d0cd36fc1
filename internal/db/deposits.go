package db

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/zex-protocol/zexporta/internal/models"
)

// InsertDepositsIfNotExist inserts deposits, silently keeping existing
// rows. Uniqueness is (chain_symbol, tx_hash, vout); re-observation of
// the same window is a no-op.
func (d *DB) InsertDepositsIfNotExist(deposits []models.Deposit) error {
	if len(deposits) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO deposits (
			chain_symbol, tx_hash, vout, user_id, token, to_address,
			value, decimals, block_number, status, sa_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare deposit insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, dep := range deposits {
		res, err := stmt.Exec(
			dep.ChainSymbol, dep.TxHash, dep.Index, dep.UserId, dep.Token,
			dep.To, dep.Value.String(), dep.Decimals, dep.BlockNumber,
			string(dep.Status), dep.SaTimestamp,
		)
		if err != nil {
			return fmt.Errorf("insert deposit %s: %w", dep.TxHash, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deposit insert: %w", err)
	}

	slog.Info("deposits recorded",
		"total", len(deposits),
		"inserted", inserted,
		"chain", deposits[0].ChainSymbol,
	)
	return nil
}

// PendingBlockNumbers returns the distinct block numbers of PENDING
// deposits at or below maxBlock, ascending.
func (d *DB) PendingBlockNumbers(chainSymbol string, maxBlock models.BlockNumber) ([]models.BlockNumber, error) {
	rows, err := d.conn.Query(`
		SELECT DISTINCT block_number FROM deposits
		WHERE chain_symbol = ? AND status = ? AND block_number <= ?
		ORDER BY block_number ASC`,
		chainSymbol, string(models.DepositPending), maxBlock)
	if err != nil {
		return nil, fmt.Errorf("query pending block numbers: %w", err)
	}
	defer rows.Close()

	var blocks []models.BlockNumber
	for rows.Next() {
		var n models.BlockNumber
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan block number: %w", err)
		}
		blocks = append(blocks, n)
	}
	return blocks, rows.Err()
}

// FindDepositsByStatus returns deposits in a status, ordered by block
// then tx hash then vout. fromBlock/toBlock bound the block range when
// non-nil; limit 0 means no limit.
func (d *DB) FindDepositsByStatus(chainSymbol string, status models.DepositStatus, fromBlock, toBlock *models.BlockNumber, limit int) ([]models.Deposit, error) {
	query := `
		SELECT chain_symbol, tx_hash, vout, user_id, token, to_address,
		       value, decimals, block_number, status, sa_timestamp
		FROM deposits WHERE chain_symbol = ? AND status = ?`
	args := []interface{}{chainSymbol, string(status)}

	if fromBlock != nil {
		query += " AND block_number >= ?"
		args = append(args, *fromBlock)
	}
	if toBlock != nil {
		query += " AND block_number <= ?"
		args = append(args, *toBlock)
	}
	query += " ORDER BY block_number ASC, tx_hash ASC, vout ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return d.queryDeposits(query, args...)
}

// FindDepositsByTxHashes returns deposits in a status whose tx hash is
// in the given set.
func (d *DB) FindDepositsByTxHashes(chainSymbol string, status models.DepositStatus, txHashes []string) ([]models.Deposit, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT chain_symbol, tx_hash, vout, user_id, token, to_address,
		       value, decimals, block_number, status, sa_timestamp
		FROM deposits
		WHERE chain_symbol = ? AND status = ? AND tx_hash IN (%s)
		ORDER BY block_number ASC, tx_hash ASC, vout ASC`,
		placeholders(len(txHashes)))
	args := make([]interface{}, 0, len(txHashes)+2)
	args = append(args, chainSymbol, string(status))
	for _, h := range txHashes {
		args = append(args, h)
	}
	return d.queryDeposits(query, args...)
}

// PromoteToFinalized advances PENDING deposits whose tx hash survived
// on-chain and whose block is final. Returns the number of rows moved.
func (d *DB) PromoteToFinalized(chainSymbol string, finalizedBlock models.BlockNumber, txHashes []string) (int64, error) {
	if len(txHashes) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		UPDATE deposits SET status = ?
		WHERE chain_symbol = ? AND status = ? AND block_number <= ? AND tx_hash IN (%s)`,
		placeholders(len(txHashes)))
	args := make([]interface{}, 0, len(txHashes)+4)
	args = append(args, string(models.DepositFinalized), chainSymbol, string(models.DepositPending), finalizedBlock)
	for _, h := range txHashes {
		args = append(args, h)
	}

	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("promote deposits to finalized: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("deposits finalized", "chain", chainSymbol, "count", n)
	}
	return n, nil
}

// DemoteToReorg moves deposits in fromStatus inside [minBlock, maxBlock]
// to REORG. The finalizer demotes orphaned transactions through it;
// the SA round demotes unconfirmed deposits through ReorgByTxHashes.
func (d *DB) DemoteToReorg(chainSymbol string, minBlock, maxBlock models.BlockNumber, fromStatus models.DepositStatus) (int64, error) {
	res, err := d.conn.Exec(`
		UPDATE deposits SET status = ?
		WHERE chain_symbol = ? AND status = ? AND block_number BETWEEN ? AND ?`,
		string(models.DepositReorg), chainSymbol, string(fromStatus), minBlock, maxBlock)
	if err != nil {
		return 0, fmt.Errorf("demote deposits to reorg: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("deposits demoted to reorg",
			"chain", chainSymbol,
			"fromBlock", minBlock,
			"toBlock", maxBlock,
			"count", n,
		)
	}
	return n, nil
}

// ReorgByTxHashes demotes deposits in fromStatus whose tx hash is in
// the set (losers of a SA round).
func (d *DB) ReorgByTxHashes(chainSymbol string, fromStatus models.DepositStatus, txHashes []string) (int64, error) {
	if len(txHashes) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		UPDATE deposits SET status = ?
		WHERE chain_symbol = ? AND status = ? AND tx_hash IN (%s)`,
		placeholders(len(txHashes)))
	args := make([]interface{}, 0, len(txHashes)+3)
	args = append(args, string(models.DepositReorg), chainSymbol, string(fromStatus))
	for _, h := range txHashes {
		args = append(args, h)
	}

	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("reorg deposits by tx hash: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertDeposits writes deposits with their current status and
// sa_timestamp, inserting missing rows. Used by the SA round after a
// successful signature to persist the VERIFIED set.
func (d *DB) UpsertDeposits(deposits []models.Deposit) error {
	if len(deposits) == 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO deposits (
			chain_symbol, tx_hash, vout, user_id, token, to_address,
			value, decimals, block_number, status, sa_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_symbol, tx_hash, vout) DO UPDATE SET
			status = excluded.status,
			sa_timestamp = excluded.sa_timestamp`)
	if err != nil {
		return fmt.Errorf("prepare deposit upsert: %w", err)
	}
	defer stmt.Close()

	for _, dep := range deposits {
		if _, err := stmt.Exec(
			dep.ChainSymbol, dep.TxHash, dep.Index, dep.UserId, dep.Token,
			dep.To, dep.Value.String(), dep.Decimals, dep.BlockNumber,
			string(dep.Status), dep.SaTimestamp,
		); err != nil {
			return fmt.Errorf("upsert deposit %s: %w", dep.TxHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deposit upsert: %w", err)
	}

	slog.Info("deposits upserted",
		"count", len(deposits),
		"chain", deposits[0].ChainSymbol,
		"status", deposits[0].Status,
	)
	return nil
}

// UpdateDepositStatus performs a status-scoped transition on one row.
func (d *DB) UpdateDepositStatus(chainSymbol, txHash string, vout uint32, from, to models.DepositStatus) (bool, error) {
	res, err := d.conn.Exec(`
		UPDATE deposits SET status = ?
		WHERE chain_symbol = ? AND tx_hash = ? AND vout = ? AND status = ?`,
		string(to), chainSymbol, txHash, vout, string(from))
	if err != nil {
		return false, fmt.Errorf("update deposit %s status: %w", txHash, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) queryDeposits(query string, args ...interface{}) ([]models.Deposit, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	var deposits []models.Deposit
	for rows.Next() {
		var dep models.Deposit
		var value string
		var status string
		if err := rows.Scan(
			&dep.ChainSymbol, &dep.TxHash, &dep.Index, &dep.UserId, &dep.Token,
			&dep.To, &value, &dep.Decimals, &dep.BlockNumber, &status, &dep.SaTimestamp,
		); err != nil {
			return nil, fmt.Errorf("scan deposit row: %w", err)
		}
		v, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("deposit %s has unparseable value %q", dep.TxHash, value)
		}
		dep.Value = v
		dep.Status = models.DepositStatus(status)
		deposits = append(deposits, dep)
	}
	return deposits, rows.Err()
}

// placeholders renders "?, ?, ?" for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
