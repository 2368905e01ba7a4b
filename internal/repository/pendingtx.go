package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"player-arena-backend/internal/model"
)

// ErrPendingTxNotFound is returned when a pending transaction id is unknown.
var ErrPendingTxNotFound = errors.New("pending transaction not found")

// PendingTxRepository tracks every nonce the backend has committed to
// signing, independent of chain confirmation.
type PendingTxRepository struct {
	pool *pgxpool.Pool
}

// NewPendingTxRepository creates a new PendingTxRepository instance.
func NewPendingTxRepository(pool *pgxpool.Pool) *PendingTxRepository {
	return &PendingTxRepository{pool: pool}
}

const pendingTxColumns = `id, address, side, nonce, player_id, amount, bound, deadline,
		signature, status, chain_tx_hash, created_at, resolved_at`

func scanPendingTx(row pgx.Row) (*model.PendingTransaction, error) {
	var ptx model.PendingTransaction
	err := row.Scan(
		&ptx.ID,
		&ptx.Address,
		&ptx.Side,
		&ptx.Nonce,
		&ptx.PlayerID,
		&ptx.Amount,
		&ptx.Bound,
		&ptx.Deadline,
		&ptx.Signature,
		&ptx.Status,
		&ptx.ChainTxHash,
		&ptx.CreatedAt,
		&ptx.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ptx, nil
}

// Insert persists a freshly signed pending transaction. The unique
// (address, nonce) index rejects a duplicate nonce even if the per-address
// serialization above it were ever bypassed.
func (r *PendingTxRepository) Insert(ctx context.Context, q Querier, ptx *model.PendingTransaction) error {
	const query = `
		INSERT INTO pending_transactions
			(id, address, side, nonce, player_id, amount, bound, deadline, signature, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at
	`

	err := q.QueryRow(ctx, query,
		ptx.ID, ptx.Address, ptx.Side, ptx.Nonce, ptx.PlayerID, ptx.Amount,
		ptx.Bound, ptx.Deadline, ptx.Signature, ptx.Status,
	).Scan(&ptx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending transaction: %w", err)
	}
	return nil
}

// MaxNonce returns the highest nonce ever recorded for an address and
// whether any record exists. Terminal rows count too: a failed transaction
// still consumed its nonce commitment.
func (r *PendingTxRepository) MaxNonce(ctx context.Context, q Querier, address string) (uint64, bool, error) {
	const query = `SELECT MAX(nonce) FROM pending_transactions WHERE address = $1`

	var max *int64
	err := q.QueryRow(ctx, query, model.NormalizeAddress(address)).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get max nonce: %w", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return uint64(*max), true, nil
}

// GetByID retrieves a pending transaction by id.
// Returns ErrPendingTxNotFound if no such record exists.
func (r *PendingTxRepository) GetByID(ctx context.Context, id string) (*model.PendingTransaction, error) {
	const query = `SELECT ` + pendingTxColumns + ` FROM pending_transactions WHERE id = $1`

	ptx, err := scanPendingTx(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPendingTxNotFound
		}
		return nil, fmt.Errorf("failed to get pending transaction: %w", err)
	}
	return ptx, nil
}

// GetByIDForUpdate retrieves a pending transaction by id with a row lock,
// so a status check and the following Resolve are race-free.
func (r *PendingTxRepository) GetByIDForUpdate(ctx context.Context, q Querier, id string) (*model.PendingTransaction, error) {
	const query = `SELECT ` + pendingTxColumns + ` FROM pending_transactions WHERE id = $1 FOR UPDATE`

	ptx, err := scanPendingTx(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPendingTxNotFound
		}
		return nil, fmt.Errorf("failed to get pending transaction: %w", err)
	}
	return ptx, nil
}

// Resolve moves a pending transaction to a terminal status. The status
// guard makes the transition single-shot at the database level.
func (r *PendingTxRepository) Resolve(ctx context.Context, q Querier, id string, status model.TxStatus, chainTxHash *string) error {
	const query = `
		UPDATE pending_transactions
		SET status = $2, chain_tx_hash = $3, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := q.Exec(ctx, query, id, status, chainTxHash)
	if err != nil {
		return fmt.Errorf("failed to resolve pending transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPendingTxNotFound
	}
	return nil
}

// ListByAddress retrieves an address's pending transactions, newest first.
func (r *PendingTxRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*model.PendingTransaction, error) {
	const query = `
		SELECT ` + pendingTxColumns + `
		FROM pending_transactions
		WHERE address = $1
		ORDER BY created_at DESC, nonce DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, model.NormalizeAddress(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	defer rows.Close()

	var records []*model.PendingTransaction
	for rows.Next() {
		ptx, err := scanPendingTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending transaction: %w", err)
		}
		records = append(records, ptx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending transactions: %w", err)
	}

	return records, nil
}
