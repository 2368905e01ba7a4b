package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"player-arena-backend/internal/model"
)

// LedgerRepository appends immutable transaction and point-history records.
// Records are never updated or deleted; reads return them in creation (id)
// order so audit replay reproduces balances exactly.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// RecordTransaction appends a transaction record. Callers pass the same
// Querier (transaction) that carried the balance adjustment, so a failure
// here rolls the adjustment back.
func (r *LedgerRepository) RecordTransaction(ctx context.Context, q Querier, rec *model.TransactionRecord) error {
	const query = `
		INSERT INTO transactions (address, kind, currency, amount, reason, chain_tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		rec.Address, rec.Kind, rec.Currency, rec.Amount, rec.Reason, rec.ChainTxHash,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// RecordHistory appends a point-history record describing one balance
// change. NewBalance must equal PreviousBalance + Delta.
func (r *LedgerRepository) RecordHistory(ctx context.Context, q Querier, rec *model.PointHistoryRecord) error {
	const query = `
		INSERT INTO point_history (address, currency, delta, previous_balance, new_balance, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		rec.Address, rec.Currency, rec.Delta, rec.PreviousBalance, rec.NewBalance, rec.Reason,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record point history: %w", err)
	}
	return nil
}

// ListHistory retrieves point-history records for an account in creation
// order. A nil currency returns records for all currencies.
func (r *LedgerRepository) ListHistory(ctx context.Context, address string, currency *model.Currency, limit, offset int) ([]*model.PointHistoryRecord, error) {
	const baseQuery = `
		SELECT id, address, currency, delta, previous_balance, new_balance, reason, created_at
		FROM point_history
		WHERE address = $1
	`

	addr := model.NormalizeAddress(address)

	var rows pgx.Rows
	var err error
	if currency != nil {
		rows, err = r.pool.Query(ctx, baseQuery+` AND currency = $2 ORDER BY id ASC LIMIT $3 OFFSET $4`,
			addr, *currency, limit, offset)
	} else {
		rows, err = r.pool.Query(ctx, baseQuery+` ORDER BY id ASC LIMIT $2 OFFSET $3`,
			addr, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list point history: %w", err)
	}
	defer rows.Close()

	var records []*model.PointHistoryRecord
	for rows.Next() {
		var rec model.PointHistoryRecord
		err := rows.Scan(
			&rec.ID,
			&rec.Address,
			&rec.Currency,
			&rec.Delta,
			&rec.PreviousBalance,
			&rec.NewBalance,
			&rec.Reason,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan point history: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating point history: %w", err)
	}

	return records, nil
}

// ListTransactions retrieves transaction records for an account in creation
// order.
func (r *LedgerRepository) ListTransactions(ctx context.Context, address string, limit, offset int) ([]*model.TransactionRecord, error) {
	const query = `
		SELECT id, address, kind, currency, amount, reason, chain_tx_hash, created_at
		FROM transactions
		WHERE address = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, model.NormalizeAddress(address), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var records []*model.TransactionRecord
	for rows.Next() {
		var rec model.TransactionRecord
		err := rows.Scan(
			&rec.ID,
			&rec.Address,
			&rec.Kind,
			&rec.Currency,
			&rec.Amount,
			&rec.Reason,
			&rec.ChainTxHash,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return records, nil
}
