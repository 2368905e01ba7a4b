package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"player-arena-backend/internal/model"
)

// Common errors for repository operations.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// AccountRepository is the balance store. Balances change only through the
// guarded single-statement updates below; there is no read-then-write path.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = "address, tournament_points, skill_points, created_at, updated_at"

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.Address,
		&a.TournamentPoints,
		&a.SkillPoints,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// balanceColumn maps a currency to its balance column. The currency enum is
// closed, so this is the only place a column name is selected.
func balanceColumn(c model.Currency) (string, error) {
	switch c {
	case model.CurrencyTournament:
		return "tournament_points", nil
	case model.CurrencySkill:
		return "skill_points", nil
	}
	return "", fmt.Errorf("unknown currency %q", c)
}

// Create creates a new account with zero balances.
func (r *AccountRepository) Create(ctx context.Context, address string) (*model.Account, error) {
	const query = `
		INSERT INTO accounts (address, tournament_points, skill_points, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, query, model.NormalizeAddress(address)))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetByAddress retrieves an account by its wallet address.
// Returns ErrAccountNotFound if the account does not exist.
func (r *AccountRepository) GetByAddress(ctx context.Context, address string) (*model.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE address = $1`

	account, err := scanAccount(r.pool.QueryRow(ctx, query, model.NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetOrCreate retrieves an account by address, creating one with zero
// balances if it doesn't exist. Accounts come into being on first
// interaction with either the ledger or the signature relay.
func (r *AccountRepository) GetOrCreate(ctx context.Context, address string) (*model.Account, bool, error) {
	account, err := r.GetByAddress(ctx, address)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}

	account, err = r.Create(ctx, address)
	if err != nil {
		// Handle race condition: another request might have created the account
		account, err = r.GetByAddress(ctx, address)
		if err != nil {
			return nil, false, err
		}
		return account, false, nil
	}

	return account, true, nil
}

// Adjust changes one balance by delta in a single guarded statement and
// returns the previous and new balance. The self-join row lock serializes
// concurrent adjustments for the same account at the database level; the
// prev + delta >= 0 guard rejects overdrafts without a partial write.
// Returns ErrInsufficientFunds when the guard fails, ErrAccountNotFound for
// an unknown address.
func (r *AccountRepository) Adjust(ctx context.Context, q Querier, address string, currency model.Currency, delta int64) (prev, current int64, err error) {
	col, err := balanceColumn(currency)
	if err != nil {
		return 0, 0, err
	}

	query := fmt.Sprintf(`
		UPDATE accounts a
		SET %[1]s = o.prev + $2, updated_at = NOW()
		FROM (SELECT address, %[1]s AS prev FROM accounts WHERE address = $1 FOR UPDATE) o
		WHERE a.address = o.address AND o.prev + $2 >= 0
		RETURNING o.prev, a.%[1]s
	`, col)

	addr := model.NormalizeAddress(address)
	err = q.QueryRow(ctx, query, addr, delta).Scan(&prev, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, r.adjustMissError(ctx, q, addr)
		}
		return 0, 0, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return prev, current, nil
}

// AdjustClamped changes one balance by delta, flooring the result at zero,
// and returns the previous and new balance. The applied delta is
// current - prev, which callers must record instead of the requested one.
func (r *AccountRepository) AdjustClamped(ctx context.Context, q Querier, address string, currency model.Currency, delta int64) (prev, current int64, err error) {
	col, err := balanceColumn(currency)
	if err != nil {
		return 0, 0, err
	}

	query := fmt.Sprintf(`
		UPDATE accounts a
		SET %[1]s = GREATEST(o.prev + $2, 0), updated_at = NOW()
		FROM (SELECT address, %[1]s AS prev FROM accounts WHERE address = $1 FOR UPDATE) o
		WHERE a.address = o.address
		RETURNING o.prev, a.%[1]s
	`, col)

	addr := model.NormalizeAddress(address)
	err = q.QueryRow(ctx, query, addr, delta).Scan(&prev, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return prev, current, nil
}

// adjustMissError distinguishes an unknown account from a failed overdraft
// guard. The caller holds the per-address lock, so the existence check
// cannot race the update it explains.
func (r *AccountRepository) adjustMissError(ctx context.Context, q Querier, address string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE address = $1)`, address).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check account existence: %w", err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientFunds
}

// Exists checks if an account with the given address exists.
func (r *AccountRepository) Exists(ctx context.Context, address string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM accounts WHERE address = $1)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, model.NormalizeAddress(address)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account existence: %w", err)
	}
	return exists, nil
}
