package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migrate applies the database schema. It is idempotent and shared between
// process startup and the integration tests so both run the same schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: accounts. Balances carry CHECK constraints as the last
	// line of defense behind the guarded update expressions.
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			tournament_points BIGINT NOT NULL DEFAULT 0 CHECK (tournament_points >= 0),
			skill_points BIGINT NOT NULL DEFAULT 0 CHECK (skill_points >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: accounts table created")

	// Migration 2: transaction records, append-only.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL REFERENCES accounts(address) ON DELETE CASCADE,
			kind VARCHAR(32) NOT NULL,
			currency VARCHAR(16) NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			chain_tx_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_address_id ON transactions(address, id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: transactions table created")

	// Migration 3: point history, append-only audit trail. Ordered reads go
	// through id, not created_at, so same-timestamp rows replay exactly.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS point_history (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL REFERENCES accounts(address) ON DELETE CASCADE,
			currency VARCHAR(16) NOT NULL,
			delta BIGINT NOT NULL,
			previous_balance BIGINT NOT NULL,
			new_balance BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_point_history_address_currency_id ON point_history(address, currency, id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: point_history table created")

	// Migration 4: pending signed transactions. The unique (address, nonce)
	// index is the database-level backstop for nonce selection.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pending_transactions (
			id UUID PRIMARY KEY,
			address TEXT NOT NULL REFERENCES accounts(address) ON DELETE CASCADE,
			side VARCHAR(8) NOT NULL,
			nonce BIGINT NOT NULL,
			player_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			bound TEXT NOT NULL,
			deadline BIGINT NOT NULL,
			signature BYTEA NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			chain_tx_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ,
			UNIQUE (address, nonce)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_transactions_address_created ON pending_transactions(address, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: pending_transactions table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
