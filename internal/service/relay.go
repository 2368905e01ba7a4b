package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"player-arena-backend/internal/chain"
	"player-arena-backend/internal/model"
	"player-arena-backend/internal/pkg/db"
	"player-arena-backend/internal/pkg/lock"
	"player-arena-backend/internal/repository"
)

// NonceOracle reads the authoritative next usable nonce from the verifying
// contract. The read is advisory: failures put the relay into degraded
// mode, they never fail a request.
type NonceOracle interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
}

// OrderParams carries the caller-supplied part of a relay request.
// Bound is the maximum spend (buy) or minimum receive (sell) in wei.
// A zero Deadline is replaced with now + the configured default.
type OrderParams struct {
	Side     model.OrderSide
	PlayerID uint64
	Amount   uint64
	Bound    *big.Int
	Deadline int64
}

// PreparedSignature is the result of a relay request. The caller submits
// the transaction to the chain and reports the outcome via Confirm.
type PreparedSignature struct {
	PendingTxID string
	Nonce       uint64
	Signature   []byte
}

// RelayService reconciles the on-chain nonce with locally recorded pending
// transactions, signs the canonical order message with the custodial key,
// and persists the resulting pending transaction. The nonce choice and the
// pending record commit atomically under the per-address lock, so two
// concurrent requests for one address can never sign the same nonce.
type RelayService struct {
	pool            *db.Pool
	accounts        *repository.AccountRepository
	pending         *repository.PendingTxRepository
	oracle          NonceOracle
	signer          *chain.Signer
	locks           *lock.AddressLock
	defaultDeadline time.Duration
}

// NewRelayService creates a new RelayService instance.
func NewRelayService(
	pool *db.Pool,
	accounts *repository.AccountRepository,
	pending *repository.PendingTxRepository,
	oracle NonceOracle,
	signer *chain.Signer,
	locks *lock.AddressLock,
	defaultDeadline time.Duration,
) *RelayService {
	if defaultDeadline <= 0 {
		defaultDeadline = 15 * time.Minute
	}
	return &RelayService{
		pool:            pool,
		accounts:        accounts,
		pending:         pending,
		oracle:          oracle,
		signer:          signer,
		locks:           locks,
		defaultDeadline: defaultDeadline,
	}
}

// chooseNonce reconciles the two nonce sources. The local next nonce is
// one past the highest nonce ever committed locally (1 when none exists);
// when the chain read succeeded the higher of the two wins.
func chooseNonce(localMax uint64, hasLocal bool, onChainNext uint64, chainOK bool) uint64 {
	localNext := uint64(1)
	if hasLocal {
		localNext = localMax + 1
	}
	if chainOK && onChainNext > localNext {
		return onChainNext
	}
	return localNext
}

// PrepareSignature picks the next safe nonce for the address, signs the
// canonical order message and persists the pending transaction, all under
// the per-address lock and one database transaction. A failing chain read
// degrades to local state and is never surfaced to the caller.
func (s *RelayService) PrepareSignature(ctx context.Context, address string, params OrderParams) (*PreparedSignature, error) {
	if !params.Side.Valid() || params.Amount == 0 || params.Bound == nil || params.Bound.Sign() < 0 {
		return nil, ErrInvalidOrder
	}

	deadline := params.Deadline
	if deadline == 0 {
		deadline = time.Now().Add(s.defaultDeadline).Unix()
	}
	if deadline <= time.Now().Unix() {
		return nil, ErrInvalidOrder
	}

	addr := model.NormalizeAddress(address)

	// Accounts come into being on first relay interaction.
	if _, _, err := s.accounts.GetOrCreate(ctx, addr); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	s.locks.Lock(addr)
	defer s.locks.Unlock(addr)

	// The chain read happens outside the database transaction but inside
	// the lock: it has no side effects and must not hold a connection
	// hostage while an RPC endpoint times out.
	onChainNext, chainErr := s.oracle.NextNonce(ctx, addr)
	if chainErr != nil {
		log.Warn().
			Err(chainErr).
			Str("address", addr).
			Msg("Chain nonce read failed, continuing with local state")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	localMax, hasLocal, err := s.pending.MaxNonce(ctx, tx, addr)
	if err != nil {
		return nil, err
	}

	nonce := chooseNonce(localMax, hasLocal, onChainNext, chainErr == nil)

	signature, err := s.signer.SignOrder(params.Side, chain.Order{
		Account:  addr,
		PlayerID: params.PlayerID,
		Amount:   params.Amount,
		Bound:    params.Bound,
		Nonce:    nonce,
		Deadline: deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	ptx := &model.PendingTransaction{
		ID:        uuid.NewString(),
		Address:   addr,
		Side:      params.Side,
		Nonce:     nonce,
		PlayerID:  params.PlayerID,
		Amount:    params.Amount,
		Bound:     params.Bound.String(),
		Deadline:  deadline,
		Signature: signature,
		Status:    model.TxStatusPending,
	}
	if err := s.pending.Insert(ctx, tx, ptx); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit pending transaction: %w", err)
	}

	log.Info().
		Str("address", addr).
		Str("pending_tx_id", ptx.ID).
		Uint64("nonce", nonce).
		Bool("degraded", chainErr != nil).
		Msg("Signature prepared")

	return &PreparedSignature{
		PendingTxID: ptx.ID,
		Nonce:       nonce,
		Signature:   signature,
	}, nil
}

// Confirm resolves a pending transaction to its terminal status. The owner
// check is independent of the signature; only pending transactions can
// transition, and only once.
func (s *RelayService) Confirm(ctx context.Context, pendingTxID, owner string, status model.TxStatus, chainTxHash *string) error {
	if !status.Terminal() {
		return ErrInvalidTransition
	}

	addr := model.NormalizeAddress(owner)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ptx, err := s.pending.GetByIDForUpdate(ctx, tx, pendingTxID)
	if err != nil {
		if errors.Is(err, repository.ErrPendingTxNotFound) {
			return ErrPendingTxNotFound
		}
		return err
	}
	if ptx.Address != addr {
		return ErrOwnershipMismatch
	}
	if ptx.Status != model.TxStatusPending {
		return ErrInvalidTransition
	}

	if err := s.pending.Resolve(ctx, tx, pendingTxID, status, chainTxHash); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}

	log.Info().
		Str("pending_tx_id", pendingTxID).
		Str("status", string(status)).
		Msg("Pending transaction resolved")

	return nil
}

// GetPending retrieves an address's pending transactions, newest first.
func (s *RelayService) GetPending(ctx context.Context, address string, limit int) ([]*model.PendingTransaction, error) {
	if limit < 1 {
		limit = 50
	}
	return s.pending.ListByAddress(ctx, address, limit)
}
