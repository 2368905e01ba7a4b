package service

import (
	"context"
	"errors"
	"fmt"

	"player-arena-backend/internal/config"
	"player-arena-backend/internal/model"
	"player-arena-backend/internal/pkg/db"
	"player-arena-backend/internal/pkg/lock"
	"player-arena-backend/internal/repository"
)

// PointsService is the transactional facade over the balance store and the
// ledger recorder. Every mutation runs under the per-address lock and
// inside one database transaction spanning the balance adjustment and both
// ledger records, so a partial application is never observable.
type PointsService struct {
	pool     *db.Pool
	accounts *repository.AccountRepository
	ledger   *repository.LedgerRepository
	locks    *lock.AddressLock
	economy  config.PointsConfig
}

// NewPointsService creates a new PointsService instance.
func NewPointsService(
	pool *db.Pool,
	accounts *repository.AccountRepository,
	ledger *repository.LedgerRepository,
	locks *lock.AddressLock,
	economy config.PointsConfig,
) *PointsService {
	return &PointsService{
		pool:     pool,
		accounts: accounts,
		ledger:   ledger,
		locks:    locks,
		economy:  economy,
	}
}

// EnsureAccount ensures an account exists, creating one with zero balances
// if necessary. Returns the account and whether it was newly created.
func (s *PointsService) EnsureAccount(ctx context.Context, address string) (*model.Account, bool, error) {
	account, created, err := s.accounts.GetOrCreate(ctx, address)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure account: %w", err)
	}
	return account, created, nil
}

// Earn credits points to an account. Never fails for insufficient funds.
func (s *PointsService) Earn(ctx context.Context, address string, currency model.Currency, amount int64, reason string) (*model.PointHistoryRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, address, currency, amount, model.TxKindEarned, reason, false)
}

// Spend debits points from an account. Fails with ErrInsufficientFunds when
// the balance is lower than amount; the balance is left untouched then.
func (s *PointsService) Spend(ctx context.Context, address string, currency model.Currency, amount int64, reason string) (*model.PointHistoryRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, address, currency, -amount, model.TxKindSpent, reason, false)
}

// AdminAdjust applies a signed delta, flooring the resulting balance at
// zero. The recorded delta is the actually applied one, not the requested
// one: over-deducting an account with balance B records exactly -B.
func (s *PointsService) AdminAdjust(ctx context.Context, address string, currency model.Currency, delta int64, reason string) (*model.PointHistoryRecord, error) {
	kind := model.TxKindReward
	if delta < 0 {
		kind = model.TxKindSpent
	}
	return s.apply(ctx, address, currency, delta, kind, reason, true)
}

// PurchasePack spends the configured pack cost in tournament points.
// Pack pricing comes from configuration, never from a constant.
func (s *PointsService) PurchasePack(ctx context.Context, address string, packID string) (*model.PointHistoryRecord, error) {
	reason := fmt.Sprintf("pack purchase: %s", packID)
	return s.apply(ctx, address, model.CurrencyTournament, -s.economy.PackCost, model.TxKindPackPurchase, reason, false)
}

// CutPlayer credits the configured refund when an account releases a
// player card.
func (s *PointsService) CutPlayer(ctx context.Context, address string, playerID uint64) (*model.PointHistoryRecord, error) {
	reason := fmt.Sprintf("player cut: %d", playerID)
	return s.apply(ctx, address, model.CurrencyTournament, s.economy.CutRefund, model.TxKindPlayerCut, reason, false)
}

// PromotePlayer spends the configured promotion cost in skill points.
func (s *PointsService) PromotePlayer(ctx context.Context, address string, playerID uint64) (*model.PointHistoryRecord, error) {
	reason := fmt.Sprintf("player promotion: %d", playerID)
	return s.apply(ctx, address, model.CurrencySkill, -s.economy.PromotionCost, model.TxKindPlayerPromotion, reason, false)
}

// apply is the single mutation path: lock the address, open one database
// transaction, adjust the balance, append the transaction and history
// records, commit. Any failure rolls the whole unit back.
func (s *PointsService) apply(ctx context.Context, address string, currency model.Currency, delta int64, kind model.TxKind, reason string, clamp bool) (*model.PointHistoryRecord, error) {
	addr := model.NormalizeAddress(address)

	s.locks.Lock(addr)
	defer s.locks.Unlock(addr)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev, current int64
	if clamp {
		prev, current, err = s.accounts.AdjustClamped(ctx, tx, addr, currency, delta)
	} else {
		prev, current, err = s.accounts.Adjust(ctx, tx, addr, currency, delta)
	}
	if err != nil {
		return nil, mapAccountError(err)
	}
	applied := current - prev

	rec := &model.TransactionRecord{
		Address:  addr,
		Kind:     kind,
		Currency: currency,
		Amount:   applied,
		Reason:   reason,
	}
	if err := s.ledger.RecordTransaction(ctx, tx, rec); err != nil {
		return nil, err
	}

	hist := &model.PointHistoryRecord{
		Address:         addr,
		Currency:        currency,
		Delta:           applied,
		PreviousBalance: prev,
		NewBalance:      current,
		Reason:          reason,
	}
	if err := s.ledger.RecordHistory(ctx, tx, hist); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger mutation: %w", err)
	}
	return hist, nil
}

// TransferPoints moves points between two accounts in one database
// transaction, recording a TRANSFERRED pair on both sides.
func (s *PointsService) TransferPoints(ctx context.Context, from, to string, currency model.Currency, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	fromAddr := model.NormalizeAddress(from)
	toAddr := model.NormalizeAddress(to)
	if fromAddr == toAddr {
		return ErrSelfTransfer
	}

	// Lock both parties in address order so two opposing transfers cannot
	// deadlock.
	first, second := fromAddr, toAddr
	if second < first {
		first, second = second, first
	}
	s.locks.Lock(first)
	defer s.locks.Unlock(first)
	s.locks.Lock(second)
	defer s.locks.Unlock(second)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	fromPrev, fromNew, err := s.accounts.Adjust(ctx, tx, fromAddr, currency, -amount)
	if err != nil {
		return mapAccountError(err)
	}
	toPrev, toNew, err := s.accounts.Adjust(ctx, tx, toAddr, currency, amount)
	if err != nil {
		return mapAccountError(err)
	}

	senderReason := fmt.Sprintf("transfer to %s", toAddr)
	receiverReason := fmt.Sprintf("transfer from %s", fromAddr)

	records := []*model.TransactionRecord{
		{Address: fromAddr, Kind: model.TxKindTransferred, Currency: currency, Amount: -amount, Reason: senderReason},
		{Address: toAddr, Kind: model.TxKindTransferred, Currency: currency, Amount: amount, Reason: receiverReason},
	}
	for _, rec := range records {
		if err := s.ledger.RecordTransaction(ctx, tx, rec); err != nil {
			return err
		}
	}

	history := []*model.PointHistoryRecord{
		{Address: fromAddr, Currency: currency, Delta: -amount, PreviousBalance: fromPrev, NewBalance: fromNew, Reason: senderReason},
		{Address: toAddr, Currency: currency, Delta: amount, PreviousBalance: toPrev, NewBalance: toNew, Reason: receiverReason},
	}
	for _, rec := range history {
		if err := s.ledger.RecordHistory(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// GetBalance retrieves an account's current balances.
func (s *PointsService) GetBalance(ctx context.Context, address string) (*model.Account, error) {
	account, err := s.accounts.GetByAddress(ctx, address)
	if err != nil {
		return nil, mapAccountError(err)
	}
	return account, nil
}

// GetHistory retrieves point-history records for an account in creation
// order. Page numbering starts at 1; a nil currency returns all currencies.
func (s *PointsService) GetHistory(ctx context.Context, address string, currency *model.Currency, page, pageSize int) ([]*model.PointHistoryRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	return s.ledger.ListHistory(ctx, address, currency, pageSize, (page-1)*pageSize)
}

// GetTransactions retrieves transaction records for an account in creation
// order.
func (s *PointsService) GetTransactions(ctx context.Context, address string, page, pageSize int) ([]*model.TransactionRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	return s.ledger.ListTransactions(ctx, address, pageSize, (page-1)*pageSize)
}

// mapAccountError translates repository sentinels into the service error
// taxonomy, keeping storage details behind the boundary.
func mapAccountError(err error) error {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		return ErrAccountNotFound
	case errors.Is(err, repository.ErrInsufficientFunds):
		return ErrInsufficientFunds
	}
	return err
}
