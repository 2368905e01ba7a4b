// Package model defines the data models for the points ledger and
// signature relay backend.
package model

import (
	"strings"
	"time"
)

// Currency identifies one of the two off-chain point currencies.
type Currency string

const (
	CurrencyTournament Currency = "TOURNAMENT"
	CurrencySkill      Currency = "SKILL"
)

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyTournament, CurrencySkill:
		return true
	}
	return false
}

// AllCurrencies returns every supported currency.
func AllCurrencies() []Currency {
	return []Currency{CurrencyTournament, CurrencySkill}
}

// TxKind categorizes a ledger transaction record.
type TxKind string

const (
	TxKindEarned          TxKind = "EARNED"
	TxKindSpent           TxKind = "SPENT"
	TxKindReward          TxKind = "REWARD"
	TxKindTransferred     TxKind = "TRANSFERRED"
	TxKindPackPurchase    TxKind = "PACK_PURCHASE"
	TxKindPlayerCut       TxKind = "PLAYER_CUT"
	TxKindPlayerPromotion TxKind = "PLAYER_PROMOTION"
)

// Valid reports whether k is a known transaction kind.
func (k TxKind) Valid() bool {
	switch k {
	case TxKindEarned, TxKindSpent, TxKindReward, TxKindTransferred,
		TxKindPackPurchase, TxKindPlayerCut, TxKindPlayerPromotion:
		return true
	}
	return false
}

// OrderSide identifies the direction of a custodially signed token order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is a known order side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// TxStatus is the lifecycle status of a pending signed transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// Terminal reports whether s is a terminal status. A pending transaction
// transitions to a terminal status at most once.
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// NormalizeAddress returns the canonical lower-case form of a wallet
// address used for all lookups and lock keys.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Account holds a user's off-chain point balances, keyed by normalized
// wallet address. Both balances are always >= 0.
type Account struct {
	Address          string    `db:"address"`
	TournamentPoints int64     `db:"tournament_points"`
	SkillPoints      int64     `db:"skill_points"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Balance returns the account's balance for the given currency.
func (a *Account) Balance(c Currency) int64 {
	if c == CurrencySkill {
		return a.SkillPoints
	}
	return a.TournamentPoints
}

// TransactionRecord is an immutable record of one balance mutation,
// written in the same database transaction as the mutation it describes.
type TransactionRecord struct {
	ID          int64     `db:"id"`
	Address     string    `db:"address"`
	Kind        TxKind    `db:"kind"`
	Currency    Currency  `db:"currency"`
	Amount      int64     `db:"amount"`
	Reason      string    `db:"reason"`
	ChainTxHash *string   `db:"chain_tx_hash"`
	CreatedAt   time.Time `db:"created_at"`
}

// PointHistoryRecord is an immutable audit entry. For any account and
// currency, replaying records in creation order reproduces the stored
// balance exactly: NewBalance = PreviousBalance + Delta on every row.
type PointHistoryRecord struct {
	ID              int64     `db:"id"`
	Address         string    `db:"address"`
	Currency        Currency  `db:"currency"`
	Delta           int64     `db:"delta"`
	PreviousBalance int64     `db:"previous_balance"`
	NewBalance      int64     `db:"new_balance"`
	Reason          string    `db:"reason"`
	CreatedAt       time.Time `db:"created_at"`
}

// PendingTransaction is one custodially signed, not-yet-confirmed on-chain
// order. (address, nonce) is unique; status moves pending -> confirmed or
// pending -> failed exactly once.
type PendingTransaction struct {
	ID          string     `db:"id"`
	Address     string     `db:"address"`
	Side        OrderSide  `db:"side"`
	Nonce       uint64     `db:"nonce"`
	PlayerID    uint64     `db:"player_id"`
	Amount      uint64     `db:"amount"`
	Bound       string     `db:"bound"` // max spend (buy) or min receive (sell), wei, decimal string
	Deadline    int64      `db:"deadline"`
	Signature   []byte     `db:"signature"`
	Status      TxStatus   `db:"status"`
	ChainTxHash *string    `db:"chain_tx_hash"`
	CreatedAt   time.Time  `db:"created_at"`
	ResolvedAt  *time.Time `db:"resolved_at"`
}
