// Package service provides business logic implementations.
package service

import "errors"

// Errors surfaced by the points ledger and signature relay services. Raw
// storage errors never cross this boundary; they are wrapped or mapped to
// one of these sentinels.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount: must be positive")
	ErrSelfTransfer      = errors.New("cannot transfer to self")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrOwnershipMismatch = errors.New("pending transaction owned by another account")
	ErrInvalidTransition = errors.New("pending transaction already resolved")
	ErrPendingTxNotFound = errors.New("pending transaction not found")
)
