package models

import (
	"errors"
	"fmt"
)

// ErrLedger is the root of the domain error taxonomy. Every business-rule
// failure wraps it, so callers can catch broadly with errors.Is(err, ErrLedger)
// or match a specific kind. Infrastructure failures (connection loss, bad SQL)
// never wrap it.
var ErrLedger = errors.New("ledger error")

var (
	ErrAccountNotFound          = fmt.Errorf("%w: account not found", ErrLedger)
	ErrAccountAlreadyExists     = fmt.Errorf("%w: account already exists", ErrLedger)
	ErrInsufficientBalance      = fmt.Errorf("%w: insufficient balance", ErrLedger)
	ErrInvalidAmount            = fmt.Errorf("%w: invalid amount", ErrLedger)
	ErrTransactionNotFound      = fmt.Errorf("%w: transaction not found", ErrLedger)
	ErrInvalidTransactionStatus = fmt.Errorf("%w: invalid transaction status", ErrLedger)
	ErrInvalidTransfer          = fmt.Errorf("%w: invalid transfer", ErrLedger)
	ErrUnauthorized             = fmt.Errorf("%w: unauthorized", ErrLedger)
)

// AccountNotFoundError attaches the offending account number.
func AccountNotFoundError(accountNo string) error {
	return fmt.Errorf("%w: %s", ErrAccountNotFound, accountNo)
}

// AccountAlreadyExistsError attaches the conflicting account number.
func AccountAlreadyExistsError(accountNo string) error {
	return fmt.Errorf("%w: %s", ErrAccountAlreadyExists, accountNo)
}

// InsufficientBalanceError reports how much was available against the request.
func InsufficientBalanceError(available, requested int64) error {
	return fmt.Errorf("%w: %d available, %d requested", ErrInsufficientBalance, available, requested)
}

// InvalidAmountError reports an amount outside (0, limit].
func InvalidAmountError(amount, limit int64) error {
	return fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidAmount, amount, limit)
}

// BalanceBelowFloorError reports a transfer attempt from an account whose
// confirmed balance is already under the configured floor.
func BalanceBelowFloorError(balance, floor int64) error {
	return fmt.Errorf("%w: balance %d is below the floor of %d, request auditing first", ErrInsufficientBalance, balance, floor)
}

// TransactionNotFoundError attaches the missing transaction id.
func TransactionNotFoundError(id int64) error {
	return fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
}

// InvalidTransactionStatusError reports a settlement attempt on a transaction
// that is not pending (or whose type is not approvable).
func InvalidTransactionStatusError(id int64, status TransactionStatus) error {
	return fmt.Errorf("%w: transaction %d is %s", ErrInvalidTransactionStatus, id, status)
}

// SelfTransferError reports a transfer whose derived sender and receiver
// account numbers collide.
func SelfTransferError(accountNo string) error {
	return fmt.Errorf("%w: cannot transfer from %s to itself", ErrInvalidTransfer, accountNo)
}
