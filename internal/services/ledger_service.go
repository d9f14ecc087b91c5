package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guildpay/backend/internal/audit"
	"github.com/guildpay/backend/internal/config"
	"github.com/guildpay/backend/internal/models"
	"github.com/guildpay/backend/internal/store"
)

// accountNoLength is how many trailing characters of an external identifier
// form the account number. The truncation is lossy: two identifiers sharing a
// suffix collide onto one account. Preserved for compatibility with stored
// account numbers; keying on the full identifier would need a migration.
const accountNoLength = 9

// AccountNo derives the account number from an external identifier.
func AccountNo(externalID string) string {
	if len(externalID) <= accountNoLength {
		return externalID
	}
	return externalID[len(externalID)-accountNoLength:]
}

// LedgerService is the business-rule layer over the account store and the
// transaction log. Every mutating operation runs inside a single database
// transaction, so a failure midway leaves no partial state.
type LedgerService struct {
	db       *sql.DB
	accounts *store.AccountStore
	txlog    *store.TransactionLog
	limits   config.Limits
	audit    *audit.Logger
}

// NewLedgerService wires the service to its stores. The limits are captured
// by value and treated as immutable for the service's lifetime.
func NewLedgerService(db *sql.DB, accounts *store.AccountStore, txlog *store.TransactionLog, limits config.Limits) *LedgerService {
	return &LedgerService{
		db:       db,
		accounts: accounts,
		txlog:    txlog,
		limits:   limits,
		audit:    audit.NewLogger(),
	}
}

// CreateAccount registers a new account with zero balances. Fails with
// ErrAccountAlreadyExists when the derived account number is taken; the
// uniqueness check happens at the storage layer, so two concurrent
// registrations cannot both succeed.
func (s *LedgerService) CreateAccount(ctx context.Context, externalID, name string) (*models.Account, error) {
	acc := &models.Account{
		AccountNo: AccountNo(externalID),
		Name:      name,
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// GetBalance returns the confirmed and pending balances.
func (s *LedgerService) GetBalance(ctx context.Context, externalID string) (amount, pending int64, err error) {
	acc, err := s.accounts.Find(ctx, AccountNo(externalID))
	if err != nil {
		return 0, 0, err
	}
	return acc.Amount, acc.Pending, nil
}

// Deposit reserves incoming funds pending audit approval. The pending balance
// rises immediately; the confirmed balance only moves on approval.
func (s *LedgerService) Deposit(ctx context.Context, externalID string, amount int64, memo string) (*models.Transaction, error) {
	return s.credit(ctx, models.TypeDeposit, externalID, amount, memo, s.limits.MaxDepositAmount)
}

// Request asks for funds from the organization pool, pending audit approval.
// Its ceiling is configured independently of the deposit ceiling.
func (s *LedgerService) Request(ctx context.Context, externalID string, amount int64, memo string) (*models.Transaction, error) {
	return s.credit(ctx, models.TypeRequest, externalID, amount, memo, s.limits.MaxRequestAmount)
}

// Withdraw reserves outgoing funds pending audit approval.
func (s *LedgerService) Withdraw(ctx context.Context, externalID string, amount int64, memo string) (*models.Transaction, error) {
	return s.debit(ctx, models.TypeWithdraw, externalID, amount, memo, s.limits.MaxDepositAmount)
}

// Donate gives funds to the organization pool, pending audit approval.
func (s *LedgerService) Donate(ctx context.Context, externalID string, amount int64, memo string) (*models.Transaction, error) {
	return s.debit(ctx, models.TypeDonate, externalID, amount, memo, s.limits.MaxDepositAmount)
}

// credit creates a pending member-bound transaction and raises the pending
// balance by amount.
func (s *LedgerService) credit(ctx context.Context, typ models.TransactionType, externalID string, amount int64, memo string, ceiling int64) (*models.Transaction, error) {
	accountNo := AccountNo(externalID)
	if _, err := s.accounts.Find(ctx, accountNo); err != nil {
		return nil, err
	}
	if err := validateAmount(amount, ceiling); err != nil {
		return nil, err
	}

	txn := models.NewPendingTransaction(typ, "", accountNo, amount, memo)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		id, err := s.txlog.Append(ctx, tx, txn)
		if err != nil {
			return err
		}
		txn.ID = id
		return s.accounts.AdjustPending(ctx, tx, accountNo, amount)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// debit creates a pending organization-bound transaction and lowers the
// pending balance by amount. The confirmed balance plus the already-reserved
// pending delta must cover the new request, which allows stacking several
// outstanding withdrawals up to the combined total.
func (s *LedgerService) debit(ctx context.Context, typ models.TransactionType, externalID string, amount int64, memo string, ceiling int64) (*models.Transaction, error) {
	accountNo := AccountNo(externalID)
	acc, err := s.accounts.Find(ctx, accountNo)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(amount, ceiling); err != nil {
		return nil, err
	}
	if available := acc.Amount + acc.Pending; available < amount {
		return nil, models.InsufficientBalanceError(available, amount)
	}

	txn := models.NewPendingTransaction(typ, accountNo, "", amount, memo)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		id, err := s.txlog.Append(ctx, tx, txn)
		if err != nil {
			return err
		}
		txn.ID = id
		return s.accounts.AdjustPending(ctx, tx, accountNo, -amount)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Transfer moves confirmed funds between two members immediately, with no
// audit involvement. The receiver account is auto-created when missing; the
// auto-creation rolls back with the rest of the transfer on failure. The floor
// check is evaluated against the sender's pre-transfer balance, not the
// post-transfer result.
func (s *LedgerService) Transfer(ctx context.Context, fromID, toID string, amount int64, memo string) (*models.Transaction, error) {
	return s.transfer(ctx, models.TypeTransfer, fromID, toID, amount, memo, "")
}

// AdminSend is the elevated-privilege variant of Transfer used by the front
// end's auditor surface. It follows the same rules but records the admin-send
// type and the operator who moved the funds.
func (s *LedgerService) AdminSend(ctx context.Context, fromID, toID string, amount int64, memo, operator string) (*models.Transaction, error) {
	return s.transfer(ctx, models.TypeAdminSend, fromID, toID, amount, memo, operator)
}

func (s *LedgerService) transfer(ctx context.Context, typ models.TransactionType, fromID, toID string, amount int64, memo, operator string) (*models.Transaction, error) {
	fromNo, toNo := AccountNo(fromID), AccountNo(toID)

	if _, err := s.accounts.Find(ctx, fromNo); err != nil {
		return nil, err
	}
	if fromNo == toNo {
		return nil, models.SelfTransferError(fromNo)
	}
	if err := validateAmount(amount, s.limits.MaxTransferAmount); err != nil {
		return nil, err
	}

	txn := models.NewPendingTransaction(typ, fromNo, toNo, amount, memo)
	txn.Status = models.StatusDone
	txn.Operator = operator

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sender, _, err := s.lockPair(ctx, tx, fromNo, toNo, toID)
		if err != nil {
			return err
		}
		if sender.Amount < amount {
			return models.InsufficientBalanceError(sender.Amount, amount)
		}
		if sender.Amount < s.limits.MinBalance {
			return models.BalanceBelowFloorError(sender.Amount, s.limits.MinBalance)
		}
		if err := s.accounts.AdjustAmount(ctx, tx, fromNo, -amount); err != nil {
			return err
		}
		if err := s.accounts.AdjustAmount(ctx, tx, toNo, amount); err != nil {
			return err
		}
		id, err := s.txlog.Append(ctx, tx, txn)
		if err != nil {
			return err
		}
		txn.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogTransfer(txn)
	return txn, nil
}

// lockPair acquires FOR UPDATE locks on both accounts in sorted key order to
// avoid deadlocks between concurrent opposing transfers. A missing receiver
// is created inside the same transaction, named after its external id.
func (s *LedgerService) lockPair(ctx context.Context, tx *sql.Tx, fromNo, toNo, toID string) (sender, receiver *models.Account, err error) {
	first, second := fromNo, toNo
	if first > second {
		first, second = second, first
	}

	lockOne := func(accountNo string) (*models.Account, error) {
		acc, err := s.accounts.Lock(ctx, tx, accountNo)
		if errors.Is(err, models.ErrAccountNotFound) && accountNo == toNo {
			newAcc := &models.Account{AccountNo: toNo, Name: toID}
			if err := s.accounts.CreateTx(ctx, tx, newAcc); err != nil {
				return nil, err
			}
			return s.accounts.Lock(ctx, tx, accountNo)
		}
		return acc, err
	}

	firstAcc, err := lockOne(first)
	if err != nil {
		return nil, nil, err
	}
	secondAcc, err := lockOne(second)
	if err != nil {
		return nil, nil, err
	}

	if first == fromNo {
		return firstAcc, secondAcc, nil
	}
	return secondAcc, firstAcc, nil
}

// Approve settles a pending transaction: the reserved amount moves between
// pending and confirmed in one indivisible adjustment, then the record goes
// terminal with the operator attributed.
func (s *LedgerService) Approve(ctx context.Context, txnID int64, operator string) error {
	return s.settle(ctx, txnID, operator, models.StatusDone)
}

// Deny rejects a pending transaction, releasing only the pending reservation
// and leaving the confirmed balance untouched.
func (s *LedgerService) Deny(ctx context.Context, txnID int64, operator string) error {
	return s.settle(ctx, txnID, operator, models.StatusDenied)
}

func (s *LedgerService) settle(ctx context.Context, txnID int64, operator string, outcome models.TransactionStatus) error {
	var settled *models.Transaction

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// The row lock serializes concurrent settlements: the first to
		// commit wins and the second observes a terminal status here.
		txn, err := s.txlog.FindForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if txn.Status != models.StatusPending {
			return models.InvalidTransactionStatusError(txnID, txn.Status)
		}
		if !txn.Auditable() {
			return fmt.Errorf("%w: transaction %d has unapprovable type %s",
				models.ErrInvalidTransactionStatus, txnID, txn.Type)
		}

		accountNo := txn.MemberAccount()
		switch outcome {
		case models.StatusDone:
			// Deposits and requests move the reservation into confirmed
			// funds; withdrawals and donations confirm the debit and
			// release the reservation.
			pendingDelta, amountDelta := -txn.Amount, txn.Amount
			if txn.Type == models.TypeWithdraw || txn.Type == models.TypeDonate {
				pendingDelta, amountDelta = txn.Amount, -txn.Amount
			}
			if err := s.accounts.AdjustBoth(ctx, tx, accountNo, pendingDelta, amountDelta); err != nil {
				return err
			}
		case models.StatusDenied:
			// Reverse the reservation made at creation, confirmed funds
			// untouched.
			pendingDelta := -txn.Amount
			if txn.Type == models.TypeWithdraw || txn.Type == models.TypeDonate {
				pendingDelta = txn.Amount
			}
			if err := s.accounts.AdjustPending(ctx, tx, accountNo, pendingDelta); err != nil {
				return err
			}
		}

		if err := s.txlog.SetStatus(ctx, tx, txnID, outcome, operator); err != nil {
			return err
		}
		txn.Status = outcome
		txn.Operator = operator
		settled = txn
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.LogSettlement(settled, operator)
	return nil
}

// PullTransactions returns the account's recent history, newest first, with
// denied transactions excluded.
func (s *LedgerService) PullTransactions(ctx context.Context, externalID string, n int) ([]*models.Transaction, error) {
	return s.txlog.ListForAccount(ctx, AccountNo(externalID), n)
}

// ListPendingTransactions returns up to limit transactions awaiting audit.
func (s *LedgerService) ListPendingTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return s.txlog.ListPending(ctx, limit)
}

// inTx runs fn inside a database transaction, committing on success and
// rolling back on any error.
func (s *LedgerService) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func validateAmount(amount, ceiling int64) error {
	if amount <= 0 || amount > ceiling {
		return models.InvalidAmountError(amount, ceiling)
	}
	return nil
}
