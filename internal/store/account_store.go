package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/guildpay/backend/internal/models"
)

// uniqueViolation is the Postgres error code raised when an insert trips a
// unique constraint.
const uniqueViolation = "23505"

// execer is satisfied by both *sql.DB and *sql.Tx so mutations can run
// standalone or inside a service-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AccountStore is durable keyed storage for accounts. All balance mutations
// are single UPDATE statements of the form col = col + delta, so concurrent
// adjustments serialize at the row and none can be lost.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Find returns the account for accountNo, or ErrAccountNotFound.
func (s *AccountStore) Find(ctx context.Context, accountNo string) (*models.Account, error) {
	var acc models.Account
	err := s.db.QueryRowContext(ctx,
		"SELECT account_no, name, amount, pending, share FROM accounts WHERE account_no = $1",
		accountNo,
	).Scan(&acc.AccountNo, &acc.Name, &acc.Amount, &acc.Pending, &acc.Share)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.AccountNotFoundError(accountNo)
	}
	if err != nil {
		return nil, fmt.Errorf("finding account %s: %w", accountNo, err)
	}
	return &acc, nil
}

// Exists reports whether an account with accountNo is present.
func (s *AccountStore) Exists(ctx context.Context, accountNo string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM accounts WHERE account_no = $1", accountNo,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking account %s: %w", accountNo, err)
	}
	return true, nil
}

// Create inserts a new account. The check-and-insert is a single statement:
// the table's unique constraint decides, and a violation is translated to
// ErrAccountAlreadyExists so a race between two registrations surfaces as the
// domain error rather than a raw storage failure.
func (s *AccountStore) Create(ctx context.Context, acc *models.Account) error {
	return s.create(ctx, s.db, acc)
}

// CreateTx is Create inside a caller-owned transaction, used when a transfer
// auto-creates its receiver.
func (s *AccountStore) CreateTx(ctx context.Context, tx *sql.Tx, acc *models.Account) error {
	return s.create(ctx, tx, acc)
}

func (s *AccountStore) create(ctx context.Context, q execer, acc *models.Account) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO accounts (account_no, name, amount, pending, share) VALUES ($1, $2, $3, $4, $5)",
		acc.AccountNo, acc.Name, acc.Amount, acc.Pending, acc.Share,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return models.AccountAlreadyExistsError(acc.AccountNo)
	}
	if err != nil {
		return fmt.Errorf("creating account %s: %w", acc.AccountNo, err)
	}
	return nil
}

// Lock reads an account under FOR UPDATE, holding its row lock until the
// transaction ends. Callers lock multiple accounts in sorted key order.
func (s *AccountStore) Lock(ctx context.Context, tx *sql.Tx, accountNo string) (*models.Account, error) {
	var acc models.Account
	err := tx.QueryRowContext(ctx,
		"SELECT account_no, name, amount, pending, share FROM accounts WHERE account_no = $1 FOR UPDATE",
		accountNo,
	).Scan(&acc.AccountNo, &acc.Name, &acc.Amount, &acc.Pending, &acc.Share)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.AccountNotFoundError(accountNo)
	}
	if err != nil {
		return nil, fmt.Errorf("locking account %s: %w", accountNo, err)
	}
	return &acc, nil
}

// AdjustPending applies pending = pending + delta.
func (s *AccountStore) AdjustPending(ctx context.Context, tx *sql.Tx, accountNo string, delta int64) error {
	return s.adjust(ctx, tx,
		"UPDATE accounts SET pending = pending + $1 WHERE account_no = $2",
		accountNo, delta)
}

// AdjustAmount applies amount = amount + delta.
func (s *AccountStore) AdjustAmount(ctx context.Context, tx *sql.Tx, accountNo string, delta int64) error {
	return s.adjust(ctx, tx,
		"UPDATE accounts SET amount = amount + $1 WHERE account_no = $2",
		accountNo, delta)
}

// AdjustBoth applies both deltas in one statement, so settlement moves funds
// from pending into amount without an observable intermediate state.
func (s *AccountStore) AdjustBoth(ctx context.Context, tx *sql.Tx, accountNo string, pendingDelta, amountDelta int64) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET pending = pending + $1, amount = amount + $2 WHERE account_no = $3",
		pendingDelta, amountDelta, accountNo,
	)
	if err != nil {
		return fmt.Errorf("adjusting account %s: %w", accountNo, err)
	}
	return s.requireRow(res, accountNo)
}

func (s *AccountStore) adjust(ctx context.Context, tx *sql.Tx, query, accountNo string, delta int64) error {
	res, err := tx.ExecContext(ctx, query, delta, accountNo)
	if err != nil {
		return fmt.Errorf("adjusting account %s: %w", accountNo, err)
	}
	return s.requireRow(res, accountNo)
}

// requireRow fails loudly when an adjust touched no rows: the service is
// expected to have verified existence, so a miss is a programming error.
func (s *AccountStore) requireRow(res sql.Result, accountNo string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjusting account %s: %w", accountNo, err)
	}
	if n == 0 {
		return models.AccountNotFoundError(accountNo)
	}
	return nil
}
