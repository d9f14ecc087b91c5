package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guildpay/backend/internal/models"
)

const txnColumns = "id, type, time, sender_account, receiver_account, status, amount, operator, memo"

// TransactionLog is append-mostly durable storage for transaction records.
// Ids are assigned by the log and increase monotonically. Records are never
// deleted; settlement only rewrites status and operator.
type TransactionLog struct {
	db *sql.DB
}

func NewTransactionLog(db *sql.DB) *TransactionLog {
	return &TransactionLog{db: db}
}

// Append inserts a new record and returns its assigned id.
func (l *TransactionLog) Append(ctx context.Context, tx *sql.Tx, txn *models.Transaction) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO transactions (type, time, sender_account, receiver_account, status, amount, operator, memo)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		txn.Type, txn.Time, txn.SenderAccount, txn.ReceiverAccount, txn.Status, txn.Amount, txn.Operator, txn.Memo,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("appending transaction: %w", err)
	}
	return id, nil
}

// FindByID returns the transaction with the given id, or ErrTransactionNotFound.
func (l *TransactionLog) FindByID(ctx context.Context, id int64) (*models.Transaction, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE id = $1", id)
	return l.scanOne(row, id)
}

// FindForUpdate reads a transaction under FOR UPDATE so that two concurrent
// settlements of the same id serialize: the second observes the terminal
// status written by the first.
func (l *TransactionLog) FindForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE id = $1 FOR UPDATE", id)
	return l.scanOne(row, id)
}

// ListPending returns up to limit pending transactions in id order.
func (l *TransactionLog) ListPending(ctx context.Context, limit int) ([]*models.Transaction, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE status = $1 ORDER BY id LIMIT $2",
		models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending transactions: %w", err)
	}
	return l.scanAll(rows)
}

// ListForAccount returns up to limit transactions where the account is sender
// or receiver, newest first. Denied transactions are excluded from account
// history.
func (l *TransactionLog) ListForAccount(ctx context.Context, accountNo string, limit int) ([]*models.Transaction, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE (sender_account = $1 OR receiver_account = $1) AND status <> $2
		 ORDER BY id DESC LIMIT $3`,
		accountNo, models.StatusDenied, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for account %s: %w", accountNo, err)
	}
	return l.scanAll(rows)
}

// SetStatus writes status and operator unconditionally. The caller is
// responsible for having verified, under lock, that the prior status was
// pending.
func (l *TransactionLog) SetStatus(ctx context.Context, tx *sql.Tx, id int64, status models.TransactionStatus, operator string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE transactions SET status = $1, operator = $2 WHERE id = $3",
		status, operator, id)
	if err != nil {
		return fmt.Errorf("updating transaction %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating transaction %d: %w", id, err)
	}
	if n == 0 {
		return models.TransactionNotFoundError(id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *TransactionLog) scanOne(row rowScanner, id int64) (*models.Transaction, error) {
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.TransactionNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading transaction %d: %w", id, err)
	}
	return txn, nil
}

func (l *TransactionLog) scanAll(rows *sql.Rows) ([]*models.Transaction, error) {
	defer rows.Close()

	var txns []*models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("reading transaction row: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading transaction rows: %w", err)
	}
	return txns, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var txn models.Transaction
	err := row.Scan(
		&txn.ID, &txn.Type, &txn.Time, &txn.SenderAccount, &txn.ReceiverAccount,
		&txn.Status, &txn.Amount, &txn.Operator, &txn.Memo,
	)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
