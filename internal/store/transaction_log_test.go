package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/guildpay/backend/internal/models"
)

func transactionRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"})
	for _, id := range ids {
		rows.AddRow(id, "deposit", time.Now(), "", "123456789", "pending", 1000, "", "")
	}
	return rows
}

func TestTransactionLog_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := NewTransactionLog(db)

	mock.ExpectBegin()
	tx, err := db.Begin()
	assert.NoError(t, err)

	txn := models.NewPendingTransaction(models.TypeDeposit, "", "123456789", 1000, "allowance")
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs("deposit", txn.Time, "", "123456789", "pending", int64(1000), "", "allowance").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	id, err := l.Append(context.Background(), tx, txn)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLog_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := NewTransactionLog(db)

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions WHERE id = \\$1").
			WithArgs(int64(7)).
			WillReturnRows(transactionRows(7))

		txn, err := l.FindByID(context.Background(), 7)
		assert.NoError(t, err)
		assert.Equal(t, int64(7), txn.ID)
		assert.Equal(t, models.TypeDeposit, txn.Type)
	})

	t.Run("absent", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions WHERE id = \\$1").
			WithArgs(int64(404)).
			WillReturnError(sql.ErrNoRows)

		_, err := l.FindByID(context.Background(), 404)
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLog_ListPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := NewTransactionLog(db)

	mock.ExpectQuery("FROM transactions WHERE status = \\$1 ORDER BY id LIMIT \\$2").
		WithArgs("pending", 20).
		WillReturnRows(transactionRows(1, 2, 3))

	txns, err := l.ListPending(context.Background(), 20)
	assert.NoError(t, err)
	assert.Len(t, txns, 3)
	assert.Equal(t, int64(1), txns[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLog_ListForAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := NewTransactionLog(db)

	t.Run("matches sender or receiver, denied excluded", func(t *testing.T) {
		mock.ExpectQuery(`\(sender_account = \$1 OR receiver_account = \$1\) AND status <> \$2`).
			WithArgs("123456789", "denied", 10).
			WillReturnRows(transactionRows(5, 4))

		txns, err := l.ListForAccount(context.Background(), "123456789", 10)
		assert.NoError(t, err)
		assert.Len(t, txns, 2)
		assert.Equal(t, int64(5), txns[0].ID)
	})

	t.Run("empty history", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions").
			WithArgs("999999999", "denied", 10).
			WillReturnRows(transactionRows())

		txns, err := l.ListForAccount(context.Background(), "999999999", 10)
		assert.NoError(t, err)
		assert.Empty(t, txns)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLog_SetStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := NewTransactionLog(db)

	t.Run("rewrites status and operator", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		mock.ExpectExec("UPDATE transactions SET status = \\$1, operator = \\$2 WHERE id = \\$3").
			WithArgs("done", "admin", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, l.SetStatus(context.Background(), tx, 7, models.StatusDone, "admin"))
		assert.NoError(t, tx.Commit())
	})

	t.Run("missing id", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		mock.ExpectExec("UPDATE transactions SET status = \\$1, operator = \\$2 WHERE id = \\$3").
			WithArgs("denied", "admin", int64(404)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err = l.SetStatus(context.Background(), tx, 404, models.StatusDenied, "admin")
		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
		assert.NoError(t, tx.Rollback())
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
