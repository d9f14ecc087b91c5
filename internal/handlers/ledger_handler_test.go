package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/guildpay/backend/internal/config"
	mW "github.com/guildpay/backend/internal/middleware"
	"github.com/guildpay/backend/internal/models"
	"github.com/guildpay/backend/internal/services"
	"github.com/guildpay/backend/internal/store"
)

const testSecret = "test-secret"

func newTestHandler(t *testing.T, redisClient *redis.Client) (*LedgerHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	limits := config.Limits{
		MaxDepositAmount:  1_000_000_000_000,
		MaxRequestAmount:  100_000_000_000,
		MaxTransferAmount: 1_000_000_000_000,
		MinBalance:        -1_000_000_000,
	}
	svc := services.NewLedgerService(db, store.NewAccountStore(db), store.NewTransactionLog(db), limits)
	h := NewLedgerHandler(svc, redisClient, config.AuditConfig{MaxOutput: 20})
	return h, mock, func() { db.Close() }
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	viper.Set("jwt.secret_key", testSecret)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	assert.NoError(t, err)
	return signed
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestLedgerHandler_CreateAccount(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	t.Run("successful registration", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("123456789", "Member One", int64(0), int64(0), int64(0)).
			WillReturnResult(sqlmock.NewResult(1, 1))

		w := postJSON(t, h.CreateAccount, "/api/v1/accounts",
			map[string]any{"user_id": "123456789", "name": "Member One"})

		assert.Equal(t, http.StatusCreated, w.Code)
		var acc models.Account
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
		assert.Equal(t, "123456789", acc.AccountNo)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing name fails validation", func(t *testing.T) {
		w := postJSON(t, h.CreateAccount, "/api/v1/accounts",
			map[string]any{"user_id": "123456789"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		w := postJSON(t, h.CreateAccount, "/api/v1/accounts",
			map[string]any{"user_id": "123456789", "name": "x", "amount": 5})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("duplicate account conflicts", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("123456789", "Member One", int64(0), int64(0), int64(0)).
			WillReturnError(&pq.Error{Code: "23505"})

		w := postJSON(t, h.CreateAccount, "/api/v1/accounts",
			map[string]any{"user_id": "123456789", "name": "Member One"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("storage failure is a server error", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("123456789", "Member One", int64(0), int64(0), int64(0)).
			WillReturnError(sql.ErrConnDone)

		w := postJSON(t, h.CreateAccount, "/api/v1/accounts",
			map[string]any{"user_id": "123456789", "name": "Member One"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestLedgerHandler_Deposit(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	t.Run("creates pending deposit", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("123456789").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("123456789", "Member", 0, 0, 0))
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs("deposit", sqlmock.AnyArg(), "", "123456789", "pending", int64(1000), "", "allowance").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("UPDATE accounts SET pending = pending").
			WithArgs(int64(1000), "123456789").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := postJSON(t, h.Deposit, "/api/v1/transactions/deposit",
			map[string]any{"user_id": "123456789", "amount": 1000, "memo": "allowance"})

		assert.Equal(t, http.StatusCreated, w.Code)
		var txn models.Transaction
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
		assert.Equal(t, models.StatusPending, txn.Status)
		assert.Equal(t, int64(1), txn.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("999999999").
			WillReturnError(sql.ErrNoRows)

		w := postJSON(t, h.Deposit, "/api/v1/transactions/deposit",
			map[string]any{"user_id": "999999999", "amount": 1000})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("negative amount", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("123456789").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("123456789", "Member", 0, 0, 0))

		w := postJSON(t, h.Deposit, "/api/v1/transactions/deposit",
			map[string]any{"user_id": "123456789", "amount": -5})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/deposit", bytes.NewReader([]byte("{not json")))
		w := httptest.NewRecorder()
		h.Deposit(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLedgerHandler_Withdraw(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
		WithArgs("123456789").
		WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
			AddRow("123456789", "Member", 100, 0, 0))

	w := postJSON(t, h.Withdraw, "/api/v1/transactions/withdraw",
		map[string]any{"user_id": "123456789", "amount": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestLedgerHandler_GetBalance(t *testing.T) {
	t.Run("missing user_id", func(t *testing.T) {
		h, _, cleanup := newTestHandler(t, nil)
		defer cleanup()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/balance", nil)
		w := httptest.NewRecorder()
		h.GetBalance(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("without cache hits the database", func(t *testing.T) {
		h, mock, cleanup := newTestHandler(t, nil)
		defer cleanup()

		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("123456789").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("123456789", "Member", 1500, -200, 0))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/balance?user_id=123456789", nil)
		w := httptest.NewRecorder()
		h.GetBalance(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp balanceResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(1500), resp.Amount)
		assert.Equal(t, int64(-200), resp.Pending)
	})

	t.Run("cache miss populates redis", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		h, mock, cleanup := newTestHandler(t, redisClient)
		defer cleanup()

		body, _ := json.Marshal(balanceResponse{AccountNo: "123456789", Amount: 1500, Pending: -200})
		redisMock.ExpectGet("balance:123456789").RedisNil()
		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("123456789").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("123456789", "Member", 1500, -200, 0))
		redisMock.ExpectSet("balance:123456789", body, balanceCacheTTL).SetVal("OK")

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/balance?user_id=123456789", nil)
		w := httptest.NewRecorder()
		h.GetBalance(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, string(body), w.Body.String())
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cache hit skips the database", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		h, mock, cleanup := newTestHandler(t, redisClient)
		defer cleanup()

		cached := `{"account_no":"123456789","amount":777,"pending":0}`
		redisMock.ExpectGet("balance:123456789").SetVal(cached)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/balance?user_id=123456789", nil)
		w := httptest.NewRecorder()
		h.GetBalance(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, cached, w.Body.String())
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerHandler_Transfer(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	t.Run("successful transfer", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("111111111").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("111111111", "Sender", 10000, 0, 0))
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("111111111").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("111111111", "Sender", 10000, 0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("222222222").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("222222222", "Receiver", 0, 0, 0))
		mock.ExpectExec("UPDATE accounts SET amount = amount").
			WithArgs(int64(-5000), "111111111").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET amount = amount").
			WithArgs(int64(5000), "222222222").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs("transfer", sqlmock.AnyArg(), "111111111", "222222222", "done", int64(5000), "", "rent").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectCommit()

		w := postJSON(t, h.Transfer, "/api/v1/transactions/transfer",
			map[string]any{"from_id": "111111111", "to_id": "222222222", "amount": 5000, "memo": "rent"})

		assert.Equal(t, http.StatusCreated, w.Code)
		var txn models.Transaction
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
		assert.Equal(t, models.StatusDone, txn.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_no, name, amount, pending, share FROM accounts").
			WithArgs("111111111").
			WillReturnRows(sqlmock.NewRows([]string{"account_no", "name", "amount", "pending", "share"}).
				AddRow("111111111", "Sender", 10000, 0, 0))

		w := postJSON(t, h.Transfer, "/api/v1/transactions/transfer",
			map[string]any{"from_id": "111111111", "to_id": "111111111", "amount": 100})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLedgerHandler_ListTransactions(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	t.Run("clamps the limit to the configured maximum", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions").
			WithArgs("123456789", "denied", 20).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}).
				AddRow(3, "deposit", time.Now(), "", "123456789", "done", 1000, "admin", ""))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?user_id=123456789&limit=500", nil)
		w := httptest.NewRecorder()
		h.ListTransactions(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var txns []*models.Transaction
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &txns))
		assert.Len(t, txns, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty history is an empty array, not null", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions").
			WithArgs("123456789", "denied", 5).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?user_id=123456789&limit=5", nil)
		w := httptest.NewRecorder()
		h.ListTransactions(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})
}

func auditRouter(h *LedgerHandler) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(mW.AuthMiddleware)
		r.Use(mW.RequireAuditor)
		r.Get("/audit/pending", h.ListPendingAudit)
		r.Post("/audit/{txnID}/approve", h.ApproveTransaction)
		r.Post("/audit/{txnID}/deny", h.DenyTransaction)
	})
	return r
}

func TestLedgerHandler_Settlement(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	router := auditRouter(h)
	auditorToken := signToken(t, "auditor1", "auditor")

	t.Run("approve records the operator from the token", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}).
				AddRow(1, "deposit", time.Now(), "", "123456789", "pending", 1000, "", ""))
		mock.ExpectExec("UPDATE accounts SET pending = pending \\+ \\$1, amount = amount \\+ \\$2").
			WithArgs(int64(-1000), int64(1000), "123456789").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions SET status").
			WithArgs("done", "auditor1", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodPost, "/audit/1/approve", nil)
		req.Header.Set("Authorization", "Bearer "+auditorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deny releases the reservation", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}).
				AddRow(2, "request", time.Now(), "", "123456789", "pending", 500, "", ""))
		mock.ExpectExec("UPDATE accounts SET pending = pending \\+ \\$1 WHERE").
			WithArgs(int64(-500), "123456789").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions SET status").
			WithArgs("denied", "auditor1", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodPost, "/audit/2/deny", nil)
		req.Header.Set("Authorization", "Bearer "+auditorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already settled conflicts", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}).
				AddRow(3, "deposit", time.Now(), "", "123456789", "done", 1000, "auditor1", ""))
		mock.ExpectRollback()

		req := httptest.NewRequest(http.MethodPost, "/audit/3/approve", nil)
		req.Header.Set("Authorization", "Bearer "+auditorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("non-numeric id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/audit/abc/approve", nil)
		req.Header.Set("Authorization", "Bearer "+auditorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("member role is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/audit/1/approve", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "member1", "member"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("no token is unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/audit/1/approve", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestLedgerHandler_ListPendingAudit(t *testing.T) {
	h, mock, cleanup := newTestHandler(t, nil)
	defer cleanup()

	router := auditRouter(h)

	mock.ExpectQuery("FROM transactions WHERE status = \\$1 ORDER BY id LIMIT \\$2").
		WithArgs("pending", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}).
			AddRow(4, "withdraw", time.Now(), "123456789", "", "pending", 3000, "", ""))

	req := httptest.NewRequest(http.MethodGet, "/audit/pending", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "auditor1", "auditor"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var txns []*models.Transaction
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &txns))
	assert.Len(t, txns, 1)
	assert.Equal(t, models.TypeWithdraw, txns[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}
