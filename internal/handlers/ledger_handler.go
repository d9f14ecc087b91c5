package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"

	"github.com/guildpay/backend/internal/config"
	mW "github.com/guildpay/backend/internal/middleware"
	"github.com/guildpay/backend/internal/models"
	"github.com/guildpay/backend/internal/services"
)

const balanceCacheTTL = 30 * time.Second

// LedgerHandler is the HTTP command front end over the ledger service. It
// parses and validates requests, maps domain errors to status codes and keeps
// a short-lived balance cache in redis when one is available.
type LedgerHandler struct {
	ledger    *services.LedgerService
	redis     *redis.Client
	validator *ValidationHelper
	auditCfg  config.AuditConfig
}

func NewLedgerHandler(ledger *services.LedgerService, redisClient *redis.Client, auditCfg config.AuditConfig) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		redis:     redisClient,
		validator: NewValidationHelper(),
		auditCfg:  auditCfg,
	}
}

type createAccountRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Name   string `json:"name" validate:"required"`
}

type moveFundsRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Amount int64  `json:"amount" validate:"required"`
	Memo   string `json:"memo" validate:"max=500"`
}

type transferRequest struct {
	FromID string `json:"from_id" validate:"required"`
	ToID   string `json:"to_id" validate:"required"`
	Amount int64  `json:"amount" validate:"required"`
	Memo   string `json:"memo" validate:"max=500"`
}

type balanceResponse struct {
	AccountNo string `json:"account_no"`
	Amount    int64  `json:"amount"`
	Pending   int64  `json:"pending"`
}

// CreateAccount registers a new member account
// @Summary Register a new account
// @Tags accounts
// @Accept json
// @Produce json
// @Router /accounts [post]
func (h *LedgerHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	acc, err := h.ledger.CreateAccount(r.Context(), req.UserID, req.Name)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acc)
}

// GetBalance returns confirmed and pending balances
// @Summary Balance enquiry
// @Tags accounts
// @Produce json
// @Router /accounts/balance [get]
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		SendErrorResponse(w, "user_id is required", http.StatusBadRequest, nil)
		return
	}

	accountNo := services.AccountNo(userID)
	cacheKey := "balance:" + accountNo

	if h.redis != nil {
		if cached, err := h.redis.Get(r.Context(), cacheKey).Result(); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cached))
			return
		}
	}

	amount, pending, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	body, _ := json.Marshal(balanceResponse{AccountNo: accountNo, Amount: amount, Pending: pending})
	if h.redis != nil {
		h.redis.Set(r.Context(), cacheKey, body, balanceCacheTTL)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// Deposit creates a pending deposit
// @Summary Deposit funds, pending audit approval
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions/deposit [post]
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.ledger.Deposit)
}

// Withdraw creates a pending withdrawal
// @Summary Withdraw funds, pending audit approval
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions/withdraw [post]
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.ledger.Withdraw)
}

// Request creates a pending request against the organization pool
// @Summary Request funds from the organization pool
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions/request [post]
func (h *LedgerHandler) Request(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.ledger.Request)
}

// Donate creates a pending donation to the organization pool
// @Summary Donate funds to the organization pool
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions/donate [post]
func (h *LedgerHandler) Donate(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.ledger.Donate)
}

func (h *LedgerHandler) moveFunds(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, externalID string, amount int64, memo string) (*models.Transaction, error)) {
	var req moveFundsRequest
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := op(r.Context(), req.UserID, req.Amount, req.Memo)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.invalidateBalance(r, req.UserID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(txn)
}

// Transfer moves confirmed funds between members immediately
// @Summary Transfer funds to another member
// @Tags transactions
// @Accept json
// @Produce json
// @Router /transactions/transfer [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := h.ledger.Transfer(r.Context(), req.FromID, req.ToID, req.Amount, req.Memo)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.invalidateBalance(r, req.FromID)
	h.invalidateBalance(r, req.ToID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(txn)
}

// AdminSend moves funds between members with auditor privilege
// @Summary Elevated-privilege transfer
// @Tags audit
// @Accept json
// @Produce json
// @Router /audit/send [post]
func (h *LedgerHandler) AdminSend(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}

	operator := mW.UserIDFromContext(r.Context())
	txn, err := h.ledger.AdminSend(r.Context(), req.FromID, req.ToID, req.Amount, req.Memo, operator)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.invalidateBalance(r, req.FromID)
	h.invalidateBalance(r, req.ToID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(txn)
}

// ListTransactions returns recent account history
// @Summary Transaction history, newest first, denied excluded
// @Tags transactions
// @Produce json
// @Router /transactions [get]
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		SendErrorResponse(w, "user_id is required", http.StatusBadRequest, nil)
		return
	}
	limit := h.limitParam(r)

	txns, err := h.ledger.PullTransactions(r.Context(), userID, limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendTransactions(w, txns)
}

// ListPendingAudit returns transactions awaiting settlement
// @Summary Pending transactions for audit
// @Tags audit
// @Produce json
// @Router /audit/pending [get]
func (h *LedgerHandler) ListPendingAudit(w http.ResponseWriter, r *http.Request) {
	limit := h.limitParam(r)

	txns, err := h.ledger.ListPendingTransactions(r.Context(), limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendTransactions(w, txns)
}

// ApproveTransaction settles a pending transaction
// @Summary Approve a pending transaction
// @Tags audit
// @Produce json
// @Router /audit/{txnID}/approve [post]
func (h *LedgerHandler) ApproveTransaction(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.ledger.Approve)
}

// DenyTransaction rejects a pending transaction
// @Summary Deny a pending transaction
// @Tags audit
// @Produce json
// @Router /audit/{txnID}/deny [post]
func (h *LedgerHandler) DenyTransaction(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.ledger.Deny)
}

func (h *LedgerHandler) settle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, txnID int64, operator string) error) {
	txnID, err := strconv.ParseInt(chi.URLParam(r, "txnID"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	operator := mW.UserIDFromContext(r.Context())
	if operator == "" {
		h.sendDomainError(w, models.ErrUnauthorized)
		return
	}

	if err := op(r.Context(), txnID, operator); err != nil {
		h.sendDomainError(w, err)
		return
	}

	// The settled account's cached balance is stale now; drop everything
	// rather than resolve which member was affected.
	if h.redis != nil {
		h.redis.FlushDB(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *LedgerHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *LedgerHandler) limitParam(r *http.Request) int {
	limit := h.auditCfg.MaxOutput
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= h.auditCfg.MaxOutput {
			limit = n
		}
	}
	return limit
}

func (h *LedgerHandler) sendTransactions(w http.ResponseWriter, txns []*models.Transaction) {
	if txns == nil {
		txns = []*models.Transaction{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txns)
}

func (h *LedgerHandler) invalidateBalance(r *http.Request, userID string) {
	if h.redis == nil {
		return
	}
	h.redis.Del(r.Context(), "balance:"+services.AccountNo(userID))
}

func (h *LedgerHandler) sendDomainError(w http.ResponseWriter, err error) {
	SendErrorResponse(w, err.Error(), statusForError(err), nil)
}

// statusForError maps the domain error taxonomy onto stable HTTP statuses.
// Errors outside the taxonomy are infrastructure failures.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAccountAlreadyExists),
		errors.Is(err, models.ErrInvalidTransactionStatus):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidTransfer):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
