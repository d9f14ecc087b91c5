package models

import "time"

// TransactionType is the business reason for a movement of funds.
type TransactionType string

const (
	TypeDeposit   TransactionType = "deposit"
	TypeWithdraw  TransactionType = "withdraw"
	TypeTransfer  TransactionType = "transfer"
	TypeRequest   TransactionType = "request"
	TypeDonate    TransactionType = "donate"
	TypeAdminSend TransactionType = "admin-send"
)

// TransactionStatus tracks the audit state machine. The only transitions are
// pending -> done and pending -> denied; both are terminal.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "pending"
	StatusDone    TransactionStatus = "done"
	StatusDenied  TransactionStatus = "denied"
)

// Transaction is one movement of funds. An empty SenderAccount or
// ReceiverAccount denotes the organization pool rather than a member.
// Amount is fixed at creation; settlement only changes Status and Operator.
type Transaction struct {
	ID              int64             `json:"id" db:"id"`
	Type            TransactionType   `json:"type" db:"type"`
	Time            time.Time         `json:"time" db:"time"`
	SenderAccount   string            `json:"sender_account" db:"sender_account"`
	ReceiverAccount string            `json:"receiver_account" db:"receiver_account"`
	Status          TransactionStatus `json:"status" db:"status"`
	Amount          int64             `json:"amount" db:"amount"`
	Operator        string            `json:"operator" db:"operator"`
	Memo            string            `json:"memo" db:"memo"`
}

// NewPendingTransaction builds an unsaved transaction in pending status with
// the capture time set to now. The id is assigned by the transaction log.
func NewPendingTransaction(typ TransactionType, sender, receiver string, amount int64, memo string) *Transaction {
	return &Transaction{
		Type:            typ,
		Time:            time.Now().UTC(),
		SenderAccount:   sender,
		ReceiverAccount: receiver,
		Status:          StatusPending,
		Amount:          amount,
		Memo:            memo,
	}
}

// MemberAccount returns the member-side account of an audited transaction:
// the receiver for funds flowing toward the member (deposit/request), the
// sender for funds flowing away (withdraw/donate). Settlement adjusts this
// account.
func (t *Transaction) MemberAccount() string {
	switch t.Type {
	case TypeDeposit, TypeRequest:
		return t.ReceiverAccount
	case TypeWithdraw, TypeDonate:
		return t.SenderAccount
	}
	return ""
}

// Auditable reports whether the transaction type settles through the
// approve/deny flow.
func (t *Transaction) Auditable() bool {
	switch t.Type {
	case TypeDeposit, TypeRequest, TypeWithdraw, TypeDonate:
		return true
	}
	return false
}
