package models

// Account holds the dual balances for one member. Amount is the confirmed
// (settled) balance; Pending is the net unsettled delta accumulated across
// all outstanding audit requests and may be negative when withdrawals or
// donations are reserved. Share is reserved for a future profit-sharing
// scheme and is not touched by any operation.
type Account struct {
	AccountNo string `json:"account_no" db:"account_no"`
	Name      string `json:"name" db:"name"`
	Amount    int64  `json:"amount" db:"amount"`
	Pending   int64  `json:"pending" db:"pending"`
	Share     int64  `json:"share" db:"share"`
}

// TotalBalance is the confirmed balance plus the unsettled delta.
func (a *Account) TotalBalance() int64 {
	return a.Amount + a.Pending
}
