package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/guildpay/backend/internal/models"
)

// Event is one entry in the settlement audit trail.
type Event struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID int64     `json:"transaction_id"`
	AccountID     string    `json:"account_id,omitempty"`
	Amount        int64     `json:"amount"`
	Operator      string    `json:"operator,omitempty"`
	Details       any       `json:"details,omitempty"`
}

// Logger emits JSON audit events for every settlement decision and transfer.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogSettlement records an approve or deny decision with operator attribution.
func (a *Logger) LogSettlement(txn *models.Transaction, operator string) {
	a.log(Event{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     string(txn.Type) + ":" + string(txn.Status),
		TransactionID: txn.ID,
		AccountID:     txn.MemberAccount(),
		Amount:        txn.Amount,
		Operator:      operator,
	})
}

// LogTransfer records an immediate transfer between two members.
func (a *Logger) LogTransfer(txn *models.Transaction) {
	a.log(Event{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     string(txn.Type),
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Details: map[string]string{
			"from_account": txn.SenderAccount,
			"to_account":   txn.ReceiverAccount,
		},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
