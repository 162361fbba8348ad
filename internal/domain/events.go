package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalEvent is published to the events exchange after every lifecycle change.
type WithdrawalEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	WithdrawalID  uuid.UUID       `json:"withdrawal_id"`
	CampaignID    uuid.UUID       `json:"campaign_id"`
	OrganizerID   uuid.UUID       `json:"organizer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	Reason        *string         `json:"reason,omitempty"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewWithdrawalEvent snapshots a withdrawal into an event.
func NewWithdrawalEvent(w Withdrawal, now time.Time) WithdrawalEvent {
	return WithdrawalEvent{
		EventID:       uuid.New(),
		EventType:     "withdrawal." + string(w.Status),
		WithdrawalID:  w.ID,
		CampaignID:    w.CampaignID,
		OrganizerID:   w.OrganizerID,
		Amount:        w.Amount,
		Currency:      w.Currency,
		Status:        w.Status,
		Reason:        w.Reason,
		TransactionID: w.TransactionID,
		OccurredAt:    now.UTC(),
	}
}

// PayoutSettlementEvent is emitted by the gateway integration when a payout settles.
type PayoutSettlementEvent struct {
	EventID       string    `json:"event_id"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}
