/**
 * @description
 * This file defines the core domain models for the withdrawal-service: the
 * withdrawal request entity, its lifecycle status, and the transition table
 * that every status change is checked against.
 *
 * @notes
 * - Amounts use shopspring/decimal so balance guards never touch binary floats.
 * - A withdrawal row is never deleted; it is the audit trail of the request.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a withdrawal request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// ReservingStatuses are the statuses whose amounts are subtracted from a
// campaign's available balance. Paid stays reserved forever.
var ReservingStatuses = []Status{StatusPending, StatusApproved, StatusProcessing, StatusPaid}

// ParseStatus normalizes a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusApproved, StatusProcessing, StatusPaid, StatusRejected, StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown withdrawal status %q", ErrValidation, raw)
}

// Reserves reports whether a request in this status holds campaign funds.
func (s Status) Reserves() bool {
	for _, r := range ReservingStatuses {
		if s == r {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusRejected || s == StatusFailed
}

// Action names a status-changing operation on an existing withdrawal.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionStartPayout Action = "start_payout"
	ActionMarkPaid    Action = "mark_paid"
	ActionMarkFailed  Action = "mark_failed"
)

// Transition is one edge of the withdrawal state machine.
type Transition struct {
	From Status
	To   Status
}

// transitions is the complete set of allowed edges. Creation into pending is
// not an edge; it happens only through a guarded insert.
var transitions = map[Action]Transition{
	ActionApprove:     {From: StatusPending, To: StatusApproved},
	ActionReject:      {From: StatusPending, To: StatusRejected},
	ActionStartPayout: {From: StatusApproved, To: StatusProcessing},
	ActionMarkPaid:    {From: StatusProcessing, To: StatusPaid},
	ActionMarkFailed:  {From: StatusProcessing, To: StatusFailed},
}

// TransitionFor returns the edge an action applies.
func TransitionFor(action Action) (Transition, error) {
	t, ok := transitions[action]
	if !ok {
		return Transition{}, fmt.Errorf("%w: unknown withdrawal action %q", ErrValidation, action)
	}
	return t, nil
}

// CheckTransition verifies that action may be applied to a withdrawal currently in status.
func CheckTransition(id uuid.UUID, action Action, current Status) (Transition, error) {
	t, err := TransitionFor(action)
	if err != nil {
		return Transition{}, err
	}
	if current != t.From {
		return Transition{}, &TransitionError{WithdrawalID: id, Action: action, Current: current, Required: t.From}
	}
	return t, nil
}

// DestinationType identifies the payout rail.
type DestinationType string

const (
	DestinationMobileMoney DestinationType = "mobile_money"
	DestinationBank        DestinationType = "bank"
)

// Withdrawal is a request by a campaign organizer to move settled funds out of a campaign.
// This struct maps directly to the `withdrawal_requests` table.
type Withdrawal struct {
	ID              uuid.UUID       `json:"id"`
	CampaignID      uuid.UUID       `json:"campaign_id"`
	OrganizerID     uuid.UUID       `json:"organizer_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	DestinationType DestinationType `json:"destination_type"`
	Destination     json.RawMessage `json:"destination"`
	Status          Status          `json:"status"`
	Notes           *string         `json:"notes,omitempty"`
	Reason          *string         `json:"reason,omitempty"`
	TransactionID   *string         `json:"transaction_id,omitempty"`
	ReviewedBy      *uuid.UUID      `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	PayoutClaimedAt *time.Time      `json:"-"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Campaign is the slice of campaign data the withdrawal workflow needs.
type Campaign struct {
	ID          uuid.UUID `json:"id"`
	OrganizerID uuid.UUID `json:"organizer_id"`
	Currency    string    `json:"currency"`
}

// IsOwnedBy reports whether organizerID may withdraw from the campaign.
func (c Campaign) IsOwnedBy(organizerID uuid.UUID) bool {
	return c.OrganizerID != uuid.Nil && c.OrganizerID == organizerID
}

// BalanceSummary describes what a campaign may still withdraw.
type BalanceSummary struct {
	CampaignID         uuid.UUID       `json:"campaign_id"`
	Currency           string          `json:"currency"`
	CompletedDonations decimal.Decimal `json:"completed_donations"`
	Reserved           decimal.Decimal `json:"reserved"`
	Available          decimal.Decimal `json:"available"`
	WeeklyPaidCount    int             `json:"weekly_paid_count"`
	WeeklyLimit        int             `json:"weekly_limit"`
	WeekStartsAt       time.Time       `json:"week_starts_at"`
}
