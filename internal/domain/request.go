package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxNotesLength  = 500
	maxReasonLength = 500

	DefaultListLimit = 20
	MaxListLimit     = 100
)

// WithdrawalPayload is the DTO for an incoming withdrawal request.
type WithdrawalPayload struct {
	CampaignID      uuid.UUID       `json:"campaign_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	DestinationType string          `json:"destination_type"`
	Destination     json.RawMessage `json:"destination"`
	Notes           string          `json:"notes"`
}

// ValidatedWithdrawal is a withdrawal payload that has passed every input check.
// It is only produced by ValidateWithdrawalPayload and is passed by value.
type ValidatedWithdrawal struct {
	campaignID      uuid.UUID
	amount          decimal.Decimal
	currency        string
	destinationType DestinationType
	destination     json.RawMessage
	notes           *string
}

func (v ValidatedWithdrawal) CampaignID() uuid.UUID   { return v.campaignID }
func (v ValidatedWithdrawal) Amount() decimal.Decimal { return v.amount }
func (v ValidatedWithdrawal) Currency() string        { return v.currency }

// ValidateWithdrawalPayload checks the shape of a payload before any storage call.
func ValidateWithdrawalPayload(p WithdrawalPayload) (ValidatedWithdrawal, error) {
	if p.CampaignID == uuid.Nil {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: campaign_id is required", ErrValidation)
	}
	if !p.Amount.IsPositive() {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	if !p.Amount.Equal(p.Amount.Truncate(2)) {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: amount supports at most 2 decimal places", ErrValidation)
	}

	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if len(currency) != 3 {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrValidation)
	}

	destType := DestinationType(strings.ToLower(strings.TrimSpace(p.DestinationType)))
	if destType != DestinationMobileMoney && destType != DestinationBank {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: destination_type must be mobile_money or bank", ErrValidation)
	}

	dest := bytes.TrimSpace(p.Destination)
	if len(dest) == 0 || bytes.Equal(dest, []byte("null")) {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: destination is required", ErrValidation)
	}
	var fields map[string]any
	if err := json.Unmarshal(dest, &fields); err != nil || len(fields) == 0 {
		return ValidatedWithdrawal{}, fmt.Errorf("%w: destination must be a non-empty object", ErrValidation)
	}

	v := ValidatedWithdrawal{
		campaignID:      p.CampaignID,
		amount:          p.Amount,
		currency:        currency,
		destinationType: destType,
		destination:     append(json.RawMessage(nil), dest...),
	}
	if notes := strings.TrimSpace(p.Notes); notes != "" {
		if len(notes) > maxNotesLength {
			return ValidatedWithdrawal{}, fmt.Errorf("%w: notes must be at most %d characters", ErrValidation, maxNotesLength)
		}
		v.notes = &notes
	}
	return v, nil
}

// NewWithdrawal builds the pending row for a validated request.
func (v ValidatedWithdrawal) NewWithdrawal(id, organizerID uuid.UUID, now time.Time) Withdrawal {
	now = now.UTC()
	return Withdrawal{
		ID:              id,
		CampaignID:      v.campaignID,
		OrganizerID:     organizerID,
		Amount:          v.amount,
		Currency:        v.currency,
		DestinationType: v.destinationType,
		Destination:     append(json.RawMessage(nil), v.destination...),
		Status:          StatusPending,
		Notes:           v.notes,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NormalizeReason trims a reject/fail reason and enforces its bounds.
func NormalizeReason(raw string, required bool) (*string, error) {
	reason := strings.TrimSpace(raw)
	if reason == "" {
		if required {
			return nil, fmt.Errorf("%w: reason is required", ErrValidation)
		}
		return nil, nil
	}
	if len(reason) > maxReasonLength {
		return nil, fmt.Errorf("%w: reason must be at most %d characters", ErrValidation, maxReasonLength)
	}
	return &reason, nil
}

// ListFilter narrows withdrawal listings. Results are always newest first.
type ListFilter struct {
	OrganizerID *uuid.UUID
	CampaignID  *uuid.UUID
	Status      *Status
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// Normalize applies pagination defaults and rejects inverted ranges.
func (f ListFilter) Normalize() (ListFilter, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.MinAmount != nil && f.MaxAmount != nil && f.MinAmount.GreaterThan(*f.MaxAmount) {
		return f, fmt.Errorf("%w: min_amount is greater than max_amount", ErrValidation)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, fmt.Errorf("%w: from is after to", ErrValidation)
	}
	return f, nil
}

// WithdrawalPage is one page of a listing plus the total match count.
type WithdrawalPage struct {
	Items []Withdrawal `json:"items"`
	Total int          `json:"total"`
}
