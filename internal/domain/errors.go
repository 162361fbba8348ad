package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Error kinds. Every error returned by the service matches one of these with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrStorage     = errors.New("storage failure")
	ErrForbidden   = errors.New("forbidden")
	ErrRateLimited = errors.New("rate limited")
)

var (
	ErrInsufficientBalance = fmt.Errorf("%w: amount exceeds available balance", ErrValidation)
	ErrWeeklyLimitExceeded = fmt.Errorf("%w: weekly payout limit reached", ErrValidation)

	ErrWithdrawalNotFound = fmt.Errorf("withdrawal %w", ErrNotFound)
	ErrCampaignNotFound   = fmt.Errorf("campaign %w", ErrNotFound)

	ErrPayoutInProgress   = fmt.Errorf("%w: payout already in progress", ErrConflict)
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// GuardError is returned when a withdrawal fails the balance or weekly-cap guard.
// It carries the figures a client needs to explain the refusal.
type GuardError struct {
	Reason      error
	CampaignID  uuid.UUID
	Requested   decimal.Decimal
	Available   decimal.Decimal
	WeeklyPaid  int
	WeeklyLimit int
}

func (e *GuardError) Error() string {
	if errors.Is(e.Reason, ErrWeeklyLimitExceeded) {
		return fmt.Sprintf("%v: campaign %s has %d of %d payouts this week", e.Reason, e.CampaignID, e.WeeklyPaid, e.WeeklyLimit)
	}
	return fmt.Sprintf("%v: requested %s, available %s", e.Reason, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *GuardError) Unwrap() error { return e.Reason }

// TransitionError is returned when an action's required status does not match the row.
type TransitionError struct {
	WithdrawalID uuid.UUID
	Action       Action
	Current      Status
	Required     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s withdrawal %s: status is %s, expected %s", e.Action, e.WithdrawalID, e.Current, e.Required)
}

func (e *TransitionError) Unwrap() error { return ErrConflict }

// RateLimitError reports how long a throttled caller should wait.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many withdrawal requests; retry in %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
