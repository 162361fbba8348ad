package app

import (
	"context"
	"errors"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/fundra/withdrawal-service/internal/logging"
	"github.com/fundra/withdrawal-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errWeeklyLimitNotConfigured = errors.New("weekly payout limit must be greater than zero")

// BalanceCalculator derives a campaign's withdrawable balance and enforces the
// weekly payout cap. Reservations are read through whichever view the caller
// holds, so the guard sees the locked state during a guarded insert.
type BalanceCalculator struct {
	ledger      store.DonationLedger
	weeklyLimit int
	weekStart   time.Weekday
	now         func() time.Time
}

func NewBalanceCalculator(ledger store.DonationLedger, weeklyLimit int, weekStart time.Weekday) (*BalanceCalculator, error) {
	if weeklyLimit <= 0 {
		return nil, errWeeklyLimitNotConfigured
	}
	return &BalanceCalculator{
		ledger:      ledger,
		weeklyLimit: weeklyLimit,
		weekStart:   weekStart,
		now:         time.Now,
	}, nil
}

// SetClock overrides the time source used to find the current week.
func (c *BalanceCalculator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *BalanceCalculator) WeeklyLimit() int { return c.weeklyLimit }

// WeekStart returns 00:00 UTC of the configured first weekday on or before t.
func (c *BalanceCalculator) WeekStart(t time.Time) time.Time {
	t = t.UTC()
	daysBack := (int(t.Weekday()) - int(c.weekStart) + 7) % 7
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -daysBack)
}

func (c *BalanceCalculator) AvailableBalance(ctx context.Context, reservations store.ReservationReader, campaignID uuid.UUID) (decimal.Decimal, error) {
	_, _, available, err := c.balances(ctx, reservations, campaignID)
	return available, err
}

func (c *BalanceCalculator) balances(ctx context.Context, reservations store.ReservationReader, campaignID uuid.UUID) (donated, reserved, available decimal.Decimal, err error) {
	donated, err = c.ledger.SumCompletedDonations(ctx, campaignID)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	reserved, err = reservations.SumReserved(ctx, campaignID)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	available = donated.Sub(reserved)
	if available.IsNegative() {
		logging.FromContext(ctx, "balance").Error().
			Str("campaign_id", campaignID.String()).
			Str("donated", donated.StringFixed(2)).
			Str("reserved", reserved.StringFixed(2)).
			Msg("reservations exceed completed donations")
	}
	return donated, reserved, available, nil
}

// WeeklyPaidCount counts payouts that reached paid in the current week.
func (c *BalanceCalculator) WeeklyPaidCount(ctx context.Context, reservations store.ReservationReader, campaignID uuid.UUID) (int, error) {
	return reservations.CountPaidSince(ctx, campaignID, c.WeekStart(c.now()))
}

// Admit returns nil when amount may be withdrawn, or a *domain.GuardError naming the reason.
func (c *BalanceCalculator) Admit(ctx context.Context, reservations store.ReservationReader, campaignID uuid.UUID, amount decimal.Decimal) error {
	_, _, available, err := c.balances(ctx, reservations, campaignID)
	if err != nil {
		return err
	}
	paid, err := c.WeeklyPaidCount(ctx, reservations, campaignID)
	if err != nil {
		return err
	}

	guardErr := &domain.GuardError{
		CampaignID:  campaignID,
		Requested:   amount,
		Available:   decimal.Max(available, decimal.Zero),
		WeeklyPaid:  paid,
		WeeklyLimit: c.weeklyLimit,
	}
	switch {
	case amount.GreaterThan(available):
		guardErr.Reason = domain.ErrInsufficientBalance
		withdrawalGuardRejectionsTotal.WithLabelValues("insufficient_balance").Inc()
		return guardErr
	case paid >= c.weeklyLimit:
		guardErr.Reason = domain.ErrWeeklyLimitExceeded
		withdrawalGuardRejectionsTotal.WithLabelValues("weekly_limit").Inc()
		return guardErr
	}
	return nil
}

func (c *BalanceCalculator) Summary(ctx context.Context, reservations store.ReservationReader, campaign domain.Campaign) (domain.BalanceSummary, error) {
	donated, reserved, available, err := c.balances(ctx, reservations, campaign.ID)
	if err != nil {
		return domain.BalanceSummary{}, err
	}
	now := c.now()
	paid, err := reservations.CountPaidSince(ctx, campaign.ID, c.WeekStart(now))
	if err != nil {
		return domain.BalanceSummary{}, err
	}
	return domain.BalanceSummary{
		CampaignID:         campaign.ID,
		Currency:           campaign.Currency,
		CompletedDonations: donated,
		Reserved:           reserved,
		Available:          decimal.Max(available, decimal.Zero),
		WeeklyPaidCount:    paid,
		WeeklyLimit:        c.weeklyLimit,
		WeekStartsAt:       c.WeekStart(now),
	}, nil
}
