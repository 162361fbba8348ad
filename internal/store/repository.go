/**
 * @description
 * This file defines the storage contracts used by the withdrawal-service. The
 * application layer depends only on these interfaces so the Postgres
 * implementation can be swapped for the in-memory one in tests.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 * - github.com/shopspring/decimal: Exact money arithmetic.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationReader answers the withdrawal-side questions of the balance guard.
type ReservationReader interface {
	// SumReserved sums amounts of requests whose status still holds campaign funds.
	SumReserved(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error)
	// CountPaidSince counts paid requests whose status changed at or after since.
	CountPaidSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error)
}

// GuardFunc decides whether a new withdrawal may be inserted. It runs inside the
// per-campaign critical section and sees reservations through view.
type GuardFunc func(ctx context.Context, view ReservationReader) error

// TransitionPatch carries the fields an action records alongside the new status.
// Nil fields are left unchanged.
type TransitionPatch struct {
	ReviewedBy    *uuid.UUID
	Notes         *string
	Reason        *string
	TransactionID *string
}

// Repository is the durable store of withdrawal requests.
type Repository interface {
	ReservationReader

	// CreateWithdrawalGuarded runs guard and inserts w as one atomic unit per campaign.
	CreateWithdrawalGuarded(ctx context.Context, w domain.Withdrawal, guard GuardFunc) (*domain.Withdrawal, error)
	FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error)
	FindWithdrawalByTransactionID(ctx context.Context, transactionID string) (*domain.Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter domain.ListFilter) (domain.WithdrawalPage, error)

	// TransitionWithdrawal applies action with a conditional update on the current status.
	TransitionWithdrawal(ctx context.Context, id uuid.UUID, action domain.Action, patch TransitionPatch) (*domain.Withdrawal, error)

	// ClaimForPayout marks an approved request as being paid out. Claims older than
	// staleAfter may be taken over.
	ClaimForPayout(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (*domain.Withdrawal, error)
	ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error
	// ListPayoutCandidates returns unclaimed approved requests, oldest first.
	ListPayoutCandidates(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Withdrawal, error)
}

// DonationLedger is the read-only view over settled donations.
type DonationLedger interface {
	SumCompletedDonations(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error)
}

// CampaignDirectory resolves campaign ownership and currency.
type CampaignDirectory interface {
	FindCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
}
