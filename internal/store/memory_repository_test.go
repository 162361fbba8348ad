package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(campaignID uuid.UUID, amount string, createdAt time.Time) domain.Withdrawal {
	return domain.Withdrawal{
		ID:              uuid.New(),
		CampaignID:      campaignID,
		OrganizerID:     uuid.New(),
		Amount:          decimal.RequireFromString(amount),
		Currency:        "USD",
		DestinationType: domain.DestinationBank,
		Destination:     json.RawMessage(`{"account":"123"}`),
		Status:          domain.StatusPending,
		StatusChangedAt: createdAt,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestMemoryRepository_GuardRejectionCreatesNoRow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	campaign := uuid.New()
	refusal := errors.New("refused")

	_, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaign, "10", time.Now()), func(context.Context, ReservationReader) error {
		return refusal
	})
	require.ErrorIs(t, err, refusal)

	page, err := repo.ListWithdrawals(ctx, domain.ListFilter{CampaignID: &campaign, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestMemoryRepository_GuardSerializesPerCampaign(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	campaign := uuid.New()
	budget := decimal.NewFromInt(100)

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaign, "100", time.Now()), func(ctx context.Context, view ReservationReader) error {
				reserved, err := view.SumReserved(ctx, campaign)
				if err != nil {
					return err
				}
				if reserved.Add(decimal.NewFromInt(100)).GreaterThan(budget) {
					return domain.ErrInsufficientBalance
				}
				return nil
			})
			if err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	reserved, err := repo.SumReserved(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, reserved.Equal(budget), "reserved %s", reserved)
}

func TestMemoryRepository_TransitionIsConditional(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	w, err := repo.CreateWithdrawalGuarded(ctx, newPending(uuid.New(), "40", time.Now()), nil)
	require.NoError(t, err)

	admin := uuid.New()
	notes := "looks fine"
	approved, err := repo.TransitionWithdrawal(ctx, w.ID, domain.ActionApprove, TransitionPatch{ReviewedBy: &admin, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, admin, *approved.ReviewedBy)
	assert.NotNil(t, approved.ReviewedAt)

	_, err = repo.TransitionWithdrawal(ctx, w.ID, domain.ActionReject, TransitionPatch{})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusApproved, te.Current)

	_, err = repo.TransitionWithdrawal(ctx, uuid.New(), domain.ActionApprove, TransitionPatch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_ReleasedStatusesLeaveReservedSum(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	campaign := uuid.New()

	kept, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaign, "30", time.Now()), nil)
	require.NoError(t, err)
	dropped, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaign, "20", time.Now()), nil)
	require.NoError(t, err)

	_, err = repo.TransitionWithdrawal(ctx, dropped.ID, domain.ActionReject, TransitionPatch{})
	require.NoError(t, err)

	reserved, err := repo.SumReserved(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, reserved.Equal(kept.Amount), "reserved %s", reserved)
}

func TestMemoryRepository_ListNewestFirstWithTotal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	campaign := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		w, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaign, "1", base.Add(time.Duration(i)*time.Hour)), nil)
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}

	page, err := repo.ListWithdrawals(ctx, domain.ListFilter{CampaignID: &campaign, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[3], page.Items[0].ID)
	assert.Equal(t, ids[2], page.Items[1].ID)
}

func TestMemoryRepository_ClaimForPayout(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })

	w, err := repo.CreateWithdrawalGuarded(ctx, newPending(uuid.New(), "15", now), nil)
	require.NoError(t, err)

	_, err = repo.ClaimForPayout(ctx, w.ID, time.Minute)
	require.ErrorIs(t, err, domain.ErrConflict, "pending rows cannot be claimed")

	_, err = repo.TransitionWithdrawal(ctx, w.ID, domain.ActionApprove, TransitionPatch{})
	require.NoError(t, err)

	_, err = repo.ClaimForPayout(ctx, w.ID, time.Minute)
	require.NoError(t, err)
	_, err = repo.ClaimForPayout(ctx, w.ID, time.Minute)
	require.ErrorIs(t, err, domain.ErrPayoutInProgress)

	candidates, err := repo.ListPayoutCandidates(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	now = now.Add(2 * time.Minute)
	_, err = repo.ClaimForPayout(ctx, w.ID, time.Minute)
	require.NoError(t, err, "stale claims can be taken over")

	require.NoError(t, repo.ReleasePayoutClaim(ctx, w.ID))
	candidates, err = repo.ListPayoutCandidates(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestMemoryLedger_SumsOnlyCompleted(t *testing.T) {
	ledger := NewMemoryLedger()
	campaign := uuid.New()
	ledger.AddDonation(campaign, decimal.RequireFromString("100.10"), "completed")
	ledger.AddDonation(campaign, decimal.RequireFromString("0.20"), "completed")
	ledger.AddDonation(campaign, decimal.NewFromInt(999), "pending")
	ledger.AddDonation(campaign, decimal.NewFromInt(50), "refunded")

	sum, err := ledger.SumCompletedDonations(context.Background(), campaign)
	require.NoError(t, err)
	assert.Equal(t, "100.30", sum.StringFixed(2))

	empty, err := ledger.SumCompletedDonations(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = ledger.FindCampaign(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/app?sslmode=disable", migrationURL("postgres://u:p@db:5432/app?sslmode=disable"))
	assert.Equal(t, "pgx5://db/app", migrationURL(" postgresql://db/app "))
	assert.Equal(t, "pgx5://db/app", migrationURL("pgx5://db/app"))
}
