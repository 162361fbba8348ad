package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgres(t *testing.T) (*pgxpool.Pool, *PostgresRepository, *PostgresLedger) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL is not set")
	}
	if _, err := Migrate(dbURL); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connection: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, NewPostgresRepository(pool), NewPostgresLedger(pool)
}

func seedCampaign(t *testing.T, pool *pgxpool.Pool, completed string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	campaignID := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO campaigns (id, organizer_id, currency) VALUES ($1, $2, 'USD')`, campaignID, uuid.New())
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO donations (id, campaign_id, amount, currency, status) VALUES ($1, $2, $3, 'USD', 'completed')`,
		uuid.New(), campaignID, decimal.RequireFromString(completed))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO donations (id, campaign_id, amount, currency, status) VALUES ($1, $2, 75, 'USD', 'refunded')`,
		uuid.New(), campaignID)
	require.NoError(t, err)
	return campaignID
}

func TestPostgresLedger_SumAndCampaign(t *testing.T) {
	pool, _, ledger := setupPostgres(t)
	campaignID := seedCampaign(t, pool, "500.25")

	sum, err := ledger.SumCompletedDonations(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, "500.25", sum.StringFixed(2))

	c, err := ledger.FindCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, "USD", c.Currency)

	_, err = ledger.FindCampaign(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestPostgresRepository_ConcurrentGuardedInsertsNeverOvercommit(t *testing.T) {
	pool, repo, ledger := setupPostgres(t)
	campaignID := seedCampaign(t, pool, "500")
	ctx := context.Background()

	guard := func(ctx context.Context, view ReservationReader) error {
		donated, err := ledger.SumCompletedDonations(ctx, campaignID)
		if err != nil {
			return err
		}
		reserved, err := view.SumReserved(ctx, campaignID)
		if err != nil {
			return err
		}
		if decimal.NewFromInt(500).GreaterThan(donated.Sub(reserved)) {
			return domain.ErrInsufficientBalance
		}
		return nil
	}

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaignID, "500", time.Now().UTC()), guard); err == nil {
				atomic.AddInt32(&successes, 1)
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	reserved, err := repo.SumReserved(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, "500.00", reserved.StringFixed(2))
}

func TestPostgresRepository_TransitionsAndClaims(t *testing.T) {
	pool, repo, _ := setupPostgres(t)
	campaignID := seedCampaign(t, pool, "100")
	ctx := context.Background()

	w, err := repo.CreateWithdrawalGuarded(ctx, newPending(campaignID, "60", time.Now().UTC()), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"account":"123"}`, string(w.Destination))

	admin := uuid.New()
	_, err = repo.TransitionWithdrawal(ctx, w.ID, domain.ActionApprove, TransitionPatch{ReviewedBy: &admin})
	require.NoError(t, err)
	_, err = repo.TransitionWithdrawal(ctx, w.ID, domain.ActionApprove, TransitionPatch{ReviewedBy: &admin})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = repo.ClaimForPayout(ctx, w.ID, time.Minute)
	require.NoError(t, err)
	_, err = repo.ClaimForPayout(ctx, w.ID, time.Minute)
	require.ErrorIs(t, err, domain.ErrPayoutInProgress)

	txID := "trf_" + uuid.NewString()
	processing, err := repo.TransitionWithdrawal(ctx, w.ID, domain.ActionStartPayout, TransitionPatch{TransactionID: &txID})
	require.NoError(t, err)
	assert.Nil(t, processing.PayoutClaimedAt)

	found, err := repo.FindWithdrawalByTransactionID(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, found.ID)

	_, err = repo.TransitionWithdrawal(ctx, w.ID, domain.ActionMarkPaid, TransitionPatch{})
	require.NoError(t, err)
	count, err := repo.CountPaidSince(ctx, campaignID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	page, err := repo.ListWithdrawals(ctx, domain.ListFilter{CampaignID: &campaignID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
