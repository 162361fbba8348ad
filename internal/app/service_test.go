package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/fundra/withdrawal-service/internal/store"
	"github.com/fundra/withdrawal-service/pkg/gatewayclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayclient.TransferRequest
	err   error
}

func (g *fakeGateway) InitiateTransfer(ctx context.Context, payload gatewayclient.TransferRequest) (*gatewayclient.TransferResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, payload)
	if g.err != nil {
		return nil, g.err
	}
	resp := &gatewayclient.TransferResponse{}
	resp.Data.ID = "trf_" + payload.Reference
	resp.Data.Status = "processing"
	return resp, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return p.err
}

type testEnv struct {
	service   *Service
	repo      *store.MemoryRepository
	ledger    *store.MemoryLedger
	gateway   *fakeGateway
	publisher *recordingPublisher
	campaign  domain.Campaign
	organizer uuid.UUID
	admin     uuid.UUID
}

func newTestEnv(t *testing.T, completed string, weeklyLimit int) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	ledger := store.NewMemoryLedger()
	organizer := uuid.New()
	campaign := domain.Campaign{ID: uuid.New(), OrganizerID: organizer, Currency: "USD"}
	ledger.AddCampaign(campaign)
	if completed != "" {
		ledger.AddDonation(campaign.ID, decimal.RequireFromString(completed), "completed")
	}

	calc, err := NewBalanceCalculator(ledger, weeklyLimit, time.Monday)
	require.NoError(t, err)
	gateway := &fakeGateway{}
	publisher := &recordingPublisher{}
	svc := NewService(repo, ledger, calc, NewPayoutOrchestrator(repo, gateway, time.Minute), publisher, "fundraising.events")

	return &testEnv{
		service:   svc,
		repo:      repo,
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		campaign:  campaign,
		organizer: organizer,
		admin:     uuid.New(),
	}
}

func (e *testEnv) payload(amount string) domain.WithdrawalPayload {
	return domain.WithdrawalPayload{
		CampaignID:      e.campaign.ID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "usd",
		DestinationType: "bank",
		Destination:     json.RawMessage(`{"bank_code":"044","account_number":"0123456789"}`),
	}
}

func (e *testEnv) available(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := e.service.balance.AvailableBalance(context.Background(), e.repo, e.campaign.ID)
	require.NoError(t, err)
	return b
}

func TestRequestWithdrawal_ScenarioA_SecondRequestExceedsBalance(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	ctx := context.Background()
	assert.Equal(t, "500.00", env.available(t).StringFixed(2))

	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("500"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, w.Status)
	assert.Equal(t, "USD", w.Currency)
	assert.True(t, env.available(t).IsZero())

	_, err = env.service.RequestWithdrawal(ctx, env.organizer, env.payload("100"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.ErrorIs(t, err, domain.ErrValidation)
	var guardErr *domain.GuardError
	require.ErrorAs(t, err, &guardErr)
	assert.True(t, guardErr.Available.IsZero())
	assert.Equal(t, "100.00", guardErr.Requested.StringFixed(2))

	page, err := env.service.AdminListWithdrawals(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total, "refused request must not create a row")
}

func TestRequestWithdrawal_ScenarioB_RejectReleasesReservation(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	ctx := context.Background()

	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("500"))
	require.NoError(t, err)

	rejected, err := env.service.RejectWithdrawal(ctx, env.admin, w.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.Reason)
	assert.Equal(t, "duplicate", *rejected.Reason)
	assert.Equal(t, "500.00", env.available(t).StringFixed(2))

	_, err = env.service.RejectWithdrawal(ctx, env.admin, w.ID, "again")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestWithdrawalLifecycle_ScenarioC_PaidIsTerminal(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	ctx := context.Background()

	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("200"))
	require.NoError(t, err)

	_, err = env.service.InitiatePayoutManual(ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrConflict, "pending withdrawals cannot be paid out")

	approved, err := env.service.ApproveWithdrawal(ctx, env.admin, w.ID, "verified documents")
	require.NoError(t, err)
	assert.Equal(t, env.admin, *approved.ReviewedBy)
	assert.Equal(t, "verified documents", *approved.Notes)

	processing, err := env.service.InitiatePayoutManual(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, processing.Status)
	require.NotNil(t, processing.TransactionID)
	assert.Equal(t, "trf_"+w.ID.String(), *processing.TransactionID)
	require.Len(t, env.gateway.calls, 1)
	assert.Equal(t, w.ID.String(), env.gateway.calls[0].Reference)

	paid, err := env.service.MarkPaid(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, paid.Status)

	_, err = env.service.MarkFailed(ctx, w.ID, "late failure")
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = env.service.MarkPaid(ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrConflict)

	assert.Equal(t, "300.00", env.available(t).StringFixed(2), "paid stays reserved")
	assert.Equal(t, []string{"withdrawal.pending", "withdrawal.approved", "withdrawal.processing", "withdrawal.paid"}, env.publisher.keys)
}

func TestMarkFailed_ReleasesReservation(t *testing.T) {
	env := newTestEnv(t, "100", 3)
	ctx := context.Background()

	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("80"))
	require.NoError(t, err)
	_, err = env.service.ApproveWithdrawal(ctx, env.admin, w.ID, "")
	require.NoError(t, err)
	_, err = env.service.InitiatePayoutManual(ctx, w.ID)
	require.NoError(t, err)

	_, err = env.service.MarkFailed(ctx, w.ID, "")
	require.ErrorIs(t, err, domain.ErrValidation, "failure reason is required")

	failed, err := env.service.MarkFailed(ctx, w.ID, "account closed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "100.00", env.available(t).StringFixed(2))

	_, err = env.service.InitiatePayoutManual(ctx, w.ID)
	assert.ErrorIs(t, err, domain.ErrConflict, "failed is terminal")
}

type untouchableRepo struct {
	store.Repository
	t *testing.T
}

func (r untouchableRepo) CreateWithdrawalGuarded(context.Context, domain.Withdrawal, store.GuardFunc) (*domain.Withdrawal, error) {
	r.t.Fatalf("storage must not be reached for invalid input")
	return nil, nil
}

func TestRequestWithdrawal_ScenarioD_NonPositiveAmountNeverReachesStorage(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	env.service.repo = untouchableRepo{t: t}

	for _, amount := range []string{"0", "-10"} {
		_, err := env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload(amount))
		require.ErrorIs(t, err, domain.ErrValidation)
	}
}

func TestRequestWithdrawal_ConcurrentRequestsForFullBalance(t *testing.T) {
	env := newTestEnv(t, "750", 3)
	const n = 25

	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload("750"))
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, successes)
	assert.True(t, env.available(t).IsZero())
}

func TestRequestWithdrawal_OwnershipAndCurrency(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	ctx := context.Background()

	_, err := env.service.RequestWithdrawal(ctx, uuid.New(), env.payload("10"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	p := env.payload("10")
	p.Currency = "EUR"
	_, err = env.service.RequestWithdrawal(ctx, env.organizer, p)
	assert.ErrorIs(t, err, domain.ErrValidation)

	p = env.payload("10")
	p.CampaignID = uuid.New()
	_, err = env.service.RequestWithdrawal(ctx, env.organizer, p)
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestRequestWithdrawal_WeeklyLimit(t *testing.T) {
	env := newTestEnv(t, "1000", 1)
	ctx := context.Background()

	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("100"))
	require.NoError(t, err)
	_, err = env.service.ApproveWithdrawal(ctx, env.admin, w.ID, "")
	require.NoError(t, err)
	_, err = env.service.InitiatePayoutManual(ctx, w.ID)
	require.NoError(t, err)
	_, err = env.service.MarkPaid(ctx, w.ID)
	require.NoError(t, err)

	_, err = env.service.RequestWithdrawal(ctx, env.organizer, env.payload("100"))
	require.ErrorIs(t, err, domain.ErrWeeklyLimitExceeded)
	assert.NotErrorIs(t, err, domain.ErrInsufficientBalance)
	var guardErr *domain.GuardError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, 1, guardErr.WeeklyPaid)
	assert.Equal(t, 1, guardErr.WeeklyLimit)

	env.service.balance.SetClock(func() time.Time { return time.Now().AddDate(0, 0, 7) })
	_, err = env.service.RequestWithdrawal(ctx, env.organizer, env.payload("100"))
	assert.NoError(t, err, "the cap resets the following week")
}

func TestInitiatePayoutManual_GatewayFailureKeepsApproved(t *testing.T) {
	env := newTestEnv(t, "300", 3)
	ctx := context.Background()

	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("300"))
	require.NoError(t, err)
	_, err = env.service.ApproveWithdrawal(ctx, env.admin, w.ID, "")
	require.NoError(t, err)

	env.gateway.err = errors.New("connection reset")
	_, err = env.service.InitiatePayoutManual(ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	current, err := env.service.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, current.Status)
	assert.Nil(t, current.TransactionID)
	assert.Nil(t, current.PayoutClaimedAt, "claim must be released for an immediate retry")

	env.gateway.err = nil
	processing, err := env.service.InitiatePayoutManual(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, processing.Status)
}

func TestApproveAndReject_RaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t, "300", 3)
	ctx := context.Background()
	w, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload("50"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.service.ApproveWithdrawal(ctx, env.admin, w.ID, "")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.service.RejectWithdrawal(ctx, env.admin, w.ID, "fraud check")
		results <- err
	}()
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestListMyWithdrawals_ScopesToOrganizerWithBalance(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	ctx := context.Background()

	for _, amt := range []string{"10", "20", "30"} {
		_, err := env.service.RequestWithdrawal(ctx, env.organizer, env.payload(amt))
		require.NoError(t, err)
	}

	other := domain.Campaign{ID: uuid.New(), OrganizerID: uuid.New(), Currency: "USD"}
	env.ledger.AddCampaign(other)
	env.ledger.AddDonation(other.ID, decimal.NewFromInt(100), "completed")
	p := env.payload("5")
	p.CampaignID = other.ID
	_, err := env.service.RequestWithdrawal(ctx, other.OrganizerID, p)
	require.NoError(t, err)

	res, err := env.service.ListMyWithdrawals(ctx, env.organizer, domain.ListFilter{CampaignID: &env.campaign.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Items, 2)
	require.NotNil(t, res.Balance)
	assert.Equal(t, "440.00", res.Balance.Available.StringFixed(2))
	assert.Equal(t, "60.00", res.Balance.Reserved.StringFixed(2))

	_, err = env.service.ListMyWithdrawals(ctx, env.organizer, domain.ListFilter{CampaignID: &other.ID})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	all, err := env.service.ListMyWithdrawals(ctx, env.organizer, domain.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Nil(t, all.Balance)
}

func TestGetOrganizerWithdrawal_HidesOtherOrganizers(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	w, err := env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload("10"))
	require.NoError(t, err)

	_, err = env.service.GetOrganizerWithdrawal(context.Background(), uuid.New(), w.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := env.service.GetOrganizerWithdrawal(context.Background(), env.organizer, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

type failingLedger struct{}

func (failingLedger) SumCompletedDonations(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("connection refused")
}

func TestRequestWithdrawal_LedgerErrorIsNotTreatedAsZero(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	calc, err := NewBalanceCalculator(failingLedger{}, 3, time.Monday)
	require.NoError(t, err)
	env.service.balance = calc

	_, err = env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload("10"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrValidation)
}

type stubLimiter struct {
	count int
}

func (l *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, 42, nil
}

func TestRequestWithdrawal_RateLimited(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	env.service.SetRateLimiter(&stubLimiter{}, 1)

	_, err := env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload("10"))
	require.NoError(t, err)

	_, err = env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload("10"))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 42, rl.RetryAfterSeconds)
}

func TestPublishFailureDoesNotUndoState(t *testing.T) {
	env := newTestEnv(t, "500", 3)
	env.publisher.err = errors.New("broker down")

	w, err := env.service.RequestWithdrawal(context.Background(), env.organizer, env.payload("10"))
	require.NoError(t, err)
	_, err = env.service.GetWithdrawal(context.Background(), w.ID)
	assert.NoError(t, err)
}
