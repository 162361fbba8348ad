package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository. Guarded inserts hold a
// per-campaign mutex for the whole read-decide-insert sequence.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]domain.Withdrawal

	locksMu       sync.Mutex
	campaignLocks map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:          make(map[uuid.UUID]domain.Withdrawal),
		campaignLocks: make(map[uuid.UUID]*sync.Mutex),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for status timestamps.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) campaignLock(campaignID uuid.UUID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.campaignLocks[campaignID]
	if !ok {
		l = &sync.Mutex{}
		r.campaignLocks[campaignID] = l
	}
	return l
}

func cloneWithdrawal(w domain.Withdrawal) *domain.Withdrawal {
	w.Destination = append(json.RawMessage(nil), w.Destination...)
	return &w
}

func (r *MemoryRepository) CreateWithdrawalGuarded(ctx context.Context, w domain.Withdrawal, guard GuardFunc) (*domain.Withdrawal, error) {
	lock := r.campaignLock(w.CampaignID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, storageError("create withdrawal", err)
	}
	if guard != nil {
		if err := guard(ctx, r); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[w.ID]; exists {
		return nil, fmt.Errorf("%w: withdrawal %s already exists", domain.ErrConflict, w.ID)
	}
	r.rows[w.ID] = *cloneWithdrawal(w)
	return cloneWithdrawal(w), nil
}

func (r *MemoryRepository) SumReserved(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for _, w := range r.rows {
		if w.CampaignID == campaignID && w.Status.Reserves() {
			sum = sum.Add(w.Amount)
		}
	}
	return sum, nil
}

func (r *MemoryRepository) CountPaidSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, w := range r.rows {
		if w.CampaignID == campaignID && w.Status == domain.StatusPaid && !w.StatusChangedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return cloneWithdrawal(w), nil
}

func (r *MemoryRepository) FindWithdrawalByTransactionID(ctx context.Context, transactionID string) (*domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.rows {
		if w.TransactionID != nil && *w.TransactionID == transactionID {
			return cloneWithdrawal(w), nil
		}
	}
	return nil, domain.ErrWithdrawalNotFound
}

func matchesFilter(w domain.Withdrawal, f domain.ListFilter) bool {
	switch {
	case f.OrganizerID != nil && w.OrganizerID != *f.OrganizerID:
		return false
	case f.CampaignID != nil && w.CampaignID != *f.CampaignID:
		return false
	case f.Status != nil && w.Status != *f.Status:
		return false
	case f.MinAmount != nil && w.Amount.LessThan(*f.MinAmount):
		return false
	case f.MaxAmount != nil && w.Amount.GreaterThan(*f.MaxAmount):
		return false
	case f.From != nil && w.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && w.CreatedAt.After(*f.To):
		return false
	}
	return true
}

func (r *MemoryRepository) ListWithdrawals(ctx context.Context, filter domain.ListFilter) (domain.WithdrawalPage, error) {
	r.mu.RLock()
	matched := make([]domain.Withdrawal, 0)
	for _, w := range r.rows {
		if matchesFilter(w, filter) {
			matched = append(matched, *cloneWithdrawal(w))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	page := domain.WithdrawalPage{Items: []domain.Withdrawal{}, Total: len(matched)}
	if filter.Offset >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	page.Items = matched[filter.Offset:end]
	return page, nil
}

func (r *MemoryRepository) TransitionWithdrawal(ctx context.Context, id uuid.UUID, action domain.Action, patch TransitionPatch) (*domain.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	t, err := domain.CheckTransition(id, action, w.Status)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	w.Status = t.To
	w.StatusChangedAt = now
	w.UpdatedAt = now
	w.PayoutClaimedAt = nil
	if patch.ReviewedBy != nil {
		reviewer := *patch.ReviewedBy
		w.ReviewedBy = &reviewer
		w.ReviewedAt = &now
	}
	if patch.Notes != nil {
		w.Notes = patch.Notes
	}
	if patch.Reason != nil {
		w.Reason = patch.Reason
	}
	if patch.TransactionID != nil {
		w.TransactionID = patch.TransactionID
	}
	r.rows[id] = w
	return cloneWithdrawal(w), nil
}

func (r *MemoryRepository) claimable(w domain.Withdrawal, staleAfter time.Duration, now time.Time) bool {
	return w.Status == domain.StatusApproved &&
		(w.PayoutClaimedAt == nil || w.PayoutClaimedAt.Before(now.Add(-staleAfter)))
}

func (r *MemoryRepository) ClaimForPayout(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (*domain.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	if _, err := domain.CheckTransition(id, domain.ActionStartPayout, w.Status); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if !r.claimable(w, staleAfter, now) {
		return nil, domain.ErrPayoutInProgress
	}
	w.PayoutClaimedAt = &now
	w.UpdatedAt = now
	r.rows[id] = w
	return cloneWithdrawal(w), nil
}

func (r *MemoryRepository) ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok || w.Status != domain.StatusApproved {
		return nil
	}
	w.PayoutClaimedAt = nil
	w.UpdatedAt = r.now().UTC()
	r.rows[id] = w
	return nil
}

func (r *MemoryRepository) ListPayoutCandidates(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Withdrawal, error) {
	r.mu.RLock()
	now := r.now().UTC()
	items := make([]domain.Withdrawal, 0)
	for _, w := range r.rows {
		if r.claimable(w, staleAfter, now) {
			items = append(items, *cloneWithdrawal(w))
		}
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// MemoryLedger holds campaigns and donations for tests and local runs.
type MemoryLedger struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]domain.Campaign
	donations map[uuid.UUID][]memoryDonation
}

type memoryDonation struct {
	amount decimal.Decimal
	status string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		campaigns: make(map[uuid.UUID]domain.Campaign),
		donations: make(map[uuid.UUID][]memoryDonation),
	}
}

func (l *MemoryLedger) AddCampaign(c domain.Campaign) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.campaigns[c.ID] = c
}

// AddDonation records a donation in the given status (completed, pending, failed or refunded).
func (l *MemoryLedger) AddDonation(campaignID uuid.UUID, amount decimal.Decimal, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.donations[campaignID] = append(l.donations[campaignID], memoryDonation{amount: amount, status: status})
}

func (l *MemoryLedger) SumCompletedDonations(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, d := range l.donations[campaignID] {
		if d.status == "completed" {
			sum = sum.Add(d.amount)
		}
	}
	return sum, nil
}

func (l *MemoryLedger) FindCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.campaigns[campaignID]
	if !ok {
		return nil, domain.ErrCampaignNotFound
	}
	return &c, nil
}
