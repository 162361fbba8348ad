/**
 * @description
 * This file contains the core business logic of the withdrawal-service: the
 * withdrawal state machine operations exposed to organizers and admins.
 *
 * @notes
 * - Every guard (ownership, balance, status) is evaluated before any write.
 * - requestWithdrawal runs its balance check inside the store's per-campaign
 *   critical section; all other operations are conditional single-row updates.
 * - Lifecycle events are published after the state change commits and never
 *   undo it when publishing fails.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/fundra/withdrawal-service/internal/logging"
	"github.com/fundra/withdrawal-service/internal/store"
	"github.com/google/uuid"
)

const withdrawalRequestRateLimitScope = "withdrawal_request"

// EventPublisher publishes lifecycle events to the message broker.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Service provides the withdrawal workflow operations.
type Service struct {
	repo      store.Repository
	campaigns store.CampaignDirectory
	balance   *BalanceCalculator
	payouts   *PayoutOrchestrator
	publisher EventPublisher
	exchange  string

	limiter            RateLimiter
	requestLimitPerMin int

	now func() time.Time
}

// NewService creates a new withdrawal service. publisher may be nil.
func NewService(
	repo store.Repository,
	campaigns store.CampaignDirectory,
	balance *BalanceCalculator,
	payouts *PayoutOrchestrator,
	publisher EventPublisher,
	exchange string,
) *Service {
	return &Service{
		repo:      repo,
		campaigns: campaigns,
		balance:   balance,
		payouts:   payouts,
		publisher: publisher,
		exchange:  exchange,
		now:       time.Now,
	}
}

// SetRateLimiter enables the per-organizer submission throttle.
func (s *Service) SetRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.requestLimitPerMin = perMinute
}

// OrganizerWithdrawals is an organizer's listing, with the campaign balance when
// the listing is scoped to one campaign.
type OrganizerWithdrawals struct {
	domain.WithdrawalPage
	Balance *domain.BalanceSummary `json:"balance,omitempty"`
}

// RequestWithdrawal validates payload and creates a pending withdrawal if the
// campaign can cover it.
func (s *Service) RequestWithdrawal(ctx context.Context, organizerID uuid.UUID, payload domain.WithdrawalPayload) (w *domain.Withdrawal, err error) {
	defer func() { withdrawalOperationsTotal.WithLabelValues("request", outcomeLabel(err)).Inc() }()

	input, err := domain.ValidateWithdrawalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := s.enforceRequestRateLimit(ctx, organizerID); err != nil {
		return nil, err
	}

	campaign, err := s.ownedCampaign(ctx, organizerID, input.CampaignID())
	if err != nil {
		return nil, err
	}
	if campaign.Currency != input.Currency() {
		return nil, fmt.Errorf("%w: currency %s does not match campaign currency %s", domain.ErrValidation, input.Currency(), campaign.Currency)
	}

	record := input.NewWithdrawal(uuid.New(), organizerID, s.now())
	created, err := s.repo.CreateWithdrawalGuarded(ctx, record, func(ctx context.Context, view store.ReservationReader) error {
		return s.balance.Admit(ctx, view, campaign.ID, input.Amount())
	})
	if err != nil {
		log := logging.FromContext(ctx, "withdrawals")
		var guardErr *domain.GuardError
		if errors.As(err, &guardErr) {
			log.Info().Str("campaign_id", campaign.ID.String()).Str("requested", guardErr.Requested.StringFixed(2)).
				Str("available", guardErr.Available.StringFixed(2)).Err(err).Msg("withdrawal refused by guard")
		} else {
			log.Error().Str("campaign_id", campaign.ID.String()).Err(err).Msg("withdrawal create failed")
		}
		return nil, err
	}

	logging.FromContext(ctx, "withdrawals").Info().
		Str("withdrawal_id", created.ID.String()).
		Str("campaign_id", created.CampaignID.String()).
		Str("amount", created.Amount.StringFixed(2)).
		Msg("withdrawal requested")
	s.publish(ctx, *created)
	return created, nil
}

func (s *Service) enforceRequestRateLimit(ctx context.Context, organizerID uuid.UUID) error {
	if s.limiter == nil || s.requestLimitPerMin <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, withdrawalRequestRateLimitScope, organizerID.String(), s.requestLimitPerMin, time.Minute)
	if err != nil {
		// Fail open: the balance guard still protects funds when Redis is unavailable.
		logging.FromContext(ctx, "withdrawals").Warn().Err(err).Msg("rate limiter unavailable; allowing request")
		return nil
	}
	if count > s.requestLimitPerMin {
		return &domain.RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) ownedCampaign(ctx context.Context, organizerID, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.campaigns.FindCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.IsOwnedBy(organizerID) {
		return nil, fmt.Errorf("%w: organizer %s does not own campaign %s", domain.ErrForbidden, organizerID, campaignID)
	}
	return campaign, nil
}

// ListMyWithdrawals lists the organizer's own withdrawals, newest first.
func (s *Service) ListMyWithdrawals(ctx context.Context, organizerID uuid.UUID, filter domain.ListFilter) (*OrganizerWithdrawals, error) {
	filter.OrganizerID = &organizerID
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}

	var summary *domain.BalanceSummary
	if filter.CampaignID != nil {
		campaign, err := s.ownedCampaign(ctx, organizerID, *filter.CampaignID)
		if err != nil {
			return nil, err
		}
		bs, err := s.balance.Summary(ctx, s.repo, *campaign)
		if err != nil {
			return nil, err
		}
		summary = &bs
	}

	page, err := s.repo.ListWithdrawals(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &OrganizerWithdrawals{WithdrawalPage: page, Balance: summary}, nil
}

// AdminListWithdrawals lists withdrawals across all campaigns.
func (s *Service) AdminListWithdrawals(ctx context.Context, filter domain.ListFilter) (domain.WithdrawalPage, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return domain.WithdrawalPage{}, err
	}
	return s.repo.ListWithdrawals(ctx, filter)
}

// GetWithdrawal returns one withdrawal for an admin.
func (s *Service) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.repo.FindWithdrawalByID(ctx, id)
}

// GetOrganizerWithdrawal returns one of the organizer's withdrawals. Other
// organizers' rows are reported as not found.
func (s *Service) GetOrganizerWithdrawal(ctx context.Context, organizerID, id uuid.UUID) (*domain.Withdrawal, error) {
	w, err := s.repo.FindWithdrawalByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.OrganizerID != organizerID {
		return nil, domain.ErrWithdrawalNotFound
	}
	return w, nil
}

// BalanceSummary reports the organizer's campaign balance.
func (s *Service) BalanceSummary(ctx context.Context, organizerID, campaignID uuid.UUID) (*domain.BalanceSummary, error) {
	campaign, err := s.ownedCampaign(ctx, organizerID, campaignID)
	if err != nil {
		return nil, err
	}
	summary, err := s.balance.Summary(ctx, s.repo, *campaign)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Service) ApproveWithdrawal(ctx context.Context, adminID, id uuid.UUID, notes string) (*domain.Withdrawal, error) {
	patch := store.TransitionPatch{ReviewedBy: &adminID}
	if n, err := domain.NormalizeReason(notes, false); err != nil {
		return nil, err
	} else if n != nil {
		patch.Notes = n
	}
	return s.transition(ctx, id, domain.ActionApprove, patch)
}

// RejectWithdrawal refuses a pending request and releases its reservation.
func (s *Service) RejectWithdrawal(ctx context.Context, adminID, id uuid.UUID, reason string) (*domain.Withdrawal, error) {
	r, err := domain.NormalizeReason(reason, true)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, domain.ActionReject, store.TransitionPatch{ReviewedBy: &adminID, Reason: r})
}

// InitiatePayoutManual sends an approved withdrawal to the payment gateway.
func (s *Service) InitiatePayoutManual(ctx context.Context, id uuid.UUID) (w *domain.Withdrawal, err error) {
	defer func() { withdrawalOperationsTotal.WithLabelValues(string(domain.ActionStartPayout), outcomeLabel(err)).Inc() }()

	w, err = s.payouts.Initiate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, *w)
	return w, nil
}

func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.transition(ctx, id, domain.ActionMarkPaid, store.TransitionPatch{})
}

// MarkFailed records a failed payout and releases its reservation.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*domain.Withdrawal, error) {
	r, err := domain.NormalizeReason(reason, true)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, domain.ActionMarkFailed, store.TransitionPatch{Reason: r})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, action domain.Action, patch store.TransitionPatch) (w *domain.Withdrawal, err error) {
	defer func() { withdrawalOperationsTotal.WithLabelValues(string(action), outcomeLabel(err)).Inc() }()

	w, err = s.repo.TransitionWithdrawal(ctx, id, action, patch)
	log := logging.FromContext(ctx, "withdrawals").With().Str("withdrawal_id", id.String()).Str("action", string(action)).Logger()
	if err != nil {
		if errors.Is(err, domain.ErrStorage) {
			log.Error().Err(err).Msg("withdrawal transition failed")
		} else {
			log.Info().Err(err).Msg("withdrawal transition refused")
		}
		return nil, err
	}
	log.Info().Str("status", string(w.Status)).Msg("withdrawal transitioned")
	s.publish(ctx, *w)
	return w, nil
}

func (s *Service) publish(ctx context.Context, w domain.Withdrawal) {
	if s.publisher == nil {
		return
	}
	event := domain.NewWithdrawalEvent(w, s.now())
	if err := s.publisher.Publish(ctx, s.exchange, event.EventType, event); err != nil {
		logging.FromContext(ctx, "withdrawals").Warn().Err(err).
			Str("withdrawal_id", w.ID.String()).Str("routing_key", event.EventType).
			Msg("lifecycle event publish failed")
	}
}

// SettlementConsumer returns the consumer that applies gateway settlement events.
func (s *Service) SettlementConsumer() *SettlementConsumer {
	return NewSettlementConsumer(s)
}
