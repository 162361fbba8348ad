package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/fundra/withdrawal-service/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errSettlementNotReady means the event arrived before the payout transition committed.
var errSettlementNotReady = errors.New("settlement arrived before payout was recorded")

// SettlementConsumer applies gateway settlement events to processing withdrawals.
// HandleMessage returns true to acknowledge and false to requeue.
type SettlementConsumer struct {
	service *Service
}

func NewSettlementConsumer(service *Service) *SettlementConsumer {
	return &SettlementConsumer{service: service}
}

func (c *SettlementConsumer) HandleMessage(body []byte) bool {
	log := logging.FromContext(context.Background(), "settlement_consumer")

	var event domain.PayoutSettlementEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Msg("failed to unmarshal settlement payload; dropping")
		settlementEventsTotal.WithLabelValues("malformed").Inc()
		return true
	}
	if strings.TrimSpace(event.TransactionID) == "" {
		log.Warn().Str("event_id", event.EventID).Msg("settlement event missing transaction id; dropping")
		settlementEventsTotal.WithLabelValues("malformed").Inc()
		return true
	}

	ctx, cancel := context.WithTimeout(log.WithContext(context.Background()), 15*time.Second)
	defer cancel()

	result, err := c.processEvent(ctx, event)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", event.TransactionID).Msg("settlement processing failed; requeueing")
		settlementEventsTotal.WithLabelValues("requeued").Inc()
		return false
	}
	settlementEventsTotal.WithLabelValues(result).Inc()
	return true
}

func (c *SettlementConsumer) processEvent(ctx context.Context, event domain.PayoutSettlementEvent) (string, error) {
	log := zerolog.Ctx(ctx).With().Str("transaction_id", event.TransactionID).Logger()

	w, err := c.service.repo.FindWithdrawalByTransactionID(ctx, event.TransactionID)
	if errors.Is(err, domain.ErrNotFound) {
		return c.handleUnknownTransaction(ctx, event)
	}
	if err != nil {
		return "", fmt.Errorf("lookup withdrawal: %w", err)
	}

	switch normalizeSettlementStatus(event.Status) {
	case domain.StatusPaid:
		_, err = c.service.MarkPaid(ctx, w.ID)
	case domain.StatusFailed:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "payout failed at gateway"
		}
		_, err = c.service.MarkFailed(ctx, w.ID, reason)
	default:
		log.Debug().Str("status", event.Status).Msg("non-final settlement status; acknowledging")
		return "ignored", nil
	}

	if errors.Is(err, domain.ErrConflict) {
		log.Info().Str("withdrawal_id", w.ID.String()).Str("status", string(w.Status)).Msg("settlement replay against settled withdrawal; acknowledging")
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	return "applied", nil
}

// handleUnknownTransaction requeues events whose payout is still being recorded
// and drops events that reference nothing this service issued.
func (c *SettlementConsumer) handleUnknownTransaction(ctx context.Context, event domain.PayoutSettlementEvent) (string, error) {
	ref, parseErr := uuid.Parse(strings.TrimSpace(event.Reference))
	if parseErr == nil {
		w, err := c.service.repo.FindWithdrawalByID(ctx, ref)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("lookup withdrawal by reference: %w", err)
		}
		if w != nil && w.Status == domain.StatusApproved && w.PayoutClaimedAt != nil {
			return "", errSettlementNotReady
		}
	}
	zerolog.Ctx(ctx).Info().Str("transaction_id", event.TransactionID).Str("reference", event.Reference).
		Msg("no withdrawal found for transaction; acknowledging")
	return "unknown", nil
}

func normalizeSettlementStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "successful", "success", "completed", "paid":
		return domain.StatusPaid
	case "failed", "failure", "reversed":
		return domain.StatusFailed
	default:
		return ""
	}
}
