package app

import (
	"context"
	"fmt"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/fundra/withdrawal-service/internal/logging"
	"github.com/fundra/withdrawal-service/internal/store"
	"github.com/fundra/withdrawal-service/pkg/gatewayclient"
	"github.com/google/uuid"
)

// DefaultPayoutClaimTTL bounds how long a crashed payout attempt blocks a retry.
const DefaultPayoutClaimTTL = 5 * time.Minute

// PayoutGateway is the payment-gateway collaborator.
type PayoutGateway interface {
	InitiateTransfer(ctx context.Context, payload gatewayclient.TransferRequest) (*gatewayclient.TransferResponse, error)
}

// PayoutOrchestrator moves approved withdrawals to the gateway. A request
// only advances to processing once the gateway has accepted the transfer.
type PayoutOrchestrator struct {
	repo     store.Repository
	gateway  PayoutGateway
	claimTTL time.Duration
}

func NewPayoutOrchestrator(repo store.Repository, gateway PayoutGateway, claimTTL time.Duration) *PayoutOrchestrator {
	if claimTTL <= 0 {
		claimTTL = DefaultPayoutClaimTTL
	}
	return &PayoutOrchestrator{repo: repo, gateway: gateway, claimTTL: claimTTL}
}

// Initiate claims the withdrawal, asks the gateway to pay it out, and records
// the gateway transaction id with the approved -> processing transition.
func (o *PayoutOrchestrator) Initiate(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	log := logging.FromContext(ctx, "payout").With().Str("withdrawal_id", id.String()).Logger()

	w, err := o.repo.ClaimForPayout(ctx, id, o.claimTTL)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := o.gateway.InitiateTransfer(ctx, gatewayclient.TransferRequest{
		Reference:       w.ID.String(),
		Amount:          w.Amount,
		Currency:        w.Currency,
		DestinationType: string(w.DestinationType),
		Destination:     w.Destination,
		Narration:       "Campaign withdrawal " + w.ID.String(),
	})
	payoutGatewayDuration.WithLabelValues(outcomeLabel(err)).Observe(time.Since(started).Seconds())
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if releaseErr := o.repo.ReleasePayoutClaim(releaseCtx, id); releaseErr != nil {
			log.Error().Err(releaseErr).Msg("payout claim release failed; retry possible after claim ttl")
		}
		log.Warn().Err(err).Msg("gateway refused payout; withdrawal stays approved")
		return nil, fmt.Errorf("initiate payout %s: %w: %w", id, domain.ErrGatewayUnavailable, err)
	}

	txID := resp.Data.ID
	processing, err := o.repo.TransitionWithdrawal(ctx, id, domain.ActionStartPayout, store.TransitionPatch{TransactionID: &txID})
	if err != nil {
		// The gateway holds the transfer under this reference; a retry after the
		// claim expires replays the same idempotency key.
		log.Error().Err(err).Str("transaction_id", txID).Msg("gateway accepted payout but transition failed")
		return nil, err
	}

	log.Info().Str("transaction_id", txID).Str("gateway_status", resp.Data.Status).Msg("payout initiated")
	return processing, nil
}
