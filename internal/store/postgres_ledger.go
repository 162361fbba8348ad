package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger reads campaigns and settled donations written by the donation service.
// It never writes to either table.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// SumCompletedDonations returns the exact total of completed donations, zero when there are none.
func (l *PostgresLedger) SumCompletedDonations(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := l.db.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount), 0)
        FROM donations
        WHERE campaign_id = $1
          AND status = 'completed'
    `, campaignID).Scan(&sum)
	if err != nil {
		return decimal.Zero, storageError(fmt.Sprintf("sum completed donations for campaign %s", campaignID), err)
	}
	return sum, nil
}

func (l *PostgresLedger) FindCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	var c domain.Campaign
	err := l.db.QueryRow(ctx, `
        SELECT id, organizer_id, currency
        FROM campaigns
        WHERE id = $1
    `, campaignID).Scan(&c.ID, &c.OrganizerID, &c.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCampaignNotFound
		}
		return nil, storageError(fmt.Sprintf("find campaign %s", campaignID), err)
	}
	return &c, nil
}
