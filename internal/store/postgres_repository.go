/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * for withdrawal requests.
 *
 * @notes
 * - Guarded inserts serialize per campaign with a transaction-scoped advisory
 *   lock, so unrelated campaigns never wait on each other.
 * - Status changes are conditional updates on the expected current status; a
 *   zero-row update is resolved into not-found or conflict by a follow-up read.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const withdrawalColumns = `
            id,
            campaign_id,
            organizer_id,
            amount,
            currency,
            destination_type,
            destination,
            status,
            notes,
            reason,
            transaction_id,
            reviewed_by,
            reviewed_at,
            payout_claimed_at,
            status_changed_at,
            created_at,
            updated_at`

// queryer is satisfied by both the pool and an open transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var (
		w    domain.Withdrawal
		dest []byte
	)
	err := row.Scan(
		&w.ID,
		&w.CampaignID,
		&w.OrganizerID,
		&w.Amount,
		&w.Currency,
		&w.DestinationType,
		&dest,
		&w.Status,
		&w.Notes,
		&w.Reason,
		&w.TransactionID,
		&w.ReviewedBy,
		&w.ReviewedAt,
		&w.PayoutClaimedAt,
		&w.StatusChangedAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Destination = dest
	return &w, nil
}

// campaignLockKey namespaces the advisory lock so it cannot collide with other lock users.
func campaignLockKey(campaignID uuid.UUID) string {
	return "withdrawal:campaign:" + campaignID.String()
}

// CreateWithdrawalGuarded locks the campaign, evaluates guard against the locked
// view, and inserts the pending row in the same transaction.
func (r *PostgresRepository) CreateWithdrawalGuarded(ctx context.Context, w domain.Withdrawal, guard GuardFunc) (*domain.Withdrawal, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, storageError("create withdrawal: begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, campaignLockKey(w.CampaignID)); err != nil {
		return nil, storageError(fmt.Sprintf("create withdrawal: lock campaign %s", w.CampaignID), err)
	}

	if guard != nil {
		if err := guard(ctx, reservationView{q: tx}); err != nil {
			return nil, err
		}
	}

	query := `
        INSERT INTO withdrawal_requests (
            id, campaign_id, organizer_id, amount, currency, destination_type, destination,
            status, notes, status_changed_at, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $10, $10)
        RETURNING` + withdrawalColumns

	created, err := scanWithdrawal(tx.QueryRow(ctx, query,
		w.ID,
		w.CampaignID,
		w.OrganizerID,
		w.Amount,
		w.Currency,
		string(w.DestinationType),
		string(w.Destination),
		string(w.Status),
		w.Notes,
		w.CreatedAt,
	))
	if err != nil {
		return nil, storageError(fmt.Sprintf("create withdrawal %s", w.ID), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Sprintf("create withdrawal %s: commit", w.ID), err)
	}
	return created, nil
}

func (r *PostgresRepository) SumReserved(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error) {
	return reservationView{q: r.db}.SumReserved(ctx, campaignID)
}

func (r *PostgresRepository) CountPaidSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	return reservationView{q: r.db}.CountPaidSince(ctx, campaignID, since)
}

func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `SELECT`+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, storageError(fmt.Sprintf("find withdrawal %s", id), err)
	}
	return w, nil
}

func (r *PostgresRepository) FindWithdrawalByTransactionID(ctx context.Context, transactionID string) (*domain.Withdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `SELECT`+withdrawalColumns+` FROM withdrawal_requests WHERE transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, storageError(fmt.Sprintf("find withdrawal by transaction %s", transactionID), err)
	}
	return w, nil
}

func (r *PostgresRepository) ListWithdrawals(ctx context.Context, filter domain.ListFilter) (domain.WithdrawalPage, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if filter.OrganizerID != nil {
		where += fmt.Sprintf(" AND organizer_id = $%d", argPos)
		args = append(args, *filter.OrganizerID)
		argPos++
	}
	if filter.CampaignID != nil {
		where += fmt.Sprintf(" AND campaign_id = $%d", argPos)
		args = append(args, *filter.CampaignID)
		argPos++
	}
	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*filter.Status))
		argPos++
	}
	if filter.MinAmount != nil {
		where += fmt.Sprintf(" AND amount >= $%d", argPos)
		args = append(args, *filter.MinAmount)
		argPos++
	}
	if filter.MaxAmount != nil {
		where += fmt.Sprintf(" AND amount <= $%d", argPos)
		args = append(args, *filter.MaxAmount)
		argPos++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argPos)
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argPos)
		args = append(args, *filter.To)
		argPos++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawal_requests`+where, args...).Scan(&total); err != nil {
		return domain.WithdrawalPage{}, storageError("count withdrawals", err)
	}

	query := `SELECT` + withdrawalColumns + ` FROM withdrawal_requests` + where + fmt.Sprintf(`
        ORDER BY created_at DESC, id DESC
        LIMIT $%d OFFSET $%d
    `, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return domain.WithdrawalPage{}, storageError("list withdrawals", err)
	}
	defer rows.Close()

	items := make([]domain.Withdrawal, 0, filter.Limit)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return domain.WithdrawalPage{}, storageError("list withdrawals: scan", err)
		}
		items = append(items, *w)
	}
	if err := rows.Err(); err != nil {
		return domain.WithdrawalPage{}, storageError("list withdrawals: rows", err)
	}
	return domain.WithdrawalPage{Items: items, Total: total}, nil
}

func (r *PostgresRepository) TransitionWithdrawal(ctx context.Context, id uuid.UUID, action domain.Action, patch TransitionPatch) (*domain.Withdrawal, error) {
	t, err := domain.TransitionFor(action)
	if err != nil {
		return nil, err
	}

	query := `
        UPDATE withdrawal_requests
        SET
            status = $2,
            status_changed_at = NOW(),
            updated_at = NOW(),
            reviewed_by = COALESCE($4::uuid, reviewed_by),
            reviewed_at = CASE WHEN $4::uuid IS NULL THEN reviewed_at ELSE NOW() END,
            notes = COALESCE($5, notes),
            reason = COALESCE($6, reason),
            transaction_id = COALESCE($7, transaction_id),
            payout_claimed_at = NULL
        WHERE id = $1
          AND status = $3
        RETURNING` + withdrawalColumns

	w, err := scanWithdrawal(r.db.QueryRow(ctx, query,
		id,
		string(t.To),
		string(t.From),
		patch.ReviewedBy,
		patch.Notes,
		patch.Reason,
		patch.TransactionID,
	))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageError(fmt.Sprintf("%s withdrawal %s", action, id), err)
	}

	current, findErr := r.FindWithdrawalByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	if _, checkErr := domain.CheckTransition(id, action, current.Status); checkErr != nil {
		return nil, checkErr
	}
	return nil, &domain.TransitionError{WithdrawalID: id, Action: action, Current: current.Status, Required: t.From}
}

func (r *PostgresRepository) ClaimForPayout(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (*domain.Withdrawal, error) {
	query := `
        UPDATE withdrawal_requests
        SET
            payout_claimed_at = NOW(),
            updated_at = NOW()
        WHERE id = $1
          AND status = 'approved'
          AND (payout_claimed_at IS NULL OR payout_claimed_at < NOW() - make_interval(secs => $2))
        RETURNING` + withdrawalColumns

	w, err := scanWithdrawal(r.db.QueryRow(ctx, query, id, staleAfter.Seconds()))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageError(fmt.Sprintf("claim withdrawal %s for payout", id), err)
	}

	current, findErr := r.FindWithdrawalByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	if _, checkErr := domain.CheckTransition(id, domain.ActionStartPayout, current.Status); checkErr != nil {
		return nil, checkErr
	}
	return nil, domain.ErrPayoutInProgress
}

func (r *PostgresRepository) ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
        UPDATE withdrawal_requests
        SET payout_claimed_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = 'approved'
    `, id)
	if err != nil {
		return storageError(fmt.Sprintf("release payout claim %s", id), err)
	}
	return nil
}

func (r *PostgresRepository) ListPayoutCandidates(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Withdrawal, error) {
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	query := `SELECT` + withdrawalColumns + `
        FROM withdrawal_requests
        WHERE status = 'approved'
          AND (payout_claimed_at IS NULL OR payout_claimed_at < NOW() - make_interval(secs => $1))
        ORDER BY created_at ASC, id ASC
        LIMIT $2`

	rows, err := r.db.Query(ctx, query, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, storageError("list payout candidates", err)
	}
	defer rows.Close()

	items := make([]domain.Withdrawal, 0, limit)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, storageError("list payout candidates: scan", err)
		}
		items = append(items, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list payout candidates: rows", err)
	}
	return items, nil
}

// reservationView reads reservation totals through either the pool or the locked transaction.
type reservationView struct {
	q queryer
}

func (v reservationView) SumReserved(ctx context.Context, campaignID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := v.q.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount), 0)
        FROM withdrawal_requests
        WHERE campaign_id = $1
          AND status IN ('pending', 'approved', 'processing', 'paid')
    `, campaignID).Scan(&sum)
	if err != nil {
		return decimal.Zero, storageError(fmt.Sprintf("sum reserved for campaign %s", campaignID), err)
	}
	return sum, nil
}

func (v reservationView) CountPaidSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := v.q.QueryRow(ctx, `
        SELECT COUNT(*)
        FROM withdrawal_requests
        WHERE campaign_id = $1
          AND status = 'paid'
          AND status_changed_at >= $2
    `, campaignID, since).Scan(&count)
	if err != nil {
		return 0, storageError(fmt.Sprintf("count paid for campaign %s", campaignID), err)
	}
	return count, nil
}
