/**
 * @description
 * HTTP handlers for organizer-facing withdrawal endpoints and the shared
 * request and response helpers.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/google/uuid, github.com/shopspring/decimal: Parsing ids and amounts.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fundra/withdrawal-service/internal/app"
	"github.com/fundra/withdrawal-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 64 << 10

// WithdrawalHandlers holds the dependencies for the HTTP handlers.
type WithdrawalHandlers struct {
	service *app.Service
}

func NewWithdrawalHandlers(service *app.Service) *WithdrawalHandlers {
	return &WithdrawalHandlers{service: service}
}

// RequestWithdrawalHandler handles POST /withdrawals.
func (h *WithdrawalHandlers) RequestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var payload domain.WithdrawalPayload
	if err := decodeBody(r, &payload, true); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	created, err := h.service.RequestWithdrawal(r.Context(), caller.ID, payload)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListMyWithdrawalsHandler handles GET /withdrawals/mine.
func (h *WithdrawalHandlers) ListMyWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	filter, err := parseListFilter(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.service.ListMyWithdrawals(r.Context(), caller.ID, filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetWithdrawalHandler handles GET /withdrawals/{id}. Admins see any row; organizers see their own.
func (h *WithdrawalHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var (
		found *domain.Withdrawal
		err   error
	)
	if caller.IsAdmin() {
		found, err = h.service.GetWithdrawal(r.Context(), id)
	} else {
		found, err = h.service.GetOrganizerWithdrawal(r.Context(), caller.ID, id)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// BalanceHandler handles GET /campaigns/{campaignID}/balance.
func (h *WithdrawalHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	campaignID, ok := uuidParam(w, r, "campaignID")
	if !ok {
		return
	}
	summary, err := h.service.BalanceSummary(r.Context(), caller.ID, campaignID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body into dst. An empty body is an error only when required.
func decodeBody(r *http.Request, dst interface{}, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return err
	}
	return nil
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	var f domain.ListFilter

	invalid := func(field string, err error) error {
		return fmt.Errorf("%w: invalid %s: %v", domain.ErrValidation, field, err)
	}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = &status
	}
	if raw := strings.TrimSpace(q.Get("campaign_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, invalid("campaign_id", err)
		}
		f.CampaignID = &id
	}
	for field, target := range map[string]**decimal.Decimal{"min_amount": &f.MinAmount, "max_amount": &f.MaxAmount} {
		if raw := strings.TrimSpace(q.Get(field)); raw != "" {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return f, invalid(field, err)
			}
			*target = &d
		}
	}
	for field, target := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if raw := strings.TrimSpace(q.Get(field)); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, invalid(field, err)
			}
			*target = &t
		}
	}
	for field, target := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if raw := strings.TrimSpace(q.Get(field)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return f, invalid(field, err)
			}
			*target = n
		}
	}
	return f, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type guardErrorResponse struct {
	Error       string          `json:"error"`
	Code        string          `json:"code"`
	Requested   decimal.Decimal `json:"requested"`
	Available   decimal.Decimal `json:"available"`
	WeeklyPaid  int             `json:"weekly_paid_count"`
	WeeklyLimit int             `json:"weekly_limit"`
}

type conflictResponse struct {
	Error    string        `json:"error"`
	Current  domain.Status `json:"current_status"`
	Required domain.Status `json:"required_status"`
}

// writeServiceError maps an error from the service layer onto an HTTP response.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		guardErr      *domain.GuardError
		transitionErr *domain.TransitionError
		rateErr       *domain.RateLimitError
	)
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, rateErr.Error())
	case errors.As(err, &guardErr):
		code := "insufficient_balance"
		if errors.Is(err, domain.ErrWeeklyLimitExceeded) {
			code = "weekly_limit_exceeded"
		}
		writeJSON(w, http.StatusUnprocessableEntity, guardErrorResponse{
			Error:       guardErr.Error(),
			Code:        code,
			Requested:   guardErr.Requested,
			Available:   guardErr.Available,
			WeeklyPaid:  guardErr.WeeklyPaid,
			WeeklyLimit: guardErr.WeeklyLimit,
		})
	case errors.As(err, &transitionErr):
		writeJSON(w, http.StatusConflict, conflictResponse{Error: transitionErr.Error(), Current: transitionErr.Current, Required: transitionErr.Required})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "Campaign does not belong to caller")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		hlog.FromRequest(r).Warn().Err(err).Msg("payout gateway call failed")
		writeError(w, http.StatusBadGateway, "Payment gateway unavailable; withdrawal remains approved")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
