package api

import (
	"fmt"
	"net/http"
)

type reviewRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (h *WithdrawalHandlers) adminAction(w http.ResponseWriter, r *http.Request) (Caller, reviewRequest, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return Caller{}, reviewRequest{}, false
	}
	var body reviewRequest
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return Caller{}, reviewRequest{}, false
	}
	return caller, body, true
}

// AdminListWithdrawalsHandler handles GET /admin/withdrawals.
func (h *WithdrawalHandlers) AdminListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := h.service.AdminListWithdrawals(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ApproveHandler handles POST /admin/withdrawals/{id}/approve.
func (h *WithdrawalHandlers) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	caller, body, ok := h.adminAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.ApproveWithdrawal(r.Context(), caller.ID, id, body.Notes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// RejectHandler handles POST /admin/withdrawals/{id}/reject.
func (h *WithdrawalHandlers) RejectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	caller, body, ok := h.adminAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.RejectWithdrawal(r.Context(), caller.ID, id, body.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// PayoutHandler handles POST /admin/withdrawals/{id}/payout.
func (h *WithdrawalHandlers) PayoutHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	updated, err := h.service.InitiatePayoutManual(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// MarkPaidHandler handles POST /admin/withdrawals/{id}/mark-paid.
func (h *WithdrawalHandlers) MarkPaidHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	updated, err := h.service.MarkPaid(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// MarkFailedHandler handles POST /admin/withdrawals/{id}/mark-failed.
func (h *WithdrawalHandlers) MarkFailedHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	_, body, ok := h.adminAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.MarkFailed(r.Context(), id, body.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
