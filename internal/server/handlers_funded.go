package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/modules/funded"
)

func notOwnerErr() error { return apperr.Forbidden("not the owner of this funded account") }

func toFundedResponse(fa domain.FundedAccount) map[string]any {
	return map[string]any{
		"id": fa.ID, "userId": fa.UserID, "tierId": fa.TierID, "assessmentId": fa.AssessmentID,
		"status": fa.Status, "closureReason": fa.ClosureReason, "createdAt": fa.CreatedAt, "closedAt": fa.ClosedAt,
	}
}

func toWithdrawalResponse(w2 domain.Withdrawal) map[string]any {
	return map[string]any{
		"id": w2.ID, "fundedAccountId": w2.FundedAccountID, "userId": w2.UserID, "amount": w2.Amount,
		"status": w2.Status, "externalPayoutRef": w2.ExternalPayoutRef, "rejectionReason": w2.RejectionReason,
		"requestedAt": w2.RequestedAt, "approvedAt": w2.ApprovedAt, "completedAt": w2.CompletedAt, "rejectedAt": w2.RejectedAt,
	}
}

func (s *Server) handleListFundedAccounts(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	list, err := s.svc.FundedRepo.ListByUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, fa := range list {
		out = append(out, toFundedResponse(fa))
	}
	writeJSON(w, http.StatusOK, map[string]any{"fundedAccounts": out})
}

func (s *Server) handleGetFundedAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := userFrom(r.Context())
	fa, err := s.svc.FundedRepo.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if fa.UserID != user.ID {
		writeError(w, s.log, notOwnerErr())
		return
	}
	writeJSON(w, http.StatusOK, toFundedResponse(fa))
}

type requestWithdrawalRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req requestWithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	user := userFrom(r.Context())
	result, err := s.svc.Funded.RequestWithdrawal(r.Context(), funded.RequestWithdrawalInput{
		FundedAccountID: id,
		CallerUserID:    user.ID,
		Amount:          req.Amount,
		CorrelationID:   correlationIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	resp := toWithdrawalResponse(result.Withdrawal)
	resp["requiresReview"] = result.RequiresReview
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handlePendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.FundedRepo.ListPendingWithdrawals(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, wd := range list {
		out = append(out, toWithdrawalResponse(wd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": out})
}

func (s *Server) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wd, err := s.svc.Funded.Approve(r.Context(), id, correlationIDFrom(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}

type rejectWithdrawalRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectWithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	wd, err := s.svc.Funded.Reject(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}
