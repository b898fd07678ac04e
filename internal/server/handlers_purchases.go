package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaticlabs/vatic/internal/payment"
)

type createPurchaseRequest struct {
	TierID string `json:"tierId"`
}

type purchaseResponse struct {
	PurchaseID          string `json:"purchaseId"`
	PaymentClientSecret string `json:"paymentClientSecret"`
	Amount              int64  `json:"amount"`
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	user := userFrom(r.Context())
	result, err := s.svc.Purchases.Create(r.Context(), user.ID, req.TierID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchaseResponse{
		PurchaseID: result.PurchaseID, PaymentClientSecret: result.PaymentClientSecret, Amount: result.Amount,
	})
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := userFrom(r.Context())
	p, err := s.svc.Purchases.Get(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": p.ID, "tierId": p.TierID, "status": p.Status, "createdAt": p.CreatedAt, "completedAt": p.CompletedAt,
	})
}

// handleStripeWebhook decodes the pre-parsed payment.WebhookEvent shape
// (byte-level signature verification is a declared non-goal) and routes
// it to the saga it completes.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	var event payment.WebhookEvent
	if err := decodeJSON(r, &event); err != nil {
		writeError(w, s.log, err)
		return
	}

	var err error
	switch event.Type {
	case "payment_intent.succeeded":
		err = s.svc.Purchases.HandlePaymentSucceeded(r.Context(), event.PaymentIntentID)
	case "payout.failed":
		err = s.svc.Funded.HandlePayoutFailed(r.Context(), event.PayoutID)
	}
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
