package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vaticlabs/vatic/internal/modules/orders"
)

type placeOrderRequest struct {
	AssessmentID string  `json:"assessmentId"`
	Market       string  `json:"market"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	user := userFrom(r.Context())
	result, err := s.svc.Orders.PlaceOrder(r.Context(), orders.PlaceOrderInput{
		AssessmentID:  req.AssessmentID,
		CallerUserID:  user.ID,
		Market:        req.Market,
		Side:          req.Side,
		Quantity:      req.Quantity,
		CorrelationID: correlationIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":  result.OrderID,
		"position": result.Position,
		"balance":  result.Balance,
		"failed":   result.Failed,
		"reason":   result.Reason,
	})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")
	assessmentID := r.URL.Query().Get("assessmentId")
	user := userFrom(r.Context())

	result, err := s.svc.Orders.ClosePosition(r.Context(), orders.ClosePositionInput{
		AssessmentID:  assessmentID,
		CallerUserID:  user.ID,
		PositionID:    positionID,
		CorrelationID: correlationIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positionId":  result.PositionID,
		"realizedPnl": result.RealizedPnl,
		"balance":     result.Balance,
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	assessmentID := r.URL.Query().Get("assessmentId")
	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assessmentId is required"})
		return
	}
	list, err := s.svc.AssessmentsRepo.ListPositions(r.Context(), assessmentID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": list})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	assessmentID := r.URL.Query().Get("assessmentId")
	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assessmentId is required"})
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	trades, total, err := s.svc.AssessmentsRepo.ListTradesByAssessment(r.Context(), assessmentID, limit, offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades, "total": total, "limit": limit, "offset": offset,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
