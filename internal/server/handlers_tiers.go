package server

import "net/http"

type tierResponse struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	PurchasePriceMinor int64   `json:"purchasePriceMinor"`
	StartingBalance    float64 `json:"startingBalance"`
	MaxDrawdownRatio   float64 `json:"maxDrawdownRatio"`
	MinTradeCount      int     `json:"minTradeCount"`
	MaxRiskPerTrade    float64 `json:"maxRiskPerTrade"`
	ProfitSplitRatio   float64 `json:"profitSplitRatio"`
}

func (s *Server) handleListTiers(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Tiers.List(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]tierResponse, 0, len(list))
	for _, t := range list {
		out = append(out, tierResponse{
			ID: t.ID, Name: t.Name, PurchasePriceMinor: t.PurchasePriceMinor,
			StartingBalance: t.StartingBalance, MaxDrawdownRatio: t.MaxDrawdownRatio,
			MinTradeCount: t.MinTradeCount, MaxRiskPerTrade: t.MaxRiskPerTrade,
			ProfitSplitRatio: t.ProfitSplitRatio,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": out})
}
