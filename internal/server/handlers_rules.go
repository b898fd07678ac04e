package server

import (
	"net/http"

	"github.com/vaticlabs/vatic/internal/cache"
)

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	assessmentID := r.URL.Query().Get("assessmentId")
	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assessmentId is required"})
		return
	}
	rules, ok, err := s.svc.Store.GetRules(r.Context(), cache.AssessmentRulesKey(assessmentID))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no live state"})
		return
	}
	writeJSON(w, http.StatusOK, rules)
}
