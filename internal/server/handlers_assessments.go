package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaticlabs/vatic/internal/domain"
)

type assessmentResponse struct {
	ID          string                  `json:"id"`
	UserID      string                  `json:"userId"`
	TierID      string                  `json:"tierId"`
	Status      domain.AssessmentStatus `json:"status"`
	CreatedAt   any                     `json:"createdAt"`
	StartedAt   any                     `json:"startedAt,omitempty"`
	CompletedAt any                     `json:"completedAt,omitempty"`
}

func toAssessmentResponse(a domain.Assessment) assessmentResponse {
	return assessmentResponse{
		ID: a.ID, UserID: a.UserID, TierID: a.TierID, Status: a.Status,
		CreatedAt: a.CreatedAt, StartedAt: a.StartedAt, CompletedAt: a.CompletedAt,
	}
}

func (s *Server) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	list, err := s.svc.Assessments.List(r.Context(), user.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]assessmentResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAssessmentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessments": out})
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := userFrom(r.Context())
	a, err := s.svc.Assessments.Get(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentResponse(a))
}

// handleAssessmentTransition returns a handler for one of the four
// lifecycle transitions (spec.md §4.2: start/pause/resume/abandon).
func (s *Server) handleAssessmentTransition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		user := userFrom(r.Context())

		var (
			a   domain.Assessment
			err error
		)
		switch action {
		case "start":
			a, err = s.svc.Assessments.Start(r.Context(), id, user.ID)
		case "pause":
			a, err = s.svc.Assessments.Pause(r.Context(), id, user.ID)
		case "resume":
			a, err = s.svc.Assessments.Resume(r.Context(), id, user.ID)
		case "abandon":
			a, err = s.svc.Assessments.Abandon(r.Context(), id, user.ID)
		}
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAssessmentResponse(a))
	}
}
