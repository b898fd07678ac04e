package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleListPositions_RequiresAssessmentID(t *testing.T) {
	s := &Server{log: testLogger()}
	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	w := httptest.NewRecorder()

	s.handleListPositions(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListTrades_RequiresAssessmentID(t *testing.T) {
	s := &Server{log: testLogger()}
	req := httptest.NewRequest(http.MethodGet, "/trades", nil)
	w := httptest.NewRecorder()

	s.handleListTrades(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetRules_RequiresAssessmentID(t *testing.T) {
	s := &Server{log: testLogger()}
	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	w := httptest.NewRecorder()

	s.handleGetRules(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
