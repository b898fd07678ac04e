package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/domain"
)

func TestBearerToken_Header(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))
}

func TestBearerToken_QueryFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?token=qtok", nil)
	assert.Equal(t, "qtok", bearerToken(req))
}

func TestBearerToken_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, "", bearerToken(req))
}

func TestCorrelationID_MintsWhenAbsent(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = correlationIDFrom(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	correlationID(next).ServeHTTP(w, req)

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Correlation-ID"))
}

func TestCorrelationID_EchoesIncoming(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = correlationIDFrom(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "fixed-id")
	w := httptest.NewRecorder()
	correlationID(next).ServeHTTP(w, req)

	assert.Equal(t, "fixed-id", seen)
	assert.Equal(t, "fixed-id", w.Header().Get("X-Correlation-ID"))
}

func TestRequireAdmin_RejectsNonAdmin(t *testing.T) {
	s := &Server{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	ctx := context.WithValue(req.Context(), userContextKey{}, domain.User{ID: "u1", IsAdmin: false})
	w := httptest.NewRecorder()

	s.requireAdmin(next).ServeHTTP(w, req.WithContext(ctx))

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_AllowsAdmin(t *testing.T) {
	s := &Server{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	ctx := context.WithValue(req.Context(), userContextKey{}, domain.User{ID: "u1", IsAdmin: true})
	w := httptest.NewRecorder()

	s.requireAdmin(next).ServeHTTP(w, req.WithContext(ctx))

	assert.True(t, called)
}

func TestRequireAuth_RejectsMissingToken(t *testing.T) {
	s := &Server{log: testLogger()}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()

	s.requireAuth(next).ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWriteError_MapsStatusFromApperr(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, testLogger(), apperr.NotFound("assessment %s not found", "a-1"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWriteError_DefaultsInternalForUnknownErrors(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, testLogger(), errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestQueryInt_DefaultsOnMissingOrInvalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=abc", nil)
	assert.Equal(t, 50, queryInt(req, "limit", 50))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, 50, queryInt(req, "limit", 50))

	req = httptest.NewRequest(http.MethodGet, "/x?limit=10", nil)
	assert.Equal(t, 10, queryInt(req, "limit", 50))
}
