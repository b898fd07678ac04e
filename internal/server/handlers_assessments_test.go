package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vaticlabs/vatic/internal/domain"
)

func TestToAssessmentResponse_CarriesFieldsThrough(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := domain.Assessment{
		ID: "a-1", UserID: "u-1", TierID: "t-1",
		Status: domain.AssessmentActive, CreatedAt: now,
	}

	resp := toAssessmentResponse(a)

	assert.Equal(t, "a-1", resp.ID)
	assert.Equal(t, "u-1", resp.UserID)
	assert.Equal(t, "t-1", resp.TierID)
	assert.Equal(t, domain.AssessmentActive, resp.Status)
	assert.Equal(t, now, resp.CreatedAt)
}
