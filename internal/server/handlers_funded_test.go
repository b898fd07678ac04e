package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/domain"
)

func TestToFundedResponse_CarriesIdentityAndStatus(t *testing.T) {
	fa := domain.FundedAccount{ID: "f-1", UserID: "u-1", TierID: "t-1", AssessmentID: "a-1", Status: domain.FundedActive}

	resp := toFundedResponse(fa)

	assert.Equal(t, "f-1", resp["id"])
	assert.Equal(t, "u-1", resp["userId"])
	assert.Equal(t, domain.FundedActive, resp["status"])
}

func TestToWithdrawalResponse_CarriesAmountAndStatus(t *testing.T) {
	wd := domain.Withdrawal{ID: "w-1", FundedAccountID: "f-1", UserID: "u-1", Amount: 250.5, Status: domain.WithdrawalPending}

	resp := toWithdrawalResponse(wd)

	assert.Equal(t, "w-1", resp["id"])
	assert.Equal(t, 250.5, resp["amount"])
	assert.Equal(t, domain.WithdrawalPending, resp["status"])
}

func TestNotOwnerErr_MapsToForbidden(t *testing.T) {
	err := notOwnerErr()
	assert.Equal(t, apperr.Status(err), apperr.Status(apperr.Forbidden("x")))
}
