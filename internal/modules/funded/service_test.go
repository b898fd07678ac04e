package funded

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaticlabs/vatic/internal/domain"
)

// TestWithdrawable_MatchesSmallWithdrawalScenario matches spec.md §8
// scenario 5: current 55000, starting 50000, totalWithdrawals 0,
// profitSplit 0.85 -> withdrawable 4250.
func TestWithdrawable_MatchesSmallWithdrawalScenario(t *testing.T) {
	va := domain.FundedVirtualAccount{StartingBalance: 50000, CurrentBalance: 55000, TotalWithdrawals: 0}
	assert.InDelta(t, 4250, Withdrawable(va, 0.85), 1e-9)
}

func TestWithdrawable_SubtractsPriorWithdrawals(t *testing.T) {
	va := domain.FundedVirtualAccount{StartingBalance: 50000, CurrentBalance: 55000, TotalWithdrawals: 500}
	assert.InDelta(t, 3825, Withdrawable(va, 0.85), 1e-9)
}

func TestWithdrawable_FloorsAtZero(t *testing.T) {
	va := domain.FundedVirtualAccount{StartingBalance: 50000, CurrentBalance: 49000, TotalWithdrawals: 0}
	assert.Equal(t, 0.0, Withdrawable(va, 0.85))
}

// TestRequiresReview_MatchesSmallAndLargeWithdrawalScenarios matches
// spec.md §8 scenarios 5 and 6: amount 500 auto-approves, amount 3000
// (above the 1000 auto-approve threshold) requires admin review.
func TestRequiresReview_MatchesSmallAndLargeWithdrawalScenarios(t *testing.T) {
	const autoApproveThreshold = 1000.0

	assert.False(t, requiresReview(500, autoApproveThreshold))
	assert.True(t, requiresReview(3000, autoApproveThreshold))
}

func TestRequiresReview_ThresholdItselfRequiresReview(t *testing.T) {
	assert.True(t, requiresReview(1000, 1000))
}
