package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaticlabs/vatic/internal/domain"
)

// TestComputeFill_MatchesHappyOrderScenario matches spec.md §8 scenario 1:
// BTC/USD priced 50000, quantity 0.1, fee 0.001, slippage 0.001 ->
// execPrice 50050, slippage 5, fee 5.005, totalCost 5010.005.
func TestComputeFill_MatchesHappyOrderScenario(t *testing.T) {
	fq := computeFill(50000, 0.001, 0.001, 0.1, false)

	assert.InDelta(t, 50050, fq.ExecPrice, 1e-6)
	assert.InDelta(t, 5, fq.SlippageAmount, 1e-6)
	assert.InDelta(t, 5.005, fq.FeeAmount, 1e-6)
	assert.InDelta(t, 5010.005, fq.TotalCost, 1e-6)
}

// TestComputeFill_RiskGateRejectsThenAcceptsRetry matches spec.md §8
// scenario 1's reject-then-retry: quantity 0.1 against a 50000 starting
// balance breaches maxRisk 0.1 (risk 0.1002), quantity 0.05 does not
// (risk ~0.0501).
func TestComputeFill_RiskGateRejectsThenAcceptsRetry(t *testing.T) {
	const startingBalance = 50000
	const maxRisk = 0.1

	rejected := computeFill(50000, 0.001, 0.001, 0.1, false)
	riskRejected := rejected.TotalCost / startingBalance
	assert.Greater(t, riskRejected, maxRisk)

	accepted := computeFill(50000, 0.001, 0.001, 0.05, false)
	riskAccepted := accepted.TotalCost / startingBalance
	assert.Less(t, riskAccepted, maxRisk)
	assert.InDelta(t, 0.0501, riskAccepted, 1e-3)
}

// TestComputeFill_ClampsPredictionMarketPriceAboveOne matches spec.md §8
// scenario 3: price 0.99 side=yes, slippage 0.02 -> raw 1.0098, clamped to
// 1.0; totalCost = q + q*fee.
func TestComputeFill_ClampsPredictionMarketPriceAboveOne(t *testing.T) {
	const quantity, feeRate = 100.0, 0.0005

	fq := computeFill(0.99, feeRate, 0.02, quantity, true)

	assert.Equal(t, 1.0, fq.ExecPrice)
	assert.InDelta(t, quantity+quantity*feeRate, fq.TotalCost, 1e-9)
}

func TestComputeFill_DoesNotClampNonPredictionMarkets(t *testing.T) {
	fq := computeFill(0.99, 0, 0.02, 1, false)
	assert.InDelta(t, 0.99*1.02, fq.ExecPrice, 1e-9)
}

func TestValidSide_CryptoRequiresLongOrShort(t *testing.T) {
	assert.True(t, validSide("BTC/USD", string(domain.SideLong)))
	assert.True(t, validSide("BTC/USD", string(domain.SideShort)))
	assert.False(t, validSide("BTC/USD", string(domain.SideYes)))
}

func TestValidSide_PredictionRequiresYesOrNo(t *testing.T) {
	assert.True(t, validSide("polymarket:E1", string(domain.SideYes)))
	assert.True(t, validSide("polymarket:E1", string(domain.SideNo)))
	assert.False(t, validSide("polymarket:E1", string(domain.SideLong)))
}

func TestRealizedPnlFor_LongProfitsOnPriceIncrease(t *testing.T) {
	assert.InDelta(t, 100, realizedPnlFor(domain.SideLong, 50, 51, 100), 1e-9)
}

func TestRealizedPnlFor_ShortProfitsOnPriceDecrease(t *testing.T) {
	assert.InDelta(t, 100, realizedPnlFor(domain.SideShort, 51, 50, 100), 1e-9)
}

func TestRealizedPnlFor_YesAndNoMirrorLongAndShort(t *testing.T) {
	assert.InDelta(t, 10, realizedPnlFor(domain.SideYes, 0.4, 0.5, 100), 1e-9)
	assert.InDelta(t, 10, realizedPnlFor(domain.SideNo, 0.5, 0.4, 100), 1e-9)
}
