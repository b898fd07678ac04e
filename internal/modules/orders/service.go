// Package orders implements the order-placement saga and manual position
// close of spec.md §4.3/§4.4 — the hot path every synthetic fill goes
// through.
package orders

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/modules/tiers"
	"github.com/vaticlabs/vatic/internal/oracle"
	"github.com/vaticlabs/vatic/internal/rulesengine"
	"github.com/vaticlabs/vatic/internal/saga"
	"github.com/vaticlabs/vatic/internal/state"
)

// Rates bundles the per-market-kind slippage/fee rates the saga prices
// with (spec.md §4.3: "plus configured slippage/fee rates for {crypto,
// prediction}").
type Rates struct {
	CryptoFeeRate          float64
	CryptoSlippageRate     float64
	PredictionFeeRate      float64
	PredictionSlippageRate float64
}

func (r Rates) forMarket(market string) (feeRate, slippageRate float64) {
	if oracle.IsPrediction(market) {
		return r.PredictionFeeRate, r.PredictionSlippageRate
	}
	return r.CryptoFeeRate, r.CryptoSlippageRate
}

// fillQuote is the pure result of applying slippage, the prediction-market
// price cap, and fees to a reference price (spec.md §4.3 steps 3-5).
type fillQuote struct {
	ExecPrice      float64
	SlippageAmount float64
	FeeAmount      float64
	TotalCost      float64
}

// computeFill derives a fillQuote from a reference price. Prediction
// markets clamp execPrice to 1.0 (spec.md §4.3 step 4: "a raw price above
// 1.0 is clamped"), since a probability can't price above certainty.
func computeFill(ref, feeRate, slippageRate, quantity float64, isPrediction bool) fillQuote {
	execPrice := ref * (1 + slippageRate)
	if isPrediction && execPrice > 1.0 {
		execPrice = 1.0
	}
	slippageAmount := (execPrice - ref) * quantity
	feeAmount := execPrice * quantity * feeRate
	totalCost := execPrice*quantity + feeAmount
	return fillQuote{ExecPrice: execPrice, SlippageAmount: slippageAmount, FeeAmount: feeAmount, TotalCost: totalCost}
}

// Service executes the order-placement saga and manual position closes.
type Service struct {
	store       *state.Store
	oracle      *oracle.Oracle
	tiers       *tiers.Repository
	assessments *assessments.Repository
	producer    *eventbus.Producer
	locks       *saga.KeyLocks
	rates       Rates
	timeout     time.Duration
	log         zerolog.Logger
}

// New constructs a Service.
func New(store *state.Store, oracleClient *oracle.Oracle, tiersRepo *tiers.Repository, assessmentsRepo *assessments.Repository, producer *eventbus.Producer, locks *saga.KeyLocks, rates Rates, timeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		store:       store,
		oracle:      oracleClient,
		tiers:       tiersRepo,
		assessments: assessmentsRepo,
		producer:    producer,
		locks:       locks,
		rates:       rates,
		timeout:     timeout,
		log:         log.With().Str("component", "orders").Logger(),
	}
}

// PlaceOrderInput is the order-placement command (spec.md §4.3).
type PlaceOrderInput struct {
	AssessmentID  string
	CallerUserID  string
	Market        string
	Side          string
	Quantity      float64
	CorrelationID string
}

// PlaceOrderResult is returned on both accept and reject; Failed is true
// only for the drawdown-trip path, where the HTTP response is
// semantically successful but the assessment failed (spec.md §4.3 step 8).
type PlaceOrderResult struct {
	OrderID  string
	Position state.PositionView
	Balance  float64
	Failed   bool
	Reason   string
}

// PlaceOrder executes the order-placement saga.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (PlaceOrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if in.Quantity <= 0 {
		return PlaceOrderResult{}, apperr.Validation("quantity must be positive")
	}
	if !validSide(in.Market, in.Side) {
		return PlaceOrderResult{}, apperr.Validation("side %q invalid for market %q", in.Side, in.Market)
	}

	assessment, err := s.assessments.Get(ctx, in.AssessmentID)
	if err != nil {
		return PlaceOrderResult{}, apperr.NotFound("assessment not found")
	}
	if assessment.UserID != in.CallerUserID {
		return PlaceOrderResult{}, apperr.Forbidden("not the owner of this assessment")
	}
	if assessment.Status != domain.AssessmentActive {
		return PlaceOrderResult{}, apperr.Conflict("assessment is not active")
	}

	var result PlaceOrderResult
	var sagaErr error

	lockErr := s.locks.With(in.AssessmentID, func() error {
		result, sagaErr = s.runPlaceOrder(ctx, in, assessment)
		return nil
	})
	if lockErr != nil {
		return PlaceOrderResult{}, lockErr
	}
	return result, sagaErr
}

func validSide(market, side string) bool {
	if oracle.IsPrediction(market) {
		return side == string(domain.SideYes) || side == string(domain.SideNo)
	}
	return side == string(domain.SideLong) || side == string(domain.SideShort)
}

func (s *Service) runPlaceOrder(ctx context.Context, in PlaceOrderInput, assessment domain.Assessment) (PlaceOrderResult, error) {
	tier, err := s.tiers.Get(ctx, assessment.TierID)
	if err != nil {
		return PlaceOrderResult{}, apperr.Internal(err, "load tier")
	}

	stateKey := cache.AssessmentStateKey(in.AssessmentID)
	snap, ok, err := s.store.Get(ctx, stateKey)
	if err != nil {
		return PlaceOrderResult{}, apperr.Internal(err, "read hot snapshot")
	}
	if !ok {
		return PlaceOrderResult{}, apperr.Conflict("assessment has no live state")
	}

	price, err := s.oracle.Get(ctx, in.Market)
	if err != nil {
		return PlaceOrderResult{}, apperr.Unavailable("market data unavailable for %s", in.Market)
	}
	ref := price.ForSide(in.Side)

	feeRate, slippageRate := s.rates.forMarket(in.Market)
	fq := computeFill(ref, feeRate, slippageRate, in.Quantity, oracle.IsPrediction(in.Market))
	execPrice, slippageAmount, feeAmount, totalCost := fq.ExecPrice, fq.SlippageAmount, fq.FeeAmount, fq.TotalCost

	risk := totalCost / snap.CurrentBalance
	if risk > tier.MaxRiskPerTrade {
		return PlaceOrderResult{}, apperr.Validation("risk %.4f exceeds max %.4f", risk, tier.MaxRiskPerTrade)
	}

	newBalance := snap.CurrentBalance - totalCost
	if newBalance < 0 {
		return PlaceOrderResult{}, apperr.Validation("insufficient balance")
	}

	previous := snap.Clone()

	orderID := uuid.NewString()
	positionID := uuid.NewString()
	now := time.Now().UTC()

	position := state.PositionView{
		ID:            positionID,
		Market:        in.Market,
		Side:          domain.Side(in.Side),
		Quantity:      in.Quantity,
		EntryPrice:    execPrice,
		CurrentPrice:  execPrice,
		UnrealizedPnl: 0,
		OpenedAt:      now,
		Status:        domain.PositionOpen,
	}

	snap.Positions = append(snap.Positions, position)
	snap.CurrentBalance = newBalance

	if err := s.store.Set(ctx, stateKey, snap); err != nil {
		return PlaceOrderResult{}, apperr.Internal(err, "write hot snapshot")
	}

	if newBalance > snap.PeakBalance {
		if err := s.store.UpdatePeakIfHigher(ctx, stateKey, newBalance); err != nil {
			s.log.Warn().Err(err).Str("assessment_id", in.AssessmentID).Msg("peak update failed")
		}
		snap.PeakBalance = math.Max(snap.PeakBalance, newBalance)
	}

	drawdown := rulesengine.Drawdown(snap.PeakBalance, newBalance)

	if drawdown > tier.MaxDrawdownRatio {
		if err := s.store.Set(ctx, stateKey, previous); err != nil {
			s.log.Error().Err(err).Str("assessment_id", in.AssessmentID).Msg("compensation write failed")
		}
		if err := s.assessments.UpdateStatus(ctx, in.AssessmentID, domain.AssessmentFailed, now); err != nil {
			s.log.Error().Err(err).Str("assessment_id", in.AssessmentID).Msg("failed to durably mark assessment failed")
		}
		s.publish(eventbus.ViolationDetectedPayload{
			AssessmentID: in.AssessmentID,
			Rule:         string(domain.RuleDrawdown),
			Value:        drawdown,
			Threshold:    tier.MaxDrawdownRatio,
		}, in.CorrelationID)
		return PlaceOrderResult{Failed: true, Reason: "drawdown_violation"}, nil
	}

	trade := domain.Trade{
		ID:           uuid.NewString(),
		AssessmentID: in.AssessmentID,
		PositionID:   positionID,
		Kind:         domain.TradeOpen,
		Market:       in.Market,
		Side:         domain.Side(in.Side),
		Quantity:     in.Quantity,
		Price:        execPrice,
		SlippageAmount: slippageAmount,
		FeeAmount:    feeAmount,
		RealizedPnl:  0,
		OrderID:      orderID,
		CreatedAt:    now,
	}
	if err := s.assessments.InsertTrade(ctx, trade); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", in.AssessmentID).Msg("best-effort trade record failed")
	}

	s.publish(eventbus.OrderPlacedPayload{AssessmentID: in.AssessmentID, OrderID: orderID, Market: in.Market, Side: in.Side, Quantity: in.Quantity}, in.CorrelationID)
	s.publish(eventbus.OrderFilledPayload{AssessmentID: in.AssessmentID, OrderID: orderID, PositionID: positionID, ExecutionPrice: execPrice, Balance: newBalance}, in.CorrelationID)
	s.publish(eventbus.PositionOpenedPayload{AssessmentID: in.AssessmentID, PositionID: positionID, Market: in.Market, Side: in.Side, Quantity: in.Quantity, EntryPrice: execPrice}, in.CorrelationID)

	s.refreshRules(ctx, in.AssessmentID, snap, tier)

	return PlaceOrderResult{OrderID: orderID, Position: position, Balance: newBalance}, nil
}

func (s *Service) publish(event eventbus.Event, correlationID string) {
	if err := s.producer.Publish(event, correlationID); err != nil {
		s.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}

// refreshRules recomputes and writes the rules snapshot best-effort
// (spec.md §4.3 step 11). Bucketing matches §4.5 exactly so a client
// reading `/rules` right after an order sees a consistent picture.
func (s *Service) refreshRules(ctx context.Context, assessmentID string, snap state.Snapshot, tier domain.Tier) {
	rules := rulesengine.Compute(snap, tier.MaxDrawdownRatio, float64(tier.MinTradeCount), tier.MaxRiskPerTrade)
	if err := s.store.SetRules(ctx, cache.AssessmentRulesKey(assessmentID), rules); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", assessmentID).Msg("rules snapshot refresh failed")
	}
}

// ClosePositionInput is the manual position-close command (spec.md §4.4).
type ClosePositionInput struct {
	AssessmentID  string
	CallerUserID  string
	PositionID    string
	CorrelationID string
}

// ClosePositionResult reports the outcome of a manual close.
type ClosePositionResult struct {
	PositionID  string
	RealizedPnl float64
	Balance     float64
}

// ClosePosition closes an open position at the current oracle price.
func (s *Service) ClosePosition(ctx context.Context, in ClosePositionInput) (ClosePositionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	assessment, err := s.assessments.Get(ctx, in.AssessmentID)
	if err != nil {
		return ClosePositionResult{}, apperr.NotFound("assessment not found")
	}
	if assessment.UserID != in.CallerUserID {
		return ClosePositionResult{}, apperr.Forbidden("not the owner of this assessment")
	}
	if assessment.Status != domain.AssessmentActive {
		return ClosePositionResult{}, apperr.Conflict("assessment is not active")
	}

	var result ClosePositionResult
	var sagaErr error
	lockErr := s.locks.With(in.AssessmentID, func() error {
		result, sagaErr = s.runClosePosition(ctx, in)
		return nil
	})
	if lockErr != nil {
		return ClosePositionResult{}, lockErr
	}
	return result, sagaErr
}

func (s *Service) runClosePosition(ctx context.Context, in ClosePositionInput) (ClosePositionResult, error) {
	stateKey := cache.AssessmentStateKey(in.AssessmentID)
	snap, ok, err := s.store.Get(ctx, stateKey)
	if err != nil {
		return ClosePositionResult{}, apperr.Internal(err, "read hot snapshot")
	}
	if !ok {
		return ClosePositionResult{}, apperr.Conflict("assessment has no live state")
	}

	idx := -1
	for i, p := range snap.Positions {
		if p.ID == in.PositionID && p.Status == domain.PositionOpen {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ClosePositionResult{}, apperr.NotFound("open position not found")
	}
	pos := snap.Positions[idx]

	price, err := s.oracle.Get(ctx, pos.Market)
	if err != nil {
		return ClosePositionResult{}, apperr.Unavailable("market data unavailable for %s", pos.Market)
	}
	exit := price.ForSide(string(pos.Side))

	realizedPnl := realizedPnlFor(pos.Side, pos.EntryPrice, exit, pos.Quantity)
	newBalance := snap.CurrentBalance + pos.Quantity*pos.EntryPrice + realizedPnl

	now := time.Now().UTC()
	snap.Positions = append(snap.Positions[:idx], snap.Positions[idx+1:]...)
	snap.CurrentBalance = newBalance
	snap.RealizedPnl += realizedPnl
	snap.TradeCount++

	if newBalance > snap.PeakBalance {
		snap.PeakBalance = newBalance
	}

	if err := s.store.Set(ctx, stateKey, snap); err != nil {
		return ClosePositionResult{}, apperr.Internal(err, "write hot snapshot")
	}

	tradeID := uuid.NewString()
	trade := domain.Trade{
		ID:           tradeID,
		AssessmentID: in.AssessmentID,
		PositionID:   pos.ID,
		Kind:         domain.TradeClose,
		Market:       pos.Market,
		Side:         pos.Side,
		Quantity:     pos.Quantity,
		Price:        exit,
		RealizedPnl:  realizedPnl,
		CreatedAt:    now,
	}
	if err := s.assessments.InsertTrade(ctx, trade); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", in.AssessmentID).Msg("best-effort trade record failed")
	}
	if err := s.assessments.UpsertPosition(ctx, domain.Position{
		ID: pos.ID, AssessmentID: in.AssessmentID, Market: pos.Market, Side: pos.Side,
		Quantity: pos.Quantity, EntryPrice: pos.EntryPrice, CurrentPrice: exit,
		UnrealizedPnl: 0, Status: domain.PositionOpen, OpenedAt: pos.OpenedAt, ClosedAt: &now,
	}); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", in.AssessmentID).Msg("best-effort position close persist failed")
	}

	s.publish(eventbus.PositionClosedPayload{AssessmentID: in.AssessmentID, PositionID: pos.ID, EntryPrice: pos.EntryPrice, ExitPrice: exit, RealizedPnl: realizedPnl}, in.CorrelationID)
	s.publish(eventbus.TradeCompletedPayload{AssessmentID: in.AssessmentID, TradeID: tradeID, PositionID: pos.ID, RealizedPnl: realizedPnl}, in.CorrelationID)

	return ClosePositionResult{PositionID: pos.ID, RealizedPnl: realizedPnl, Balance: newBalance}, nil
}

// realizedPnlFor computes realized P&L by side (spec.md §4.4).
func realizedPnlFor(side domain.Side, entry, exit, quantity float64) float64 {
	switch side {
	case domain.SideLong, domain.SideYes:
		return (exit - entry) * quantity
	case domain.SideShort, domain.SideNo:
		return (entry - exit) * quantity
	default:
		return 0
	}
}
