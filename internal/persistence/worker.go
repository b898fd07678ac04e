package persistence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/state"
)

// Worker reconciles the hot snapshot store onto the durable relational
// store on a fixed cadence (spec.md §4.10).
type Worker struct {
	store    *state.Store
	repo     *assessments.Repository
	producer *eventbus.Producer
	dlq      *DLQ
	log      zerolog.Logger

	interval time.Duration

	mu                  sync.Mutex
	lastSuccessfulCycle time.Time
	consecutiveFailures int
}

// NewWorker constructs a Worker. interval is the reconciliation cadence
// (spec.md §4.10: 5 s).
func NewWorker(store *state.Store, repo *assessments.Repository, producer *eventbus.Producer, dlq *DLQ, interval time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		repo:     repo,
		producer: producer,
		dlq:      dlq,
		interval: interval,
		log:      log.With().Str("component", "persistence_worker").Logger(),
	}
}

// Run ticks until ctx is cancelled, running one reconciliation cycle per
// tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

// runCycle sweeps every live assessment snapshot once. A cycle is
// "successful" iff every per-assessment sub-unit succeeded (spec.md §7).
func (w *Worker) runCycle(ctx context.Context) {
	keys, err := w.store.ScanKeys(ctx, cache.AssessmentStatePattern)
	if err != nil {
		w.log.Error().Err(err).Msg("scan assessment snapshots failed")
		w.recordFailure()
		return
	}

	ok := true
	for _, key := range keys {
		assessmentID := assessmentIDFromKey(key, ":state")
		if assessmentID == "" {
			continue
		}
		if err := w.reconcileAssessment(ctx, assessmentID); err != nil {
			w.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("reconcile cycle failed")
			ok = false
		}
	}

	if ok {
		w.recordSuccess()
	} else {
		w.recordFailure()
	}
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSuccessfulCycle = time.Now()
	w.consecutiveFailures = 0
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveFailures++
}

// Healthy reports the worker's readiness per spec.md §4.10: "healthy iff
// consecutiveFailures ≤ 5 ∧ now − lastSuccess < 60 s".
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveFailures <= 5 && time.Since(w.lastSuccessfulCycle) < 60*time.Second
}

// reconcileAssessment runs steps 1-4 of spec.md §4.10 for one assessment.
func (w *Worker) reconcileAssessment(ctx context.Context, assessmentID string) error {
	snap, ok, err := w.store.Get(ctx, cache.AssessmentStateKey(assessmentID))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	va, err := w.repo.GetVirtualAccount(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, assessments.ErrNotFound) {
			return nil // step 1: no durable row yet, skip
		}
		return err
	}

	if err := w.persistBalance(ctx, va, snap); err != nil {
		return err
	}

	durablePositions, err := w.repo.ListPositions(ctx, assessmentID)
	if err != nil {
		return err
	}
	durableByID := make(map[string]domain.Position, len(durablePositions))
	for _, p := range durablePositions {
		durableByID[p.ID] = p
	}

	seen := make(map[string]bool, len(snap.Positions))
	for _, p := range snap.Positions {
		seen[p.ID] = true
		if err := w.reconcilePosition(ctx, assessmentID, p, durableByID[p.ID], p.ID); err != nil {
			return err
		}
	}

	// Step 4: durable open positions absent from the snapshot are closures.
	for _, durable := range durablePositions {
		if seen[durable.ID] || durable.Status != domain.PositionOpen || durable.ClosedAt != nil {
			continue
		}
		if err := WithRetry(ctx, func(ctx context.Context) error {
			return w.repo.ClosePosition(ctx, durable.ID, time.Now())
		}); err != nil {
			return err
		}
		snap.TradeCount++
		w.publish(eventbus.PositionClosedPayload{
			AssessmentID: assessmentID,
			PositionID:   durable.ID,
			EntryPrice:   durable.EntryPrice,
			ExitPrice:    durable.CurrentPrice,
			RealizedPnl:  durable.UnrealizedPnl,
		})
	}
	if err := w.store.Set(ctx, cache.AssessmentStateKey(assessmentID), snap); err != nil {
		return err
	}

	return nil
}

// persistBalance is step 2: optimistic-concurrency mirror of the balance
// envelope. A changed updatedAt is logged as a warning and the write
// proceeds; last-writer-wins is acceptable because this worker is the
// sole writer of these columns.
func (w *Worker) persistBalance(ctx context.Context, va domain.VirtualAccount, snap state.Snapshot) error {
	prior := va.UpdatedAt
	va.CurrentBalance = snap.CurrentBalance
	va.PeakBalance = snap.PeakBalance
	va.RealizedPnl = snap.RealizedPnl
	va.UnrealizedPnl = snap.UnrealizedPnl
	va.UpdatedAt = time.Now()
	return WithRetry(ctx, func(ctx context.Context) error {
		if cur, err := w.repo.GetVirtualAccount(ctx, va.AssessmentID); err == nil && !cur.UpdatedAt.Equal(prior) {
			w.log.Warn().Str("assessment_id", va.AssessmentID).Msg("virtual account updatedAt changed since read, overwriting")
		}
		return w.repo.UpsertVirtualAccount(ctx, va)
	})
}

// reconcilePosition is step 3, one position at a time.
func (w *Worker) reconcilePosition(ctx context.Context, assessmentID string, p state.PositionView, durable domain.Position, positionID string) error {
	if durable.ID == "" {
		status := domain.PositionOpen
		if p.Status == domain.PositionCancelled {
			status = domain.PositionCancelled
		}
		row := domain.Position{
			ID: p.ID, AssessmentID: assessmentID, Market: p.Market, Side: p.Side,
			Quantity: p.Quantity, EntryPrice: p.EntryPrice, CurrentPrice: p.CurrentPrice,
			UnrealizedPnl: p.UnrealizedPnl, Status: status, OpenedAt: p.OpenedAt,
		}
		if status == domain.PositionCancelled {
			now := time.Now()
			row.ClosedAt = &now
		}
		return w.retryOrDLQ(ctx, assessmentID, positionID, func(ctx context.Context) error {
			if err := w.repo.UpsertPosition(ctx, row); err != nil {
				return err
			}
			if status == domain.PositionCancelled {
				return w.repo.MarkTradesCancelledByPosition(ctx, p.ID)
			}
			return nil
		})
	}

	if p.Status == domain.PositionCancelled && durable.Status != domain.PositionCancelled {
		return w.retryOrDLQ(ctx, assessmentID, positionID, func(ctx context.Context) error {
			fresh, err := w.repo.GetPosition(ctx, positionID)
			if err != nil {
				return err
			}
			if fresh.Status == domain.PositionCancelled {
				return nil // guard against duplicate work
			}
			return w.repo.CancelPositionTx(ctx, positionID, time.Now())
		})
	}

	return WithRetry(ctx, func(ctx context.Context) error {
		return w.repo.UpsertPosition(ctx, domain.Position{
			ID: durable.ID, AssessmentID: assessmentID, Market: durable.Market, Side: durable.Side,
			Quantity: durable.Quantity, EntryPrice: durable.EntryPrice, CurrentPrice: p.CurrentPrice,
			UnrealizedPnl: p.UnrealizedPnl, Status: durable.Status, OpenedAt: durable.OpenedAt, ClosedAt: durable.ClosedAt,
		})
	})
}

// retryOrDLQ runs fn under the retry classifier, pushing to the DLQ on a
// permanent classification or retry exhaustion (spec.md §4.10 "Retry").
func (w *Worker) retryOrDLQ(ctx context.Context, assessmentID, positionID string, fn func(ctx context.Context) error) error {
	retries := 0
	err := WithRetry(ctx, func(ctx context.Context) error {
		if retries > 0 {
			w.log.Warn().Str("assessment_id", assessmentID).Str("position_id", positionID).Int("attempt", retries).Msg("retrying cancelled-position write")
		}
		retries++
		return fn(ctx)
	})
	if err != nil {
		class := Classify(err)
		if dlqErr := w.dlq.Push(ctx, assessmentID, positionID, retries-1, class, err); dlqErr != nil {
			w.log.Error().Err(dlqErr).Msg("dlq push failed")
		}
		return err
	}
	return nil
}

func (w *Worker) publish(event eventbus.Event) {
	if err := w.producer.Publish(event, uuid.NewString()); err != nil {
		w.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}

func assessmentIDFromKey(key, suffix string) string {
	const prefix = "assessment:"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
