// Package assessments persists the Assessment aggregate: the Assessment row
// itself plus its VirtualAccount, Positions, Trades, Violations and
// RuleChecks (spec.md §3). The hot-path balance/position state lives in
// Redis (internal/state); this repository is the durable mirror the
// persistence worker reconciles into (spec.md §4.10).
package assessments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/storedb"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists the Assessment aggregate.
type Repository struct {
	db *storedb.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *storedb.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the assessment with the given id.
func (r *Repository) Get(ctx context.Context, id string) (domain.Assessment, error) {
	var a domain.Assessment
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, user_id, tier_id, purchase_id, status, created_at, started_at, completed_at, delete_after
		 FROM assessments WHERE id = $1`, id).
		Scan(&a.ID, &a.UserID, &a.TierID, &a.PurchaseID, &a.Status, &a.CreatedAt, &a.StartedAt, &a.CompletedAt, &a.DeleteAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Assessment{}, ErrNotFound
	}
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("get assessment: %w", err)
	}
	return a, nil
}

// GetByPurchaseID returns the assessment created for a given purchase, used
// by the purchase-completion webhook handler to recover the existing
// assessment on a redelivered event (spec.md §8 idempotence property).
func (r *Repository) GetByPurchaseID(ctx context.Context, purchaseID string) (domain.Assessment, error) {
	var a domain.Assessment
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, user_id, tier_id, purchase_id, status, created_at, started_at, completed_at, delete_after
		 FROM assessments WHERE purchase_id = $1`, purchaseID).
		Scan(&a.ID, &a.UserID, &a.TierID, &a.PurchaseID, &a.Status, &a.CreatedAt, &a.StartedAt, &a.CompletedAt, &a.DeleteAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Assessment{}, ErrNotFound
	}
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("get assessment by purchase: %w", err)
	}
	return a, nil
}

// ListByUser returns every assessment owned by the given user.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Assessment, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, user_id, tier_id, purchase_id, status, created_at, started_at, completed_at, delete_after
		 FROM assessments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []domain.Assessment
	for rows.Next() {
		var a domain.Assessment
		if err := rows.Scan(&a.ID, &a.UserID, &a.TierID, &a.PurchaseID, &a.Status, &a.CreatedAt, &a.StartedAt, &a.CompletedAt, &a.DeleteAfter); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAbandonedBefore returns abandoned assessments whose delete_after
// horizon has passed, for the soft-delete sweep (spec.md §4, scheduler).
func (r *Repository) ListAbandonedBefore(ctx context.Context, cutoff time.Time) ([]domain.Assessment, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, user_id, tier_id, purchase_id, status, created_at, started_at, completed_at, delete_after
		 FROM assessments WHERE status = $1 AND delete_after IS NOT NULL AND delete_after <= $2`,
		domain.AssessmentAbandoned, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list abandoned assessments: %w", err)
	}
	defer rows.Close()

	var out []domain.Assessment
	for rows.Next() {
		var a domain.Assessment
		if err := rows.Scan(&a.ID, &a.UserID, &a.TierID, &a.PurchaseID, &a.Status, &a.CreatedAt, &a.StartedAt, &a.CompletedAt, &a.DeleteAfter); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an assessment's status and the relevant
// timestamp column.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.AssessmentStatus, at time.Time) error {
	var err error
	switch status {
	case domain.AssessmentActive:
		_, err = r.db.Pool().Exec(ctx, `UPDATE assessments SET status = $1, started_at = $2 WHERE id = $3`, status, at, id)
	case domain.AssessmentFailed, domain.AssessmentPassed:
		_, err = r.db.Pool().Exec(ctx, `UPDATE assessments SET status = $1, completed_at = $2 WHERE id = $3`, status, at, id)
	default:
		_, err = r.db.Pool().Exec(ctx, `UPDATE assessments SET status = $1 WHERE id = $2`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update assessment status: %w", err)
	}
	return nil
}

// SetDeleteAfter stamps the soft-delete horizon on abandonment.
func (r *Repository) SetDeleteAfter(ctx context.Context, id string, deleteAfter time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE assessments SET delete_after = $1 WHERE id = $2`, deleteAfter, id)
	if err != nil {
		return fmt.Errorf("set delete_after: %w", err)
	}
	return nil
}

// SoftDelete hard-deletes rows past their delete_after horizon. Despite the
// name this is a real DELETE: "soft" describes the grace-period semantics,
// not the SQL verb, matching spec.md §4's delete-after-90-days rule.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM assessments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete assessment: %w", err)
	}
	return nil
}

// UpsertVirtualAccount writes the durable mirror of an assessment's balance
// envelope (called by the persistence worker, spec.md §4.10).
func (r *Repository) UpsertVirtualAccount(ctx context.Context, a domain.VirtualAccount) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO virtual_accounts (assessment_id, starting_balance, current_balance, peak_balance, realized_pnl, unrealized_pnl, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (assessment_id) DO UPDATE SET
		   current_balance = EXCLUDED.current_balance,
		   peak_balance = EXCLUDED.peak_balance,
		   realized_pnl = EXCLUDED.realized_pnl,
		   unrealized_pnl = EXCLUDED.unrealized_pnl,
		   updated_at = EXCLUDED.updated_at`,
		a.AssessmentID, a.StartingBalance, a.CurrentBalance, a.PeakBalance, a.RealizedPnl, a.UnrealizedPnl, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert virtual account: %w", err)
	}
	return nil
}

// GetVirtualAccount returns the durable virtual account row.
func (r *Repository) GetVirtualAccount(ctx context.Context, assessmentID string) (domain.VirtualAccount, error) {
	var v domain.VirtualAccount
	err := r.db.Pool().QueryRow(ctx,
		`SELECT assessment_id, starting_balance, current_balance, peak_balance, realized_pnl, unrealized_pnl, updated_at
		 FROM virtual_accounts WHERE assessment_id = $1`, assessmentID).
		Scan(&v.AssessmentID, &v.StartingBalance, &v.CurrentBalance, &v.PeakBalance, &v.RealizedPnl, &v.UnrealizedPnl, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VirtualAccount{}, ErrNotFound
	}
	if err != nil {
		return domain.VirtualAccount{}, fmt.Errorf("get virtual account: %w", err)
	}
	return v, nil
}

// UpsertPosition writes the durable mirror of one position.
func (r *Repository) UpsertPosition(ctx context.Context, p domain.Position) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO positions (id, assessment_id, market, side, quantity, entry_price, current_price, unrealized_pnl, status, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   current_price = EXCLUDED.current_price,
		   unrealized_pnl = EXCLUDED.unrealized_pnl,
		   status = EXCLUDED.status,
		   closed_at = EXCLUDED.closed_at`,
		p.ID, p.AssessmentID, p.Market, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnl, p.Status, p.OpenedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ListPositions returns every durable position row for an assessment.
func (r *Repository) ListPositions(ctx context.Context, assessmentID string) ([]domain.Position, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, assessment_id, market, side, quantity, entry_price, current_price, unrealized_pnl, status, opened_at, closed_at
		 FROM positions WHERE assessment_id = $1 ORDER BY opened_at`, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.ID, &p.AssessmentID, &p.Market, &p.Side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice, &p.UnrealizedPnl, &p.Status, &p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertTrade appends an immutable trade row. orderId is persisted here
// (resolves spec.md §9's open question on where the originating order id
// is recorded).
func (r *Repository) InsertTrade(ctx context.Context, t domain.Trade) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO trades (id, assessment_id, position_id, kind, market, side, quantity, price, slippage_amount, fee_amount, realized_pnl, cancelled, order_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.AssessmentID, t.PositionID, t.Kind, t.Market, t.Side, t.Quantity, t.Price, t.SlippageAmount, t.FeeAmount, t.RealizedPnl, t.Cancelled, t.OrderID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// MarkTradeCancelled flags a trade as cancelled by the event-cancellation
// handler (spec.md §4.9) without deleting the row.
func (r *Repository) MarkTradeCancelled(ctx context.Context, tradeID string) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE trades SET cancelled = true WHERE id = $1`, tradeID)
	if err != nil {
		return fmt.Errorf("mark trade cancelled: %w", err)
	}
	return nil
}

// MarkTradesCancelledByPosition bulk-flags every uncancelled trade
// referencing a position (spec.md §4.10's "bulk-sets cancelled=true on
// uncancelled trades referencing the position").
func (r *Repository) MarkTradesCancelledByPosition(ctx context.Context, positionID string) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE trades SET cancelled = true WHERE position_id = $1 AND cancelled = false`, positionID)
	if err != nil {
		return fmt.Errorf("mark trades cancelled by position: %w", err)
	}
	return nil
}

// ClosePosition durably closes a position without changing its status
// (spec.md §3: closed_at and status=cancelled are two distinct terminal
// signals) — used by the persistence worker's durable-closure path
// (spec.md §4.10 step 4).
func (r *Repository) ClosePosition(ctx context.Context, positionID string, closedAt time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE positions SET closed_at = $1 WHERE id = $2`, closedAt, positionID)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

// CancelPositionTx marks a position cancelled and bulk-cancels its trades
// in a single transaction (spec.md §4.10: "transaction that (a) sets
// position status=cancelled and closed_at=now, (b) bulk-sets
// cancelled=true on uncancelled trades referencing the position").
func (r *Repository) CancelPositionTx(ctx context.Context, positionID string, at time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE positions SET status = $1, closed_at = $2 WHERE id = $3`, domain.PositionCancelled, at, positionID); err != nil {
			return fmt.Errorf("cancel position: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE trades SET cancelled = true WHERE position_id = $1 AND cancelled = false`, positionID); err != nil {
			return fmt.Errorf("cancel trades: %w", err)
		}
		return nil
	})
}

// GetPosition returns a single durable position row, or ErrNotFound.
func (r *Repository) GetPosition(ctx context.Context, positionID string) (domain.Position, error) {
	var p domain.Position
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, assessment_id, market, side, quantity, entry_price, current_price, unrealized_pnl, status, opened_at, closed_at
		 FROM positions WHERE id = $1`, positionID).
		Scan(&p.ID, &p.AssessmentID, &p.Market, &p.Side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice, &p.UnrealizedPnl, &p.Status, &p.OpenedAt, &p.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListTradesByOrder returns trades originating from a given order id. No
// caller in this module uses it; the event-cancellation handler works from
// the hot snapshot.
func (r *Repository) ListTradesByOrder(ctx context.Context, orderID string) ([]domain.Trade, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, assessment_id, position_id, kind, market, side, quantity, price, slippage_amount, fee_amount, realized_pnl, cancelled, order_id, created_at
		 FROM trades WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list trades by order: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.AssessmentID, &t.PositionID, &t.Kind, &t.Market, &t.Side, &t.Quantity, &t.Price, &t.SlippageAmount, &t.FeeAmount, &t.RealizedPnl, &t.Cancelled, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTradesByAssessment returns a page of trades for an assessment,
// newest first, plus the total row count for pagination (spec.md §6
// `/trades` → `{trades, total, limit, offset}`).
func (r *Repository) ListTradesByAssessment(ctx context.Context, assessmentID string, limit, offset int) ([]domain.Trade, int, error) {
	var total int
	if err := r.db.Pool().QueryRow(ctx, `SELECT count(*) FROM trades WHERE assessment_id = $1`, assessmentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trades: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, assessment_id, position_id, kind, market, side, quantity, price, slippage_amount, fee_amount, realized_pnl, cancelled, order_id, created_at
		 FROM trades WHERE assessment_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, assessmentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list trades by assessment: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.AssessmentID, &t.PositionID, &t.Kind, &t.Market, &t.Side, &t.Quantity, &t.Price, &t.SlippageAmount, &t.FeeAmount, &t.RealizedPnl, &t.Cancelled, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// InsertViolation records the rule breach that ended an assessment.
func (r *Repository) InsertViolation(ctx context.Context, v domain.Violation) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO violations (id, assessment_id, rule, value, threshold, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.AssessmentID, v.Rule, v.Value, v.Threshold, v.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// InsertRuleCheck records a periodic rule evaluation (spec.md §4.5).
func (r *Repository) InsertRuleCheck(ctx context.Context, c domain.RuleCheck) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO rule_checks (id, assessment_id, rule, value, threshold, status, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AssessmentID, c.Rule, c.Value, c.Threshold, c.Status, c.CheckedAt)
	if err != nil {
		return fmt.Errorf("insert rule check: %w", err)
	}
	return nil
}

// InsertRuleChecksSkipDuplicates bulk-inserts one row per rule-type for the
// rule-checks persistence worker's cycle (spec.md §4.10), tolerating a
// re-run on the same (assessment, rule, checked_at) triple.
func (r *Repository) InsertRuleChecksSkipDuplicates(ctx context.Context, checks []domain.RuleCheck) error {
	if len(checks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range checks {
		batch.Queue(
			`INSERT INTO rule_checks (id, assessment_id, rule, value, threshold, status, checked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (assessment_id, rule, checked_at) DO NOTHING`,
			c.ID, c.AssessmentID, c.Rule, c.Value, c.Threshold, c.Status, c.CheckedAt)
	}
	br := r.db.Pool().SendBatch(ctx, batch)
	defer br.Close()
	for range checks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("bulk insert rule checks: %w", err)
		}
	}
	return nil
}
