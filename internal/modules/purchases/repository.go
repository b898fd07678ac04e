// Package purchases persists Purchase rows and the atomic
// purchase-completion-plus-assessment-creation transition (spec.md §3:
// "completion and assessment creation are atomic").
package purchases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/storedb"
)

// ErrNotFound is returned when a purchase row does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists Purchases.
type Repository struct {
	db *storedb.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *storedb.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a pending purchase row.
func (r *Repository) Create(ctx context.Context, p domain.Purchase) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO purchases (id, user_id, tier_id, external_payment_ref, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.UserID, p.TierID, p.ExternalPaymentRef, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}
	return nil
}

// GetByExternalRef looks up a purchase by its payment-provider reference —
// the idempotency key for webhook redelivery (spec.md §8: duplicate
// payment_intent.succeeded webhooks must produce exactly one Assessment).
func (r *Repository) GetByExternalRef(ctx context.Context, ref string) (domain.Purchase, error) {
	return r.scanOne(ctx, `WHERE external_payment_ref = $1`, ref)
}

// Get returns the purchase with the given id.
func (r *Repository) Get(ctx context.Context, id string) (domain.Purchase, error) {
	return r.scanOne(ctx, `WHERE id = $1`, id)
}

func (r *Repository) scanOne(ctx context.Context, where string, arg interface{}) (domain.Purchase, error) {
	var p domain.Purchase
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, user_id, tier_id, external_payment_ref, status, created_at, completed_at
		 FROM purchases `+where, arg).
		Scan(&p.ID, &p.UserID, &p.TierID, &p.ExternalPaymentRef, &p.Status, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Purchase{}, ErrNotFound
	}
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

// CompleteWithAssessment marks the purchase completed and inserts the
// resulting Assessment + VirtualAccount rows in a single transaction, so a
// partial failure never leaves a completed purchase without its assessment.
func (r *Repository) CompleteWithAssessment(ctx context.Context, purchaseID string, completedAt time.Time, assessment domain.Assessment, account domain.VirtualAccount) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE purchases SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
			domain.PurchaseCompleted, completedAt, purchaseID, domain.PurchasePending)
		if err != nil {
			return fmt.Errorf("complete purchase: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already completed (redelivered webhook) or missing: treat as
			// idempotent no-op; no assessment or virtual account is inserted.
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO assessments (id, user_id, tier_id, purchase_id, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			assessment.ID, assessment.UserID, assessment.TierID, assessment.PurchaseID, assessment.Status, assessment.CreatedAt); err != nil {
			return fmt.Errorf("insert assessment: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO virtual_accounts (assessment_id, starting_balance, current_balance, peak_balance, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			account.AssessmentID, account.StartingBalance, account.CurrentBalance, account.PeakBalance, account.UpdatedAt); err != nil {
			return fmt.Errorf("insert virtual account: %w", err)
		}

		return nil
	})
}
