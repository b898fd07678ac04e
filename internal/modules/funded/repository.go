// Package funded persists the FundedAccount aggregate: the FundedAccount
// row, its FundedVirtualAccount balance envelope, and Withdrawals
// (spec.md §3, §4.7, §4.8).
package funded

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

// Repository persists the FundedAccount aggregate.
type Repository struct {
	db *storedb.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *storedb.DB) *Repository {
	return &Repository{db: db}
}

// CreateWithAccount inserts the FundedAccount and its FundedVirtualAccount
// in one transaction — the activation saga's durable-write step
// (spec.md §4.7).
func (r *Repository) CreateWithAccount(ctx context.Context, fa domain.FundedAccount, va domain.FundedVirtualAccount) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO funded_accounts (id, user_id, tier_id, assessment_id, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			fa.ID, fa.UserID, fa.TierID, fa.AssessmentID, fa.Status, fa.CreatedAt); err != nil {
			return fmt.Errorf("insert funded account: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO funded_virtual_accounts (funded_account_id, starting_balance, current_balance, peak_balance, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			va.FundedAccountID, va.StartingBalance, va.CurrentBalance, va.PeakBalance, va.UpdatedAt); err != nil {
			return fmt.Errorf("insert funded virtual account: %w", err)
		}
		return nil
	})
}

// GetByAssessment returns the funded account created from a given
// assessment, used to guard against double activation (spec.md §8
// idempotence requirement).
func (r *Repository) GetByAssessment(ctx context.Context, assessmentID string) (domain.FundedAccount, error) {
	return r.scanOne(ctx, `WHERE assessment_id = $1`, assessmentID)
}

// Get returns the funded account with the given id.
func (r *Repository) Get(ctx context.Context, id string) (domain.FundedAccount, error) {
	return r.scanOne(ctx, `WHERE id = $1`, id)
}

// ListByUser returns every funded account owned by userID (spec.md §6
// `/funded-accounts`).
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.FundedAccount, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, user_id, tier_id, assessment_id, status, closure_reason, created_at, closed_at
		 FROM funded_accounts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list funded accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.FundedAccount
	for rows.Next() {
		var fa domain.FundedAccount
		var closureReason *string
		if err := rows.Scan(&fa.ID, &fa.UserID, &fa.TierID, &fa.AssessmentID, &fa.Status, &closureReason, &fa.CreatedAt, &fa.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan funded account: %w", err)
		}
		if closureReason != nil {
			fa.ClosureReason = *closureReason
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

// ListPendingWithdrawals returns every withdrawal awaiting admin review
// (spec.md §6 `/admin/withdrawals/pending`).
func (r *Repository) ListPendingWithdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, funded_account_id, user_id, amount, status, external_payout_ref, rejection_reason, requested_at, approved_at, completed_at, rejected_at
		 FROM withdrawals WHERE status = $1 ORDER BY requested_at`, domain.WithdrawalPending)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		var payoutRef, rejectionReason *string
		if err := rows.Scan(&w.ID, &w.FundedAccountID, &w.UserID, &w.Amount, &w.Status, &payoutRef, &rejectionReason, &w.RequestedAt, &w.ApprovedAt, &w.CompletedAt, &w.RejectedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		if payoutRef != nil {
			w.ExternalPayoutRef = *payoutRef
		}
		if rejectionReason != nil {
			w.RejectionReason = *rejectionReason
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *Repository) scanOne(ctx context.Context, where string, arg interface{}) (domain.FundedAccount, error) {
	var fa domain.FundedAccount
	var closureReason *string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, user_id, tier_id, assessment_id, status, closure_reason, created_at, closed_at
		 FROM funded_accounts `+where, arg).
		Scan(&fa.ID, &fa.UserID, &fa.TierID, &fa.AssessmentID, &fa.Status, &closureReason, &fa.CreatedAt, &fa.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FundedAccount{}, ErrNotFound
	}
	if err != nil {
		return domain.FundedAccount{}, fmt.Errorf("get funded account: %w", err)
	}
	if closureReason != nil {
		fa.ClosureReason = *closureReason
	}
	return fa, nil
}

// Close transitions a funded account to closed with a reason (rule
// violation or voluntary closure).
func (r *Repository) Close(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE funded_accounts SET status = $1, closure_reason = $2, closed_at = $3 WHERE id = $4`,
		domain.FundedClosed, reason, at, id)
	if err != nil {
		return fmt.Errorf("close funded account: %w", err)
	}
	return nil
}

// UpsertVirtualAccount writes the durable mirror of a funded account's
// balance envelope (persistence worker, spec.md §4.10).
func (r *Repository) UpsertVirtualAccount(ctx context.Context, a domain.FundedVirtualAccount) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO funded_virtual_accounts (funded_account_id, starting_balance, current_balance, peak_balance, realized_pnl, unrealized_pnl, total_withdrawals, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (funded_account_id) DO UPDATE SET
		   current_balance = EXCLUDED.current_balance,
		   peak_balance = EXCLUDED.peak_balance,
		   realized_pnl = EXCLUDED.realized_pnl,
		   unrealized_pnl = EXCLUDED.unrealized_pnl,
		   total_withdrawals = EXCLUDED.total_withdrawals,
		   updated_at = EXCLUDED.updated_at`,
		a.FundedAccountID, a.StartingBalance, a.CurrentBalance, a.PeakBalance, a.RealizedPnl, a.UnrealizedPnl, a.TotalWithdrawals, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert funded virtual account: %w", err)
	}
	return nil
}

// GetVirtualAccount returns the durable funded virtual account row.
func (r *Repository) GetVirtualAccount(ctx context.Context, fundedAccountID string) (domain.FundedVirtualAccount, error) {
	var v domain.FundedVirtualAccount
	err := r.db.Pool().QueryRow(ctx,
		`SELECT funded_account_id, starting_balance, current_balance, peak_balance, realized_pnl, unrealized_pnl, total_withdrawals, updated_at
		 FROM funded_virtual_accounts WHERE funded_account_id = $1`, fundedAccountID).
		Scan(&v.FundedAccountID, &v.StartingBalance, &v.CurrentBalance, &v.PeakBalance, &v.RealizedPnl, &v.UnrealizedPnl, &v.TotalWithdrawals, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FundedVirtualAccount{}, ErrNotFound
	}
	if err != nil {
		return domain.FundedVirtualAccount{}, fmt.Errorf("get funded virtual account: %w", err)
	}
	return v, nil
}

// CreateWithdrawal inserts a pending withdrawal request.
func (r *Repository) CreateWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO withdrawals (id, funded_account_id, user_id, amount, status, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.FundedAccountID, w.UserID, w.Amount, w.Status, w.RequestedAt)
	if err != nil {
		return fmt.Errorf("create withdrawal: %w", err)
	}
	return nil
}

// GetWithdrawal returns the withdrawal with the given id.
func (r *Repository) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	var payoutRef, rejectionReason *string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, funded_account_id, user_id, amount, status, external_payout_ref, rejection_reason, requested_at, approved_at, completed_at, rejected_at
		 FROM withdrawals WHERE id = $1`, id).
		Scan(&w.ID, &w.FundedAccountID, &w.UserID, &w.Amount, &w.Status, &payoutRef, &rejectionReason, &w.RequestedAt, &w.ApprovedAt, &w.CompletedAt, &w.RejectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Withdrawal{}, ErrNotFound
	}
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("get withdrawal: %w", err)
	}
	if payoutRef != nil {
		w.ExternalPayoutRef = *payoutRef
	}
	if rejectionReason != nil {
		w.RejectionReason = *rejectionReason
	}
	return w, nil
}

// ListWithdrawalsByAccount returns every withdrawal for a funded account.
func (r *Repository) ListWithdrawalsByAccount(ctx context.Context, fundedAccountID string) ([]domain.Withdrawal, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, funded_account_id, user_id, amount, status, external_payout_ref, rejection_reason, requested_at, approved_at, completed_at, rejected_at
		 FROM withdrawals WHERE funded_account_id = $1 ORDER BY requested_at DESC`, fundedAccountID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		var payoutRef, rejectionReason *string
		if err := rows.Scan(&w.ID, &w.FundedAccountID, &w.UserID, &w.Amount, &w.Status, &payoutRef, &rejectionReason, &w.RequestedAt, &w.ApprovedAt, &w.CompletedAt, &w.RejectedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		if payoutRef != nil {
			w.ExternalPayoutRef = *payoutRef
		}
		if rejectionReason != nil {
			w.RejectionReason = *rejectionReason
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ApproveWithdrawal transitions a withdrawal to approved ahead of payout
// issuance.
func (r *Repository) ApproveWithdrawal(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE withdrawals SET status = $1, approved_at = $2 WHERE id = $3 AND status = $4`,
		domain.WithdrawalApproved, at, id, domain.WithdrawalPending)
	if err != nil {
		return fmt.Errorf("approve withdrawal: %w", err)
	}
	return nil
}

// CompleteWithdrawal transitions a withdrawal to completed once the payout
// provider confirms the transfer, recording its external reference.
func (r *Repository) CompleteWithdrawal(ctx context.Context, id, externalPayoutRef string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE withdrawals SET status = $1, external_payout_ref = $2, completed_at = $3 WHERE id = $4`,
		domain.WithdrawalCompleted, externalPayoutRef, at, id)
	if err != nil {
		return fmt.Errorf("complete withdrawal: %w", err)
	}
	return nil
}

// RejectWithdrawal transitions a withdrawal to rejected, recording why —
// also used as the saga's compensating step when payout issuance fails.
func (r *Repository) RejectWithdrawal(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE withdrawals SET status = $1, rejection_reason = $2, rejected_at = $3 WHERE id = $4`,
		domain.WithdrawalRejected, reason, at, id)
	if err != nil {
		return fmt.Errorf("reject withdrawal: %w", err)
	}
	return nil
}

// GetWithdrawalByPayoutRef looks up a withdrawal by payout-provider
// reference, for idempotent payout webhook handling.
func (r *Repository) GetWithdrawalByPayoutRef(ctx context.Context, ref string) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	var payoutRef, rejectionReason *string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, funded_account_id, user_id, amount, status, external_payout_ref, rejection_reason, requested_at, approved_at, completed_at, rejected_at
		 FROM withdrawals WHERE external_payout_ref = $1`, ref).
		Scan(&w.ID, &w.FundedAccountID, &w.UserID, &w.Amount, &w.Status, &payoutRef, &rejectionReason, &w.RequestedAt, &w.ApprovedAt, &w.CompletedAt, &w.RejectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Withdrawal{}, ErrNotFound
	}
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("get withdrawal by payout ref: %w", err)
	}
	if payoutRef != nil {
		w.ExternalPayoutRef = *payoutRef
	}
	if rejectionReason != nil {
		w.RejectionReason = *rejectionReason
	}
	return w, nil
}
