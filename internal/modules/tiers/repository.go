// Package tiers provides read access to the immutable Tier configuration
// rows (spec.md §3: "seeded; never mutated at runtime").
package tiers

import (
	"context"
	"fmt"

	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/storedb"
)

// Repository reads Tier rows.
type Repository struct {
	db *storedb.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *storedb.DB) *Repository {
	return &Repository{db: db}
}

const tierColumns = `id, name, purchase_price_minor, starting_balance, max_drawdown_ratio,
	min_trade_count, max_risk_per_trade, profit_split_ratio,
	funded_max_drawdown_ratio, funded_max_risk_per_trade`

func scanTier(row interface {
	Scan(dest ...interface{}) error
}) (domain.Tier, error) {
	var t domain.Tier
	err := row.Scan(&t.ID, &t.Name, &t.PurchasePriceMinor, &t.StartingBalance, &t.MaxDrawdownRatio,
		&t.MinTradeCount, &t.MaxRiskPerTrade, &t.ProfitSplitRatio,
		&t.FundedMaxDrawdownRatio, &t.FundedMaxRiskPerTrade)
	return t, err
}

// Get returns the Tier with the given id.
func (r *Repository) Get(ctx context.Context, id string) (domain.Tier, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+tierColumns+` FROM tiers WHERE id = $1`, id)
	t, err := scanTier(row)
	if err != nil {
		return domain.Tier{}, fmt.Errorf("get tier %s: %w", id, err)
	}
	return t, nil
}

// List returns every seeded tier.
func (r *Repository) List(ctx context.Context) ([]domain.Tier, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+tierColumns+` FROM tiers ORDER BY purchase_price_minor`)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	defer rows.Close()

	var out []domain.Tier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
