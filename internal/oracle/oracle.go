// Package oracle consumes the market-price contract of spec.md §4.2. It
// is a thin typed reader over the cache — the ingestion pipeline that
// populates `market:{market}:price` is an external collaborator
// (spec.md §1 non-goals).
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vaticlabs/vatic/internal/cache"
)

// ErrUnavailable is returned when the oracle has no price for a market —
// the order path must fail with a retriable condition (spec.md §4.2).
var ErrUnavailable = errors.New("market data unavailable")

// IsPrediction reports whether a market identifier names a prediction
// market (spec.md §4.2: "any identifier not prefixed polymarket: or
// kalshi: returns a scalar").
func IsPrediction(market string) bool {
	return strings.HasPrefix(market, "polymarket:") || strings.HasPrefix(market, "kalshi:")
}

// PredictionPrice is the {yes, no} pair prediction markets return.
type PredictionPrice struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// Price is the reference price for one market: either a scalar (crypto)
// or a PredictionPrice (prediction markets).
type Price struct {
	Scalar     float64
	Prediction PredictionPrice
	IsPredict  bool
}

// ForSide returns the reference price relevant to a given side.
func (p Price) ForSide(side string) float64 {
	if !p.IsPredict {
		return p.Scalar
	}
	if side == "yes" {
		return p.Prediction.Yes
	}
	return p.Prediction.No
}

// Oracle reads reference prices from the cache.
type Oracle struct {
	cache *cache.Cache
}

// New constructs an Oracle.
func New(c *cache.Cache) *Oracle {
	return &Oracle{cache: c}
}

// Get returns the reference price for market. Returns ErrUnavailable if
// absent from the cache.
func (o *Oracle) Get(ctx context.Context, market string) (Price, error) {
	raw, err := o.cache.GetBytes(ctx, cache.MarketPriceKey(market))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Price{}, ErrUnavailable
		}
		return Price{}, fmt.Errorf("read price for %s: %w", market, err)
	}

	if IsPrediction(market) {
		var pp PredictionPrice
		if err := json.Unmarshal(raw, &pp); err != nil {
			return Price{}, fmt.Errorf("decode prediction price for %s: %w", market, err)
		}
		return Price{Prediction: pp, IsPredict: true}, nil
	}

	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return Price{}, fmt.Errorf("decode scalar price for %s: %w", market, err)
	}
	return Price{Scalar: scalar}, nil
}
