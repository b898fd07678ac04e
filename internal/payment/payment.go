// Package payment wraps the external payment provider: purchase intent
// creation and withdrawal payout issuance (spec.md §1's "payment provider"
// collaborator). The webhook payload parser itself is a declared non-goal
// (spec.md §1) — this package only issues outbound calls and exposes the
// minimal typed shape the webhook handler needs to resolve an event.
package payment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/payout"
)

// Client issues payment-provider calls on behalf of purchases and
// withdrawals.
type Client struct {
	log zerolog.Logger
}

// New constructs a Client and configures the package-level Stripe API key,
// matching stripe-go's standard client-less usage.
func New(secretKey string, log zerolog.Logger) *Client {
	stripe.Key = secretKey
	return &Client{log: log.With().Str("component", "payment").Logger()}
}

// CreatePurchaseIntent opens a payment intent for a tier purchase, returning
// the client secret the front-end confirms (spec.md §6 `/purchases`).
func (c *Client) CreatePurchaseIntent(ctx context.Context, amountMinor int64, currency, purchaseID string) (clientSecret, intentID string, err error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	params.AddMetadata("purchaseId", purchaseID)
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create payment intent: %w", err)
	}
	return pi.ClientSecret, pi.ID, nil
}

// IssuePayout pays out a withdrawal (spec.md §4.8 step 3), returning the
// provider's reference for the transfer.
func (c *Client) IssuePayout(ctx context.Context, amountMinor int64, currency, withdrawalID string) (payoutRef string, err error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	params.AddMetadata("withdrawalId", withdrawalID)
	params.Context = ctx

	po, err := payout.New(params)
	if err != nil {
		return "", fmt.Errorf("issue payout: %w", err)
	}
	return po.ID, nil
}

// WebhookEvent is the minimal shape the core service's HTTP layer decodes a
// Stripe webhook into before dispatching — the byte-level signature
// verification and full event unmarshal is the declared non-goal;
// this is the contract downstream saga code consumes.
type WebhookEvent struct {
	Type           string
	PaymentIntentID string
	PayoutID       string
	Succeeded      bool
}
