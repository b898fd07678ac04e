// Package persistence implements the periodic hot-path-to-durable-store
// reconciliation of spec.md §4.10, with retry classification, a
// dead-letter queue, and health tracking.
package persistence

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Class is the retry classifier's verdict for a durable-store error
// (spec.md §4.10).
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassUnknown
)

// permanentPgCodes are Postgres error codes that will never succeed on
// retry (spec.md §4.10: "uniqueness, foreign-key, not-null, syntax").
var permanentPgCodes = map[string]bool{
	"23505": true, // unique_violation
	"23503": true, // foreign_key_violation
	"23502": true, // not_null_violation
	"42601": true, // syntax_error
}

// Classify inspects err and returns the retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if permanentPgCodes[pgErr.Code] {
			return ClassPermanent
		}
		return ClassUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "host unreachable"),
		strings.Contains(msg, "temporarily unavailable"):
		return ClassTransient
	}

	return ClassUnknown
}

// backoffDelays are the fixed retry delays for transient and unknown
// classes (spec.md §4.10: "100 ms, 200 ms, 400 ms").
var backoffDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// WithRetry runs fn, retrying on transient/unknown errors per
// backoffDelays, and returning immediately on a permanent classification.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(backoffDelays); attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if Classify(err) == ClassPermanent {
			return err
		}
		if attempt == len(backoffDelays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelays[attempt]):
		}
	}
	return lastErr
}
