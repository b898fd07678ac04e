package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaticlabs/vatic/internal/cache"
)

// Store exposes get/set/delete over per-assessment (and per-funded-account)
// hot snapshots, per spec.md §4.1. Sets are single-write full replaces;
// reads tolerate absence as "no live state".
type Store struct {
	cache *cache.Cache
}

// NewStore constructs a Store over a Cache.
func NewStore(c *cache.Cache) *Store {
	return &Store{cache: c}
}

// Get reads the snapshot at key. ok is false if absent.
func (s *Store) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	raw, err := s.cache.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

// Set performs a full-replace write of the snapshot at key.
func (s *Store) Set(ctx context.Context, key string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := s.cache.SetBytes(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("set snapshot %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot at key, used on terminal transitions (spec.md
// §3 "On terminal transitions, the durable store is updated first, then
// the hot snapshot is deleted").
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, key)
}

// UpdatePeakIfHigher rewrites peakBalance in place when currentBalance
// exceeds it (spec.md §4.1's "read-modify-write helper"), via the cache's
// atomic Lua script.
func (s *Store) UpdatePeakIfHigher(ctx context.Context, key string, currentBalance float64) error {
	_, err := s.cache.UpdatePeakIfHigher(ctx, key, currentBalance)
	return err
}

// GetRules reads the rules snapshot at key.
func (s *Store) GetRules(ctx context.Context, key string) (RulesSnapshot, bool, error) {
	raw, err := s.cache.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return RulesSnapshot{}, false, nil
		}
		return RulesSnapshot{}, false, fmt.Errorf("get rules %s: %w", key, err)
	}
	var rs RulesSnapshot
	if err := json.Unmarshal(raw, &rs); err != nil {
		return RulesSnapshot{}, false, fmt.Errorf("decode rules %s: %w", key, err)
	}
	return rs, true, nil
}

// SetRules performs a full-replace write of the rules snapshot at key.
func (s *Store) SetRules(ctx context.Context, key string, rs RulesSnapshot) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode rules %s: %w", key, err)
	}
	return s.cache.SetBytes(ctx, key, raw, 0)
}

// ScanKeys lists snapshot keys matching pattern, for the periodic workers.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	return s.cache.ScanKeys(ctx, pattern)
}
