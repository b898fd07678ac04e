// Package cache wraps the Redis client used as Vatic's hot-path store,
// session cache, market-price oracle backing, ring membership set/pub-sub,
// and persistence dead-letter queue (spec.md §6 "Cache key layout").
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config controls Redis client construction.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache is a thin, typed wrapper over a *redis.Client.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New dials Redis and returns a Cache. Dialing is lazy in go-redis; New
// performs an explicit PING so startup fails fast on misconfiguration.
func New(cfg Config, log zerolog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{rdb: rdb, log: log.With().Str("component", "cache").Logger()}, nil
}

// Client exposes the underlying client for redis-specific calls outside
// this wrapper's typed surface. No package in this module calls it.
func (c *Cache) Client() *redis.Client { return c.rdb }

// Close releases the connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// Key layout helpers (spec.md §6).

func AssessmentStateKey(assessmentID string) string { return "assessment:" + assessmentID + ":state" }
func AssessmentRulesKey(assessmentID string) string { return "assessment:" + assessmentID + ":rules" }
func FundedStateKey(fundedID string) string         { return "funded:" + fundedID + ":state" }
func FundedRulesKey(fundedID string) string          { return "funded:" + fundedID + ":rules" }
func MarketPriceKey(market string) string            { return "market:" + market + ":price" }
func SessionKey(token string) string                 { return "session:" + token }

const (
	WebsocketNodesSetKey    = "websocket:nodes"
	WebsocketNodeJoinChan   = "websocket:node:join"
	WebsocketNodeLeaveChan  = "websocket:node:leave"
	PersistenceDLQKey       = "persistence:failed:cancelled-positions"
	AssessmentStatePattern  = "assessment:*:state"
	AssessmentRulesPattern  = "assessment:*:rules"
	FundedStatePattern      = "funded:*:state"
	FundedRulesPattern      = "funded:*:rules"
	SessionTTL              = 30 * time.Minute
	PersistenceDLQTTL       = 7 * 24 * time.Hour
)

// ErrNotFound is returned when a key is absent — callers treat this as
// "no live state" per spec.md §4.1.
var ErrNotFound = redis.Nil

// GetBytes reads a raw value. Returns ErrNotFound if absent.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetBytes performs a single-write full replace of a key, optionally with
// a TTL (ttl<=0 means no expiry).
func (c *Cache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// ScanKeys returns all keys matching pattern, used by the periodic workers
// to sweep `assessment:*:state` / `assessment:*:rules` (spec.md §4.10).
func (c *Cache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// RPushWithTTL appends a value to a list, (re-)setting the list's TTL —
// used by the persistence worker's dead-letter queue.
func (c *Cache) RPushWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, value)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ListLen returns the length of a list (DLQ size observability).
func (c *Cache) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// SAdd adds a member to a set (ring node registration).
func (c *Cache) SAdd(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

// SRem removes a member from a set.
func (c *Cache) SRem(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// SMembers lists all members of a set.
func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// Publish publishes a message on a pub/sub channel (ring membership
// change notifications).
func (c *Cache) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe subscribes to a pub/sub channel.
func (c *Cache) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// peakUpdateScript atomically re-reads the JSON blob at key, and — if the
// caller-supplied currentBalance exceeds the stored peakBalance — rewrites
// peakBalance in place. This is a belt-and-braces guard alongside the
// saga-level per-assessment lock (spec.md §5): even a caller that raced
// past the lock cannot regress the peak.
var peakUpdateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw == false then
  return 0
end
local snap = cjson.decode(raw)
local current = tonumber(ARGV[1])
if current > snap.peakBalance then
  snap.peakBalance = current
  redis.call('SET', KEYS[1], cjson.encode(snap))
  return 1
end
return 0
`)

// UpdatePeakIfHigher runs the peak-update Lua script against a snapshot
// key, given the caller's view of currentBalance. Returns true if the
// stored peak was raised.
func (c *Cache) UpdatePeakIfHigher(ctx context.Context, key string, currentBalance float64) (bool, error) {
	res, err := peakUpdateScript.Run(ctx, c.rdb, []string{key}, currentBalance).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
