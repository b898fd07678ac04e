package persistence

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vaticlabs/vatic/internal/cache"
)

// DLQEntry is one dead-lettered cancelled-position write (spec.md §4.10).
type DLQEntry struct {
	AssessmentID string    `msgpack:"assessmentId"`
	PositionID   string    `msgpack:"positionId"`
	Timestamp    time.Time `msgpack:"timestamp"`
	ErrorMessage string    `msgpack:"errorMessage"`
	RetryCount   int       `msgpack:"retryCount"`
	ErrorType    string    `msgpack:"errorType"`
}

// DLQ pushes msgpack-encoded entries onto the cache's dead-letter list.
type DLQ struct {
	cache *cache.Cache
}

// NewDLQ constructs a DLQ.
func NewDLQ(c *cache.Cache) *DLQ {
	return &DLQ{cache: c}
}

func classLabel(c Class) string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Push encodes and appends an entry, refreshing the list's 7-day TTL.
func (d *DLQ) Push(ctx context.Context, assessmentID, positionID string, retryCount int, class Class, cause error) error {
	entry := DLQEntry{
		AssessmentID: assessmentID,
		PositionID:   positionID,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: cause.Error(),
		RetryCount:   retryCount,
		ErrorType:    classLabel(class),
	}
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	return d.cache.RPushWithTTL(ctx, cache.PersistenceDLQKey, raw, cache.PersistenceDLQTTL)
}

// Size reports the DLQ's current length. No endpoint reads it; /ready
// checks only the database.
func (d *DLQ) Size(ctx context.Context) (int64, error) {
	return d.cache.ListLen(ctx, cache.PersistenceDLQKey)
}
