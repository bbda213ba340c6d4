package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// idempotencyCache sits in front of sideTables' persisted bucket, giving the
// commit coordinator a single check-then-record call per mutation.
type idempotencyCache struct {
	side *sideTables
}

func newIdempotencyCache(side *sideTables) *idempotencyCache {
	return &idempotencyCache{side: side}
}

// check looks up key in namespace. If found with a matching fingerprint, it
// returns the previously recorded response so the caller can short-circuit
// the mutation entirely (replaying the original effect without re-applying
// it). If found with a different fingerprint, it returns
// ErrIdempotencyConflict.
func (c *idempotencyCache) check(namespace, key, fingerprint string) (found bool, response json.RawMessage, err error) {
	if key == "" {
		return false, nil, nil
	}
	rec, err := c.side.getIdempotency(namespace, key)
	if err != nil {
		return false, nil, err
	}
	if rec == nil {
		return false, nil, nil
	}
	if rec.Fingerprint != fingerprint {
		return false, nil, ErrIdempotencyConflict
	}
	return true, rec.Response, nil
}

// sweepExpired deletes every persisted record older than retention,
// measured from when it was recorded, per spec.md §4.4 ("entries expire
// after a configured retention window"). Returns the number removed.
func (c *idempotencyCache) sweepExpired(retention time.Duration, now time.Time) (int, error) {
	var expired []idempotencyRecord
	if err := c.side.forEachIdempotency(func(r idempotencyRecord) error {
		if now.Sub(r.RecordedAt) > retention {
			expired = append(expired, r)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	for _, r := range expired {
		if err := c.side.deleteIdempotency(r.Namespace, r.Key); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (c *idempotencyCache) record(namespace, key, fingerprint string, commitSeq uint64, response any, now time.Time) error {
	if key == "" {
		return nil
	}
	b, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotency response: %w", err)
	}
	return c.side.putIdempotency(idempotencyRecord{
		Namespace:   namespace,
		Key:         key,
		Fingerprint: fingerprint,
		CommitSeq:   commitSeq,
		Response:    b,
		RecordedAt:  now,
	})
}
