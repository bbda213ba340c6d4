package storage

import (
	"fmt"
	"sync"
	"time"
)

// leaseTable is the in-memory, namespace-scoped view over sideTables'
// persisted lease bucket. Fencing tokens are monotonic per (namespace,name)
// and only ever increase, even across process restarts, since they're
// seeded from the persisted record on first touch.
type leaseTable struct {
	mu      sync.Mutex
	side    *sideTables
	tokens  map[string]uint64 // namespace\x00name -> last issued token
	leases  map[string]*Lease // namespace\x00name -> current lease, nil entries removed on expiry
}

func newLeaseTable(side *sideTables) (*leaseTable, error) {
	lt := &leaseTable{
		side:   side,
		tokens: make(map[string]uint64),
		leases: make(map[string]*Lease),
	}
	err := side.forEachLease(func(r leaseRecord) error {
		k := leaseMapKey(r.Namespace, r.Name)
		lt.tokens[k] = r.Token
		lt.leases[k] = &Lease{
			Namespace: r.Namespace,
			Name:      r.Name,
			Owner:     r.Owner,
			Token:     r.Token,
			ExpiresAt: r.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load lease table: %w", err)
	}
	return lt, nil
}

func leaseMapKey(namespace, name string) string { return namespace + "\x00" + name }

// acquire grants namespace/name to owner if it is unheld or expired,
// assigning the next fencing token. It returns ErrLeaseHeld if another
// owner currently holds an unexpired lease.
func (lt *leaseTable) acquire(namespace, name, owner string, ttl time.Duration, now time.Time) (*Lease, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	k := leaseMapKey(namespace, name)
	if cur, ok := lt.leases[k]; ok && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return nil, ErrLeaseHeld
	}

	lt.tokens[k]++
	lease := &Lease{
		Namespace: namespace,
		Name:      name,
		Owner:     owner,
		Token:     lt.tokens[k],
		ExpiresAt: now.Add(ttl),
	}
	if err := lt.persistLocked(lease); err != nil {
		return nil, err
	}
	lt.leases[k] = lease
	return lease, nil
}

// renew extends an owned, unexpired lease without changing its token.
func (lt *leaseTable) renew(namespace, name, owner string, ttl time.Duration, now time.Time) (*Lease, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	k := leaseMapKey(namespace, name)
	cur, ok := lt.leases[k]
	if !ok || now.After(cur.ExpiresAt) {
		return nil, ErrLeaseInvalid
	}
	if cur.Owner != owner {
		return nil, ErrLeaseInvalid
	}
	cur.ExpiresAt = now.Add(ttl)
	if err := lt.persistLocked(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// release drops a lease regardless of expiry. Per spec.md §4.5, release
// requires only the current owner and the current fencing token to match —
// unlike renew, its match clause carries no "and not expired" conjunct, so
// releasing an expired-but-not-yet-reclaimed lease still clears it rather
// than returning ErrLeaseInvalid. The fencing token is not reused: the next
// acquire still increments from it.
func (lt *leaseTable) release(namespace, name, owner string, token uint64) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	k := leaseMapKey(namespace, name)
	cur, ok := lt.leases[k]
	if !ok {
		return ErrLeaseInvalid
	}
	if cur.Owner != owner || cur.Token != token {
		return ErrLeaseInvalid
	}
	delete(lt.leases, k)
	return lt.side.deleteLease(namespace, name)
}

// validateFence checks a caller-presented (name, token) pair against the
// currently recorded token for that lease. Per spec.md §4.5, a mutation is
// accepted only if its token is >= the token currently on record; a token
// from before the most recent acquire/preemption is stale and rejected.
func (lt *leaseTable) validateFence(namespace, name string, token uint64) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	k := leaseMapKey(namespace, name)
	if token < lt.tokens[k] {
		return ErrFencedOut
	}
	return nil
}

func (lt *leaseTable) get(namespace, name string) (*Lease, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.leases[leaseMapKey(namespace, name)]
	return l, ok
}

func (lt *leaseTable) persistLocked(l *Lease) error {
	return lt.side.putLease(leaseRecord{
		Namespace: l.Namespace,
		Name:      l.Name,
		Owner:     l.Owner,
		Token:     l.Token,
		ExpiresAt: l.ExpiresAt,
	})
}

// sweepExpired drops every lease whose ExpiresAt has passed, returning the
// namespaces touched so callers can log or emit a metric per sweep.
func (lt *leaseTable) sweepExpired(now time.Time) []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	touched := map[string]struct{}{}
	for k, l := range lt.leases {
		if now.After(l.ExpiresAt) {
			delete(lt.leases, k)
			_ = lt.side.deleteLease(l.Namespace, l.Name)
			touched[l.Namespace] = struct{}{}
		}
	}
	out := make([]string, 0, len(touched))
	for ns := range touched {
		out = append(out, ns)
	}
	return out
}
