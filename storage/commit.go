package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Put validates, fences, de-duplicates and durably commits req, publishing
// the resulting event to every live watcher of its namespace. Commits
// within one namespace are strictly serialized by namespaceState.mu, which
// is what makes commit_seq a total order per namespace.
func (e *Engine) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	if e.isDegraded() {
		return PutResult{}, ErrDegraded
	}
	if req.Namespace == "" || req.Type == "" {
		return PutResult{}, fmt.Errorf("%w: namespace and type are required", ErrInvalidArgument)
	}

	ns := e.namespaceState(req.Namespace)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	select {
	case <-ctx.Done():
		return PutResult{}, ErrCancelled
	default:
	}

	id := req.ID
	now := time.Now().UTC()
	if id == "" {
		id = newObjectID(now)
	}

	fp := fingerprint(req.Namespace, "put", req.ID, req.Type, req.Body, req.Tags)
	if req.IdempotencyKey != "" {
		found, resp, err := e.idem.check(req.Namespace, req.IdempotencyKey, fp)
		if err != nil {
			e.opts.Recorder.CommitRejected(req.Namespace, "idempotency_conflict")
			return PutResult{}, err
		}
		if found {
			var out PutResult
			if err := json.Unmarshal(resp, &out); err != nil {
				return PutResult{}, fmt.Errorf("%w: decode cached idempotent response: %v", ErrCorruption, err)
			}
			return out, nil
		}
	}

	if req.LeaseName != "" {
		if err := e.leases.validateFence(req.Namespace, req.LeaseName, req.LeaseToken); err != nil {
			e.opts.Recorder.CommitRejected(req.Namespace, "fenced_out")
			return PutResult{}, err
		}
	}

	existing, err := e.heap.getVersion(req.Namespace, id, 0)
	if err != nil && err != ErrNotFound {
		return PutResult{}, err
	}

	seq := ns.seq + 1
	hash := commitHash(req.Namespace, id, req.Type, now, req.Body)

	rec := walRecord{
		Kind:       recordPut,
		Namespace:  req.Namespace,
		Seq:        seq,
		CommitTS:   now.UnixNano(),
		ID:         id,
		Type:       req.Type,
		Body:       req.Body,
		Tags:       req.Tags,
		TTLSeconds: req.TTLSeconds,
		Parents:    req.Parents,
		CommitHash: hash,
	}
	result := PutResult{ID: id, CommitSeq: seq, CommitTS: now}
	if req.IdempotencyKey != "" {
		respBytes, err := json.Marshal(result)
		if err != nil {
			return PutResult{}, fmt.Errorf("encode idempotent response: %w", err)
		}
		rec2 := rec
		rec2.Kind = recordIdempotencyPut
		rec2.IdempotencyKey = req.IdempotencyKey
		rec2.Fingerprint = fp
		rec2.Response = respBytes
		if _, err := e.wal.Append(rec2); err != nil {
			e.markDegraded(err)
			return PutResult{}, err
		}
	}
	lsn, err := e.wal.Append(rec)
	if err != nil {
		e.markDegraded(err)
		return PutResult{}, err
	}
	e.opts.Recorder.WALBytesWritten(len(req.Body))
	_ = lsn

	obj := &Object{
		ID:         id,
		Namespace:  req.Namespace,
		Type:       req.Type,
		Body:       req.Body,
		Tags:       req.Tags,
		TTLSeconds: req.TTLSeconds,
		Parents:    req.Parents,
		CommitSeq:  seq,
		CommitTS:   now,
		CommitHash: hash,
	}
	if err := e.heap.putVersion(obj); err != nil {
		e.markDegraded(err)
		return PutResult{}, err
	}
	// An update replaces the live tag edges outright: the previous version's
	// tags must come out of the index before the new ones go in, or a query
	// for a tag the object no longer carries keeps matching it (spec.md
	// §4.3: tag_index holds the ids currently live under each pair).
	if existing != nil {
		if err := e.heap.unindexTags(req.Namespace, id, existing.Tags); err != nil {
			e.markDegraded(err)
			return PutResult{}, err
		}
	}
	if err := e.heap.indexTags(req.Namespace, id, req.Tags); err != nil {
		e.markDegraded(err)
		return PutResult{}, err
	}

	if req.IdempotencyKey != "" {
		if err := e.idem.record(req.Namespace, req.IdempotencyKey, fp, seq, result, now); err != nil {
			e.markDegraded(err)
			return PutResult{}, err
		}
	}

	ns.seq = seq
	if err := e.manifest.setBookmark(req.Namespace, seq); err != nil {
		e.logger.Warn("failed to persist bookmark", "namespace", req.Namespace, "err", err)
	}

	e.watch.Publish(Event{
		CommitSeq:  seq,
		Namespace:  req.Namespace,
		Kind:       EventPut,
		ID:         id,
		Body:       req.Body,
		Tags:       req.Tags,
		CommitTS:   now,
		CommitHash: hash,
	})
	e.opts.Recorder.CommitCommitted(req.Namespace, EventPut)

	return result, nil
}

// Delete durably tombstones an object. Reads against its history (Get with
// AtSeq below this commit_seq) continue to see the pre-delete version.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (DeleteResult, error) {
	if e.isDegraded() {
		return DeleteResult{}, ErrDegraded
	}
	if req.Namespace == "" || req.ID == "" {
		return DeleteResult{}, fmt.Errorf("%w: namespace and id are required", ErrInvalidArgument)
	}

	ns := e.namespaceState(req.Namespace)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	select {
	case <-ctx.Done():
		return DeleteResult{}, ErrCancelled
	default:
	}

	existing, err := e.heap.getVersion(req.Namespace, req.ID, 0)
	if err != nil && err != ErrNotFound {
		return DeleteResult{}, err
	}

	fp := fingerprint(req.Namespace, "delete", req.ID, "", nil, nil)
	if req.IdempotencyKey != "" {
		found, resp, err := e.idem.check(req.Namespace, req.IdempotencyKey, fp)
		if err != nil {
			return DeleteResult{}, err
		}
		if found {
			var out DeleteResult
			if err := json.Unmarshal(resp, &out); err != nil {
				return DeleteResult{}, fmt.Errorf("%w: decode cached idempotent response: %v", ErrCorruption, err)
			}
			return out, nil
		}
	}

	if req.LeaseName != "" {
		if err := e.leases.validateFence(req.Namespace, req.LeaseName, req.LeaseToken); err != nil {
			return DeleteResult{}, err
		}
	}

	if existing == nil || existing.Tombstone {
		return DeleteResult{}, ErrNotFound
	}

	now := time.Now().UTC()
	seq := ns.seq + 1
	hash := commitHash(req.Namespace, req.ID, existing.Type, now, nil)

	rec := walRecord{
		Kind:       recordDelete,
		Namespace:  req.Namespace,
		Seq:        seq,
		CommitTS:   now.UnixNano(),
		ID:         req.ID,
		CommitHash: hash,
	}
	if _, err := e.wal.Append(rec); err != nil {
		e.markDegraded(err)
		return DeleteResult{}, err
	}

	tomb := &Object{
		ID:         req.ID,
		Namespace:  req.Namespace,
		Type:       existing.Type,
		CommitSeq:  seq,
		CommitTS:   now,
		CommitHash: hash,
		Tombstone:  true,
	}
	if err := e.heap.putVersion(tomb); err != nil {
		e.markDegraded(err)
		return DeleteResult{}, err
	}
	if err := e.heap.unindexTags(req.Namespace, req.ID, existing.Tags); err != nil {
		e.markDegraded(err)
		return DeleteResult{}, err
	}

	result := DeleteResult{CommitSeq: seq, CommitTS: now}
	if req.IdempotencyKey != "" {
		if err := e.idem.record(req.Namespace, req.IdempotencyKey, fp, seq, result, now); err != nil {
			e.markDegraded(err)
			return DeleteResult{}, err
		}
	}

	ns.seq = seq
	if err := e.manifest.setBookmark(req.Namespace, seq); err != nil {
		e.logger.Warn("failed to persist bookmark", "namespace", req.Namespace, "err", err)
	}

	e.watch.Publish(Event{
		CommitSeq:  seq,
		Namespace:  req.Namespace,
		Kind:       EventDelete,
		ID:         req.ID,
		CommitTS:   now,
		CommitHash: hash,
	})
	e.opts.Recorder.CommitCommitted(req.Namespace, EventDelete)

	return result, nil
}

// Get returns the latest (or, with AtSeq set, the latest-as-of) version of
// one object. A tombstoned version is reported as ErrNotFound.
func (e *Engine) Get(ctx context.Context, namespace, id string, opts GetOptions) (*Object, error) {
	obj, err := e.heap.getVersion(namespace, id, opts.AtSeq)
	if err != nil {
		return nil, err
	}
	if obj.Tombstone {
		return nil, ErrNotFound
	}
	if obj.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return obj, nil
}

// Query returns every live object in a namespace matching the given tag and
// JSONPath-equality predicates.
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]*Object, error) {
	if req.Vector != nil && len(req.Vector.Embedding) > 0 {
		return nil, fmt.Errorf("%w: vector queries are not supported", ErrInvalidArgument)
	}

	limit := clampLimit(req.Limit, e.opts.DefaultQueryLimit, e.opts.MaxQueryLimit)

	var candidateIDs map[string]bool
	for k, v := range req.TagFilter {
		ids, err := e.heap.idsWithTag(req.Namespace, k, v)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		if candidateIDs == nil {
			candidateIDs = set
		} else {
			for id := range candidateIDs {
				if !set[id] {
					delete(candidateIDs, id)
				}
			}
		}
		if len(candidateIDs) == 0 {
			return nil, nil
		}
	}

	all, err := e.heap.listNamespace(req.Namespace)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []*Object
	for _, obj := range all {
		if obj.Expired(now) {
			continue
		}
		if candidateIDs != nil && !candidateIDs[obj.ID] {
			continue
		}
		if len(req.JSONPath) > 0 && !matchesJSONPath(obj.Body, req.JSONPath) {
			continue
		}
		if len(req.Fields) > 0 {
			var decoded map[string]json.RawMessage
			if err := json.Unmarshal(obj.Body, &decoded); err == nil {
				projected := make(map[string]json.RawMessage, len(req.Fields))
				for _, f := range req.Fields {
					if v, ok := decoded[f]; ok {
						projected[f] = v
					}
				}
				if b, err := json.Marshal(projected); err == nil {
					obj.Body = b
				}
			}
		}
		out = append(out, obj)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesJSONPath(body []byte, filter JSONPathFilter) bool {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false
	}
	for path, want := range filter {
		got, ok := lookupPath(decoded, path)
		if !ok {
			return false
		}
		gb, _ := json.Marshal(got)
		wb, _ := json.Marshal(want)
		if string(gb) != string(wb) {
			return false
		}
	}
	return true
}

// lookupPath resolves a dotted top-level/nested field path against a
// decoded JSON object, e.g. "status.phase".
func lookupPath(m map[string]any, path string) (any, bool) {
	cur := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := obj[key]
			if !ok {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

// AcquireLease grants namespace/name to owner for ttl (0 uses the engine
// default), assigning the next fencing token.
func (e *Engine) AcquireLease(namespace, name, owner string, ttl time.Duration) (*Lease, error) {
	ttl = e.clampLeaseTTL(ttl)
	return e.leases.acquire(namespace, name, owner, ttl, time.Now().UTC())
}

// RenewLease extends an owned, unexpired lease.
func (e *Engine) RenewLease(namespace, name, owner string, ttl time.Duration) (*Lease, error) {
	ttl = e.clampLeaseTTL(ttl)
	return e.leases.renew(namespace, name, owner, ttl, time.Now().UTC())
}

// clampLeaseTTL substitutes the engine default for an unset ttl and caps it
// at lease.max_ttl_seconds, so one misbehaving caller can't pin a lease far
// past what operators configured as reasonable.
func (e *Engine) clampLeaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = e.opts.DefaultLeaseTTL
	}
	if ttl > e.opts.MaxLeaseTTL {
		ttl = e.opts.MaxLeaseTTL
	}
	return ttl
}

// ReleaseLease drops a lease early, or reclaims one already past its TTL.
// Both owner and token must match the lease currently on record.
func (e *Engine) ReleaseLease(namespace, name, owner string, token uint64) error {
	return e.leases.release(namespace, name, owner, token)
}

// GetLease returns the lease currently recorded for namespace/name, if any.
func (e *Engine) GetLease(namespace, name string) (*Lease, bool) {
	return e.leases.get(namespace, name)
}

// ValidateFence checks a caller-presented fencing token without performing
// a mutation, useful for a caller guarding a side effect outside the store.
func (e *Engine) ValidateFence(namespace, name string, token uint64) error {
	return e.leases.validateFence(namespace, name, token)
}

// Watch is the caller-facing handle returned by Subscribe.
type Watch struct {
	sub *subscriber
	hub *WatchHub
}

// Next blocks for the next event, honoring ctx cancellation. It returns
// io.EOF after Close, and ErrOverflow once the subscriber's backlog has
// overflowed and the subscription has been terminated.
func (w *Watch) Next(ctx context.Context) (Event, error) {
	return w.sub.Next(ctx)
}

// Close ends the subscription, decrementing the hub's live subscriber
// count exactly once.
func (w *Watch) Close() {
	w.hub.Unsubscribe(w.sub)
}

// LastCommit reports the commit_seq of the most recently delivered event.
// After Next returns ErrOverflow, the caller resubscribes with
// from_commit = LastCommit()+1.
func (w *Watch) LastCommit() uint64 {
	return w.sub.LastCommit()
}

// Subscribe registers a watcher on namespace's change feed, resuming at
// fromCommit inclusive (0 subscribes from the current tail).
func (e *Engine) Subscribe(namespace string, fromCommit uint64) *Watch {
	return &Watch{sub: e.watch.Subscribe(namespace, fromCommit), hub: e.watch}
}

// SubscriberCount reports how many live watchers namespace currently has.
func (e *Engine) SubscriberCount(namespace string) int64 {
	return e.watch.SubscriberCount(namespace)
}

// BacklogEvents and BacklogSeconds surface the watch hub's per-namespace
// deepest subscriber backlog and seconds since the last publish, for health
// checks, mirroring the original implementation's backlog_map.
func (e *Engine) BacklogEvents(namespace string) int        { return e.watch.BacklogEvents(namespace) }
func (e *Engine) BacklogSeconds(namespace string) float64   { return e.watch.BacklogSeconds(namespace) }
