package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func openTestEngine(t *testing.T, dir string) *Engine {
	e, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEnginePutGetDelete(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	put, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{"text":"hi"}`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if put.ID == "" || put.CommitSeq != 1 {
		t.Fatalf("Put result = %+v, want non-empty ID and CommitSeq=1", put)
	}

	obj, err := e.Get(ctx, "ns", put.ID, GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Body) != `{"text":"hi"}` {
		t.Errorf("Get body = %s, want {\"text\":\"hi\"}", obj.Body)
	}

	del, err := e.Delete(ctx, DeleteRequest{Namespace: "ns", ID: put.ID})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if del.CommitSeq != 2 {
		t.Errorf("Delete CommitSeq = %d, want 2", del.CommitSeq)
	}

	if _, err := e.Get(ctx, "ns", put.ID, GetOptions{}); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	// The pre-delete version is still visible via time travel.
	old, err := e.Get(ctx, "ns", put.ID, GetOptions{AtSeq: 1})
	if err != nil {
		t.Fatalf("Get at_seq=1: %v", err)
	}
	if string(old.Body) != `{"text":"hi"}` {
		t.Errorf("Get at_seq=1 body = %s, want original body", old.Body)
	}
}

func TestEnginePutIdempotentReplay(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	req := PutRequest{Namespace: "ns", Type: "memory", ID: "fixed", Body: json.RawMessage(`{"v":1}`), IdempotencyKey: "key-1"}
	first, err := e.Put(ctx, req)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}

	second, err := e.Put(ctx, req)
	if err != nil {
		t.Fatalf("second Put with same idempotency key: %v", err)
	}
	if second.CommitSeq != first.CommitSeq {
		t.Errorf("replayed Put got a new CommitSeq: %d != %d", second.CommitSeq, first.CommitSeq)
	}

	changed := req
	changed.Body = json.RawMessage(`{"v":2}`)
	if _, err := e.Put(ctx, changed); !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("Put with same key, different body = %v, want ErrIdempotencyConflict", err)
	}
}

func TestEngineLeaseFencingOnPut(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	lease, err := e.AcquireLease("ns", "writer-lock", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{}`), LeaseName: "writer-lock", LeaseToken: lease.Token}); err != nil {
		t.Fatalf("Put with current token: %v", err)
	}

	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{}`), LeaseName: "writer-lock", LeaseToken: lease.Token - 1}); !errors.Is(err, ErrFencedOut) {
		t.Errorf("Put with stale token = %v, want ErrFencedOut", err)
	}
}

func TestEngineQueryByTagsAndJSONPath(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "task", Body: json.RawMessage(`{"status":{"phase":"done"}}`), Tags: Tags{"owner": "agent-1"}}); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "task", Body: json.RawMessage(`{"status":{"phase":"pending"}}`), Tags: Tags{"owner": "agent-2"}}); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	byTag, err := e.Query(ctx, QueryRequest{Namespace: "ns", TagFilter: TagFilter{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Query by tag: %v", err)
	}
	if len(byTag) != 1 {
		t.Fatalf("Query by tag returned %d objects, want 1", len(byTag))
	}

	byPath, err := e.Query(ctx, QueryRequest{Namespace: "ns", JSONPath: JSONPathFilter{"status.phase": "done"}})
	if err != nil {
		t.Fatalf("Query by jsonpath: %v", err)
	}
	if len(byPath) != 1 {
		t.Fatalf("Query by jsonpath returned %d objects, want 1", len(byPath))
	}

	if _, err := e.Query(ctx, QueryRequest{Namespace: "ns", Vector: &VectorQuery{Embedding: []float32{1, 2, 3}}}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Query with a vector clause = %v, want ErrInvalidArgument", err)
	}
}

func TestEngineRecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	put, err := e1.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", ID: "a", Body: json.RawMessage(`{"v":1}`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e1.AcquireLease("ns", "lock", "worker-1", time.Hour); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	obj, err := e2.Get(ctx, "ns", "a", GetOptions{})
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if obj.CommitSeq != put.CommitSeq {
		t.Errorf("Get after restart CommitSeq = %d, want %d", obj.CommitSeq, put.CommitSeq)
	}

	lease, ok := e2.GetLease("ns", "lock")
	if !ok {
		t.Fatal("lease missing after restart")
	}
	if lease.Owner != "worker-1" {
		t.Errorf("recovered lease owner = %q, want worker-1", lease.Owner)
	}

	// Commits continue from where they left off, not from zero.
	next, err := e2.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", ID: "b", Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Put after restart: %v", err)
	}
	if next.CommitSeq <= put.CommitSeq {
		t.Errorf("CommitSeq after restart = %d, want > %d", next.CommitSeq, put.CommitSeq)
	}
}

func TestEngineIdempotentPutSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	req := PutRequest{Namespace: "ns", Type: "memory", ID: "fixed", Body: json.RawMessage(`{"v":1}`), IdempotencyKey: "key-1"}
	first, err := e1.Put(ctx, req)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	// Replaying the WAL on open must not clobber the idempotency record's
	// cached response: a duplicate Put with the same key still needs to
	// return the original, non-zero result rather than a blank one.
	second, err := e2.Put(ctx, req)
	if err != nil {
		t.Fatalf("Put with same idempotency key after restart: %v", err)
	}
	if second.ID != first.ID || second.CommitSeq != first.CommitSeq {
		t.Errorf("Put after restart = %+v, want identical cached result %+v", second, first)
	}
	if second.CommitSeq == 0 {
		t.Error("cached response came back zeroed, WAL replay clobbered it")
	}
}

func TestEngineQueryExcludesStaleTagAfterUpdate(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	put, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "task", ID: "a", Body: json.RawMessage(`{}`), Tags: Tags{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "task", ID: put.ID, Body: json.RawMessage(`{}`), Tags: Tags{"owner": "agent-2"}}); err != nil {
		t.Fatalf("update Put: %v", err)
	}

	byOldTag, err := e.Query(ctx, QueryRequest{Namespace: "ns", TagFilter: TagFilter{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Query old tag: %v", err)
	}
	if len(byOldTag) != 0 {
		t.Errorf("Query by stale tag returned %d objects, want 0", len(byOldTag))
	}

	byNewTag, err := e.Query(ctx, QueryRequest{Namespace: "ns", TagFilter: TagFilter{"owner": "agent-2"}})
	if err != nil {
		t.Fatalf("Query new tag: %v", err)
	}
	if len(byNewTag) != 1 {
		t.Errorf("Query by current tag returned %d objects, want 1", len(byNewTag))
	}
}

func TestEngineQueryExcludesStaleTagAfterUpdateAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	put, err := e1.Put(ctx, PutRequest{Namespace: "ns", Type: "task", ID: "a", Body: json.RawMessage(`{}`), Tags: Tags{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e1.Put(ctx, PutRequest{Namespace: "ns", Type: "task", ID: put.ID, Body: json.RawMessage(`{}`), Tags: Tags{"owner": "agent-2"}}); err != nil {
		t.Fatalf("update Put: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	// WAL replay on open must unindex the pre-update tags the same way the
	// live commit path does, or the stale edge resurfaces after a restart.
	byOldTag, err := e2.Query(ctx, QueryRequest{Namespace: "ns", TagFilter: TagFilter{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Query old tag after restart: %v", err)
	}
	if len(byOldTag) != 0 {
		t.Errorf("Query by stale tag after restart returned %d objects, want 0", len(byOldTag))
	}
}

func TestEngineReleaseLeaseRequiresMatchingToken(t *testing.T) {
	e := openTestEngine(t, t.TempDir())

	lease, err := e.AcquireLease("ns", "writer-lock", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	if err := e.ReleaseLease("ns", "writer-lock", "worker-1", lease.Token-1); !errors.Is(err, ErrLeaseInvalid) {
		t.Errorf("ReleaseLease with stale token = %v, want ErrLeaseInvalid", err)
	}
	if _, ok := e.GetLease("ns", "writer-lock"); !ok {
		t.Fatal("lease removed despite stale-token release being rejected")
	}

	if err := e.ReleaseLease("ns", "writer-lock", "worker-1", lease.Token); err != nil {
		t.Fatalf("ReleaseLease with current token: %v", err)
	}
	if _, ok := e.GetLease("ns", "writer-lock"); ok {
		t.Error("lease still present after valid release")
	}
}

func TestEngineTTLExpiredObjectInvisibleBeforeSweep(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	put, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{}`), TTLSeconds: 1, Tags: Tags{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// No sweeper has run; the object is still present in the heap. TTL
	// expiry is enforced at read time (Object.Expired), so Get and Query
	// must already hide it once its TTL has elapsed.
	time.Sleep(1100 * time.Millisecond)

	if _, err := e.Get(ctx, "ns", put.ID, GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on TTL-expired object = %v, want ErrNotFound", err)
	}

	objs, err := e.Query(ctx, QueryRequest{Namespace: "ns", TagFilter: TagFilter{"owner": "agent-1"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("Query returned %d TTL-expired objects, want 0", len(objs))
	}
}

func TestEngineSnapshotRestoreAndTrimWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openTestEngine(t, dir)

	for i := 0; i < 5; i++ {
		if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{"i":1}`)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CommitSeqBookmark["ns"] != 5 {
		t.Errorf("snapshot bookmark = %d, want 5", snap.CommitSeqBookmark["ns"])
	}

	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{"i":2}`)}); err != nil {
		t.Fatalf("Put after snapshot: %v", err)
	}

	report, err := e.Restore(snap.SnapshotID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.FilesChecked == 0 {
		t.Error("Restore report has zero files checked")
	}
	if len(report.FilesCorrupt) != 0 {
		t.Errorf("Restore report found corrupt files: %v", report.FilesCorrupt)
	}

	if err := e.TrimWAL(snap.SnapshotID); err != nil {
		t.Fatalf("TrimWAL: %v", err)
	}
}

func TestEngineDumpNamespaceAndManifest(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	if _, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	objs, err := e.DumpNamespace("ns")
	if err != nil {
		t.Fatalf("DumpNamespace: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("DumpNamespace returned %d objects, want 1", len(objs))
	}

	man := e.Manifest()
	if man.Bookmarks["ns"] != 1 {
		t.Errorf("Manifest bookmark = %d, want 1", man.Bookmarks["ns"])
	}
}

func TestEngineWatchSeesCommittedMutations(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx := context.Background()

	w := e.Subscribe("ns", 0)
	defer w.Close()

	put, err := e.Put(ctx, PutRequest{Namespace: "ns", Type: "memory", Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ev, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.CommitSeq != put.CommitSeq || ev.Kind != EventPut {
		t.Errorf("event = %+v, want CommitSeq=%d Kind=PUT", ev, put.CommitSeq)
	}
	if w.LastCommit() != put.CommitSeq {
		t.Errorf("LastCommit = %d, want %d", w.LastCommit(), put.CommitSeq)
	}
}
