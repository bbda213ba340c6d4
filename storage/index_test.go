package storage

import (
	"testing"
	"time"
)

func openTestHeap(t *testing.T) *heapIndex {
	h, err := openHeapIndex(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open heap index: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHeapGetVersionLatest(t *testing.T) {
	h := openTestHeap(t)
	now := time.Now().UTC()

	for seq := uint64(1); seq <= 3; seq++ {
		obj := &Object{ID: "a", Namespace: "ns", CommitSeq: seq, CommitTS: now, Body: []byte(`{"v":1}`)}
		if err := h.putVersion(obj); err != nil {
			t.Fatalf("putVersion seq=%d: %v", seq, err)
		}
	}

	got, err := h.getVersion("ns", "a", 0)
	if err != nil {
		t.Fatalf("getVersion latest: %v", err)
	}
	if got.CommitSeq != 3 {
		t.Errorf("latest CommitSeq = %d, want 3", got.CommitSeq)
	}
}

func TestHeapGetVersionAtSeq(t *testing.T) {
	h := openTestHeap(t)
	now := time.Now().UTC()
	for seq := uint64(1); seq <= 5; seq++ {
		if err := h.putVersion(&Object{ID: "a", Namespace: "ns", CommitSeq: seq, CommitTS: now}); err != nil {
			t.Fatalf("putVersion: %v", err)
		}
	}

	got, err := h.getVersion("ns", "a", 3)
	if err != nil {
		t.Fatalf("getVersion at_seq=3: %v", err)
	}
	if got.CommitSeq != 3 {
		t.Errorf("at_seq=3 returned CommitSeq %d, want 3", got.CommitSeq)
	}

	if _, err := h.getVersion("ns", "a", 0); err != nil {
		t.Fatalf("getVersion latest after at_seq read: %v", err)
	}
}

func TestHeapGetVersionNotFound(t *testing.T) {
	h := openTestHeap(t)
	if _, err := h.getVersion("ns", "missing", 0); err != ErrNotFound {
		t.Errorf("getVersion on missing id = %v, want ErrNotFound", err)
	}
}

func TestHeapListNamespaceSkipsTombstonesAndOtherNamespaces(t *testing.T) {
	h := openTestHeap(t)
	now := time.Now().UTC()

	if err := h.putVersion(&Object{ID: "a", Namespace: "ns1", CommitSeq: 1, CommitTS: now}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := h.putVersion(&Object{ID: "b", Namespace: "ns1", CommitSeq: 1, CommitTS: now}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := h.putVersion(&Object{ID: "b", Namespace: "ns1", CommitSeq: 2, CommitTS: now, Tombstone: true}); err != nil {
		t.Fatalf("tombstone b: %v", err)
	}
	if err := h.putVersion(&Object{ID: "c", Namespace: "ns2", CommitSeq: 1, CommitTS: now}); err != nil {
		t.Fatalf("put c: %v", err)
	}

	out, err := h.listNamespace("ns1")
	if err != nil {
		t.Fatalf("listNamespace: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("listNamespace(ns1) = %+v, want just [a]", out)
	}
}

func TestHeapTagIndex(t *testing.T) {
	h := openTestHeap(t)
	if err := h.indexTags("ns", "a", Tags{"color": "red", "size": "s"}); err != nil {
		t.Fatalf("indexTags a: %v", err)
	}
	if err := h.indexTags("ns", "b", Tags{"color": "red"}); err != nil {
		t.Fatalf("indexTags b: %v", err)
	}

	ids, err := h.idsWithTag("ns", "color", "red")
	if err != nil {
		t.Fatalf("idsWithTag: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("idsWithTag(color=red) = %v, want 2 ids", ids)
	}

	if err := h.unindexTags("ns", "a", Tags{"color": "red", "size": "s"}); err != nil {
		t.Fatalf("unindexTags: %v", err)
	}
	ids, err = h.idsWithTag("ns", "color", "red")
	if err != nil {
		t.Fatalf("idsWithTag after unindex: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("idsWithTag(color=red) after unindex = %v, want [b]", ids)
	}
}
