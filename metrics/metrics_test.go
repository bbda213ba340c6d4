package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"agentstate/storage"
)

func TestCollectorRecordsCommits(t *testing.T) {
	c := New()
	c.CommitCommitted("agents", storage.EventPut)
	c.CommitCommitted("agents", storage.EventPut)
	c.CommitRejected("agents", "fenced_out")
	c.WALBytesWritten(128)
	c.WatchOverflow("agents")
	c.LeaseExpired("agents")

	if got := testutil.ToFloat64(c.commitsTotal.WithLabelValues("agents", "PUT")); got != 2 {
		t.Errorf("commitsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.commitsRejected.WithLabelValues("agents", "fenced_out")); got != 1 {
		t.Errorf("commitsRejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.walBytesTotal); got != 128 {
		t.Errorf("walBytesTotal = %v, want 128", got)
	}
}

func TestCollectorRegistersWithPrometheus(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
}
