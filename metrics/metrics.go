package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"agentstate/storage"
)

const namespace = "agentstate"

// Collector implements storage.Recorder and satisfies prometheus.Collector,
// so a caller that does wire up an HTTP exposition endpoint (left to that
// caller; see spec Non-goals) can register it directly with a
// prometheus.Registry.
type Collector struct {
	commitsTotal    *prometheus.CounterVec
	commitsRejected *prometheus.CounterVec
	walBytesTotal   prometheus.Counter
	watchOverflows  *prometheus.CounterVec
	leaseExpired    *prometheus.CounterVec
}

var _ storage.Recorder = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)

// New creates a Collector with freshly initialized counter vectors.
func New() *Collector {
	return &Collector{
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "total",
			Help:      "Committed mutations, by namespace and event kind.",
		}, []string{"namespace", "kind"}),
		commitsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "rejected_total",
			Help:      "Rejected mutations, by namespace and reason.",
		}, []string{"namespace", "reason"}),
		walBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "bytes_written_total",
			Help:      "Bytes of object body written to the write-ahead log.",
		}),
		watchOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "overflow_total",
			Help:      "Watch subscriptions terminated because their backlog overflowed.",
		}, []string{"namespace"}),
		leaseExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "expired_total",
			Help:      "Leases reclaimed by TTL expiry, by namespace.",
		}, []string{"namespace"}),
	}
}

// CommitCommitted implements storage.Recorder.
func (c *Collector) CommitCommitted(namespace string, kind storage.EventKind) {
	c.commitsTotal.WithLabelValues(namespace, kind.String()).Inc()
}

// CommitRejected implements storage.Recorder.
func (c *Collector) CommitRejected(namespace, reason string) {
	c.commitsRejected.WithLabelValues(namespace, reason).Inc()
}

// WALBytesWritten implements storage.Recorder.
func (c *Collector) WALBytesWritten(n int) {
	c.walBytesTotal.Add(float64(n))
}

// WatchOverflow implements storage.Recorder.
func (c *Collector) WatchOverflow(namespace string) {
	c.watchOverflows.WithLabelValues(namespace).Inc()
}

// LeaseExpired implements storage.Recorder.
func (c *Collector) LeaseExpired(namespace string) {
	c.leaseExpired.WithLabelValues(namespace).Inc()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.commitsTotal.Describe(ch)
	c.commitsRejected.Describe(ch)
	ch <- c.walBytesTotal.Desc()
	c.watchOverflows.Describe(ch)
	c.leaseExpired.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.commitsTotal.Collect(ch)
	c.commitsRejected.Collect(ch)
	ch <- c.walBytesTotal
	c.watchOverflows.Collect(ch)
	c.leaseExpired.Collect(ch)
}
