package storage

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Recorder receives point-in-time counters from the engine. metrics.Collector
// implements this; engines built without one get a no-op.
type Recorder interface {
	CommitCommitted(namespace string, kind EventKind)
	CommitRejected(namespace string, reason string)
	WALBytesWritten(n int)
	WatchOverflow(namespace string)
	LeaseExpired(namespace string)
}

type noopRecorder struct{}

func (noopRecorder) CommitCommitted(string, EventKind) {}
func (noopRecorder) CommitRejected(string, string)     {}
func (noopRecorder) WALBytesWritten(int)                {}
func (noopRecorder) WatchOverflow(string)               {}
func (noopRecorder) LeaseExpired(string)                {}

// Options configures an Engine on Open.
type Options struct {
	DataDir string

	MaxSegmentSize uint32 // WAL segment rotation threshold; 0 uses DefaultMaxSegmentSize
	Region         string

	WatchMaxEvents int // per-subscriber backlog cap; 0 uses subscriberDefaultMaxEvents
	WatchMaxBytes  int

	DefaultQueryLimit int // 0 uses 100
	MaxQueryLimit     int // 0 uses 10000

	DefaultLeaseTTL time.Duration // 0 uses 30s
	MaxLeaseTTL     time.Duration // 0 uses 1h; caller-requested ttl is clamped to this ceiling
	SweepInterval   time.Duration // 0 uses 10s

	IdempotencyRetention time.Duration // 0 uses 24h

	Logger   *slog.Logger
	Recorder Recorder
}

func (o *Options) setDefaults() {
	if o.DefaultQueryLimit <= 0 {
		o.DefaultQueryLimit = 100
	}
	if o.MaxQueryLimit <= 0 {
		o.MaxQueryLimit = 10000
	}
	if o.DefaultLeaseTTL <= 0 {
		o.DefaultLeaseTTL = 30 * time.Second
	}
	if o.MaxLeaseTTL <= 0 {
		o.MaxLeaseTTL = time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.IdempotencyRetention <= 0 {
		o.IdempotencyRetention = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Recorder == nil {
		o.Recorder = noopRecorder{}
	}
}

// namespaceState tracks the MVCC sequence counter and serializes the commit
// pipeline for one namespace, matching spec.md §4.7's "commits within a
// namespace are strictly serialized" invariant.
type namespaceState struct {
	mu  sync.Mutex
	seq uint64
}

// Engine is the top-level handle wiring the WAL, heap index, side tables,
// watch hub and commit coordinator into the durable, queryable object store
// described by the specification this module implements.
type Engine struct {
	opts   Options
	logger *slog.Logger

	wal      *WriteAheadLog
	manifest *manifestStore
	heap     *heapIndex
	side     *sideTables
	idem     *idempotencyCache
	leases   *leaseTable
	watch    *WatchHub

	nsMu       sync.Mutex
	namespaces map[string]*namespaceState

	degraded bool
	degMu    sync.Mutex

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Open opens (creating if necessary) an Engine rooted at opts.DataDir,
// replaying every WAL segment still on disk, oldest first.
func Open(opts Options) (*Engine, error) {
	opts.setDefaults()

	wal, err := OpenWriteAheadLog(filepath.Join(opts.DataDir, "wal"), opts.MaxSegmentSize, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	manifest, err := openManifestStore(opts.DataDir)
	if err != nil {
		wal.Close()
		return nil, err
	}
	heap, err := openHeapIndex(filepath.Join(opts.DataDir, "heap"), opts.Logger)
	if err != nil {
		wal.Close()
		return nil, err
	}
	side, err := openSideTables(filepath.Join(opts.DataDir, "sidetables.db"))
	if err != nil {
		wal.Close()
		heap.Close()
		return nil, err
	}
	leases, err := newLeaseTable(side)
	if err != nil {
		wal.Close()
		heap.Close()
		side.Close()
		return nil, err
	}

	wal.SetOnRotate(func(seg SegmentInfo) error {
		return manifest.recordSegmentClosed(seg)
	})

	e := &Engine{
		opts:       opts,
		logger:     opts.Logger,
		wal:        wal,
		manifest:   manifest,
		heap:       heap,
		side:       side,
		idem:       newIdempotencyCache(side),
		leases:     leases,
		watch:      NewWatchHub(opts.WatchMaxEvents, opts.WatchMaxBytes),
		namespaces: make(map[string]*namespaceState),
		closeCh:    make(chan struct{}),
	}
	e.watch.SetOnOverflow(func(namespace string, lastCommit uint64) {
		e.opts.Recorder.WatchOverflow(namespace)
		e.logger.Warn("watch subscriber overflowed", "namespace", namespace, "last_commit", lastCommit)
	})

	if err := e.recover(); err != nil {
		wal.Close()
		heap.Close()
		side.Close()
		return nil, err
	}

	e.wg.Add(1)
	go e.sweepLoop()

	return e, nil
}

func (e *Engine) namespaceState(namespace string) *namespaceState {
	e.nsMu.Lock()
	defer e.nsMu.Unlock()
	ns, ok := e.namespaces[namespace]
	if !ok {
		ns = &namespaceState{}
		e.namespaces[namespace] = ns
	}
	return ns
}

func (e *Engine) setNamespaceSeq(namespace string, seq uint64) {
	ns := e.namespaceState(namespace)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if seq > ns.seq {
		ns.seq = seq
	}
}

// pauseAllNamespaces locks every known namespace's commit serialization
// point at once and returns the per-namespace commit_seq vector observed at
// that instant, plus the WAL's LSN at the same instant, together with a
// release func that must be called to resume commits. This is the
// coordinator pause spec.md §4.2 describes: "the coordinator pauses new
// commits briefly to observe a consistent (per-namespace commit_seq)
// vector". Namespaces are locked in sorted name order; since every other
// caller (Put/Delete) only ever locks a single namespace at a time, this
// fixed global order cannot deadlock against them.
func (e *Engine) pauseAllNamespaces() (bookmarks map[string]uint64, globalLSN uint64, release func()) {
	e.nsMu.Lock()
	names := make([]string, 0, len(e.namespaces))
	states := make([]*namespaceState, 0, len(e.namespaces))
	for n, ns := range e.namespaces {
		names = append(names, n)
		states = append(states, ns)
	}
	e.nsMu.Unlock()

	sort.Sort(&nsPair{names: names, states: states})

	for _, ns := range states {
		ns.mu.Lock()
	}
	bookmarks = make(map[string]uint64, len(names))
	for i, n := range names {
		bookmarks[n] = states[i].seq
	}
	globalLSN = e.wal.CurrentLSN()

	return bookmarks, globalLSN, func() {
		for _, ns := range states {
			ns.mu.Unlock()
		}
	}
}

// nsPair sorts two parallel slices together by name, giving
// pauseAllNamespaces a deterministic lock order.
type nsPair struct {
	names  []string
	states []*namespaceState
}

func (p *nsPair) Len() int      { return len(p.names) }
func (p *nsPair) Swap(i, j int) {
	p.names[i], p.names[j] = p.names[j], p.names[i]
	p.states[i], p.states[j] = p.states[j], p.states[i]
}
func (p *nsPair) Less(i, j int) bool { return p.names[i] < p.names[j] }

func (e *Engine) isDegraded() bool {
	e.degMu.Lock()
	defer e.degMu.Unlock()
	return e.degraded
}

func (e *Engine) markDegraded(cause error) {
	e.degMu.Lock()
	defer e.degMu.Unlock()
	if !e.degraded {
		e.degraded = true
		e.logger.Error("engine entering degraded state", "cause", cause)
	}
}

// Snapshot takes a new point-in-time snapshot and returns its id plus the
// per-namespace commit_seq bookmark it captured.
func (e *Engine) Snapshot() (SnapshotResult, error) {
	id := fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	return e.takeSnapshot(id)
}

// Restore loads a previously taken snapshot into the heap and side tables.
func (e *Engine) Restore(snapshotID string) (IntegrityReport, error) {
	return e.restoreSnapshot(snapshotID)
}

// TrimWAL removes every WAL segment already fully captured by snapshotID,
// the admin.trim_wal operation from spec.md §6.
func (e *Engine) TrimWAL(snapshotID string) error {
	return e.trimWAL(snapshotID)
}

// DiskUsagePercent reports the fraction of the data directory's filesystem
// currently in use, a coarse signal for an operator-facing health check
// ahead of an outright ErrPersistentStorage from disk exhaustion.
func (e *Engine) DiskUsagePercent() (float64, error) {
	return diskUsagePercent(e.opts.DataDir)
}

// DumpNamespace returns every live object in namespace, the in-process
// equivalent of the original implementation's all_objects admin escape
// hatch.
func (e *Engine) DumpNamespace(namespace string) ([]*Object, error) {
	return e.heap.listNamespace(namespace)
}

// Manifest reports the durable manifest's current contents.
func (e *Engine) Manifest() ManifestSnapshot {
	return e.manifest.snapshot()
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, ns := range e.leases.sweepExpired(now) {
				e.opts.Recorder.LeaseExpired(ns)
			}
			if n, err := e.idem.sweepExpired(e.opts.IdempotencyRetention, now); err != nil {
				e.logger.Warn("idempotency sweep failed", "err", err)
			} else if n > 0 {
				e.logger.Info("swept expired idempotency records", "count", n)
			}
		}
	}
}

// Close flushes and closes every underlying store. Safe to call once.
func (e *Engine) Close() error {
	close(e.closeCh)
	e.wg.Wait()
	e.watch.CloseAll()

	var errs []error
	if err := e.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.heap.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.side.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close engine: %v", errs)
	}
	return nil
}
