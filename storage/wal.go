package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"
)

const (
	// DefaultMaxSegmentSize is 64MB. The heap/index is rebuilt from segments on
	// recovery, so keeping individual files modest bounds worst-case replay time.
	DefaultMaxSegmentSize = 64 * 1024 * 1024

	// frameHeaderSize is Length(4) + Checksum(4), mirroring the teacher's WAL framing.
	frameHeaderSize = 8

	walMagic = "ASTW"
)

// recordKind tags the payload of one WAL frame, matching the kinds the
// original implementation's walbin.rs distinguishes.
type recordKind uint8

const (
	recordPut recordKind = iota + 1
	recordDelete
	recordLeaseAcquire
	recordLeaseRenew
	recordLeaseRelease
	recordIdempotencyPut
)

// walRecord is the CBOR-encoded unit appended to the log. lsn is the global,
// cross-namespace sequence used only to order and name segments; Seq is the
// namespace-local commit_seq that is the MVCC ordering authority.
type walRecord struct {
	LSN        uint64     `cbor:"1,keyasint"`
	Kind       recordKind `cbor:"2,keyasint"`
	Namespace  string     `cbor:"3,keyasint"`
	Seq        uint64     `cbor:"4,keyasint"`
	CommitTS   int64      `cbor:"5,keyasint"` // unix nanos
	ID         string     `cbor:"6,keyasint,omitempty"`
	Type       string     `cbor:"7,keyasint,omitempty"`
	Body       []byte     `cbor:"8,keyasint,omitempty"`
	Tags       Tags       `cbor:"9,keyasint,omitempty"`
	TTLSeconds uint64     `cbor:"10,keyasint,omitempty"`
	Parents    []string   `cbor:"11,keyasint,omitempty"`
	CommitHash string     `cbor:"12,keyasint,omitempty"`

	LeaseName  string `cbor:"13,keyasint,omitempty"`
	LeaseOwner string `cbor:"14,keyasint,omitempty"`
	LeaseToken uint64 `cbor:"15,keyasint,omitempty"`
	LeaseExp   int64  `cbor:"16,keyasint,omitempty"`

	IdempotencyKey string          `cbor:"17,keyasint,omitempty"`
	Fingerprint    string          `cbor:"18,keyasint,omitempty"`
	Response       json.RawMessage `cbor:"19,keyasint,omitempty"`
}

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// WriteAheadLog is the durable, append-only record of every committed
// mutation. One WAL instance is shared by every namespace; records interleave
// in global LSN order and carry their own namespace/commit_seq.
type WriteAheadLog struct {
	dir         string
	currentFile *os.File
	startLSN    uint64 // LSN of the first record in the current segment
	writeOffset uint32
	maxSize     uint32
	mu          sync.Mutex
	logger      *slog.Logger

	nextLSN uint64

	onRotate func(seg SegmentInfo) error
}

// OpenWriteAheadLog opens or creates the WAL directory, positioning the
// active segment at the tail of whatever is already on disk.
func OpenWriteAheadLog(dir string, maxSize uint32, logger *slog.Logger) (*WriteAheadLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxSize == 0 {
		maxSize = DefaultMaxSegmentSize
	}

	matches, err := filepath.Glob(filepath.Join(dir, "wal_*.log"))
	if err != nil {
		return nil, err
	}
	sortSegmentFiles(matches)

	var activePath string
	var startLSN uint64
	if len(matches) > 0 {
		latest := matches[len(matches)-1]
		startLSN, err = parseSegmentFilename(latest)
		if err != nil {
			return nil, fmt.Errorf("parse wal segment %s: %w", latest, err)
		}
		activePath = latest
	} else {
		activePath = filepath.Join(dir, segmentFilename(0))
	}

	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	w := &WriteAheadLog{
		dir:         dir,
		currentFile: f,
		startLSN:    startLSN,
		writeOffset: uint32(stat.Size()),
		maxSize:     maxSize,
		logger:      logger,
		nextLSN:     startLSN + uint64(countFramesBestEffort(f)),
	}
	return w, nil
}

func segmentFilename(startLSN uint64) string {
	return fmt.Sprintf("wal_%020d.log", startLSN)
}

func parseSegmentFilename(path string) (uint64, error) {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, "wal_")
	base = strings.TrimSuffix(base, ".log")
	return strconv.ParseUint(base, 10, 64)
}

func sortSegmentFiles(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		a, _ := parseSegmentFilename(paths[i])
		b, _ := parseSegmentFilename(paths[j])
		return a < b
	})
}

// countFramesBestEffort is only used to seed nextLSN on open; recovery itself
// re-derives the authoritative LSN by scanning every segment.
func countFramesBestEffort(f *os.File) uint64 {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0
	}
	defer f.Seek(0, io.SeekEnd)
	var n uint64
	r := bufio.NewReader(f)
	for {
		header := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(header[0:])
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			break
		}
		n++
	}
	return n
}

// SetOnRotate installs a callback invoked synchronously after a segment
// rotation completes, letting the engine record the closed segment's bounds
// in the manifest before any new writes land in the fresh file.
func (w *WriteAheadLog) SetOnRotate(fn func(seg SegmentInfo) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRotate = fn
}

// strictSync follows the fail-stop policy: a retryable EINTR is retried, any
// other fsync failure is returned wrapped in ErrPersistentStorage, which the
// commit coordinator turns into its degraded state, rejecting every later
// mutation with ErrDegraded.
func (w *WriteAheadLog) strictSync() error {
	if err := w.currentFile.Sync(); err != nil {
		if errors.Is(err, syscall.EINTR) {
			return w.strictSync()
		}
		w.logger.Error("fsync failed, storage integrity compromised", "err", err)
		return fmt.Errorf("%w: wal fsync: %v", ErrPersistentStorage, err)
	}
	return nil
}

// Append durably writes one record and returns the LSN it was assigned.
func (w *WriteAheadLog) Append(rec walRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writeOffset >= w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	rec.LSN = w.nextLSN
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode wal record: %w", err)
	}

	if err := w.writeFrameLocked(payload); err != nil {
		return 0, err
	}
	if err := w.strictSync(); err != nil {
		return 0, err
	}

	w.nextLSN++
	return rec.LSN, nil
}

func (w *WriteAheadLog) writeFrameLocked(payload []byte) error {
	length := uint32(len(payload))
	checksum := crc32.Checksum(payload, crc32Table)

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:], length)
	binary.BigEndian.PutUint32(buf[4:], checksum)
	copy(buf[frameHeaderSize:], payload)

	n, err := w.currentFile.Write(buf)
	if err != nil {
		return err
	}
	w.writeOffset += uint32(n)
	return nil
}

func (w *WriteAheadLog) rotateLocked() error {
	if w.writeOffset == 0 {
		return nil
	}
	if err := w.strictSync(); err != nil {
		return err
	}
	closed := SegmentInfo{
		File:     filepath.Base(w.currentFile.Name()),
		StartSeq: w.startLSN,
		EndSeq:   w.nextLSN - 1,
	}
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	if w.onRotate != nil {
		if err := w.onRotate(closed); err != nil {
			return fmt.Errorf("wal rotate hook: %w", err)
		}
	}

	w.startLSN = w.nextLSN
	path := filepath.Join(w.dir, segmentFilename(w.startLSN))
	w.logger.Info("rotating wal segment", "new_file", filepath.Base(path))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.writeOffset = 0
	return nil
}

// Replay walks every segment from the oldest still on disk, decoding each
// record and invoking fn in LSN order. A torn trailing record (partial write
// at the very end of the newest segment, from a crash mid-append) is
// truncated away. A torn or checksum-failing record anywhere else is fatal:
// per the fail-stop policy this returns a wrapped error instead of silently
// skipping data.
func (w *WriteAheadLog) Replay(fn func(walRecord) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(w.dir, "wal_*.log"))
	if err != nil {
		return err
	}
	sortSegmentFiles(matches)

	for i, path := range matches {
		isLast := i == len(matches)-1
		if err := w.replaySegment(path, isLast, fn); err != nil {
			return err
		}
	}
	if w.currentFile != nil {
		w.currentFile.Seek(0, io.SeekEnd)
	}
	return nil
}

func (w *WriteAheadLog) replaySegment(path string, isLast bool, fn func(walRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	validOffset := int64(0)

	for {
		header := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			if isLast {
				w.logger.Warn("truncating torn wal tail", "file", filepath.Base(path), "offset", validOffset)
				return truncateSegment(path, validOffset)
			}
			return fmt.Errorf("%w: incomplete frame header in %s at offset %d", ErrCorruption, path, validOffset)
		}

		length := binary.BigEndian.Uint32(header[0:])
		checksum := binary.BigEndian.Uint32(header[4:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if isLast {
				w.logger.Warn("truncating torn wal tail", "file", filepath.Base(path), "offset", validOffset)
				return truncateSegment(path, validOffset)
			}
			return fmt.Errorf("%w: incomplete frame payload in %s at offset %d", ErrCorruption, path, validOffset)
		}

		if crc32.Checksum(payload, crc32Table) != checksum {
			// Only the final frame of the newest segment counts as a torn
			// tail; a bad frame with more data after it is mid-log corruption.
			_, peekErr := r.Peek(1)
			if isLast && peekErr == io.EOF {
				w.logger.Warn("truncating checksum-failed wal tail", "file", filepath.Base(path), "offset", validOffset)
				return truncateSegment(path, validOffset)
			}
			return fmt.Errorf("%w: checksum mismatch in %s at offset %d", ErrCorruption, path, validOffset)
		}

		var rec walRecord
		if err := cbor.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("%w: malformed wal payload in %s at offset %d: %v", ErrCorruption, path, validOffset, err)
		}

		if err := fn(rec); err != nil {
			return err
		}

		validOffset += int64(frameHeaderSize) + int64(length)
		if rec.LSN >= w.nextLSN {
			w.nextLSN = rec.LSN + 1
		}
	}
	return nil
}

func truncateSegment(path string, validOffset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(validOffset); err != nil {
		return fmt.Errorf("truncate torn segment: %w", err)
	}
	return f.Sync()
}

// TrimBefore removes every fully-applied segment whose entire LSN range is
// below the given bookmark, mirroring stonedb's PurgeOlderThan. The active
// (last) segment is never removed.
func (w *WriteAheadLog) TrimBefore(minLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(w.dir, "wal_*.log"))
	if err != nil {
		return err
	}
	sortSegmentFiles(matches)
	if len(matches) <= 1 {
		return nil
	}

	for i := 0; i < len(matches)-1; i++ {
		next := matches[i+1]
		nextStart, err := parseSegmentFilename(next)
		if err != nil {
			return err
		}
		if nextStart > minLSN {
			break
		}
		w.logger.Info("trimming wal segment", "file", filepath.Base(matches[i]))
		if err := os.Remove(matches[i]); err != nil {
			return err
		}
	}
	return nil
}

// CurrentLSN returns the LSN that will be assigned to the next appended
// record. Used by Engine.Snapshot to record the exact WAL position a
// snapshot's bookmark corresponds to, for later use by TrimWAL.
func (w *WriteAheadLog) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

func (w *WriteAheadLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFile.Close()
}
