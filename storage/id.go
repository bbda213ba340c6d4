package storage

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// newObjectID returns a sortable, collision-resistant id: an 8-byte
// big-endian millisecond timestamp prefix followed by 8 random bytes taken
// from a UUIDv4, hex-encoded. The timestamp prefix keeps ids roughly
// insertion-ordered without requiring a caller-visible sequence.
func newObjectID(now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixMilli()))
	tail := uuid.New()
	copy(buf[8:], tail[:8])
	return hex.EncodeToString(buf[:])
}

// commitHash computes the content fingerprint carried on Object.CommitHash
// and Event.CommitHash, grounded on the original implementation's
// blake3_hex(namespace, id, type, commit_ts, body) construction.
func commitHash(namespace, id, typ string, ts time.Time, body []byte) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s:%s:%s:%d:", namespace, id, typ, ts.UnixNano())
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// fingerprint hashes a mutation's semantically relevant fields for
// idempotency-conflict detection: two calls under the same key must hash
// identically or the second is rejected with ErrIdempotencyConflict.
func fingerprint(namespace, op, id, typ string, body []byte, tags Tags) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s:%s:%s:%s:", namespace, op, id, typ)
	h.Write(body)
	for _, k := range sortedKeys(tags) {
		fmt.Fprintf(h, ":%s=%s", k, tags[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
