package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketIdempotency = []byte("idempotency")
	bucketLeases      = []byte("leases")
)

// sideTables persists the Idempotency Cache and the Lease Table in a single
// bbolt file. Both are small, bounded key sets — a bucket-oriented store
// fits them better than the heap's LSM-shaped goleveldb instance.
type sideTables struct {
	db *bbolt.DB
}

func openSideTables(path string) (*sideTables, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open side tables: %v", ErrPersistentStorage, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketIdempotency); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init side tables buckets: %w", err)
	}
	return &sideTables{db: db}, nil
}

func (s *sideTables) Close() error { return s.db.Close() }

// idempotencyRecord is the persisted value behind one idempotency key.
type idempotencyRecord struct {
	Namespace   string          `json:"namespace"`
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	CommitSeq   uint64          `json:"commit_seq"`
	Response    json.RawMessage `json:"response"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

func idemKey(namespace, key string) []byte {
	return []byte(namespace + "\x00" + key)
}

func (s *sideTables) getIdempotency(namespace, key string) (*idempotencyRecord, error) {
	var rec *idempotencyRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIdempotency).Get(idemKey(namespace, key))
		if b == nil {
			return nil
		}
		var r idempotencyRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("%w: decode idempotency record: %v", ErrCorruption, err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *sideTables) putIdempotency(rec idempotencyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put(idemKey(rec.Namespace, rec.Key), b)
	})
}

// leaseRecord is the persisted value behind one (namespace,name) lease.
type leaseRecord struct {
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Token     uint64    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func leaseKey(namespace, name string) []byte {
	return []byte(namespace + "\x00" + name)
}

func (s *sideTables) getLease(namespace, name string) (*leaseRecord, error) {
	var rec *leaseRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLeases).Get(leaseKey(namespace, name))
		if b == nil {
			return nil
		}
		var r leaseRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("%w: decode lease record: %v", ErrCorruption, err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *sideTables) putLease(rec leaseRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lease record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).Put(leaseKey(rec.Namespace, rec.Name), b)
	})
}

func (s *sideTables) deleteLease(namespace, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete(leaseKey(namespace, name))
	})
}

// deleteIdempotency removes one persisted idempotency record, used by the
// retention sweep once a record has aged past idempotency.retention_seconds.
func (s *sideTables) deleteIdempotency(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Delete(idemKey(namespace, key))
	})
}

// forEachLease iterates every persisted lease, used to rebuild the lease
// table's in-memory token and lease maps on startup, and by snapshot export.
func (s *sideTables) forEachLease(fn func(leaseRecord) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(_, v []byte) error {
			var r leaseRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: decode lease record: %v", ErrCorruption, err)
			}
			return fn(r)
		})
	})
}

// forEachIdempotency iterates every persisted idempotency record, used by
// snapshot export.
func (s *sideTables) forEachIdempotency(fn func(idempotencyRecord) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdempotency).ForEach(func(_, v []byte) error {
			var r idempotencyRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: decode idempotency record: %v", ErrCorruption, err)
			}
			return fn(r)
		})
	})
}
