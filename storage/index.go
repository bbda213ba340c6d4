package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// heapIndex is the durable object heap: a goleveldb instance keyed so that
// every version of every object sorts newest-first within its (namespace,
// id) group, the same inverted-timestamp trick stonedb's encodeIndexKey uses
// for its value-log pointers. Here the leveldb value is the full encoded
// Object rather than a pointer, since AgentState bodies are small JSON
// documents rather than the arbitrary-size blobs stonedb's value log exists
// to offload.
type heapIndex struct {
	ldb    *leveldb.DB
	logger *slog.Logger
}

func openHeapIndex(path string, logger *slog.Logger) (*heapIndex, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		if !ldberrors.IsCorrupted(err) {
			return nil, fmt.Errorf("open heap index: %w", err)
		}
		logger.Warn("heap index corrupted, recovering in place", "path", path)
		ldb, err = leveldb.RecoverFile(path, &opt.Options{})
		if err != nil {
			return nil, fmt.Errorf("recover heap index: %w", err)
		}
	}
	return &heapIndex{ldb: ldb, logger: logger}, nil
}

func (h *heapIndex) Close() error { return h.ldb.Close() }

// objectVersionKey lays out: "o\x00"+namespace+"\x00"+id+"\x00"+invertedSeq(8).
// A forward iterator over the (namespace,id) prefix therefore yields versions
// from newest to oldest.
func objectVersionKey(namespace, id string, seq uint64) []byte {
	k := make([]byte, 0, 2+len(namespace)+1+len(id)+1+8)
	k = append(k, 'o', 0x00)
	k = append(k, namespace...)
	k = append(k, 0x00)
	k = append(k, id...)
	k = append(k, 0x00)
	var inv [8]byte
	binary.BigEndian.PutUint64(inv[:], math.MaxUint64-seq)
	return append(k, inv[:]...)
}

func objectVersionPrefix(namespace, id string) []byte {
	k := make([]byte, 0, 2+len(namespace)+1+len(id)+1)
	k = append(k, 'o', 0x00)
	k = append(k, namespace...)
	k = append(k, 0x00)
	k = append(k, id...)
	k = append(k, 0x00)
	return k
}

func objectNamespacePrefix(namespace string) []byte {
	k := make([]byte, 0, 2+len(namespace)+1)
	k = append(k, 'o', 0x00)
	k = append(k, namespace...)
	k = append(k, 0x00)
	return k
}

// putVersion stores one immutable version of an object. Existing versions
// for the same (namespace,id) are left in place so point-in-time reads keep
// working; no version is ever removed.
func (h *heapIndex) putVersion(obj *Object) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	key := objectVersionKey(obj.Namespace, obj.ID, obj.CommitSeq)
	if err := h.ldb.Put(key, b, nil); err != nil {
		return fmt.Errorf("%w: heap put: %v", ErrPersistentStorage, err)
	}
	return nil
}

// getVersion returns the newest version of (namespace,id) with CommitSeq <=
// atSeq (atSeq==0 means "no ceiling", i.e. latest).
func (h *heapIndex) getVersion(namespace, id string, atSeq uint64) (*Object, error) {
	prefix := objectVersionPrefix(namespace, id)
	ceiling := atSeq
	if ceiling == 0 {
		ceiling = math.MaxUint64
	}
	seek := objectVersionKey(namespace, id, ceiling)

	iter := h.ldb.NewIterator(&util.Range{Start: prefix, Limit: upperBound(prefix)}, nil)
	defer iter.Release()

	if !iter.Seek(seek) {
		return nil, ErrNotFound
	}
	var obj Object
	if err := json.Unmarshal(iter.Value(), &obj); err != nil {
		return nil, fmt.Errorf("%w: decode object: %v", ErrCorruption, err)
	}
	return &obj, iter.Error()
}

// listNamespace returns every live (non-tombstoned) object's latest version
// in namespace, used by Query and DumpNamespace.
func (h *heapIndex) listNamespace(namespace string) ([]*Object, error) {
	prefix := objectNamespacePrefix(namespace)
	iter := h.ldb.NewIterator(&util.Range{Start: prefix, Limit: upperBound(prefix)}, nil)
	defer iter.Release()

	seen := map[string]bool{}
	var out []*Object
	for iter.Next() {
		ns, id, ok := splitObjectKey(iter.Key())
		if !ok || ns != namespace || seen[id] {
			continue
		}
		seen[id] = true
		var obj Object
		if err := json.Unmarshal(iter.Value(), &obj); err != nil {
			return nil, fmt.Errorf("%w: decode object: %v", ErrCorruption, err)
		}
		if !obj.Tombstone {
			out = append(out, &obj)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func splitObjectKey(key []byte) (namespace, id string, ok bool) {
	if len(key) < 2 || key[0] != 'o' || key[1] != 0x00 {
		return "", "", false
	}
	rest := key[2:]
	i := indexByte(rest, 0x00)
	if i < 0 {
		return "", "", false
	}
	namespace = string(rest[:i])
	rest = rest[i+1:]
	j := indexByte(rest, 0x00)
	if j < 0 {
		return "", "", false
	}
	id = string(rest[:j])
	return namespace, id, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func upperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// tagKey lays out "t\x00"+namespace+"\x00"+key+"\x00"+value+"\x00"+id, so a
// prefix scan on (namespace,key,value) yields every id carrying that tag.
func tagKey(namespace, key, value, id string) []byte {
	k := make([]byte, 0, 2+len(namespace)+1+len(key)+1+len(value)+1+len(id))
	k = append(k, 't', 0x00)
	k = append(k, namespace...)
	k = append(k, 0x00)
	k = append(k, key...)
	k = append(k, 0x00)
	k = append(k, value...)
	k = append(k, 0x00)
	k = append(k, id...)
	return k
}

func tagPrefix(namespace, key, value string) []byte {
	k := make([]byte, 0, 2+len(namespace)+1+len(key)+1+len(value)+1)
	k = append(k, 't', 0x00)
	k = append(k, namespace...)
	k = append(k, 0x00)
	k = append(k, key...)
	k = append(k, 0x00)
	k = append(k, value...)
	k = append(k, 0x00)
	return k
}

func (h *heapIndex) indexTags(namespace, id string, tags Tags) error {
	batch := new(leveldb.Batch)
	for k, v := range tags {
		batch.Put(tagKey(namespace, k, v, id), nil)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := h.ldb.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: tag index write: %v", ErrPersistentStorage, err)
	}
	return nil
}

func (h *heapIndex) unindexTags(namespace, id string, tags Tags) error {
	batch := new(leveldb.Batch)
	for k, v := range tags {
		batch.Delete(tagKey(namespace, k, v, id))
	}
	if batch.Len() == 0 {
		return nil
	}
	return h.ldb.Write(batch, nil)
}

// idsWithTag returns every id in namespace carrying key=value.
func (h *heapIndex) idsWithTag(namespace, key, value string) ([]string, error) {
	prefix := tagPrefix(namespace, key, value)
	iter := h.ldb.NewIterator(&util.Range{Start: prefix, Limit: upperBound(prefix)}, nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	return ids, iter.Error()
}

