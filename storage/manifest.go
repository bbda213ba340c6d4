package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// manifestFile is the on-disk shape persisted at <dir>/manifest.json,
// matching the persisted layout spec.md §6 describes.
type manifestFile struct {
	Segments       []SegmentInfo     `json:"segments"`
	LatestSnapshot string            `json:"latest_snapshot,omitempty"`
	Bookmarks      map[string]uint64 `json:"bookmarks"`
}

// manifestStore guards reads/writes of manifest.json and keeps the
// in-memory copy consistent with what's durable.
type manifestStore struct {
	path string
	mu   sync.Mutex
	m    manifestFile
}

func openManifestStore(dataDir string) (*manifestStore, error) {
	path := filepath.Join(dataDir, "manifest.json")
	ms := &manifestStore{path: path, m: manifestFile{Bookmarks: map[string]uint64{}}}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ms, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(b, &ms.m); err != nil {
		return nil, fmt.Errorf("%w: manifest.json is not valid json: %v", ErrCorruption, err)
	}
	if ms.m.Bookmarks == nil {
		ms.m.Bookmarks = map[string]uint64{}
	}
	return ms, nil
}

// snapshot returns a deep-enough copy for ManifestSnapshot responses.
func (ms *manifestStore) snapshot() ManifestSnapshot {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := ManifestSnapshot{
		LatestSnapshot: ms.m.LatestSnapshot,
		Bookmarks:      make(map[string]uint64, len(ms.m.Bookmarks)),
	}
	out.Segments = append(out.Segments, ms.m.Segments...)
	for k, v := range ms.m.Bookmarks {
		out.Bookmarks[k] = v
	}
	return out
}

func (ms *manifestStore) recordSegmentClosed(seg SegmentInfo) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.m.Segments = append(ms.m.Segments, seg)
	return ms.persistLocked()
}

func (ms *manifestStore) setBookmark(namespace string, seq uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.m.Bookmarks[namespace] = seq
	return ms.persistLocked()
}

func (ms *manifestStore) setLatestSnapshot(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.m.LatestSnapshot = id
	return ms.persistLocked()
}

func (ms *manifestStore) pruneSegmentsBefore(startLSN uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	kept := ms.m.Segments[:0]
	for _, s := range ms.m.Segments {
		if s.EndSeq >= startLSN {
			kept = append(kept, s)
		}
	}
	ms.m.Segments = kept
	return ms.persistLocked()
}

// persistLocked writes the manifest via a temp file + atomic rename, the
// same crash-safety pattern the teacher uses for its own metadata files.
func (ms *manifestStore) persistLocked() error {
	b, err := json.MarshalIndent(ms.m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := ms.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write manifest tmp: %w", err)
	}
	if err := os.Rename(tmp, ms.path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
