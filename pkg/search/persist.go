package search

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotVersion is bumped on incompatible layout changes. Load rejects
// anything else as corrupt rather than guessing.
const snapshotVersion = 1

type indexSnapshot struct {
	Version     int    `msgpack:"version"`
	Config      Config `msgpack:"config"`
	Dimensions  int    `msgpack:"dimensions"`
	MaxElements int    `msgpack:"max_elements"`

	NodeLevel           []uint16  `msgpack:"node_level"`
	VecOff              []int32   `msgpack:"vec_off"`
	NeighborsArena      []uint32  `msgpack:"neighbors_arena"`
	NeighborsOff        []int32   `msgpack:"neighbors_off"`
	NeighborCountsArena []uint16  `msgpack:"neighbor_counts_arena"`
	NeighborCountsOff   []int32   `msgpack:"neighbor_counts_off"`
	InternalToID        []string  `msgpack:"internal_to_id"`
	Vectors             []float32 `msgpack:"vectors"`

	EntryPoint    uint32 `msgpack:"entry_point"`
	HasEntryPoint bool   `msgpack:"has_entry_point"`
	MaxLevel      int    `msgpack:"max_level"`
}

// Save writes the index to path atomically: the snapshot is encoded to
// path+".tmp", synced to disk, then renamed over path. A crash mid-save
// leaves the previous file untouched.
//
// The read lock is held for the duration of the encode, so concurrent
// searches proceed but inserts block. Acceptable for a single-digit-MB
// snapshot.
func (h *Index) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := indexSnapshot{
		Version:             snapshotVersion,
		Config:              h.config,
		Dimensions:          h.dimensions,
		MaxElements:         h.maxElements,
		NodeLevel:           h.nodeLevel,
		VecOff:              h.vecOff,
		NeighborsArena:      h.neighborsArena,
		NeighborsOff:        h.neighborsOff,
		NeighborCountsArena: h.neighborCountsArena,
		NeighborCountsOff:   h.neighborCountsOff,
		InternalToID:        h.internalToID,
		Vectors:             h.vectors,
		EntryPoint:          h.entryPoint,
		HasEntryPoint:       h.hasEntryPoint,
		MaxLevel:            h.maxLevel,
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index directory: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}

	enc := msgpack.NewEncoder(f)
	if err := enc.Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode index snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync index snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish index snapshot: %w", err)
	}
	return nil
}

// Load reads an index snapshot from path. A missing file is reported via
// os.ErrNotExist (callers treat that as "cold start", not failure); any
// decode or consistency failure wraps ErrCorruptIndex so callers fall back
// to a full rebuild.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap indexSnapshot
	dec := msgpack.NewDecoder(f)
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptIndex, path, err)
	}

	if err := validateSnapshot(&snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, path, err)
	}

	h := New(snap.Dimensions, snap.MaxElements, snap.Config)
	h.nodeLevel = snap.NodeLevel
	h.vecOff = snap.VecOff
	h.neighborsArena = snap.NeighborsArena
	h.neighborsOff = snap.NeighborsOff
	h.neighborCountsArena = snap.NeighborCountsArena
	h.neighborCountsOff = snap.NeighborCountsOff
	h.internalToID = snap.InternalToID
	h.vectors = snap.Vectors
	h.entryPoint = snap.EntryPoint
	h.hasEntryPoint = snap.HasEntryPoint
	h.maxLevel = snap.MaxLevel
	return h, nil
}

func validateSnapshot(s *indexSnapshot) error {
	if s.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.Dimensions <= 0 {
		return fmt.Errorf("invalid dimensions %d", s.Dimensions)
	}
	if s.Config.M < 2 {
		return fmt.Errorf("invalid config M %d", s.Config.M)
	}
	if s.MaxElements < len(s.NodeLevel) {
		return fmt.Errorf("capacity %d below element count %d", s.MaxElements, len(s.NodeLevel))
	}

	n := len(s.NodeLevel)
	if len(s.VecOff) != n || len(s.NeighborsOff) != n ||
		len(s.NeighborCountsOff) != n || len(s.InternalToID) != n {
		return fmt.Errorf("inconsistent node array lengths")
	}
	if len(s.Vectors) != n*s.Dimensions {
		return fmt.Errorf("vector arena length %d, want %d", len(s.Vectors), n*s.Dimensions)
	}
	if s.HasEntryPoint && int(s.EntryPoint) >= n {
		return fmt.Errorf("entry point %d out of range", s.EntryPoint)
	}
	for i, off := range s.VecOff {
		if int(off)+s.Dimensions > len(s.Vectors) {
			return fmt.Errorf("node %d vector offset out of range", i)
		}
	}
	return nil
}
