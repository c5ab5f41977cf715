// Package search provides HNSW vector indexing for fast approximate nearest
// neighbor search over note embeddings.
//
// Delete/Update Policy:
//
// The index is append-only. There is no delete or update primitive: removing
// or refreshing a note's vector means inserting a new entry under the same
// ID. Stale entries for an edited note remain reachable and are filtered
// downstream by the metadata cache and tombstone set, which track the latest
// state per note ID. Periodic full rebuilds bound the growth of duplicate
// entries (see SMARTSEARCH_REBUILD_INTERVAL).
package search

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/dimaginar/joplin-smart-search/pkg/vector"
)

var (
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the index dimensionality.
	ErrDimensionMismatch = errors.New("search: vector dimension mismatch")

	// ErrIndexFull is returned by Add/AddBatch once the index has reached
	// its configured capacity.
	ErrIndexFull = errors.New("search: hnsw index full")

	// ErrCorruptIndex is returned by Load when a snapshot file exists but
	// cannot be decoded into a consistent index.
	ErrCorruptIndex = errors.New("search: corrupt index file")
)

// DefaultMaxElements is the capacity used when New is given a non-positive
// hint. Generous for a personal note collection.
const DefaultMaxElements = 200_000

// Result is a single hit from the ANN index.
//
// Score is cosine similarity in [0, 1] for normalized vectors (score =
// 1 - cosine distance); higher means more similar. This intentionally stays
// small so per-query allocation and copy costs stay low; higher layers
// attach titles and timestamps from the metadata cache.
type Result struct {
	ID    string
	Score float32
}

// Index is an append-only HNSW graph over fixed-dimension vectors.
//
// Node data lives in a struct-of-arrays layout (levels, vector offsets,
// neighbor arenas) rather than per-node structs, to cut pointer chasing in
// the hot search loop. External IDs are not unique: adding the same ID twice
// creates two graph nodes, both reachable by search.
type Index struct {
	config      Config
	dimensions  int
	maxElements int
	mu          sync.RWMutex

	// Per-node metadata, indexed by internal ID.
	nodeLevel []uint16
	vecOff    []int32

	// Neighbor links stored in one arena to keep iteration cache-friendly.
	// For node i:
	//   - neighborsOff[i] points to (level+1)*M slots in neighborsArena
	//   - neighborCountsOff[i] points to (level+1) counts in neighborCountsArena
	neighborsArena      []uint32
	neighborsOff        []int32
	neighborCountsArena []uint16
	neighborCountsOff   []int32

	internalToID []string
	vectors      []float32

	entryPoint    uint32
	hasEntryPoint bool
	maxLevel      int

	visitedPool sync.Pool
	heapPool    sync.Pool
	itemsPool   sync.Pool
}

type visitedGenState struct {
	gen []uint16
	cur uint16
}

// New creates an empty index. maxElements is a hard capacity; pass 0 for
// DefaultMaxElements. A zero-valued config is replaced with DefaultConfig.
func New(dimensions, maxElements int, config Config) *Index {
	if config.M == 0 {
		config = DefaultConfig()
	}
	if maxElements <= 0 {
		maxElements = DefaultMaxElements
	}
	h := &Index{
		config:              config,
		dimensions:          dimensions,
		maxElements:         maxElements,
		nodeLevel:           make([]uint16, 0, 1024),
		vecOff:              make([]int32, 0, 1024),
		neighborsArena:      make([]uint32, 0, 1024*config.M),
		neighborsOff:        make([]int32, 0, 1024),
		neighborCountsArena: make([]uint16, 0, 1024),
		neighborCountsOff:   make([]int32, 0, 1024),
		internalToID:        make([]string, 0, 1024),
		vectors:             make([]float32, 0, 1024*dimensions),
	}
	h.visitedPool.New = func() any {
		return &visitedGenState{}
	}
	h.heapPool.New = func() any {
		return &distHeap{items: make([]hnswDistItem, 0, config.EfSearch*2)}
	}
	h.itemsPool.New = func() any {
		return make([]hnswDistItem, 0, config.EfSearch*2)
	}
	return h
}

// Add inserts a vector under id. The vector is copied and normalized; the
// caller's slice is not retained. Empty IDs are ignored.
func (h *Index) Add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if id == "" {
		return nil
	}
	return h.addLocked(id, vec)
}

// Entry pairs an external ID with its vector for bulk insertion.
type Entry struct {
	ID     string
	Vector []float32
}

// AddBatch inserts entries under one lock acquisition. On the first error
// the batch stops; entries inserted before the failure stay in the index
// (the caller aborts the surrounding workflow rather than publishing a
// partially-built index as ready).
func (h *Index) AddBatch(entries []Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) != h.dimensions {
			return ErrDimensionMismatch
		}
		if e.ID == "" {
			continue
		}
		if err := h.addLocked(e.ID, e.Vector); err != nil {
			return err
		}
	}
	return nil
}

func (h *Index) addLocked(id string, vec []float32) error {
	if len(h.nodeLevel) >= h.maxElements {
		return ErrIndexFull
	}

	level := h.randomLevel()
	internalID := uint32(len(h.nodeLevel))
	m := h.config.M

	vecOff := len(h.vectors)
	h.vectors = append(h.vectors, vec...)
	normalized := h.vectors[vecOff : vecOff+h.dimensions]
	vector.NormalizeInPlace(normalized)

	h.nodeLevel = append(h.nodeLevel, uint16(level))
	h.vecOff = append(h.vecOff, int32(vecOff))

	neighborsOff := len(h.neighborsArena)
	h.neighborsArena = append(h.neighborsArena, make([]uint32, (level+1)*m)...)
	h.neighborsOff = append(h.neighborsOff, int32(neighborsOff))

	countsOff := len(h.neighborCountsArena)
	h.neighborCountsArena = append(h.neighborCountsArena, make([]uint16, level+1)...)
	h.neighborCountsOff = append(h.neighborCountsOff, int32(countsOff))
	h.internalToID = append(h.internalToID, id)

	if !h.hasEntryPoint {
		h.entryPoint = internalID
		h.hasEntryPoint = true
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := int(h.nodeLevel[ep])

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, m)
		h.setNeighborsAtLevelLocked(internalID, l, neighbors)

		for _, neighborID := range neighbors {
			h.insertNeighborAtLevelLocked(neighborID, l, internalID)
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = internalID
		h.maxLevel = level
	}

	return nil
}

// Search finds the k entries nearest to query, ordered by descending
// similarity score. The query is copied and normalized before traversal.
//
// Duplicate external IDs can appear in the result when a note was
// re-indexed; callers deduplicate by ID.
func (h *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return []Result{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntryPoint || len(h.nodeLevel) == 0 {
		return []Result{}, nil
	}

	normalized := make([]float32, h.dimensions)
	copy(normalized, query)
	vector.NormalizeInPlace(normalized)

	ef := h.config.EfSearch
	if ef < k {
		ef = k
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	candidates := h.searchLayerHeapPooled(normalized, ep, ef, 0)
	defer h.itemsPool.Put(candidates[:0])

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Distances were computed during graph traversal; reuse them instead of
	// a second scoring pass. Candidate list is ordered by increasing
	// distance, so results come out in decreasing score.
	//
	// dist = 1 - cosine_similarity (for normalized vectors)
	// score = 1 - dist
	limit := min(k, len(candidates))
	results := make([]Result, 0, limit)
	for i := 0; i < len(candidates) && len(results) < k; i++ {
		item := candidates[i]
		if int(item.id) >= len(h.internalToID) {
			continue
		}
		score := float32(1.0) - item.dist
		if score < 0 {
			score = 0
		}
		results = append(results, Result{
			ID:    h.internalToID[item.id],
			Score: score,
		})
	}
	return results, nil
}

// Size returns the number of entries in the index, counting duplicates.
func (h *Index) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodeLevel)
}

// Dimensions returns the vector dimensionality of the index.
func (h *Index) Dimensions() int {
	return h.dimensions
}

// MaxElements returns the configured hard capacity.
func (h *Index) MaxElements() int {
	return h.maxElements
}

func (h *Index) searchLayerSingle(query []float32, entryID uint32, level int) uint32 {
	current := entryID
	currentDist := float32(1.0) - vector.Dot(query, h.vectorAtLocked(current))

	for {
		changed := false
		neighbors, ok := h.neighborsAtLevelLocked(current, level)
		if !ok {
			break
		}

		for i := len(neighbors) - 1; i >= 0; i-- {
			neighborID := neighbors[i]
			if int(neighborID) >= len(h.nodeLevel) {
				continue
			}
			dist := float32(1.0) - vector.Dot(query, h.vectorAtLocked(neighborID))
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	return current
}

func (h *Index) searchLayer(query []float32, entryID uint32, ef int, level int) []uint32 {
	if ef <= 0 {
		return nil
	}
	items := h.searchLayerHeapPooled(query, entryID, ef, level)
	defer h.itemsPool.Put(items[:0])

	ids := make([]uint32, len(items))
	for i, item := range items {
		ids[i] = item.id
	}
	return ids
}

// searchLayerHeapPooled is the beam search over one layer. Returns pooled
// items ordered by increasing distance; the caller must return the slice to
// itemsPool.
func (h *Index) searchLayerHeapPooled(query []float32, entryID uint32, ef int, level int) []hnswDistItem {
	visited := h.visitedPool.Get().(*visitedGenState)
	defer h.visitedPool.Put(visited)
	if len(visited.gen) < len(h.nodeLevel) {
		oldLen := len(visited.gen)
		if cap(visited.gen) < len(h.nodeLevel) {
			next := make([]uint16, len(h.nodeLevel))
			copy(next, visited.gen)
			visited.gen = next
		} else {
			visited.gen = visited.gen[:len(h.nodeLevel)]
			clear(visited.gen[oldLen:])
		}
	}
	visited.cur++
	if visited.cur == 0 {
		// Generation counter wrapped; restart from a clean slate.
		clear(visited.gen)
		visited.cur = 1
	}
	curGen := visited.cur
	visited.gen[entryID] = curGen

	candidates := h.heapPool.Get().(*distHeap)
	candidates.Reset(false, ef*2)
	defer h.heapPool.Put(candidates)

	results := h.heapPool.Get().(*distHeap)
	results.Reset(true, ef*2)
	defer h.heapPool.Put(results)

	entryDist := float32(1.0) - vector.Dot(query, h.vectorAtLocked(entryID))
	candidates.Push(hnswDistItem{id: entryID, dist: entryDist})
	results.Push(hnswDistItem{id: entryID, dist: entryDist})

	for candidates.Len() > 0 {
		closest := candidates.Pop()

		if results.Len() >= ef {
			furthest := results.Peek()
			if closest.dist > furthest.dist {
				break
			}
		}

		nodeID := closest.id
		if int(nodeID) >= len(h.nodeLevel) {
			continue
		}
		neighbors, ok := h.neighborsAtLevelLocked(nodeID, level)
		if !ok {
			continue
		}

		for i := len(neighbors) - 1; i >= 0; i-- {
			neighborID := neighbors[i]
			if int(neighborID) >= len(h.nodeLevel) {
				continue
			}
			if visited.gen[neighborID] == curGen {
				continue
			}
			visited.gen[neighborID] = curGen

			dist := float32(1.0) - vector.Dot(query, h.vectorAtLocked(neighborID))

			if results.Len() < ef || dist < results.Peek().dist {
				candidates.Push(hnswDistItem{id: neighborID, dist: dist})
				results.Push(hnswDistItem{id: neighborID, dist: dist})

				if results.Len() > ef {
					_ = results.Pop()
				}
			}
		}
	}

	n := results.Len()
	bufAny := h.itemsPool.Get()
	buf := bufAny.([]hnswDistItem)
	if cap(buf) < n {
		buf = make([]hnswDistItem, n)
	} else {
		buf = buf[:n]
	}
	for i := n - 1; i >= 0; i-- {
		item := results.Pop() // furthest first
		buf[i] = item         // closest ends up at index 0
	}
	return buf
}

func (h *Index) selectNeighbors(query []float32, candidates []uint32, m int) []uint32 {
	if m <= 0 || len(candidates) == 0 {
		return nil
	}

	type distNode struct {
		id   uint32
		dist float32
	}
	dists := make([]distNode, 0, min(len(candidates), m*2))
	for _, cid := range candidates {
		if int(cid) >= len(h.nodeLevel) {
			continue
		}
		dists = append(dists, distNode{
			id:   cid,
			dist: float32(1.0) - vector.Dot(query, h.vectorAtLocked(cid)),
		})
	}

	if len(dists) <= m {
		out := make([]uint32, len(dists))
		for i := range dists {
			out[i] = dists[i].id
		}
		return out
	}

	sort.Slice(dists, func(i, j int) bool {
		return dists[i].dist < dists[j].dist
	})

	result := make([]uint32, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].id
	}
	return result
}

func (h *Index) randomLevel() int {
	r := rand.Float64()
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

func (h *Index) vectorAtLocked(internalID uint32) []float32 {
	if int(internalID) >= len(h.vecOff) {
		return nil
	}
	off := int(h.vecOff[internalID])
	if off < 0 || off+h.dimensions > len(h.vectors) {
		return nil
	}
	return h.vectors[off : off+h.dimensions]
}

func (h *Index) neighborsAtLevelLocked(nodeID uint32, level int) ([]uint32, bool) {
	if int(nodeID) >= len(h.neighborsOff) || int(nodeID) >= len(h.neighborCountsOff) {
		return nil, false
	}
	if level < 0 || level > int(h.nodeLevel[nodeID]) {
		return nil, false
	}
	m := h.config.M

	neighborsBase := int(h.neighborsOff[nodeID]) + level*m
	countsBase := int(h.neighborCountsOff[nodeID]) + level
	if countsBase < 0 || countsBase >= len(h.neighborCountsArena) {
		return nil, false
	}
	cnt := int(h.neighborCountsArena[countsBase])
	if cnt == 0 {
		return nil, true
	}
	end := neighborsBase + cnt
	if neighborsBase < 0 || end > len(h.neighborsArena) {
		return nil, false
	}
	return h.neighborsArena[neighborsBase:end], true
}

func (h *Index) setNeighborsAtLevelLocked(nodeID uint32, level int, neighbors []uint32) {
	if int(nodeID) >= len(h.neighborsOff) || int(nodeID) >= len(h.neighborCountsOff) {
		return
	}
	if level < 0 || level > int(h.nodeLevel[nodeID]) {
		return
	}

	m := h.config.M
	if len(neighbors) > m {
		neighbors = neighbors[:m]
	}

	neighborsBase := int(h.neighborsOff[nodeID]) + level*m
	countsBase := int(h.neighborCountsOff[nodeID]) + level
	if neighborsBase < 0 || neighborsBase+m > len(h.neighborsArena) {
		return
	}
	if countsBase < 0 || countsBase >= len(h.neighborCountsArena) {
		return
	}

	copy(h.neighborsArena[neighborsBase:neighborsBase+len(neighbors)], neighbors)
	h.neighborCountsArena[countsBase] = uint16(len(neighbors))
}

func (h *Index) insertNeighborAtLevelLocked(neighborID uint32, level int, newNeighborID uint32) {
	if int(neighborID) >= len(h.nodeLevel) {
		return
	}
	if level < 0 || level > int(h.nodeLevel[neighborID]) {
		return
	}

	m := h.config.M
	neighborsBase := int(h.neighborsOff[neighborID]) + level*m
	countsBase := int(h.neighborCountsOff[neighborID]) + level
	if neighborsBase < 0 || neighborsBase+m > len(h.neighborsArena) {
		return
	}
	if countsBase < 0 || countsBase >= len(h.neighborCountsArena) {
		return
	}

	cnt := int(h.neighborCountsArena[countsBase])
	if cnt < m {
		h.neighborsArena[neighborsBase+cnt] = newNeighborID
		h.neighborCountsArena[countsBase] = uint16(cnt + 1)
		return
	}

	// Full: select best M among existing + new.
	all := make([]uint32, 0, m+1)
	all = append(all, h.neighborsArena[neighborsBase:neighborsBase+m]...)
	all = append(all, newNeighborID)
	best := h.selectNeighbors(h.vectorAtLocked(neighborID), all, m)
	copy(h.neighborsArena[neighborsBase:neighborsBase+m], best)
	h.neighborCountsArena[countsBase] = uint16(min(len(best), m))
}

// Heap types for HNSW search
type hnswDistItem struct {
	id   uint32
	dist float32
}

type distHeap struct {
	max   bool
	items []hnswDistItem
}

func (h *distHeap) Reset(max bool, capHint int) {
	h.max = max
	h.items = h.items[:0]
	if capHint > cap(h.items) {
		h.items = make([]hnswDistItem, 0, capHint)
	}
}

func (h *distHeap) Len() int { return len(h.items) }

func (h *distHeap) Peek() hnswDistItem {
	return h.items[0]
}

func (h *distHeap) Push(item hnswDistItem) {
	h.items = append(h.items, item)
	h.siftUp(len(h.items) - 1)
}

func (h *distHeap) Pop() hnswDistItem {
	n := len(h.items)
	out := h.items[0]
	last := h.items[n-1]
	h.items = h.items[:n-1]
	if len(h.items) > 0 {
		h.items[0] = last
		h.siftDown(0)
	}
	return out
}

func (h *distHeap) less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}

func (h *distHeap) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(i, p) {
			return
		}
		h.items[i], h.items[p] = h.items[p], h.items[i]
		i = p
	}
}

func (h *distHeap) siftDown(i int) {
	n := len(h.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		r := l + 1
		if r < n && h.less(r, l) {
			best = r
		}
		if !h.less(best, i) {
			return
		}
		h.items[i], h.items[best] = h.items[best], h.items[i]
		i = best
	}
}
