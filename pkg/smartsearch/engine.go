// Package smartsearch coordinates the embedding pipeline, the vector index
// and the Joplin note store into one search engine.
//
// Concurrency model: a single mutex guards the shared state (pipeline and
// index handles, metadata cache, watermark, status, busy flags). The lock
// is held only for handle copies and field updates, never across embedding,
// ANN search or disk I/O. The pipeline and index objects are replaced
// wholesale on rebuild, so a query holding pre-rebuild handles keeps
// operating safely against the old generation.
package smartsearch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/dimaginar/joplin-smart-search/pkg/embed"
	"github.com/dimaginar/joplin-smart-search/pkg/joplin"
	"github.com/dimaginar/joplin-smart-search/pkg/search"
)

var (
	// ErrNotReady is returned by Search before the index reaches ready.
	// Routine during startup; callers retry once a ready status arrives.
	ErrNotReady = errors.New("smartsearch: index not ready")

	// ErrModelNotLoaded is returned by Search when the embedding pipeline
	// is absent despite a ready index.
	ErrModelNotLoaded = errors.New("smartsearch: embedding model not loaded")
)

// embeddingSeparator joins title and body into the text that gets embedded.
const embeddingSeparator = "\n\n"

// NoteSource is the read-only view of the note store the engine needs.
// Satisfied by *joplin.Store; tests substitute an in-memory fake.
type NoteSource interface {
	AllNotes(ctx context.Context) ([]joplin.Note, error)
	AllNoteMetadata(ctx context.Context) ([]joplin.NoteMetadata, error)
	NotesSince(ctx context.Context, sinceMS int64) ([]joplin.Note, error)
	NoteByID(ctx context.Context, id string) (joplin.Note, error)
	HasChangesSince(ctx context.Context, sinceMS int64) (bool, error)
	DeletedIDsSince(ctx context.Context, sinceMS int64) ([]string, error)
}

// PipelineLoader acquires the embedding pipeline, downloading model weights
// on first use. progress receives values in [0, 1].
type PipelineLoader func(ctx context.Context, progress func(float64)) (embed.Embedder, error)

// Config holds engine tunables. Zero values fall back to defaults.
type Config struct {
	// IndexPath is where the index snapshot lives on disk. The snapshot is
	// the only durable state; everything else is rebuilt from the note
	// store at startup.
	IndexPath string

	// Dimensions of the embedding vectors.
	Dimensions int

	// HNSW graph parameters for newly built indexes.
	HNSW search.Config

	// BatchSize is the number of notes embedded per progress step.
	BatchSize int

	// DefaultTopK applies when Search is called with topK <= 0.
	DefaultTopK int

	// ScoreFloor drops weak matches from search results.
	ScoreFloor float32

	// LoadTimeout bounds pipeline acquisition, covering the first-run
	// model download. Prevents a dead network from leaving the status
	// stuck in downloading_model forever.
	LoadTimeout time.Duration

	// RebuildInterval bounds duplicate-entry growth: once a delta update
	// lands and the last from-scratch build is older than this, a
	// compacting rebuild is scheduled in the background. Zero disables
	// scheduled rebuilds.
	RebuildInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Dimensions == 0 {
		c.Dimensions = 384
	}
	if c.HNSW.M == 0 {
		c.HNSW = search.DefaultConfig()
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 25
	}
	if c.ScoreFloor == 0 {
		c.ScoreFloor = 0.30
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = 15 * time.Minute
	}
}

// Result is one search hit, enriched with cached metadata.
type Result struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Score       float32 `json:"score"`
	UpdatedTime int64   `json:"updated_time"`
}

// Engine owns the shared state and drives the indexing workflows.
type Engine struct {
	cfg          Config
	source       NoteSource
	loadPipeline PipelineLoader
	broker       *StatusBroker

	mu        sync.Mutex
	pipeline  embed.Embedder
	index     *search.Index
	meta      map[string]joplin.NoteMetadata
	watermark int64
	status    Status

	isIndexing        bool
	isPipelineLoading bool
	isDeltaUpdating   bool
	lastBuild         time.Time
}

// NewEngine wires an engine from its collaborators. No work happens until
// FullBuild is called.
func NewEngine(cfg Config, source NoteSource, loader PipelineLoader) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:          cfg,
		source:       source,
		loadPipeline: loader,
		broker:       NewStatusBroker(),
		meta:         make(map[string]joplin.NoteMetadata),
		status:       Status{Phase: PhaseUninitialized},
	}
}

// Status returns a copy of the current index status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Subscribe returns a channel receiving every status change until ctx is
// done.
func (e *Engine) Subscribe(ctx context.Context) <-chan Status {
	return e.broker.Subscribe(ctx)
}

// setStatus applies mutate under the lock, then broadcasts the new value.
func (e *Engine) setStatus(mutate func(*Status)) {
	e.mu.Lock()
	mutate(&e.status)
	snapshot := e.status
	e.mu.Unlock()
	e.broker.Publish(snapshot)
}

func (e *Engine) failWorkflow(err error) error {
	log.Printf("[smartsearch] workflow failed: %v", err)
	e.setStatus(func(s *Status) {
		s.Phase = PhaseError
		s.IsReady = false
		s.IsDownloadingModel = false
		s.Error = err.Error()
	})
	return err
}

// FullBuild brings the engine to ready. When a persisted snapshot exists it
// is loaded and only a metadata scan runs; otherwise every eligible note is
// embedded from scratch. Single-flight: a call while a build or delta
// update is already running returns immediately without doing anything.
func (e *Engine) FullBuild(ctx context.Context) error {
	return e.fullBuild(ctx, true)
}

// RebuildNow forces a from-scratch rebuild, re-embedding every note even
// when a snapshot exists. This is also how duplicate index entries from
// past delta updates get compacted away.
func (e *Engine) RebuildNow(ctx context.Context) error {
	return e.fullBuild(ctx, false)
}

func (e *Engine) fullBuild(ctx context.Context, allowSnapshot bool) error {
	e.mu.Lock()
	if e.isIndexing || e.isDeltaUpdating {
		e.mu.Unlock()
		return nil
	}
	e.isIndexing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.isIndexing = false
		e.mu.Unlock()
	}()

	if allowSnapshot && e.cfg.IndexPath != "" {
		done, err := e.tryWarmStart(ctx)
		if err != nil {
			return e.failWorkflow(err)
		}
		if done {
			return nil
		}
	}

	return e.coldBuild(ctx)
}

// tryWarmStart loads the persisted snapshot and repopulates the metadata
// cache without re-embedding. Returns (false, nil) when no usable snapshot
// exists, in which case the caller falls through to the cold build.
func (e *Engine) tryWarmStart(ctx context.Context) (bool, error) {
	idx, err := search.Load(e.cfg.IndexPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, search.ErrCorruptIndex) {
		log.Printf("[smartsearch] ignoring unusable index snapshot, rebuilding: %v", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load index snapshot: %w", err)
	}
	if idx.Dimensions() != e.cfg.Dimensions {
		log.Printf("[smartsearch] snapshot has %d dimensions, want %d, rebuilding", idx.Dimensions(), e.cfg.Dimensions)
		return false, nil
	}

	metas, err := e.source.AllNoteMetadata(ctx)
	if err != nil {
		return false, fmt.Errorf("scan note metadata: %w", err)
	}

	metaMap := make(map[string]joplin.NoteMetadata, len(metas))
	var maxUpdated int64
	for _, m := range metas {
		metaMap[m.ID] = m
		if m.UpdatedTime > maxUpdated {
			maxUpdated = m.UpdatedTime
		}
	}

	pipeline, err := e.ensurePipeline(ctx)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.pipeline = pipeline
	e.index = idx
	e.meta = metaMap
	e.watermark = maxUpdated
	e.lastBuild = time.Now()
	e.mu.Unlock()

	fmt.Printf("✅ Loaded index snapshot: %d entries covering %d notes\n", idx.Size(), len(metas))
	e.setStatus(func(s *Status) {
		s.Phase = PhaseReady
		s.Total = len(metas)
		s.Indexed = len(metas)
		s.IsReady = true
		s.IsDownloadingModel = false
		s.Error = ""
	})
	return true, nil
}

func (e *Engine) coldBuild(ctx context.Context) error {
	pipeline, err := e.ensurePipeline(ctx)
	if err != nil {
		return e.failWorkflow(err)
	}

	notes, err := e.source.AllNotes(ctx)
	if err != nil {
		return e.failWorkflow(fmt.Errorf("read notes: %w", err))
	}

	e.setStatus(func(s *Status) {
		s.Phase = PhaseIndexing
		s.Total = len(notes)
		s.Indexed = 0
		s.Error = ""
	})

	capacity := len(notes) * 2
	if capacity < 2048 {
		capacity = 2048
	}
	idx := search.New(e.cfg.Dimensions, capacity, e.cfg.HNSW)
	metaMap := make(map[string]joplin.NoteMetadata, len(notes))

	var maxUpdated int64
	indexed := 0
	for start := 0; start < len(notes); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(notes))
		batch := notes[start:end]

		if err := e.embedAndInsert(ctx, pipeline, idx, metaMap, batch, &maxUpdated); err != nil {
			return e.failWorkflow(err)
		}

		indexed += len(batch)
		e.setStatus(func(s *Status) {
			s.Indexed = indexed
		})
	}

	if e.cfg.IndexPath != "" {
		if err := idx.Save(e.cfg.IndexPath); err != nil {
			return e.failWorkflow(fmt.Errorf("persist index: %w", err))
		}
	}

	e.mu.Lock()
	e.pipeline = pipeline
	e.index = idx
	e.meta = metaMap
	e.watermark = maxUpdated
	e.lastBuild = time.Now()
	e.mu.Unlock()

	fmt.Printf("✅ Indexed %d notes (%d vectors)\n", len(metaMap), idx.Size())
	e.setStatus(func(s *Status) {
		s.Phase = PhaseReady
		s.Total = len(metaMap)
		s.Indexed = len(metaMap)
		s.IsReady = true
		s.Error = ""
	})
	return nil
}

// DeltaUpdate embeds notes changed since the watermark and appends them to
// the live index, then drops deleted notes from the metadata cache. A no-op
// when nothing changed, when the engine is not ready yet, or when another
// index workflow is running.
func (e *Engine) DeltaUpdate(ctx context.Context) error {
	e.mu.Lock()
	if e.isIndexing || e.isDeltaUpdating || e.index == nil || e.pipeline == nil {
		e.mu.Unlock()
		return nil
	}
	e.isDeltaUpdating = true
	pipeline := e.pipeline
	idx := e.index
	watermark := e.watermark
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.isDeltaUpdating = false
		e.mu.Unlock()
	}()

	changed, err := e.source.HasChangesSince(ctx, watermark)
	if err != nil {
		return e.failWorkflow(fmt.Errorf("check for changes: %w", err))
	}
	if !changed {
		return nil
	}

	notes, err := e.source.NotesSince(ctx, watermark)
	if err != nil {
		return e.failWorkflow(fmt.Errorf("read changed notes: %w", err))
	}
	deleted, err := e.source.DeletedIDsSince(ctx, watermark)
	if err != nil {
		return e.failWorkflow(fmt.Errorf("read deleted notes: %w", err))
	}
	if len(notes) == 0 && len(deleted) == 0 {
		return nil
	}

	log.Printf("[smartsearch] delta update: %d changed, %d deleted", len(notes), len(deleted))

	// The index stays live for queries; keep is_ready true and report
	// progress through the counters only.
	e.setStatus(func(s *Status) {
		s.Phase = PhaseIndexing
	})

	updates := make(map[string]joplin.NoteMetadata, len(notes))
	var maxUpdated int64
	for start := 0; start < len(notes); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(notes))
		if err := e.embedAndInsert(ctx, pipeline, idx, updates, notes[start:end], &maxUpdated); err != nil {
			return e.failWorkflow(err)
		}
	}

	if e.cfg.IndexPath != "" {
		if err := idx.Save(e.cfg.IndexPath); err != nil {
			return e.failWorkflow(fmt.Errorf("persist index: %w", err))
		}
	}

	// Copy-on-write swap of the metadata cache so in-flight queries keep
	// reading a consistent map.
	e.mu.Lock()
	next := maps.Clone(e.meta)
	for id, m := range updates {
		next[id] = m
	}
	for _, id := range deleted {
		delete(next, id)
	}
	e.meta = next
	if wm := watermarkFor(maxUpdated); wm > e.watermark {
		e.watermark = wm
	}
	total := len(next)
	buildAge := time.Since(e.lastBuild)
	e.mu.Unlock()

	e.setStatus(func(s *Status) {
		s.Phase = PhaseReady
		s.Total = total
		s.Indexed = total
		s.IsReady = true
		s.Error = ""
	})

	// Appended entries duplicate any previous generation of the same note.
	// Compact by rebuilding from scratch once the snapshot is old enough.
	if len(updates) > 0 && e.cfg.RebuildInterval > 0 && buildAge >= e.cfg.RebuildInterval {
		go func() {
			if err := e.RebuildNow(context.WithoutCancel(ctx)); err != nil {
				log.Printf("[smartsearch] scheduled rebuild failed: %v", err)
			}
		}()
	}
	return nil
}

// embedAndInsert runs one batch through the pipeline and into the index,
// recording metadata for every inserted note. Notes whose ID is not a valid
// Joplin identifier are dropped after embedding.
func (e *Engine) embedAndInsert(ctx context.Context, pipeline embed.Embedder, idx *search.Index, metaOut map[string]joplin.NoteMetadata, batch []joplin.Note, maxUpdated *int64) error {
	texts := make([]string, len(batch))
	for i, n := range batch {
		texts[i] = n.Title + embeddingSeparator + n.Body
	}

	vecs, err := pipeline.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embed batch: got %d vectors for %d notes", len(vecs), len(batch))
	}

	entries := make([]search.Entry, 0, len(batch))
	for i, n := range batch {
		if !joplin.ValidID(n.ID) {
			continue
		}
		entries = append(entries, search.Entry{ID: n.ID, Vector: vecs[i]})
		metaOut[n.ID] = n.Metadata()
		if n.UpdatedTime > *maxUpdated {
			*maxUpdated = n.UpdatedTime
		}
	}

	if err := idx.AddBatch(entries); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// ensurePipeline returns the loaded embedding pipeline, loading it once.
// The is_pipeline_loading flag collapses concurrent triggers into a single
// load; latecomers wait for the winner.
func (e *Engine) ensurePipeline(ctx context.Context) (embed.Embedder, error) {
	for {
		e.mu.Lock()
		if e.pipeline != nil {
			p := e.pipeline
			e.mu.Unlock()
			return p, nil
		}
		if !e.isPipelineLoading {
			e.isPipelineLoading = true
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	defer func() {
		e.mu.Lock()
		e.isPipelineLoading = false
		e.mu.Unlock()
	}()

	e.setStatus(func(s *Status) {
		s.Phase = PhaseDownloadingModel
		s.IsDownloadingModel = true
		s.DownloadProgress = 0
	})

	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.LoadTimeout)
	defer cancel()

	pipeline, err := e.loadPipeline(loadCtx, func(fraction float64) {
		e.setStatus(func(s *Status) {
			s.DownloadProgress = fraction
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load embedding pipeline: %w", err)
	}

	e.mu.Lock()
	e.pipeline = pipeline
	e.mu.Unlock()

	e.setStatus(func(s *Status) {
		s.Phase = PhaseIndexing
		s.IsDownloadingModel = false
		s.DownloadProgress = 1
	})
	return pipeline, nil
}

// Search embeds the query and runs ANN search against the current index.
// The shared lock is held only to copy handles; embedding and graph
// traversal run lock-free against that generation of pipeline and index.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}

	e.mu.Lock()
	if !e.status.IsReady {
		e.mu.Unlock()
		return nil, ErrNotReady
	}
	if e.pipeline == nil {
		e.mu.Unlock()
		return nil, ErrModelNotLoaded
	}
	pipeline := e.pipeline
	idx := e.index
	meta := e.meta
	e.mu.Unlock()

	vec, err := pipeline.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := idx.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	// Hits arrive in descending score order; the first occurrence of an ID
	// is its best score, so later duplicates are dropped. IDs absent from
	// the cache are stale entries for deleted notes.
	results := make([]Result, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, hit := range hits {
		if hit.Score < e.cfg.ScoreFloor {
			continue
		}
		if _, dup := seen[hit.ID]; dup {
			continue
		}
		m, ok := meta[hit.ID]
		if !ok {
			continue
		}
		seen[hit.ID] = struct{}{}
		results = append(results, Result{
			ID:          hit.ID,
			Title:       m.Title,
			Score:       hit.Score,
			UpdatedTime: m.UpdatedTime,
		})
	}
	return results, nil
}

// GetNote fetches the full note, body included, straight from the store.
func (e *Engine) GetNote(ctx context.Context, id string) (joplin.Note, error) {
	return e.source.NoteByID(ctx, id)
}

// watermarkFor backs a delta batch's high timestamp off by one millisecond
// so notes that share the boundary timestamp but committed after the scan
// are picked up by the next delta pass. Full builds store the scanned
// maximum exactly; only delta advances use this guard, and only when it
// moves the watermark forward. Re-embedding a boundary note is harmless.
func watermarkFor(maxUpdated int64) int64 {
	if maxUpdated <= 0 {
		return 0
	}
	return maxUpdated - 1
}
