// Command joplin-smart-search runs a local semantic search daemon over a
// Joplin note database. It embeds notes with a local GGUF model, keeps an
// HNSW index in sync with the database, and serves queries over HTTP.
//
// Configuration is environment-driven:
//
//	SMARTSEARCH_DB_PATH        Joplin database.sqlite (default: auto-detect)
//	SMARTSEARCH_DATA_DIR       index + model cache dir (default: user config dir)
//	SMARTSEARCH_ADDR           HTTP listen address (default: 127.0.0.1:4144)
//	SMARTSEARCH_MODEL_URL      embedding model URL (default: bge-small-en-v1.5 q8_0)
//	SMARTSEARCH_LIB            yzma llama.cpp library directory
//	SMARTSEARCH_BATCH_SIZE     notes embedded per progress step (default: 64)
//	SMARTSEARCH_TOP_K          default result count (default: 25)
//	SMARTSEARCH_SCORE_FLOOR    minimum relevance score (default: 0.30)
//	SMARTSEARCH_POLL_INTERVAL  watcher poll interval (default: 10s)
//	SMARTSEARCH_QUIET_PERIOD   watcher debounce window (default: 30s)
//	SMARTSEARCH_LOAD_TIMEOUT   model acquisition bound (default: 15m)
//	SMARTSEARCH_REBUILD_INTERVAL  compacting rebuild age threshold (default: 5m)
//	SMARTSEARCH_HNSW_QUALITY   fast | balanced | accurate
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dimaginar/joplin-smart-search/pkg/embed"
	"github.com/dimaginar/joplin-smart-search/pkg/envutil"
	"github.com/dimaginar/joplin-smart-search/pkg/joplin"
	"github.com/dimaginar/joplin-smart-search/pkg/search"
	"github.com/dimaginar/joplin-smart-search/pkg/server"
	"github.com/dimaginar/joplin-smart-search/pkg/smartsearch"
)

const embeddingDimensions = 384

func main() {
	if err := run(); err != nil {
		log.Fatalf("joplin-smart-search: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := envutil.Get("SMARTSEARCH_DB_PATH", "")
	if dbPath == "" {
		detected, ok := joplin.DetectDBPath()
		if !ok {
			return fmt.Errorf("no Joplin database found; set SMARTSEARCH_DB_PATH")
		}
		dbPath = detected
	}

	dataDir := envutil.Get("SMARTSEARCH_DATA_DIR", "")
	if dataDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve config dir: %w", err)
		}
		dataDir = filepath.Join(configDir, "joplin-smart-search")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	hnswConfig, err := search.ConfigFromEnv()
	if err != nil {
		return err
	}

	store, err := joplin.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open note database: %w", err)
	}
	defer store.Close()

	fmt.Printf("🔎 joplin-smart-search\n")
	fmt.Printf("   notes:  %s\n", dbPath)
	fmt.Printf("   data:   %s\n", dataDir)

	modelDir := filepath.Join(dataDir, "models")
	modelURL := envutil.Get("SMARTSEARCH_MODEL_URL", embed.DefaultModelURL)
	loader := func(ctx context.Context, progress func(float64)) (embed.Embedder, error) {
		modelPath, err := embed.EnsureModel(ctx, modelDir, modelURL, func(downloaded, total int64) {
			if total > 0 {
				progress(float64(downloaded) / float64(total))
			}
		})
		if err != nil {
			return nil, err
		}
		pipeline, err := embed.LoadPipeline(embed.DefaultOptions(modelPath))
		if err != nil {
			return nil, err
		}
		if pipeline.Dimensions() != embeddingDimensions {
			pipeline.Close()
			return nil, fmt.Errorf("model produces %d-dimensional vectors, want %d", pipeline.Dimensions(), embeddingDimensions)
		}
		return pipeline, nil
	}

	engine := smartsearch.NewEngine(smartsearch.Config{
		IndexPath:       filepath.Join(dataDir, "index.bin"),
		Dimensions:      embeddingDimensions,
		HNSW:            hnswConfig,
		BatchSize:       envutil.GetInt("SMARTSEARCH_BATCH_SIZE", 64),
		DefaultTopK:     envutil.GetInt("SMARTSEARCH_TOP_K", 25),
		ScoreFloor:      float32(envutil.GetFloat("SMARTSEARCH_SCORE_FLOOR", 0.30)),
		LoadTimeout:     envutil.GetDuration("SMARTSEARCH_LOAD_TIMEOUT", 15*time.Minute),
		RebuildInterval: envutil.GetDuration("SMARTSEARCH_REBUILD_INTERVAL", 5*time.Minute),
	}, store, loader)

	// Startup indexing and change watching run in the background; the HTTP
	// API is available immediately and reports not-ready until the build
	// lands.
	go func() {
		if err := engine.FullBuild(ctx); err != nil {
			log.Printf("startup build failed: %v", err)
			return
		}
		// Catch writes that landed while the snapshot was loading.
		if err := engine.DeltaUpdate(ctx); err != nil {
			log.Printf("startup delta update failed: %v", err)
		}
	}()

	watcher := smartsearch.NewWatcher(
		dbPath,
		envutil.GetDuration("SMARTSEARCH_POLL_INTERVAL", 10*time.Second),
		envutil.GetDuration("SMARTSEARCH_QUIET_PERIOD", 30*time.Second),
		func(ctx context.Context) {
			if err := engine.DeltaUpdate(ctx); err != nil {
				log.Printf("delta update failed: %v", err)
			}
		},
	)
	go watcher.Run(ctx)

	addr := envutil.Get("SMARTSEARCH_ADDR", "127.0.0.1:4144")
	srv := server.New(engine, addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
