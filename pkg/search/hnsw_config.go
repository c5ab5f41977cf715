package search

import (
	"fmt"
	"math"
	"strings"

	"github.com/dimaginar/joplin-smart-search/pkg/envutil"
)

// Config holds HNSW graph construction and search parameters.
type Config struct {
	// M is the maximum number of bidirectional links per node per layer.
	// Higher improves recall at the cost of memory and insert time.
	M int

	// EfConstruction is the beam width used while building the graph.
	EfConstruction int

	// EfSearch is the beam width used at query time. Raised to k when a
	// caller asks for more results than the beam holds.
	EfSearch int

	// LevelMultiplier controls the level distribution; the canonical value
	// is 1/ln(M).
	LevelMultiplier float64
}

// DefaultConfig returns the balanced parameter set.
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  200,
		EfSearch:        50,
		LevelMultiplier: 0.36067, // 1/ln(16)
	}
}

// FastConfig favors build speed and memory over recall.
func FastConfig() Config {
	return Config{
		M:               8,
		EfConstruction:  100,
		EfSearch:        32,
		LevelMultiplier: 0.48089, // 1/ln(8)
	}
}

// AccurateConfig favors recall over build speed.
func AccurateConfig() Config {
	return Config{
		M:               32,
		EfConstruction:  400,
		EfSearch:        100,
		LevelMultiplier: 0.28854, // 1/ln(32)
	}
}

// ConfigFromEnv resolves the HNSW configuration from the environment.
//
// SMARTSEARCH_HNSW_QUALITY selects a preset (fast, balanced, accurate);
// SMARTSEARCH_HNSW_M, SMARTSEARCH_HNSW_EF_CONSTRUCTION and
// SMARTSEARCH_HNSW_EF_SEARCH override individual knobs on top of it.
// Unset everything and you get the balanced defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	quality := strings.ToLower(envutil.Get("SMARTSEARCH_HNSW_QUALITY", "balanced"))
	switch quality {
	case "fast":
		cfg = FastConfig()
	case "balanced", "":
		cfg = DefaultConfig()
	case "accurate":
		cfg = AccurateConfig()
	default:
		return Config{}, fmt.Errorf("unknown SMARTSEARCH_HNSW_QUALITY %q (want fast, balanced or accurate)", quality)
	}

	cfg.M = envutil.GetInt("SMARTSEARCH_HNSW_M", cfg.M)
	cfg.EfConstruction = envutil.GetInt("SMARTSEARCH_HNSW_EF_CONSTRUCTION", cfg.EfConstruction)
	cfg.EfSearch = envutil.GetInt("SMARTSEARCH_HNSW_EF_SEARCH", cfg.EfSearch)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the parameters and recomputes LevelMultiplier when an
// override changed M away from its preset value.
func (c *Config) Validate() error {
	if c.M < 2 || c.M > 128 {
		return fmt.Errorf("hnsw: M must be in [2, 128], got %d", c.M)
	}
	if c.EfConstruction < c.M {
		return fmt.Errorf("hnsw: EfConstruction (%d) must be >= M (%d)", c.EfConstruction, c.M)
	}
	if c.EfSearch < 1 {
		return fmt.Errorf("hnsw: EfSearch must be positive, got %d", c.EfSearch)
	}
	c.LevelMultiplier = levelMultiplierFor(c.M)
	return nil
}

func levelMultiplierFor(m int) float64 {
	return 1.0 / math.Log(float64(m))
}
