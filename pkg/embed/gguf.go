package embed

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"

	"github.com/dimaginar/joplin-smart-search/pkg/envutil"
	"github.com/dimaginar/joplin-smart-search/pkg/vector"
)

// Backend state detected at init time.
var (
	gpuAvailable  bool
	gpuDeviceName string
	initOnce      sync.Once
	initErr       error
)

func getExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// doInit performs one-time loading of the llama.cpp libraries.
//
// SMARTSEARCH_LIB points at the directory holding the yzma-installed
// libraries (yzma install --lib ./lib). Without it we probe a couple of
// conventional locations.
func doInit() {
	libPath := envutil.Get("SMARTSEARCH_LIB", "")
	if libPath == "" {
		candidates := []string{
			"./lib/llama",
			filepath.Join(getExeDir(), "lib", "llama"),
			filepath.Join(getExeDir(), "lib"),
		}
		for _, candidate := range candidates {
			if hasLlamaLibrary(candidate) {
				libPath = candidate
				break
			}
		}
		if libPath == "" {
			libPath = "./lib/llama"
		}
	}
	if abs, err := filepath.Abs(libPath); err == nil {
		libPath = abs
	}

	// Dependent DLLs (CUDA, VC++ runtime) resolve via PATH on Windows, so
	// extend it before llama.Load.
	if runtime.GOOS == "windows" {
		current := os.Getenv("PATH")
		if !strings.Contains(current, libPath) {
			os.Setenv("PATH", libPath+";"+current)
		}
	}

	log.Printf("[embed] Loading llama.cpp libraries from: %s", libPath)

	if err := llama.Load(libPath); err != nil {
		initErr = fmt.Errorf("load llama.cpp libraries from %s: %w", libPath, err)
		log.Printf("[embed] WARNING: %v", initErr)
		return
	}

	llama.Init()
	detectGPU()
}

func hasLlamaLibrary(dir string) bool {
	for _, name := range []string{"ggml.dll", "ggml-base.dll", "libggml.so", "libggml-base.so", "libggml.dylib"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func detectGPU() {
	gpuAvailable = llama.SupportsGpuOffload()

	deviceCount := llama.GGMLBackendDeviceCount()
	for i := uint64(0); i < deviceCount; i++ {
		dev := llama.GGMLBackendDeviceGet(i)
		name := llama.GGMLBackendDeviceName(dev)
		nameLower := strings.ToLower(name)
		if strings.Contains(nameLower, "cuda") ||
			strings.Contains(nameLower, "metal") ||
			strings.Contains(nameLower, "vulkan") ||
			strings.Contains(nameLower, "hip") ||
			strings.Contains(nameLower, "gpu") {
			gpuDeviceName = name
			gpuAvailable = true
			break
		}
	}

	if gpuAvailable && gpuDeviceName != "" {
		log.Printf("[embed] GPU detected: %s", gpuDeviceName)
	} else if gpuAvailable {
		log.Printf("[embed] GPU offload supported (device detection inconclusive)")
	} else {
		log.Printf("[embed] No GPU detected, using CPU-only mode")
	}
}

// Options configures pipeline loading.
type Options struct {
	// ModelPath is the path to the .gguf model file.
	ModelPath string

	// ContextSize caps tokenized input length. Texts that tokenize past it
	// are truncated.
	ContextSize int

	// GPULayers controls GPU offload: -1 auto (all layers if a GPU is
	// found), 0 CPU only, N specific layer count.
	GPULayers int
}

// DefaultOptions returns options suited to short-text embedding.
// SMARTSEARCH_FORCE_CPU=1 disables GPU offload for debugging.
func DefaultOptions(modelPath string) Options {
	gpuLayers := -1
	if envutil.GetBool("SMARTSEARCH_FORCE_CPU", false) {
		gpuLayers = 0
	}
	return Options{
		ModelPath:   modelPath,
		ContextSize: 512,
		GPULayers:   gpuLayers,
	}
}

// Pipeline is a loaded GGUF embedding model.
//
// The model weights stay resident between calls; each Embed creates a fresh
// llama context, which keeps calls independent. llama.cpp inference is not
// reentrant, so a mutex serializes all inference. Embedding work is CPU/GPU
// bound anyway; the serialization is not the bottleneck.
type Pipeline struct {
	mu        sync.Mutex
	model     llama.Model
	vocab     llama.Vocab
	dims      int
	desc      string
	ctxSize   uint32
	usingGPU  bool
	gpuLayers int32
	closed    bool
}

// LoadPipeline loads the GGUF model at opts.ModelPath and keeps it resident
// until Close. Returns ErrModelUnavailable (wrapped) when the llama.cpp
// libraries cannot be loaded.
func LoadPipeline(opts Options) (*Pipeline, error) {
	initOnce.Do(doInit)
	if initErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, initErr)
	}

	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model file: %v", ErrModelUnavailable, err)
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = 512
	}

	gpuLayers := int32(opts.GPULayers)
	usingGPU := false
	switch {
	case opts.GPULayers == -1 && gpuAvailable:
		usingGPU = true
		log.Printf("[embed] Loading model with GPU acceleration (%s)", gpuDeviceName)
	case opts.GPULayers == -1:
		gpuLayers = 0
		log.Printf("[embed] Loading model in CPU-only mode (no GPU detected)")
	case opts.GPULayers > 0 && gpuAvailable:
		usingGPU = true
		log.Printf("[embed] Loading model with %d GPU layers", gpuLayers)
	case opts.GPULayers > 0:
		gpuLayers = 0
		log.Printf("[embed] WARNING: GPU layers requested but no GPU available, falling back to CPU")
	default:
		gpuLayers = 0
	}

	modelParams := llama.ModelDefaultParams()
	modelParams.NGpuLayers = gpuLayers

	model, err := llama.ModelLoadFromFile(opts.ModelPath, modelParams)
	if err != nil {
		if usingGPU {
			log.Printf("[embed] GPU model load failed, attempting CPU fallback: %v", err)
			modelParams.NGpuLayers = 0
			model, err = llama.ModelLoadFromFile(opts.ModelPath, modelParams)
			if err != nil {
				return nil, fmt.Errorf("load model (GPU and CPU fallback both failed): %w", err)
			}
			usingGPU = false
			gpuLayers = 0
		} else {
			return nil, fmt.Errorf("load model: %w", err)
		}
	}

	dims := int(llama.ModelNEmbd(model))
	if dims <= 0 {
		llama.ModelFree(model)
		return nil, fmt.Errorf("model %s reports no embedding dimensions", opts.ModelPath)
	}

	desc := llama.ModelDesc(model)
	if desc == "" {
		desc = filepath.Base(opts.ModelPath)
	}
	log.Printf("[embed] Model loaded: %s (%d dimensions)", desc, dims)

	return &Pipeline{
		model:     model,
		vocab:     llama.ModelGetVocab(model),
		dims:      dims,
		desc:      desc,
		ctxSize:   uint32(opts.ContextSize),
		usingGPU:  usingGPU,
		gpuLayers: gpuLayers,
	}, nil
}

// Embed returns the L2-normalized embedding for text.
func (p *Pipeline) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedLocked(text)
}

// EmbedBatch embeds texts sequentially, holding the inference lock across
// the whole batch so interleaved single calls cannot stretch batch latency.
func (p *Pipeline) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		vec, err := p.embedLocked(text)
		if err != nil {
			return nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

func (p *Pipeline) embedLocked(text string) ([]float32, error) {
	if p.closed {
		return nil, ErrModelUnavailable
	}

	ctxParams := llama.ContextDefaultParams()
	ctxParams.Embeddings = 1
	ctxParams.NCtx = p.ctxSize
	ctxParams.NBatch = p.ctxSize
	lctx, err := llama.InitFromModel(p.model, ctxParams)
	if err != nil {
		return nil, fmt.Errorf("create llama context: %w", err)
	}
	defer llama.Free(lctx)

	tokens := llama.Tokenize(p.vocab, text, true, false)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("text produced no tokens")
	}
	if len(tokens) > int(p.ctxSize) {
		tokens = tokens[:p.ctxSize]
	}

	batch := llama.BatchGetOne(tokens)
	// BatchGetOne returns a stack-allocated batch; no BatchFree.
	if _, err := llama.Encode(lctx, batch); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	emb, err := llama.GetEmbeddings(lctx, 1, p.dims)
	if err != nil {
		return nil, fmt.Errorf("get embeddings: %w", err)
	}
	if len(emb) != p.dims {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(emb), p.dims)
	}

	result := make([]float32, len(emb))
	copy(result, emb)
	vector.NormalizeInPlace(result)
	return result, nil
}

// Dimensions returns the embedding vector dimensionality.
func (p *Pipeline) Dimensions() int {
	return p.dims
}

// ModelDescription returns a human-readable description of the model.
func (p *Pipeline) ModelDescription() string {
	return p.desc
}

// UsingGPU reports whether inference runs on a GPU backend.
func (p *Pipeline) UsingGPU() bool {
	return p.usingGPU
}

// Close frees the resident model. Further Embed calls return
// ErrModelUnavailable.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	llama.ModelFree(p.model)
	return nil
}
