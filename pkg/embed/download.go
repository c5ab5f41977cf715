package embed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Default embedding model: bge-small-en-v1.5 quantized to q8_0, 384
// dimensions, ~34 MB. Small enough to fetch on first run, strong enough for
// note retrieval.
const (
	DefaultModelFile = "bge-small-en-v1.5-q8_0.gguf"
	DefaultModelURL  = "https://huggingface.co/CompendiumLabs/bge-small-en-v1.5-gguf/resolve/main/bge-small-en-v1.5-q8_0.gguf"
)

// DownloadProgress reports bytes fetched so far. total is -1 when the
// server does not send Content-Length.
type DownloadProgress func(downloaded, total int64)

// EnsureModel returns the path to the model file inside cacheDir,
// downloading it from url on first use. The download goes to a temp file
// and is renamed into place only when complete, so an interrupted fetch
// never leaves a half-written model behind.
func EnsureModel(ctx context.Context, cacheDir, url string, progress DownloadProgress) (string, error) {
	if url == "" {
		url = DefaultModelURL
	}
	path := filepath.Join(cacheDir, filepath.Base(url))

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create model cache dir: %w", err)
	}

	fmt.Printf("📥 Downloading embedding model %s...\n", filepath.Base(url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build model download request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download model: unexpected status %s", resp.Status)
	}

	tmpPath := path + ".download"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp model file: %w", err)
	}

	written, err := copyWithProgress(ctx, f, resp.Body, resp.ContentLength, progress)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download model: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download model: short read (%d of %d bytes)", written, resp.ContentLength)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync model file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publish model file: %w", err)
	}

	fmt.Printf("✅ Model downloaded (%d bytes)\n", written)
	return path, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress DownloadProgress) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if progress != nil && time.Since(lastReport) > 200*time.Millisecond {
				progress(written, total)
				lastReport = time.Now()
			}
		}
		if err == io.EOF {
			if progress != nil {
				progress(written, total)
			}
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
