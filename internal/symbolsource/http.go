package symbolsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/rs/zerolog/log"
)

// HTTPFinder downloads files from a symbol server using the symbol store
// layout, name/KEY/name, into the cache directory.
type HTTPFinder struct {
	client *httpclient.Client
}

func NewHTTPFinder(timeout time.Duration) *HTTPFinder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFinder{
		client: httpclient.NewClient(httpclient.WithHTTPTimeout(timeout)),
	}
}

func (f *HTTPFinder) FindBinaryFile(ctx context.Context, binary BinaryFileDescriptor, settings SearchSettings) (BinarySearchResult, error) {
	result := BinarySearchResult{Binary: binary}
	if settings.ServerURL == "" || binary.ImageName == "" {
		result.Details = "no symbol server"
		return result, nil
	}
	p, found, err := f.download(ctx, settings, binary.Key(), binary.ImageName)
	if err != nil {
		return result, err
	}
	result.Found = found
	result.FilePath = p
	if !found {
		result.Details = "not found on symbol server"
	}
	return result, nil
}

func (f *HTTPFinder) FindDebugFile(ctx context.Context, _ BinarySearchResult, symbol SymbolFileDescriptor, settings SearchSettings) (DebugFileSearchResult, error) {
	result := DebugFileSearchResult{Symbol: symbol}
	if settings.ServerURL == "" || symbol.FileName == "" || symbol.ID == "" {
		result.Details = "no symbol server"
		return result, nil
	}
	p, found, err := f.download(ctx, settings, symbolKey(symbol), fileName(symbol.FileName))
	if err != nil {
		return result, err
	}
	result.Found = found
	result.FilePath = p
	if !found {
		result.Details = "not found on symbol server"
	}
	return result, nil
}

// download fetches key/name unless it is already in the cache directory.
func (f *HTTPFinder) download(ctx context.Context, settings SearchSettings, key, name string) (string, bool, error) {
	cacheDir := settings.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "traceprof-symbols")
	}
	target := filepath.Join(cacheDir, filepath.FromSlash(key), name)
	if fileExists(target) {
		return target, true, nil
	}

	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(settings.ServerURL, "/"), key, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", false, fmt.Errorf("symbolsource: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", false, nil
	case resp.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("symbolsource: download %s: unexpected status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), name+".*")
	if err != nil {
		return "", false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", false, fmt.Errorf("symbolsource: download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", false, err
	}
	log.Debug().Str("url", url).Str("path", target).Msg("downloaded symbol file")
	return target, true, nil
}
