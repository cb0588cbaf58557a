package symbolsource

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/getsentry/traceprof/internal/telemetry"
)

// ChainFinder asks each finder in turn and returns the first file found.
// A failing finder is logged and skipped.
type ChainFinder []Finder

func (c ChainFinder) FindBinaryFile(ctx context.Context, binary BinaryFileDescriptor, settings SearchSettings) (BinarySearchResult, error) {
	result := BinarySearchResult{Binary: binary, Details: "not found"}
	for _, f := range c {
		r, err := f.FindBinaryFile(ctx, binary, settings)
		if err != nil {
			log.Warn().Err(err).Str("image", binary.ImageName).Msg("binary lookup failed")
			continue
		}
		if r.Found {
			return r, nil
		}
	}
	return result, nil
}

func (c ChainFinder) FindDebugFile(ctx context.Context, binary BinarySearchResult, symbol SymbolFileDescriptor, settings SearchSettings) (DebugFileSearchResult, error) {
	result := DebugFileSearchResult{Symbol: symbol, Details: "not found"}
	for _, f := range c {
		r, err := f.FindDebugFile(ctx, binary, symbol, settings)
		if err != nil {
			log.Warn().Err(err).Str("image", binary.Binary.ImageName).Msg("debug file lookup failed")
			continue
		}
		if r.Found {
			return r, nil
		}
	}
	return result, nil
}

// CachingFinder remembers lookups by file identity. Concurrent lookups of
// the same file share a single call to the underlying finder.
type CachingFinder struct {
	finder   Finder
	binaries *expirable.LRU[string, BinarySearchResult]
	symbols  *expirable.LRU[string, DebugFileSearchResult]
	group    singleflight.Group
}

func NewCachingFinder(finder Finder, size int, ttl time.Duration) *CachingFinder {
	return &CachingFinder{
		finder:   finder,
		binaries: expirable.NewLRU[string, BinarySearchResult](size, nil, ttl),
		symbols:  expirable.NewLRU[string, DebugFileSearchResult](size, nil, ttl),
	}
}

func lookupResult(found bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case found:
		return "found"
	}
	return "not_found"
}

func (c *CachingFinder) FindBinaryFile(ctx context.Context, binary BinaryFileDescriptor, settings SearchSettings) (BinarySearchResult, error) {
	key := "binary:" + binary.Key() + ":" + binary.ImagePath
	if r, ok := c.binaries.Get(key); ok {
		return r, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if r, ok := c.binaries.Get(key); ok {
			return r, nil
		}
		r, err := c.finder.FindBinaryFile(ctx, binary, settings)
		telemetry.SymbolLookups.WithLabelValues("binary", lookupResult(r.Found, err)).Inc()
		if err != nil {
			return r, err
		}
		c.binaries.Add(key, r)
		return r, nil
	})
	return v.(BinarySearchResult), err
}

func (c *CachingFinder) FindDebugFile(ctx context.Context, binary BinarySearchResult, symbol SymbolFileDescriptor, settings SearchSettings) (DebugFileSearchResult, error) {
	key := "debug:" + symbolKey(symbol) + ":" + binary.FilePath
	if r, ok := c.symbols.Get(key); ok {
		return r, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if r, ok := c.symbols.Get(key); ok {
			return r, nil
		}
		r, err := c.finder.FindDebugFile(ctx, binary, symbol, settings)
		telemetry.SymbolLookups.WithLabelValues("debug", lookupResult(r.Found, err)).Inc()
		if err != nil {
			return r, err
		}
		c.symbols.Add(key, r)
		return r, nil
	})
	return v.(DebugFileSearchResult), err
}

// NewDefaultFinder searches the local file system, then the symbol server
// when one is configured, caching results.
func NewDefaultFinder(settings SearchSettings) Finder {
	chain := ChainFinder{LocalFinder{}}
	if settings.ServerURL != "" {
		chain = append(chain, NewHTTPFinder(settings.Timeout))
	}
	return NewCachingFinder(chain, 4096, time.Hour)
}
