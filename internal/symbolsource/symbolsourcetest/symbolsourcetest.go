// Package symbolsourcetest provides an in-memory symbol source for tests.
package symbolsourcetest

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/getsentry/traceprof/internal/debuginfo"
	"github.com/getsentry/traceprof/internal/symbolsource"
)

const root = "/symbols"

var ErrNoDebugInfo = errors.New("symbolsourcetest: no debug info")

// Symbols finds the binaries of the modules it knows. A module mapped to a
// nil function list has a binary but no debug file.
type Symbols struct {
	Functions map[string][]debuginfo.FunctionDebugInfo

	mu      sync.Mutex
	lookups map[string]int
}

func (s *Symbols) FindBinaryFile(_ context.Context, binary symbolsource.BinaryFileDescriptor, _ symbolsource.SearchSettings) (symbolsource.BinarySearchResult, error) {
	s.mu.Lock()
	if s.lookups == nil {
		s.lookups = make(map[string]int)
	}
	s.lookups[binary.ImageName]++
	s.mu.Unlock()

	if _, ok := s.Functions[binary.ImageName]; !ok {
		return symbolsource.BinarySearchResult{Binary: binary, Details: "unknown module"}, nil
	}
	return symbolsource.BinarySearchResult{
		Found:    true,
		FilePath: path.Join(root, binary.ImageName),
		Binary:   binary,
	}, nil
}

func (s *Symbols) FindDebugFile(_ context.Context, binary symbolsource.BinarySearchResult, symbol symbolsource.SymbolFileDescriptor, _ symbolsource.SearchSettings) (symbolsource.DebugFileSearchResult, error) {
	if s.Functions[binary.Binary.ImageName] == nil {
		return symbolsource.DebugFileSearchResult{Symbol: symbol}, nil
	}
	return symbolsource.DebugFileSearchResult{
		Found:    true,
		FilePath: binary.FilePath + ".sym",
		Symbol:   symbol,
	}, nil
}

// Provider loads the functions of the module a debug file was found for.
func (s *Symbols) Provider(r symbolsource.DebugFileSearchResult) (debuginfo.Provider, error) {
	functions, ok := s.Functions[path.Base(strings.TrimSuffix(r.FilePath, ".sym"))]
	if !ok || functions == nil {
		return nil, ErrNoDebugInfo
	}
	return debuginfo.NewTable(functions), nil
}

// BinaryLookups returns how many times the binary of module was searched.
func (s *Symbols) BinaryLookups(module string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[module]
}
