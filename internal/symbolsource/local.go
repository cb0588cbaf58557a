package symbolsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// LocalFinder looks for files on the local file system: at the path the
// image was loaded from, unless SearchPathsOnly is set, then in each search
// path.
type LocalFinder struct{}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func (LocalFinder) FindBinaryFile(_ context.Context, binary BinaryFileDescriptor, settings SearchSettings) (BinarySearchResult, error) {
	result := BinarySearchResult{Binary: binary}
	if !settings.SearchPathsOnly && binary.ImagePath != "" && fileExists(binary.ImagePath) {
		result.Found = true
		result.FilePath = binary.ImagePath
		return result, nil
	}
	name := fileName(binary.ImageName)
	if binary.ImageName == "" {
		name = fileName(binary.ImagePath)
	}
	for _, dir := range settings.SearchPaths {
		for _, candidate := range []string{name, strings.ToLower(name)} {
			p := filepath.Join(dir, candidate)
			if fileExists(p) {
				result.Found = true
				result.FilePath = p
				return result, nil
			}
		}
	}
	result.Details = "not found locally"
	return result, nil
}

// FindDebugFile looks for the named debug file next to the binary and in
// the search paths, then for a ".sym" map next to the binary. A binary
// carrying its own symbol table is its own debug file.
func (LocalFinder) FindDebugFile(_ context.Context, binary BinarySearchResult, symbol SymbolFileDescriptor, settings SearchSettings) (DebugFileSearchResult, error) {
	result := DebugFileSearchResult{Symbol: symbol}
	var candidates []string
	if symbol.FileName != "" {
		name := fileName(symbol.FileName)
		if binary.Found {
			candidates = append(candidates, filepath.Join(filepath.Dir(binary.FilePath), name))
		}
		for _, dir := range settings.SearchPaths {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	if binary.Found {
		candidates = append(candidates, binary.FilePath+".sym", binary.FilePath)
	}
	for _, p := range candidates {
		if fileExists(p) {
			result.Found = true
			result.FilePath = p
			return result, nil
		}
	}
	result.Details = "no debug file found locally"
	return result, nil
}
