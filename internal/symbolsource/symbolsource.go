// Package symbolsource locates the binaries and debug files of the images
// seen in a trace.
package symbolsource

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/getsentry/traceprof/internal/rawprofile"
)

type (
	BinaryFileDescriptor struct {
		ImageName string `json:"image_name"`
		ImagePath string `json:"image_path"`
		TimeStamp int32  `json:"timestamp"`
		ImageSize uint64 `json:"image_size"`
		Checksum  int32  `json:"checksum"`
	}

	SymbolFileDescriptor = rawprofile.SymbolFileDescriptor

	SearchSettings struct {
		SearchPaths []string      `yaml:"search_paths" env:"TRACEPROF_SYMBOL_PATHS" env-separator:","`
		ServerURL   string        `yaml:"server_url" env:"TRACEPROF_SYMBOL_SERVER"`
		CacheDir    string        `yaml:"cache_dir" env:"TRACEPROF_SYMBOL_CACHE_DIR"`
		Timeout     time.Duration `yaml:"timeout" env:"TRACEPROF_SYMBOL_TIMEOUT" env-default:"30s"`

		// SearchPathsOnly ignores the path an image was loaded from, so
		// only files under SearchPaths are ever opened.
		SearchPathsOnly bool `yaml:"-"`
	}

	BinarySearchResult struct {
		Found    bool                 `json:"found"`
		FilePath string               `json:"file_path,omitempty"`
		Binary   BinaryFileDescriptor `json:"binary"`
		Details  string               `json:"details,omitempty"`
	}

	DebugFileSearchResult struct {
		Found    bool                 `json:"found"`
		FilePath string               `json:"file_path,omitempty"`
		Symbol   SymbolFileDescriptor `json:"symbol"`
		Details  string               `json:"details,omitempty"`
	}

	// Finder locates files for an image. Not finding a file is not an
	// error, it is reported with Found set to false.
	Finder interface {
		FindBinaryFile(ctx context.Context, binary BinaryFileDescriptor, settings SearchSettings) (BinarySearchResult, error)
		FindDebugFile(ctx context.Context, binary BinarySearchResult, symbol SymbolFileDescriptor, settings SearchSettings) (DebugFileSearchResult, error)
	}
)

// NewBinaryFileDescriptor describes the file an image was loaded from.
func NewBinaryFileDescriptor(img *rawprofile.Image) BinaryFileDescriptor {
	return BinaryFileDescriptor{
		ImageName: img.ModuleName(),
		ImagePath: img.FilePath,
		TimeStamp: img.TimeStamp,
		ImageSize: img.Size,
		Checksum:  img.Checksum,
	}
}

// Key identifies a binary the way symbol stores index it.
func (d BinaryFileDescriptor) Key() string {
	return fmt.Sprintf("%s/%08X%x", strings.ToLower(d.ImageName), uint32(d.TimeStamp), d.ImageSize)
}

func symbolKey(s SymbolFileDescriptor) string {
	return fmt.Sprintf("%s/%s%x", strings.ToLower(fileName(s.FileName)), strings.ToUpper(strings.ReplaceAll(s.ID, "-", "")), s.Age)
}

func fileName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}
