// Package moduleresolver loads the binaries and debug information of the
// images of a trace, once per image, and maps addresses to functions.
package moduleresolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/traceprof/internal/debuginfo"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/symbolsource"
	"github.com/getsentry/traceprof/internal/telemetry"
)

// LockCount is the size of the lock table shared by all modules.
const LockCount = 64

// ProviderFactory loads the debug info described by a search result.
type ProviderFactory func(symbolsource.DebugFileSearchResult) (debuginfo.Provider, error)

func OpenProvider(r symbolsource.DebugFileSearchResult) (debuginfo.Provider, error) {
	t, err := debuginfo.Open(r.FilePath)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type cell struct {
	once sync.Once
	info *ModuleInfo
}

type Resolver struct {
	raw       *rawprofile.Profile
	finder    symbolsource.Finder
	settings  symbolsource.SearchSettings
	providers ProviderFactory
	report    *Report

	modules sync.Map
	managed sync.Map
	locks   [LockCount]sync.RWMutex
}

func New(raw *rawprofile.Profile, finder symbolsource.Finder, settings symbolsource.SearchSettings, providers ProviderFactory) *Resolver {
	if finder == nil {
		finder = symbolsource.LocalFinder{}
	}
	if providers == nil {
		providers = OpenProvider
	}
	return &Resolver{
		raw:       raw,
		finder:    finder,
		settings:  settings,
		providers: providers,
		report:    NewReport(),
	}
}

func (r *Resolver) Report() *Report {
	return r.report
}

func (r *Resolver) lockFor(id int) *sync.RWMutex {
	if id < 0 {
		id = -id
	}
	return &r.locks[id%LockCount]
}

// GetOrCreateModuleInfo returns the module of img, loading it on first use.
// Concurrent callers for the same image wait for a single load. The
// result is never nil: a module whose binary cannot be found is a
// placeholder resolving every address to a function named after it.
func (r *Resolver) GetOrCreateModuleInfo(ctx context.Context, img *rawprofile.Image, pid int) *ModuleInfo {
	v, _ := r.modules.LoadOrStore(img.ID, &cell{})
	c := v.(*cell)
	c.once.Do(func() {
		c.info = r.load(ctx, img, pid)
	})
	return c.info
}

func (r *Resolver) load(ctx context.Context, img *rawprofile.Image, pid int) *ModuleInfo {
	span := sentry.StartSpan(ctx, "module.load")
	span.Description = img.ModuleName()
	defer span.Finish()

	m := newModuleInfo(img.ModuleName(), r.lockFor(img.ID))
	m.Image = img
	status := ModuleStatus{ImageID: img.ID, ModuleName: m.Name}
	defer func() {
		r.report.add(status)
	}()

	desc := symbolsource.NewBinaryFileDescriptor(img)
	binary, err := r.finder.FindBinaryFile(ctx, desc, r.settings)
	if err != nil {
		log.Warn().Err(err).Str("image", m.Name).Msg("could not look up binary")
		binary = symbolsource.BinarySearchResult{Binary: desc, Details: err.Error()}
	}
	m.Binary = binary
	status.BinaryFound = binary.Found
	status.BinaryPath = binary.FilePath
	if !binary.Found {
		m.IsPlaceholder = true
		status.Details = binary.Details
		telemetry.ModulesLoaded.WithLabelValues("placeholder").Inc()
		log.Debug().Str("image", m.Name).Msg("binary not found, using placeholder module")
		return m
	}

	symbol, _ := r.raw.GetDebugFileForImage(img, pid)
	debug, err := r.finder.FindDebugFile(ctx, binary, symbol, r.settings)
	if err != nil {
		log.Warn().Err(err).Str("image", m.Name).Msg("could not look up debug file")
		debug = symbolsource.DebugFileSearchResult{Symbol: symbol, Details: err.Error()}
	}
	m.DebugFile = debug
	status.DebugFilePath = debug.FilePath
	if !debug.Found {
		status.Details = debug.Details
		telemetry.ModulesLoaded.WithLabelValues("no_debug_info").Inc()
		return m
	}

	provider, err := r.providers(debug)
	if err != nil {
		log.Warn().Err(err).Str("image", m.Name).Str("path", debug.FilePath).Msg("could not load debug info")
		status.Details = err.Error()
		telemetry.ModulesLoaded.WithLabelValues("no_debug_info").Inc()
		return m
	}
	m.provider = provider
	m.HasDebugInfo = true
	status.DebugInfoLoaded = true
	telemetry.ModulesLoaded.WithLabelValues("loaded").Inc()
	return m
}

// GetOrCreateManagedModuleInfo returns the module made of the JIT-compiled
// methods of process pid. Its RVAs are absolute addresses.
func (r *Resolver) GetOrCreateManagedModuleInfo(pid int) *ModuleInfo {
	v, _ := r.managed.LoadOrStore(pid, &cell{})
	c := v.(*cell)
	c.once.Do(func() {
		methods := r.raw.ManagedMethods(pid)
		functions := make([]debuginfo.FunctionDebugInfo, 0, len(methods))
		for _, m := range methods {
			name := m.Name
			if name == "" {
				name = fmt.Sprintf("method_%X", m.FunctionID)
			}
			functions = append(functions, debuginfo.FunctionDebugInfo{
				Name: name,
				RVA:  m.Address,
				Size: m.Size,
			})
		}
		m := newModuleInfo(fmt.Sprintf("managed:%d", pid), r.lockFor(-pid-1))
		m.IsManaged = true
		m.HasDebugInfo = true
		m.provider = debuginfo.NewTable(functions)
		c.info = m
	})
	return c.info
}

// Modules returns every native module loaded so far.
func (r *Resolver) Modules() []*ModuleInfo {
	var modules []*ModuleInfo
	r.modules.Range(func(_, v any) bool {
		if info := v.(*cell).info; info != nil {
			modules = append(modules, info)
		}
		return true
	})
	return modules
}
