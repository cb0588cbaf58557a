package moduleresolver

import (
	"fmt"
	"sync"

	"github.com/getsentry/traceprof/internal/debuginfo"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/symbolsource"
)

// Function is the stable identity of a function across a trace. Two frames
// in the same function of the same module share the same *Function.
type Function struct {
	Name       string `json:"name"`
	ModuleName string `json:"module"`
	// IsExternal is set for functions known only through an address or a
	// symbol table, without further analysis data.
	IsExternal bool `json:"is_external"`
	IsManaged  bool `json:"is_managed"`
}

type functionEntry struct {
	function *Function
	info     *debuginfo.FunctionDebugInfo
}

type ModuleInfo struct {
	Image         *rawprofile.Image
	Name          string
	Binary        symbolsource.BinarySearchResult
	DebugFile     symbolsource.DebugFileSearchResult
	HasDebugInfo  bool
	IsPlaceholder bool
	IsManaged     bool

	provider  debuginfo.Provider
	lock      *sync.RWMutex
	functions map[uint64]*functionEntry
	external  map[string]*Function
}

func newModuleInfo(name string, lock *sync.RWMutex) *ModuleInfo {
	return &ModuleInfo{
		Name:      name,
		lock:      lock,
		functions: make(map[uint64]*functionEntry),
		external:  make(map[string]*Function),
	}
}

// SortedFunctions returns the functions described by the module debug
// info ordered by RVA.
func (m *ModuleInfo) SortedFunctions() []*debuginfo.FunctionDebugInfo {
	if m.provider == nil {
		return nil
	}
	return m.provider.SortedFunctions()
}

// FindDebugFunctionInfo returns the tightest function enclosing rva, or
// nil.
func (m *ModuleInfo) FindDebugFunctionInfo(rva uint64) *debuginfo.FunctionDebugInfo {
	if m.provider == nil {
		return nil
	}
	return m.provider.FindFunctionByRVA(rva)
}

// GetOrCreateFunction returns the function containing rva. Addresses
// without debug info get a placeholder function named after the address,
// so that every address of the module has a stable identity.
func (m *ModuleInfo) GetOrCreateFunction(rva uint64) (*Function, *debuginfo.FunctionDebugInfo) {
	m.lock.RLock()
	e, ok := m.functions[rva]
	m.lock.RUnlock()
	if ok {
		return e.function, e.info
	}

	info := m.FindDebugFunctionInfo(rva)

	m.lock.Lock()
	defer m.lock.Unlock()
	if e, ok := m.functions[rva]; ok {
		return e.function, e.info
	}
	if info == nil {
		info = &debuginfo.FunctionDebugInfo{Name: fmt.Sprintf("%X", rva), RVA: rva}
	}
	if e, ok := m.functions[info.RVA]; ok {
		m.functions[rva] = e
		return e.function, e.info
	}
	fn, ok := m.external[info.Name]
	if !ok {
		fn = &Function{
			Name:       info.Name,
			ModuleName: m.Name,
			IsExternal: true,
			IsManaged:  m.IsManaged,
		}
		m.external[info.Name] = fn
	}
	e = &functionEntry{function: fn, info: info}
	m.functions[rva] = e
	m.functions[info.RVA] = e
	return fn, info
}

// FindFunction returns a function already created under that name.
func (m *ModuleInfo) FindFunction(name string) (*Function, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	fn, ok := m.external[name]
	return fn, ok
}
