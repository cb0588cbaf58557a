// Package debuginfo maps relative addresses inside a binary to the
// functions they belong to.
package debuginfo

import (
	"sort"
)

type FunctionDebugInfo struct {
	Name string `json:"name"`
	RVA  uint64 `json:"rva"`
	Size uint64 `json:"size"`
}

func (f *FunctionDebugInfo) EndRVA() uint64 {
	return f.RVA + f.Size
}

// HasAddress reports whether rva is inside the function. A function of
// unknown size only contains its first byte.
func (f *FunctionDebugInfo) HasAddress(rva uint64) bool {
	if f.Size == 0 {
		return rva == f.RVA
	}
	return rva >= f.RVA && rva < f.EndRVA()
}

// Provider gives access to the functions described by a debug file.
type Provider interface {
	// SortedFunctions returns every function ordered by RVA.
	SortedFunctions() []*FunctionDebugInfo
	// FindFunctionByRVA returns the smallest function containing rva, or
	// nil.
	FindFunctionByRVA(rva uint64) *FunctionDebugInfo
}

// Table is a Provider over an in-memory list of functions.
type Table struct {
	functions []*FunctionDebugInfo
	byName    map[string]*FunctionDebugInfo
	maxSize   uint64
}

func NewTable(functions []FunctionDebugInfo) *Table {
	t := &Table{
		functions: make([]*FunctionDebugInfo, 0, len(functions)),
		byName:    make(map[string]*FunctionDebugInfo, len(functions)),
	}
	for i := range functions {
		f := functions[i]
		t.functions = append(t.functions, &f)
		if _, ok := t.byName[f.Name]; !ok {
			t.byName[f.Name] = &f
		}
		if f.Size > t.maxSize {
			t.maxSize = f.Size
		}
	}
	sort.SliceStable(t.functions, func(i, j int) bool {
		return t.functions[i].RVA < t.functions[j].RVA
	})
	return t
}

func (t *Table) SortedFunctions() []*FunctionDebugInfo {
	return t.functions
}

func (t *Table) FindFunctionByRVA(rva uint64) *FunctionDebugInfo {
	i := sort.Search(len(t.functions), func(i int) bool {
		return t.functions[i].RVA > rva
	})
	var best *FunctionDebugInfo
	for j := i - 1; j >= 0; j-- {
		f := t.functions[j]
		if rva-f.RVA > t.maxSize {
			break
		}
		if f.HasAddress(rva) && (best == nil || f.Size < best.Size) {
			best = f
		}
	}
	return best
}

// FindFunction returns the first function with the given name.
func (t *Table) FindFunction(name string) *FunctionDebugInfo {
	return t.byName[name]
}

// fillSizes gives functions of unknown size the distance to the next
// function, bounded by limit.
func fillSizes(functions []FunctionDebugInfo, limit uint64) {
	sort.Slice(functions, func(i, j int) bool {
		return functions[i].RVA < functions[j].RVA
	})
	for i := range functions {
		if functions[i].Size != 0 {
			continue
		}
		end := limit
		if i+1 < len(functions) {
			end = functions[i+1].RVA
		}
		if end > functions[i].RVA {
			functions[i].Size = end - functions[i].RVA
		}
	}
}
