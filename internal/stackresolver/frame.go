package stackresolver

import (
	"sync"
	"sync/atomic"

	"github.com/getsentry/traceprof/internal/debuginfo"
	"github.com/getsentry/traceprof/internal/moduleresolver"
)

type (
	// FrameInfo is what a resolved frame points to. It is shared by every
	// frame resolving to the same function and must not be modified.
	FrameInfo struct {
		Function  *moduleresolver.Function
		Module    *moduleresolver.ModuleInfo
		DebugInfo *debuginfo.FunctionDebugInfo
		ImageID   int
		IsKernel  bool
		IsManaged bool
	}

	Frame struct {
		IP   uint64
		RVA  uint64
		Info *FrameInfo
	}

	// Stack is a resolved raw stack, innermost frame first.
	Stack struct {
		ID                      int
		Frames                  []Frame
		UserModeTransitionIndex int
	}
)

func (f *FrameInfo) IsUnknown() bool {
	return f.Function == nil
}

func (f *FrameInfo) FunctionRVA() uint64 {
	if f.DebugInfo == nil {
		return 0
	}
	return f.DebugInfo.RVA
}

// Offset returns the distance between the frame and the start of its
// function.
func (f Frame) Offset() uint64 {
	rva := f.Info.FunctionRVA()
	if f.RVA < rva {
		return 0
	}
	return f.RVA - rva
}

type frameKey struct {
	imageID int
	module  string
	rva     uint64
	name    string
	kernel  bool
	managed bool
}

// FrameCache interns FrameInfo values for one processing session. Two
// infos with the same image, module, function start, name and kind share
// the same pointer.
type FrameCache struct {
	infos   sync.Map
	count   atomic.Int64
	unknown *FrameInfo
}

func NewFrameCache() *FrameCache {
	return &FrameCache{unknown: &FrameInfo{}}
}

// Unknown returns the info shared by frames that could not be attributed
// to any module.
func (c *FrameCache) Unknown() *FrameInfo {
	return c.unknown
}

func (c *FrameCache) Intern(info FrameInfo) *FrameInfo {
	if info.Function == nil {
		return c.unknown
	}
	key := frameKey{
		imageID: info.ImageID,
		module:  info.Function.ModuleName,
		rva:     info.FunctionRVA(),
		name:    info.Function.Name,
		kernel:  info.IsKernel,
		managed: info.IsManaged,
	}
	if v, ok := c.infos.Load(key); ok {
		return v.(*FrameInfo)
	}
	v, loaded := c.infos.LoadOrStore(key, &info)
	if !loaded {
		c.count.Add(1)
	}
	return v.(*FrameInfo)
}

func (c *FrameCache) Len() int {
	return int(c.count.Load())
}
