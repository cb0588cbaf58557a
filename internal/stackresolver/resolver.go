// Package stackresolver turns raw instruction pointer stacks into frames
// attributed to functions.
package stackresolver

import (
	"context"
	"sync/atomic"

	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/telemetry"
)

type Resolver struct {
	raw     *rawprofile.Profile
	modules *moduleresolver.Resolver
	cache   *FrameCache
	stacks  []atomic.Pointer[Stack]
}

// NewResolver must be called once ingestion is complete, the resolved
// stack cache is sized from the number of raw stacks.
func NewResolver(raw *rawprofile.Profile, modules *moduleresolver.Resolver, cache *FrameCache) *Resolver {
	if cache == nil {
		cache = NewFrameCache()
	}
	return &Resolver{
		raw:     raw,
		modules: modules,
		cache:   cache,
		stacks:  make([]atomic.Pointer[Stack], raw.StackCount()),
	}
}

func (r *Resolver) Cache() *FrameCache {
	return r.cache
}

// ResolveStack resolves the raw stack stackID observed in context c. The
// result is computed once per stack and shared by every caller.
func (r *Resolver) ResolveStack(ctx context.Context, stackID int, c rawprofile.Context) *Stack {
	if stackID <= 0 || stackID > len(r.stacks) {
		return nil
	}
	slot := &r.stacks[stackID-1]
	if s := slot.Load(); s != nil {
		return s
	}
	raw := r.raw.FindStack(stackID)
	s := &Stack{
		ID:                      stackID,
		Frames:                  make([]Frame, len(raw.FramePointers)),
		UserModeTransitionIndex: raw.UserModeTransitionIndex,
	}
	ps := r.raw.TraceInfo.PointerSize
	for i, ip := range raw.FramePointers {
		s.Frames[i] = r.resolveFrame(ctx, ip, raw.IsKernelFrame(i, ps), c.ProcessID)
	}
	if slot.CompareAndSwap(nil, s) {
		return s
	}
	return slot.Load()
}

// ResolveSampleIP resolves a one frame stack made of the sample's
// instruction pointer.
func (r *Resolver) ResolveSampleIP(ctx context.Context, sample rawprofile.Sample, c rawprofile.Context) *Stack {
	kernel := sample.IsKernelCode || rawprofile.IsKernelAddress(sample.IP, r.raw.TraceInfo.PointerSize)
	s := &Stack{Frames: []Frame{r.resolveFrame(ctx, sample.IP, kernel, c.ProcessID)}}
	if kernel {
		s.UserModeTransitionIndex = 1
	}
	return s
}

func (r *Resolver) resolveFrame(ctx context.Context, ip uint64, kernel bool, pid int) Frame {
	var img *rawprofile.Image
	if rawprofile.IsKernelAddress(ip, r.raw.TraceInfo.PointerSize) {
		img = r.raw.FindImageForIPInProcess(ip, rawprofile.KernelProcessID)
	} else {
		img = r.raw.FindImageForIPInProcess(ip, pid)
		if img == nil && kernel {
			img = r.raw.FindImageForIPInProcess(ip, rawprofile.KernelProcessID)
		}
	}
	if img != nil {
		m := r.modules.GetOrCreateModuleInfo(ctx, img, pid)
		rva := ip - img.BaseAddress
		fn, info := m.GetOrCreateFunction(rva)
		telemetry.FramesResolved.WithLabelValues("native").Inc()
		return Frame{
			IP:  ip,
			RVA: rva,
			Info: r.cache.Intern(FrameInfo{
				Function:  fn,
				Module:    m,
				DebugInfo: info,
				ImageID:   img.ID,
				IsKernel:  kernel,
			}),
		}
	}
	if _, ok := r.raw.FindManagedMethodForIP(ip, pid); ok {
		m := r.modules.GetOrCreateManagedModuleInfo(pid)
		fn, info := m.GetOrCreateFunction(ip)
		telemetry.FramesResolved.WithLabelValues("managed").Inc()
		return Frame{
			IP:  ip,
			RVA: ip,
			Info: r.cache.Intern(FrameInfo{
				Function:  fn,
				Module:    m,
				DebugInfo: info,
				IsKernel:  kernel,
				IsManaged: true,
			}),
		}
	}
	telemetry.FramesResolved.WithLabelValues("unknown").Inc()
	return Frame{IP: ip, Info: r.cache.Unknown()}
}
