package ingest

import (
	"time"

	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/traceevent"
)

func (p *Processor) VisitSample(e *traceevent.Sample) error {
	if err := p.checkCancel(); err != nil {
		return err
	}
	// Every sample moves the core's clock, even the ones filtered out, so
	// that the weight of the next accepted sample is not inflated.
	weight := p.calibrator.Weight(e.Processor, e.Timestamp)
	if e.ProcessID < 0 {
		p.drop("unknown_process")
		return nil
	}
	if !p.isAcceptedProcess(e.ProcessID) {
		p.drop("filtered")
		return nil
	}
	// Samples of the idle thread only matter while it services interrupts.
	if e.ThreadID == 0 && !e.ExecutingDPC && !e.ExecutingISR {
		p.drop("idle")
		return nil
	}
	contextID := p.addContext(e.Header)
	sampleID := p.raw.AddSample(rawprofile.Sample{
		IP:           e.IP,
		Time:         e.Timestamp,
		Weight:       weight,
		IsKernelCode: rawprofile.IsKernelAddress(e.IP, p.pointerSize()),
		ContextID:    contextID,
	})
	p.lastSampleByCore[e.Processor] = sampleID
	p.lastSampleByContext[contextID] = sampleID
	return nil
}

// attachToLastSample associates the stack with the latest sample of the
// core, or of the context, recorded at ts. It returns the sample id or 0.
func (p *Processor) attachToLastSample(core, stackID int, ts time.Duration, contextID int) int {
	if id := p.lastSampleByCore[core]; id != 0 && p.raw.TrySetSampleStack(id, stackID, ts, contextID) {
		return id
	}
	if id := p.lastSampleByContext[contextID]; id != 0 && p.raw.TrySetSampleStack(id, stackID, ts, contextID) {
		return id
	}
	return 0
}

// findSampleAt returns the latest sample of the core, or of the context,
// recorded at ts, or 0.
func (p *Processor) findSampleAt(core, contextID int, ts time.Duration) int {
	for _, id := range []int{p.lastSampleByCore[core], p.lastSampleByContext[contextID]} {
		if s, ok := p.raw.FindSample(id); ok && s.Time == ts {
			return id
		}
	}
	return 0
}

// splice stores kernel frames followed by user frames as one stack.
func (p *Processor) splice(kernel, user []uint64, contextID int) int {
	h, buf := p.buffers.Rent()
	defer p.returnBuffer(h)
	buf.frames = append(buf.frames, kernel...)
	buf.frames = append(buf.frames, user...)
	return p.raw.AddStack(buf.frames, contextID, len(kernel))
}

// VisitStackWalk handles stacks captured by a stack walk. Kernel and user
// halves of the same stack are reported as two events with the timestamp
// of the sample they belong to, the kernel half first. The kernel half is
// kept per core until its user half arrives.
func (p *Processor) VisitStackWalk(e *traceevent.StackWalk) error {
	if !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	if len(e.Frames) == 0 {
		p.drop("empty_stack")
		return nil
	}
	contextID := p.addContext(e.Header)
	ps := p.pointerSize()

	switch {
	case rawprofile.IsKernelStack(e.Frames, ps):
		stackID := p.raw.AddStack(e.Frames, contextID, len(e.Frames))
		sampleID := p.attachToLastSample(e.Processor, stackID, e.Timestamp, contextID)
		p.pendingKernel[e.Processor] = pendingKernelStack{
			stackID:   stackID,
			timestamp: e.Timestamp,
			sampleID:  sampleID,
		}
	case rawprofile.IsUserStack(e.Frames, ps):
		if k, ok := p.pendingKernel[e.Processor]; ok && k.timestamp == e.Timestamp {
			delete(p.pendingKernel, e.Processor)
			kernel := p.raw.FindStack(k.stackID)
			stackID := p.splice(kernel.FramePointers, e.Frames, contextID)
			if k.sampleID != 0 {
				p.raw.SetSampleStack(k.sampleID, stackID)
			} else {
				p.attachToLastSample(e.Processor, stackID, e.Timestamp, contextID)
			}
			return nil
		}
		stackID := p.raw.AddStack(e.Frames, contextID, 0)
		p.attachToLastSample(e.Processor, stackID, e.Timestamp, contextID)
	default:
		stackID := p.raw.AddStack(e.Frames, contextID, rawprofile.KernelFrameCount(e.Frames, ps))
		p.attachToLastSample(e.Processor, stackID, e.Timestamp, contextID)
	}
	return nil
}

// VisitStackKeyReference queues the sample recorded at the event timestamp
// until the stack with the same key is defined.
func (p *Processor) VisitStackKeyReference(e *traceevent.StackKeyReference) error {
	if !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	if e.Kind != traceevent.StackKeyKernel && e.Kind != traceevent.StackKeyUser {
		p.drop("invalid_stack_key")
		return nil
	}
	contextID := p.addContext(e.Header)
	sampleID := p.findSampleAt(e.Processor, contextID, e.Timestamp)
	if sampleID == 0 {
		p.drop("unmatched_stack_key")
		return nil
	}
	pending := p.pendingKeys[e.Kind]
	pending[e.Key] = append(pending[e.Key], sampleID)
	return nil
}

// VisitStackKeyDefinition attaches the defined frames to every sample
// waiting for the key. Kernel frames go in front of a stack the sample
// already has, user frames after it.
func (p *Processor) VisitStackKeyDefinition(e *traceevent.StackKeyDefinition) error {
	if len(e.Frames) == 0 {
		p.drop("empty_stack")
		return nil
	}
	ps := p.pointerSize()
	kind := traceevent.StackKeyUser
	if rawprofile.IsKernelAddress(e.Frames[0], ps) {
		kind = traceevent.StackKeyKernel
	}
	pending, ok := p.pendingKeys[kind][e.Key]
	if !ok {
		return nil
	}
	delete(p.pendingKeys[kind], e.Key)

	// Samples of one process sharing a previous stack share the merged one.
	type mergeKey struct {
		stackID int
		pid     int
	}
	merged := make(map[mergeKey]int, 1)
	for _, sampleID := range pending {
		sample, ok := p.raw.FindSample(sampleID)
		if !ok {
			continue
		}
		key := mergeKey{stackID: sample.StackID, pid: -1}
		if c, ok := p.raw.FindContext(sample.ContextID); ok {
			key.pid = c.ProcessID
		}
		stackID, ok := merged[key]
		if !ok {
			stackID = p.mergeStackKey(sample, e.Frames, kind)
			merged[key] = stackID
		}
		p.raw.SetSampleStack(sampleID, stackID)
	}
	return nil
}

func (p *Processor) mergeStackKey(sample rawprofile.Sample, frames []uint64, kind traceevent.StackKeyKind) int {
	existing := p.raw.FindStack(sample.StackID)
	if existing == nil {
		return p.raw.AddStack(frames, sample.ContextID, rawprofile.KernelFrameCount(frames, p.pointerSize()))
	}
	if kind == traceevent.StackKeyKernel {
		return p.splice(frames, existing.FramePointers, sample.ContextID)
	}
	return p.splice(existing.FramePointers, frames, sample.ContextID)
}
