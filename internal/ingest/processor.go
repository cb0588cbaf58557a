// Package ingest turns a stream of trace events into a raw profile.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/traceprof/internal/pool"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/sampling"
	"github.com/getsentry/traceprof/internal/telemetry"
	"github.com/getsentry/traceprof/internal/traceevent"
)

const DefaultCancelCheckInterval = 1024

var errCanceled = errors.New("ingest: canceled")

type Options struct {
	// ProcessIDs restricts ingestion to these processes. Every process is
	// accepted when empty.
	ProcessIDs            []int
	IncludeChildProcesses bool
	IncludeCounters       bool
	SamplingInterval      time.Duration
	SamplingMargin        float64
	// CancelCheckInterval is the number of samples between two checks of
	// the context.
	CancelCheckInterval int
}

type pendingKernelStack struct {
	stackID   int
	timestamp time.Duration
	sampleID  int
}

type lastImage struct {
	id        int
	timestamp time.Duration
}

type frameBuffer struct {
	frames []uint64
}

// Processor handles the events of a single trace. Events are handled on
// the calling goroutine, in the order the source yields them, because
// stack fragments are matched to samples by their position in the stream.
type Processor struct {
	opts       Options
	raw        *rawprofile.Profile
	calibrator *sampling.Calibrator
	ctx        context.Context

	accepted            map[int]struct{}
	lastSampleByCore    map[int]int
	lastSampleByContext map[int]int
	pendingKernel       map[int]pendingKernelStack
	pendingKeys         [2]map[uint64][]int
	lastImage           lastImage
	samplesSinceCheck   int

	contexts *pool.Arena[rawprofile.Context]
	buffers  *pool.Arena[frameBuffer]
}

func NewProcessor(opts Options) *Processor {
	if opts.CancelCheckInterval <= 0 {
		opts.CancelCheckInterval = DefaultCancelCheckInterval
	}
	p := &Processor{
		opts:                opts,
		raw:                 rawprofile.NewProfile(),
		calibrator:          sampling.NewCalibrator(opts.SamplingInterval, opts.SamplingMargin),
		accepted:            make(map[int]struct{}, len(opts.ProcessIDs)),
		lastSampleByCore:    make(map[int]int),
		lastSampleByContext: make(map[int]int),
		pendingKernel:       make(map[int]pendingKernelStack),
	}
	p.contexts = pool.NewArena(func(c *rawprofile.Context) {
		*c = rawprofile.Context{}
	})
	p.buffers = pool.NewArena(func(b *frameBuffer) {
		b.frames = b.frames[:0]
	})
	p.pendingKeys[traceevent.StackKeyKernel] = make(map[uint64][]int)
	p.pendingKeys[traceevent.StackKeyUser] = make(map[uint64][]int)
	for _, pid := range opts.ProcessIDs {
		p.accepted[pid] = struct{}{}
	}
	return p
}

// Process reads every event of src and returns the populated raw profile.
// A malformed event is logged and skipped. When ctx is canceled, the
// events read so far are returned with TraceInfo.Canceled set.
func (p *Processor) Process(ctx context.Context, src traceevent.Source) (*rawprofile.Profile, error) {
	span := sentry.StartSpan(ctx, "trace.ingest")
	defer span.Finish()
	start := time.Now()
	defer func() {
		telemetry.ProcessingDuration.WithLabelValues("ingest").Observe(time.Since(start).Seconds())
	}()

	p.ctx = ctx
	p.raw.TraceInfo.SamplingInterval = p.calibrator.Interval()
	for {
		e, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, traceevent.ErrMalformedEvent) {
				log.Warn().Err(err).Msg("skipping malformed event")
				telemetry.MalformedEvents.Inc()
				continue
			}
			return nil, fmt.Errorf("ingest: read trace: %w", err)
		}
		name := traceevent.TypeName(e)
		if err := e.Accept(p); err != nil {
			if errors.Is(err, errCanceled) {
				log.Info().Int("samples", len(p.raw.Samples())).Msg("trace ingestion canceled")
				p.raw.TraceInfo.Canceled = true
				break
			}
			log.Warn().Err(err).Str("event", name).Msg("skipping event")
			p.drop("invalid")
			continue
		}
		telemetry.EventsProcessed.WithLabelValues(name).Inc()
	}

	p.raw.TraceInfo.SamplingInterval = p.calibrator.Interval()
	p.raw.LoadingCompleted()
	telemetry.PoolOutstanding.WithLabelValues("context").Set(float64(p.contexts.Stats().Outstanding))
	telemetry.PoolOutstanding.WithLabelValues("frames").Set(float64(p.buffers.Stats().Outstanding))
	log.Debug().
		Int("samples", len(p.raw.Samples())).
		Int("stacks", p.raw.StackCount()).
		Int("images", len(p.raw.Images())).
		Dur("sampling_interval", p.calibrator.Interval()).
		Msg("trace ingested")
	return p.raw, nil
}

func (p *Processor) drop(reason string) {
	telemetry.EventsDropped.WithLabelValues(reason).Inc()
}

func (p *Processor) checkCancel() error {
	p.samplesSinceCheck++
	if p.samplesSinceCheck < p.opts.CancelCheckInterval {
		return nil
	}
	p.samplesSinceCheck = 0
	if p.ctx != nil && p.ctx.Err() != nil {
		return errCanceled
	}
	return nil
}

func (p *Processor) isAcceptedProcess(pid int) bool {
	if len(p.accepted) == 0 {
		return true
	}
	_, ok := p.accepted[pid]
	return ok
}

func (p *Processor) pointerSize() int {
	return p.raw.TraceInfo.PointerSize
}

// addContext interns the context of an event. The context is rented for
// the duration of the call, the store keeps its own copy.
func (p *Processor) addContext(h traceevent.Header) int {
	handle, c := p.contexts.Rent()
	defer p.returnContext(handle)
	c.ProcessID = h.ProcessID
	c.ThreadID = h.ThreadID
	c.ProcessorNumber = h.Processor
	return p.raw.AddContext(*c)
}

func (p *Processor) returnContext(h pool.Handle) {
	if err := p.contexts.Return(h); err != nil {
		log.Error().Err(err).Msg("context returned twice")
	}
}

func (p *Processor) returnBuffer(h pool.Handle) {
	if err := p.buffers.Return(h); err != nil {
		log.Error().Err(err).Msg("frame buffer returned twice")
	}
}

func (p *Processor) VisitTraceInfo(e *traceevent.TraceInfo) error {
	p.raw.TraceInfo.ComputerName = e.ComputerName
	if e.PointerSize == 4 || e.PointerSize == 8 {
		p.raw.TraceInfo.PointerSize = e.PointerSize
	}
	return nil
}

func (p *Processor) VisitSystemConfig(e *traceevent.SystemConfig) error {
	p.raw.TraceInfo.CPUCount = e.CPUCount
	if e.PointerSize == 4 || e.PointerSize == 8 {
		p.raw.TraceInfo.PointerSize = e.PointerSize
	}
	return nil
}

func (p *Processor) VisitProcessStart(e *traceevent.ProcessStart) error {
	if p.opts.IncludeChildProcesses && len(p.accepted) > 0 && e.ParentID != rawprofile.KernelProcessID {
		if _, ok := p.accepted[e.ParentID]; ok {
			p.accepted[e.ProcessID] = struct{}{}
			log.Debug().Int("pid", e.ProcessID).Int("parent_pid", e.ParentID).Msg("accepting child process")
		}
	}
	if !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	name := e.Name
	if name == "" && e.ImageFileName != "" {
		name = path.Base(strings.ReplaceAll(e.ImageFileName, `\`, "/"))
	}
	p.raw.AddProcess(rawprofile.Process{
		ID:            e.ProcessID,
		ParentID:      e.ParentID,
		Name:          name,
		ImageFileName: e.ImageFileName,
		CommandLine:   e.CommandLine,
	})
	return nil
}

// VisitProcessEnd does nothing: a process keeps its images and threads for
// the whole trace.
func (p *Processor) VisitProcessEnd(*traceevent.ProcessEnd) error {
	return nil
}

func (p *Processor) VisitImageLoad(e *traceevent.ImageLoad) error {
	if e.ProcessID != rawprofile.KernelProcessID && !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	if e.Size == 0 {
		return fmt.Errorf("image %q has no size", e.FileName)
	}
	id := p.raw.AddImageToProcess(e.ProcessID, rawprofile.Image{
		FilePath:    e.FileName,
		BaseAddress: e.BaseAddress,
		DefaultBase: e.DefaultBase,
		Size:        e.Size,
		TimeStamp:   e.TimeStamp,
		Checksum:    e.Checksum,
	})
	p.lastImage = lastImage{id: id, timestamp: e.Timestamp}
	return nil
}

// VisitImageID completes the image loaded by the event with the same
// timestamp.
func (p *Processor) VisitImageID(e *traceevent.ImageID) error {
	if p.lastImage.id == 0 || p.lastImage.timestamp != e.Timestamp {
		p.drop("unmatched_image_id")
		return nil
	}
	img := p.raw.FindImage(p.lastImage.id)
	if img == nil {
		return nil
	}
	updated := *img
	updated.OriginalFileName = e.OriginalFileName
	if updated.TimeStamp == 0 {
		updated.TimeStamp = e.TimeDateStamp
	}
	p.raw.UpdateImage(updated)
	return nil
}

func (p *Processor) VisitImageDebugInfo(e *traceevent.ImageDebugInfo) error {
	if e.ProcessID != rawprofile.KernelProcessID && !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	p.raw.AddDebugFileForImage(rawprofile.SymbolFileDescriptor{
		FileName: e.DebugFile,
		ID:       e.DebugID,
		Age:      e.Age,
	}, e.ImageBase, e.ProcessID)
	return nil
}

func (p *Processor) VisitThreadStart(e *traceevent.ThreadStart) error {
	if !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	p.raw.AddThreadToProcess(e.ProcessID, rawprofile.Thread{ID: e.ThreadID, Name: e.Name})
	return nil
}

func (p *Processor) VisitThreadName(e *traceevent.ThreadName) error {
	if !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	p.raw.AddThreadToProcess(e.ProcessID, rawprofile.Thread{ID: e.ThreadID, Name: e.Name})
	return nil
}

func (p *Processor) VisitSamplingInterval(e *traceevent.SamplingInterval) error {
	interval := e.NewInterval
	if interval == 0 {
		interval = e.OldInterval
	}
	if e.Source != 0 {
		if p.opts.IncludeCounters {
			p.raw.AddPerformanceCounter(rawprofile.PerformanceCounter{
				ID:        e.Source,
				Name:      e.SourceName,
				Frequency: int(interval),
			})
		}
		return nil
	}
	if p.calibrator.ApplyIntervalChange(sampling.FromHundredNanoseconds(interval)) {
		p.raw.TraceInfo.SamplingInterval = p.calibrator.Interval()
		log.Debug().Dur("interval", p.calibrator.Interval()).Msg("sampling interval calibrated")
	}
	return nil
}

func (p *Processor) VisitCounterSample(e *traceevent.CounterSample) error {
	if !p.opts.IncludeCounters || !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	p.raw.AddPerformanceCounterEvent(rawprofile.PerformanceCounterEvent{
		IP:        e.IP,
		Time:      e.Timestamp,
		ContextID: p.addContext(e.Header),
		CounterID: e.CounterID,
	})
	return nil
}

func (p *Processor) VisitMethodLoad(e *traceevent.MethodLoad) error {
	if !p.isAcceptedProcess(e.ProcessID) {
		return nil
	}
	name := e.Name
	if e.Namespace != "" {
		name = e.Namespace + "." + e.Name
	}
	p.raw.AddManagedMethod(rawprofile.ManagedMethod{
		FunctionID: e.MethodID,
		RejitID:    e.RejitID,
		ProcessID:  e.ProcessID,
		Address:    e.Address,
		Size:       e.Size,
		Name:       name,
	})
	return nil
}
