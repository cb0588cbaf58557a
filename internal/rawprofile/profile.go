// Package rawprofile stores the unsymbolized contents of a trace: processes,
// images, threads, contexts, stacks and samples. Everything is addressed by
// small 1-based integer handles, 0 meaning none.
//
// Writes happen during ingestion from a single goroutine. Once
// LoadingCompleted has been called the store is read-only and safe for
// concurrent readers.
package rawprofile

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

type imageKey struct {
	path      string
	base      uint64
	size      uint64
	timeStamp int32
	checksum  int32
}

type debugFileKey struct {
	processID int
	imageBase uint64
}

type Profile struct {
	TraceInfo TraceInfo

	processes     map[int]*Process
	threads       map[int]*Thread
	images        []*Image
	imageIDs      map[imageKey]int
	contexts      []Context
	contextIDs    map[Context]int
	stacks        []*Stack
	stackIDs      map[int]map[uint64][]int
	samples       []Sample
	debugFiles    map[debugFileKey]SymbolFileDescriptor
	managed       map[int][]ManagedMethod
	managedNames  map[uint64]string
	counters      map[int]*PerformanceCounter
	counterEvents []PerformanceCounterEvent
	hashBuffer    []byte
	ipIndex       sync.Map
}

func NewProfile() *Profile {
	return &Profile{
		TraceInfo:    TraceInfo{PointerSize: 8},
		processes:    make(map[int]*Process),
		threads:      make(map[int]*Thread),
		imageIDs:     make(map[imageKey]int),
		contextIDs:   make(map[Context]int),
		stackIDs:     make(map[int]map[uint64][]int),
		debugFiles:   make(map[debugFileKey]SymbolFileDescriptor),
		managed:      make(map[int][]ManagedMethod),
		managedNames: make(map[uint64]string),
		counters:     make(map[int]*PerformanceCounter),
	}
}

// AddProcess records p, replacing an earlier record with the same id but
// keeping the images and threads already attributed to it.
func (p *Profile) AddProcess(proc Process) *Process {
	if existing, ok := p.processes[proc.ID]; ok {
		proc.ImageIDs = existing.ImageIDs
		proc.ThreadIDs = existing.ThreadIDs
	}
	stored := proc
	p.processes[proc.ID] = &stored
	return &stored
}

func (p *Profile) GetOrCreateProcess(id int) *Process {
	if proc, ok := p.processes[id]; ok {
		return proc
	}
	proc := &Process{ID: id}
	p.processes[id] = proc
	return proc
}

func (p *Profile) FindProcess(id int) (*Process, bool) {
	proc, ok := p.processes[id]
	return proc, ok
}

// Processes returns every process ordered by id.
func (p *Profile) Processes() []*Process {
	procs := make([]*Process, 0, len(p.processes))
	for _, proc := range p.processes {
		procs = append(procs, proc)
	}
	sort.Slice(procs, func(i, j int) bool {
		return procs[i].ID < procs[j].ID
	})
	return procs
}

func (p *Profile) AddThreadToProcess(pid int, thread Thread) int {
	thread.ProcessID = pid
	if existing, ok := p.threads[thread.ID]; ok {
		if thread.Name == "" {
			thread.Name = existing.Name
		}
		*existing = thread
		return thread.ID
	}
	stored := thread
	p.threads[thread.ID] = &stored
	proc := p.GetOrCreateProcess(pid)
	proc.ThreadIDs = append(proc.ThreadIDs, thread.ID)
	return thread.ID
}

func (p *Profile) FindThread(id int) (*Thread, bool) {
	t, ok := p.threads[id]
	return t, ok
}

// AddImageToProcess records an image loaded in process pid and returns its
// handle. Identical images share a handle across processes.
func (p *Profile) AddImageToProcess(pid int, img Image) int {
	key := imageKey{
		path:      img.FilePath,
		base:      img.BaseAddress,
		size:      img.Size,
		timeStamp: img.TimeStamp,
		checksum:  img.Checksum,
	}
	id, ok := p.imageIDs[key]
	if !ok {
		img.ID = len(p.images) + 1
		stored := img
		p.images = append(p.images, &stored)
		p.imageIDs[key] = img.ID
		id = img.ID
	}
	proc := p.GetOrCreateProcess(pid)
	for _, existing := range proc.ImageIDs {
		if existing == id {
			return id
		}
	}
	proc.ImageIDs = append(proc.ImageIDs, id)
	p.ipIndex.Delete(pid)
	return id
}

// UpdateImage replaces the stored image with the same id. Used to attach
// identity details reported after the load event.
func (p *Profile) UpdateImage(img Image) {
	if img.ID <= 0 || img.ID > len(p.images) {
		return
	}
	*p.images[img.ID-1] = img
}

func (p *Profile) FindImage(id int) *Image {
	if id <= 0 || id > len(p.images) {
		return nil
	}
	return p.images[id-1]
}

func (p *Profile) Images() []*Image {
	return p.images
}

// AddContext returns the handle of the context, adding it if it was never
// seen before. The argument is copied.
func (p *Profile) AddContext(c Context) int {
	if id, ok := p.contextIDs[c]; ok {
		return id
	}
	p.contexts = append(p.contexts, c)
	id := len(p.contexts)
	p.contextIDs[c] = id
	return id
}

func (p *Profile) FindContext(id int) (Context, bool) {
	if id <= 0 || id > len(p.contexts) {
		return Context{}, false
	}
	return p.contexts[id-1], true
}

func (p *Profile) ContextCount() int {
	return len(p.contexts)
}

func (p *Profile) hashFrames(frames []uint64, transition int) uint64 {
	buf := p.hashBuffer[:0]
	for _, ip := range frames {
		buf = binary.LittleEndian.AppendUint64(buf, ip)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(transition))
	p.hashBuffer = buf
	return xxh3.Hash(buf)
}

// AddStack stores a copy of frames and returns its handle. Stacks with the
// same frames and transition index in the same process share a handle.
func (p *Profile) AddStack(frames []uint64, contextID, userModeTransitionIndex int) int {
	pid := 0
	if c, ok := p.FindContext(contextID); ok {
		pid = c.ProcessID
	}
	byHash, ok := p.stackIDs[pid]
	if !ok {
		byHash = make(map[uint64][]int)
		p.stackIDs[pid] = byHash
	}
	hash := p.hashFrames(frames, userModeTransitionIndex)
	for _, id := range byHash[hash] {
		s := p.stacks[id-1]
		if s.UserModeTransitionIndex == userModeTransitionIndex && equalFrames(s.FramePointers, frames) {
			return id
		}
	}
	s := &Stack{
		ID:                      len(p.stacks) + 1,
		ContextID:               contextID,
		FramePointers:           append([]uint64(nil), frames...),
		UserModeTransitionIndex: userModeTransitionIndex,
	}
	p.stacks = append(p.stacks, s)
	byHash[hash] = append(byHash[hash], s.ID)
	return s.ID
}

func equalFrames(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Profile) FindStack(id int) *Stack {
	if id <= 0 || id > len(p.stacks) {
		return nil
	}
	return p.stacks[id-1]
}

func (p *Profile) StackCount() int {
	return len(p.stacks)
}

func (p *Profile) AddSample(s Sample) int {
	p.samples = append(p.samples, s)
	if len(p.samples) == 1 || s.Time < p.TraceInfo.ProfileStartTime {
		p.TraceInfo.ProfileStartTime = s.Time
	}
	if s.Time > p.TraceInfo.ProfileEndTime {
		p.TraceInfo.ProfileEndTime = s.Time
	}
	return len(p.samples)
}

func (p *Profile) FindSample(id int) (Sample, bool) {
	if id <= 0 || id > len(p.samples) {
		return Sample{}, false
	}
	return p.samples[id-1], true
}

func (p *Profile) SetSampleStack(sampleID, stackID int) {
	if sampleID <= 0 || sampleID > len(p.samples) {
		return
	}
	p.samples[sampleID-1].StackID = stackID
}

// TrySetSampleStack attaches the stack only when the sample was recorded at
// ts in the same context.
func (p *Profile) TrySetSampleStack(sampleID, stackID int, ts time.Duration, contextID int) bool {
	if sampleID <= 0 || sampleID > len(p.samples) {
		return false
	}
	s := &p.samples[sampleID-1]
	if s.Time != ts || s.ContextID != contextID {
		return false
	}
	s.StackID = stackID
	return true
}

// Samples returns the sample list. Sample handles are index+1.
func (p *Profile) Samples() []Sample {
	return p.samples
}

func (p *Profile) AddDebugFileForImage(desc SymbolFileDescriptor, imageBase uint64, pid int) {
	p.debugFiles[debugFileKey{processID: pid, imageBase: imageBase}] = desc
}

// GetDebugFileForImage looks the descriptor up in process pid and then in
// the kernel process.
func (p *Profile) GetDebugFileForImage(img *Image, pid int) (SymbolFileDescriptor, bool) {
	if desc, ok := p.debugFiles[debugFileKey{processID: pid, imageBase: img.BaseAddress}]; ok {
		return desc, true
	}
	desc, ok := p.debugFiles[debugFileKey{processID: KernelProcessID, imageBase: img.BaseAddress}]
	return desc, ok
}

func (p *Profile) AddManagedMethod(m ManagedMethod) {
	p.managed[m.ProcessID] = append(p.managed[m.ProcessID], m)
}

// AddManagedMethodName names the managed method starting at address.
func (p *Profile) AddManagedMethodName(address uint64, name string) {
	p.managedNames[address] = name
}

func (p *Profile) HasManagedMethods(pid int) bool {
	return len(p.managed[pid]) > 0
}

// ManagedMethods returns the sorted method ranges of process pid.
func (p *Profile) ManagedMethods(pid int) []ManagedMethod {
	return p.managed[pid]
}

func (p *Profile) FindManagedMethodForIP(ip uint64, pid int) (ManagedMethod, bool) {
	methods := p.managed[pid]
	i := sort.Search(len(methods), func(i int) bool {
		return methods[i].Address > ip
	})
	if i == 0 {
		return ManagedMethod{}, false
	}
	m := methods[i-1]
	if !m.HasAddress(ip) {
		return ManagedMethod{}, false
	}
	return m, true
}

func (p *Profile) AddPerformanceCounter(c PerformanceCounter) {
	stored := c
	p.counters[c.ID] = &stored
}

func (p *Profile) PerformanceCounters() []*PerformanceCounter {
	counters := make([]*PerformanceCounter, 0, len(p.counters))
	for _, c := range p.counters {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool {
		return counters[i].ID < counters[j].ID
	})
	return counters
}

func (p *Profile) AddPerformanceCounterEvent(e PerformanceCounterEvent) int {
	p.counterEvents = append(p.counterEvents, e)
	return len(p.counterEvents)
}

func (p *Profile) PerformanceCounterEvents() []PerformanceCounterEvent {
	return p.counterEvents
}

// LoadingCompleted finalizes the store once ingestion is over: managed
// method ranges are sorted and names are attached. It is called again when
// managed methods are merged after ingestion.
func (p *Profile) LoadingCompleted() {
	for pid, methods := range p.managed {
		sort.Slice(methods, func(i, j int) bool {
			return methods[i].Address < methods[j].Address
		})
		for i := range methods {
			if name, ok := p.managedNames[methods[i].Address]; ok && methods[i].Name == "" {
				methods[i].Name = name
			}
		}
		p.managed[pid] = methods
	}
}

// ComputeSampleChunkLength splits the samples into at most chunks ranges.
func (p *Profile) ComputeSampleChunkLength(chunks int) int {
	if chunks < 1 {
		chunks = 1
	}
	size := len(p.samples) / chunks
	if size < 1 {
		size = 1
	}
	if size > len(p.samples) {
		return len(p.samples)
	}
	return size
}
