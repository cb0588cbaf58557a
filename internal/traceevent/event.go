// Package traceevent defines the events a trace is made of and the sources
// they are read from.
package traceevent

import "time"

// Visitor has one method per event type. Every event type dispatches to
// its own method, so a new event type does not compile until every
// visitor handles it.
type Visitor interface {
	VisitTraceInfo(*TraceInfo) error
	VisitSystemConfig(*SystemConfig) error
	VisitProcessStart(*ProcessStart) error
	VisitProcessEnd(*ProcessEnd) error
	VisitImageLoad(*ImageLoad) error
	VisitImageID(*ImageID) error
	VisitImageDebugInfo(*ImageDebugInfo) error
	VisitThreadStart(*ThreadStart) error
	VisitThreadName(*ThreadName) error
	VisitStackWalk(*StackWalk) error
	VisitStackKeyReference(*StackKeyReference) error
	VisitStackKeyDefinition(*StackKeyDefinition) error
	VisitSample(*Sample) error
	VisitSamplingInterval(*SamplingInterval) error
	VisitCounterSample(*CounterSample) error
	VisitMethodLoad(*MethodLoad) error
}

type Event interface {
	Accept(Visitor) error
	// Time is the moment the event was recorded, relative to the start of
	// the trace.
	Time() time.Duration
}

// Header carries the fields shared by every event.
type Header struct {
	Timestamp time.Duration `json:"timestamp"`
	ProcessID int           `json:"pid"`
	ThreadID  int           `json:"tid"`
	Processor int           `json:"cpu"`
}

func (h Header) Time() time.Duration {
	return h.Timestamp
}

type StackKeyKind int

const (
	StackKeyKernel StackKeyKind = iota
	StackKeyUser
)

func (k StackKeyKind) String() string {
	if k == StackKeyKernel {
		return "kernel"
	}
	return "user"
}

type (
	TraceInfo struct {
		Header
		ComputerName string `json:"computer_name"`
		PointerSize  int    `json:"pointer_size"`
	}

	SystemConfig struct {
		Header
		CPUCount    int `json:"cpu_count"`
		PointerSize int `json:"pointer_size"`
	}

	ProcessStart struct {
		Header
		ParentID      int    `json:"parent_pid"`
		Name          string `json:"name"`
		ImageFileName string `json:"image_file_name"`
		CommandLine   string `json:"command_line"`
		IsRundown     bool   `json:"is_rundown"`
	}

	ProcessEnd struct {
		Header
	}

	ImageLoad struct {
		Header
		FileName    string `json:"file_name"`
		BaseAddress uint64 `json:"base_address"`
		DefaultBase uint64 `json:"default_base"`
		Size        uint64 `json:"size"`
		TimeStamp   int32  `json:"image_timestamp"`
		Checksum    int32  `json:"checksum"`
	}

	// ImageID follows the ImageLoad it describes with the same timestamp.
	ImageID struct {
		Header
		OriginalFileName string `json:"original_file_name"`
		TimeDateStamp    int32  `json:"time_date_stamp"`
	}

	ImageDebugInfo struct {
		Header
		ImageBase uint64 `json:"image_base"`
		DebugFile string `json:"debug_file"`
		DebugID   string `json:"debug_id"`
		Age       int    `json:"age"`
	}

	ThreadStart struct {
		Header
		Name string `json:"name"`
	}

	ThreadName struct {
		Header
		Name string `json:"name"`
	}

	// StackWalk carries the frames captured for the event recorded at
	// Timestamp, innermost first.
	StackWalk struct {
		Header
		Frames []uint64 `json:"frames"`
	}

	// StackKeyReference announces that the stack of the event recorded at
	// Timestamp will be defined later by a StackKeyDefinition with the same
	// key.
	StackKeyReference struct {
		Header
		Kind StackKeyKind `json:"kind"`
		Key  uint64       `json:"key"`
	}

	StackKeyDefinition struct {
		Header
		Key    uint64   `json:"key"`
		Frames []uint64 `json:"frames"`
	}

	Sample struct {
		Header
		IP            uint64 `json:"ip"`
		ExecutingDPC  bool   `json:"executing_dpc"`
		ExecutingISR  bool   `json:"executing_isr"`
		ProfileSource int    `json:"profile_source"`
	}

	// SamplingInterval reports the interval of a sample source, in 100ns
	// units. Source 0 is the timer driving CPU samples, other sources are
	// performance counters.
	SamplingInterval struct {
		Header
		Source      int    `json:"source"`
		NewInterval int64  `json:"new_interval"`
		OldInterval int64  `json:"old_interval"`
		SourceName  string `json:"source_name"`
	}

	CounterSample struct {
		Header
		IP        uint64 `json:"ip"`
		CounterID int    `json:"counter_id"`
	}

	// MethodLoad describes the code range of a JIT-compiled method.
	MethodLoad struct {
		Header
		MethodID  int64  `json:"method_id"`
		RejitID   int32  `json:"rejit_id"`
		Address   uint64 `json:"address"`
		Size      uint64 `json:"size"`
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	}
)

func (e *TraceInfo) Accept(v Visitor) error          { return v.VisitTraceInfo(e) }
func (e *SystemConfig) Accept(v Visitor) error       { return v.VisitSystemConfig(e) }
func (e *ProcessStart) Accept(v Visitor) error       { return v.VisitProcessStart(e) }
func (e *ProcessEnd) Accept(v Visitor) error         { return v.VisitProcessEnd(e) }
func (e *ImageLoad) Accept(v Visitor) error          { return v.VisitImageLoad(e) }
func (e *ImageID) Accept(v Visitor) error            { return v.VisitImageID(e) }
func (e *ImageDebugInfo) Accept(v Visitor) error     { return v.VisitImageDebugInfo(e) }
func (e *ThreadStart) Accept(v Visitor) error        { return v.VisitThreadStart(e) }
func (e *ThreadName) Accept(v Visitor) error         { return v.VisitThreadName(e) }
func (e *StackWalk) Accept(v Visitor) error          { return v.VisitStackWalk(e) }
func (e *StackKeyReference) Accept(v Visitor) error  { return v.VisitStackKeyReference(e) }
func (e *StackKeyDefinition) Accept(v Visitor) error { return v.VisitStackKeyDefinition(e) }
func (e *Sample) Accept(v Visitor) error             { return v.VisitSample(e) }
func (e *SamplingInterval) Accept(v Visitor) error   { return v.VisitSamplingInterval(e) }
func (e *CounterSample) Accept(v Visitor) error      { return v.VisitCounterSample(e) }
func (e *MethodLoad) Accept(v Visitor) error         { return v.VisitMethodLoad(e) }
