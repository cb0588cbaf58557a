package rawprofile

import (
	"path"
	"strings"
	"time"
)

// KernelProcessID is the process kernel images and kernel stacks are
// attributed to.
const KernelProcessID = 0

type (
	Process struct {
		ID            int    `json:"id"`
		ParentID      int    `json:"parent_id"`
		Name          string `json:"name"`
		ImageFileName string `json:"image_file_name,omitempty"`
		CommandLine   string `json:"command_line,omitempty"`
		ImageIDs      []int  `json:"-"`
		ThreadIDs     []int  `json:"-"`
	}

	Image struct {
		ID               int    `json:"id"`
		FilePath         string `json:"file_path"`
		OriginalFileName string `json:"original_file_name,omitempty"`
		BaseAddress      uint64 `json:"base_address"`
		DefaultBase      uint64 `json:"default_base,omitempty"`
		Size             uint64 `json:"size"`
		TimeStamp        int32  `json:"timestamp"`
		Checksum         int32  `json:"checksum"`
	}

	Thread struct {
		ID        int    `json:"id"`
		ProcessID int    `json:"process_id"`
		Name      string `json:"name,omitempty"`
	}

	// Context identifies who was running when an event was recorded.
	Context struct {
		ProcessID       int `json:"pid"`
		ThreadID        int `json:"tid"`
		ProcessorNumber int `json:"cpu"`
	}

	// Stack is an unsymbolized list of instruction pointers, innermost frame
	// first. Frames below UserModeTransitionIndex were captured in kernel
	// mode. A Stack is never modified after it is added to the store.
	Stack struct {
		ID                      int      `json:"id"`
		ContextID               int      `json:"context_id"`
		FramePointers           []uint64 `json:"frames"`
		UserModeTransitionIndex int      `json:"user_mode_transition_index"`
	}

	Sample struct {
		IP           uint64        `json:"ip"`
		Time         time.Duration `json:"time"`
		Weight       time.Duration `json:"weight"`
		IsKernelCode bool          `json:"is_kernel_code"`
		ContextID    int           `json:"context_id"`
		StackID      int           `json:"stack_id,omitempty"`
	}

	// SymbolFileDescriptor identifies the debug file matching a binary.
	SymbolFileDescriptor struct {
		FileName string `json:"file_name"`
		ID       string `json:"id"`
		Age      int    `json:"age"`
	}

	ManagedMethod struct {
		FunctionID int64  `json:"function_id"`
		RejitID    int32  `json:"rejit_id"`
		ProcessID  int    `json:"process_id"`
		Address    uint64 `json:"address"`
		Size       uint64 `json:"size"`
		Name       string `json:"name,omitempty"`
	}

	PerformanceCounter struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		Frequency int    `json:"frequency"`
	}

	PerformanceCounterEvent struct {
		IP        uint64        `json:"ip"`
		Time      time.Duration `json:"time"`
		ContextID int           `json:"context_id"`
		CounterID int           `json:"counter_id"`
	}

	TraceInfo struct {
		PointerSize      int           `json:"pointer_size"`
		CPUCount         int           `json:"cpu_count"`
		ComputerName     string        `json:"computer_name,omitempty"`
		SamplingInterval time.Duration `json:"sampling_interval"`
		ProfileStartTime time.Duration `json:"profile_start_time"`
		ProfileEndTime   time.Duration `json:"profile_end_time"`
		Canceled         bool          `json:"canceled,omitempty"`
	}
)

func (i Image) EndAddress() uint64 {
	return i.BaseAddress + i.Size
}

func (i Image) HasAddress(ip uint64) bool {
	return ip >= i.BaseAddress && ip < i.EndAddress()
}

// ModuleName returns the file name of the image, lowercased, accepting both
// Windows and Unix separators.
func (i Image) ModuleName() string {
	name := i.FilePath
	if name == "" {
		name = i.OriginalFileName
	}
	return strings.ToLower(path.Base(strings.ReplaceAll(name, `\`, "/")))
}

func (m ManagedMethod) HasAddress(ip uint64) bool {
	return ip >= m.Address && ip < m.Address+m.Size
}

func (s *Stack) FrameCount() int {
	return len(s.FramePointers)
}

// IsKernelFrame reports whether the frame at index was captured in kernel
// mode, either because it lies before the transition index or because of
// its address.
func (s *Stack) IsKernelFrame(index, pointerSize int) bool {
	return index < s.UserModeTransitionIndex || IsKernelAddress(s.FramePointers[index], pointerSize)
}

// IsKernelAddress reports whether ip falls in the kernel half of the
// address space for the given pointer size.
func IsKernelAddress(ip uint64, pointerSize int) bool {
	if pointerSize == 4 {
		return ip >= 0x80000000
	}
	return ip >= 0xFFFF000000000000
}

// IsKernelStack reports whether both ends of frames are kernel addresses.
func IsKernelStack(frames []uint64, pointerSize int) bool {
	return len(frames) > 0 &&
		IsKernelAddress(frames[0], pointerSize) &&
		IsKernelAddress(frames[len(frames)-1], pointerSize)
}

// IsUserStack reports whether both ends of frames are user addresses.
func IsUserStack(frames []uint64, pointerSize int) bool {
	return len(frames) > 0 &&
		!IsKernelAddress(frames[0], pointerSize) &&
		!IsKernelAddress(frames[len(frames)-1], pointerSize)
}

// KernelFrameCount counts the leading kernel frames.
func KernelFrameCount(frames []uint64, pointerSize int) int {
	for i, ip := range frames {
		if !IsKernelAddress(ip, pointerSize) {
			return i
		}
	}
	return len(frames)
}
