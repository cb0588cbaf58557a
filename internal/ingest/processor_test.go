package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/testutil"
	"github.com/getsentry/traceprof/internal/traceevent"
)

const (
	k0 uint64 = 0xfffff80000001000
	k1 uint64 = 0xfffff80000002000
	u0 uint64 = 0x1010
	u1 uint64 = 0x2010
	u2 uint64 = 0x3010
)

func header(ts time.Duration, cpu int) traceevent.Header {
	return traceevent.Header{Timestamp: ts, ProcessID: 1, ThreadID: 2, Processor: cpu}
}

func process(t *testing.T, opts Options, events ...traceevent.Event) *rawprofile.Profile {
	t.Helper()
	raw, err := NewProcessor(opts).Process(context.Background(), traceevent.NewSliceSource(events...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return raw
}

func sampleStack(t *testing.T, raw *rawprofile.Profile, sampleID int) *rawprofile.Stack {
	t.Helper()
	s, ok := raw.FindSample(sampleID)
	if !ok {
		t.Fatalf("sample %d not found", sampleID)
	}
	return raw.FindStack(s.StackID)
}

func TestStackSplice(t *testing.T) {
	ts := 5 * time.Millisecond
	tests := []struct {
		name   string
		events []traceevent.Event
		want   *rawprofile.Stack
	}{
		{
			name: "kernel then user at the same timestamp",
			events: []traceevent.Event{
				&traceevent.Sample{Header: header(ts, 0), IP: k0},
				&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{k0, k1}},
				&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{u0, u1, u2}},
			},
			want: &rawprofile.Stack{
				FramePointers:           []uint64{k0, k1, u0, u1, u2},
				UserModeTransitionIndex: 2,
			},
		},
		{
			name: "user stack at another timestamp is not spliced",
			events: []traceevent.Event{
				&traceevent.Sample{Header: header(ts, 0), IP: k0},
				&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{k0, k1}},
				&traceevent.StackWalk{Header: header(ts+time.Millisecond, 0), Frames: []uint64{u0, u1, u2}},
			},
			want: &rawprofile.Stack{
				FramePointers:           []uint64{k0, k1},
				UserModeTransitionIndex: 2,
			},
		},
		{
			name: "user stack on another core is not spliced",
			events: []traceevent.Event{
				&traceevent.Sample{Header: header(ts, 0), IP: k0},
				&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{k0, k1}},
				&traceevent.StackWalk{Header: header(ts, 1), Frames: []uint64{u0, u1, u2}},
			},
			want: &rawprofile.Stack{
				FramePointers:           []uint64{k0, k1},
				UserModeTransitionIndex: 2,
			},
		},
		{
			name: "user only stack",
			events: []traceevent.Event{
				&traceevent.Sample{Header: header(ts, 0), IP: u0},
				&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{u0, u1}},
			},
			want: &rawprofile.Stack{
				FramePointers: []uint64{u0, u1},
			},
		},
		{
			name: "mixed stack",
			events: []traceevent.Event{
				&traceevent.Sample{Header: header(ts, 0), IP: k0},
				&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{k0, u0, u1}},
			},
			want: &rawprofile.Stack{
				FramePointers:           []uint64{k0, u0, u1},
				UserModeTransitionIndex: 1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := process(t, Options{}, tt.events...)
			got := sampleStack(t, raw, 1)
			if got == nil {
				t.Fatal("expected the sample to have a stack")
			}
			if diff := testutil.Diff(got, tt.want, cmpIgnoreStackIDs...); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestSpliceKeepsKernelStack(t *testing.T) {
	ts := 5 * time.Millisecond
	raw := process(t, Options{},
		&traceevent.Sample{Header: header(ts, 0), IP: k0},
		&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{k0, k1}},
		&traceevent.StackWalk{Header: header(ts, 0), Frames: []uint64{u0, u1, u2}},
	)
	// The kernel fragment is left untouched, the merged stack is a new one.
	kernel := raw.FindStack(1)
	if diff := testutil.Diff(kernel.FramePointers, []uint64{k0, k1}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if got := sampleStack(t, raw, 1); got.ID == kernel.ID {
		t.Fatal("expected the sample to point at the merged stack")
	}
}

func TestStackKeys(t *testing.T) {
	t1 := 2 * time.Millisecond
	t2 := 3 * time.Millisecond
	raw := process(t, Options{},
		&traceevent.Sample{Header: header(t1, 0), IP: k0},
		&traceevent.StackKeyReference{Header: header(t1, 0), Kind: traceevent.StackKeyKernel, Key: 7},
		&traceevent.StackKeyReference{Header: header(t1, 0), Kind: traceevent.StackKeyUser, Key: 9},
		&traceevent.Sample{Header: header(t2, 0), IP: u0},
		&traceevent.StackKeyReference{Header: header(t2, 0), Kind: traceevent.StackKeyUser, Key: 9},
		// No sample at this timestamp, dropped.
		&traceevent.StackKeyReference{Header: header(t2+time.Millisecond, 0), Kind: traceevent.StackKeyUser, Key: 11},
		&traceevent.StackKeyDefinition{Header: header(t2, 0), Key: 9, Frames: []uint64{u0, u1}},
		&traceevent.StackKeyDefinition{Header: header(t2, 0), Key: 7},
		&traceevent.StackKeyDefinition{Header: header(t2, 0), Key: 7, Frames: []uint64{k0}},
		&traceevent.StackKeyDefinition{Header: header(t2, 0), Key: 11, Frames: []uint64{u2}},
	)

	first := sampleStack(t, raw, 1)
	want := &rawprofile.Stack{FramePointers: []uint64{k0, u0, u1}, UserModeTransitionIndex: 1}
	if diff := testutil.Diff(first, want, cmpIgnoreStackIDs...); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	second := sampleStack(t, raw, 2)
	want = &rawprofile.Stack{FramePointers: []uint64{u0, u1}}
	if diff := testutil.Diff(second, want, cmpIgnoreStackIDs...); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	for _, s := range raw.Samples() {
		for _, ip := range raw.FindStack(s.StackID).FramePointers {
			if ip == u2 {
				t.Fatal("a definition without pending samples must be ignored")
			}
		}
	}
}

func TestStackKeySharedAcrossProcesses(t *testing.T) {
	ts := 2 * time.Millisecond
	other := traceevent.Header{Timestamp: ts, ProcessID: 5, ThreadID: 6, Processor: 1}
	raw := process(t, Options{},
		&traceevent.Sample{Header: header(ts, 0), IP: u0},
		&traceevent.StackKeyReference{Header: header(ts, 0), Kind: traceevent.StackKeyUser, Key: 3},
		&traceevent.Sample{Header: other, IP: u0},
		&traceevent.StackKeyReference{Header: other, Kind: traceevent.StackKeyUser, Key: 3},
		&traceevent.StackKeyDefinition{Header: header(ts, 0), Key: 3, Frames: []uint64{u0, u1}},
	)

	var got []int
	for _, id := range []int{1, 2} {
		s, _ := raw.FindSample(id)
		stack := raw.FindStack(s.StackID)
		if stack == nil {
			t.Fatalf("sample %d has no stack", id)
		}
		c, _ := raw.FindContext(stack.ContextID)
		got = append(got, c.ProcessID)
	}
	if diff := testutil.Diff(got, []int{1, 5}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestStackKeyWithoutDefinition(t *testing.T) {
	raw := process(t, Options{},
		&traceevent.Sample{Header: header(time.Millisecond, 0), IP: u0},
		&traceevent.StackKeyReference{Header: header(time.Millisecond, 0), Kind: traceevent.StackKeyUser, Key: 1},
	)
	s, _ := raw.FindSample(1)
	if s.StackID != 0 {
		t.Fatalf("expected no stack, got %d", s.StackID)
	}
	if s.Weight != time.Millisecond {
		t.Fatalf("expected the sample to keep its weight, got %v", s.Weight)
	}
}

func TestSampleFiltering(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		events []traceevent.Event
		want   []int
	}{
		{
			name: "idle thread is skipped",
			events: []traceevent.Event{
				&traceevent.Sample{Header: traceevent.Header{Timestamp: time.Millisecond, ProcessID: 0, ThreadID: 0}},
				&traceevent.Sample{Header: traceevent.Header{Timestamp: time.Millisecond, ProcessID: 0, ThreadID: 0}, IP: k0, ExecutingDPC: true},
			},
			want: []int{0},
		},
		{
			name: "unknown process is skipped",
			events: []traceevent.Event{
				&traceevent.Sample{Header: traceevent.Header{Timestamp: time.Millisecond, ProcessID: -1, ThreadID: 3}},
			},
		},
		{
			name: "process filter with children",
			opts: Options{ProcessIDs: []int{10}, IncludeChildProcesses: true},
			events: []traceevent.Event{
				&traceevent.ProcessStart{Header: traceevent.Header{ProcessID: 11}, ParentID: 10},
				&traceevent.ProcessStart{Header: traceevent.Header{ProcessID: 12}, ParentID: 4},
				&traceevent.Sample{Header: traceevent.Header{Timestamp: 1, ProcessID: 10, ThreadID: 1}},
				&traceevent.Sample{Header: traceevent.Header{Timestamp: 2, ProcessID: 11, ThreadID: 2}},
				&traceevent.Sample{Header: traceevent.Header{Timestamp: 3, ProcessID: 12, ThreadID: 3}},
			},
			want: []int{10, 11},
		},
		{
			name: "process filter without children",
			opts: Options{ProcessIDs: []int{10}},
			events: []traceevent.Event{
				&traceevent.ProcessStart{Header: traceevent.Header{ProcessID: 11}, ParentID: 10},
				&traceevent.Sample{Header: traceevent.Header{Timestamp: 1, ProcessID: 10, ThreadID: 1}},
				&traceevent.Sample{Header: traceevent.Header{Timestamp: 2, ProcessID: 11, ThreadID: 2}},
			},
			want: []int{10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := process(t, tt.opts, tt.events...)
			var got []int
			for _, s := range raw.Samples() {
				c, ok := raw.FindContext(s.ContextID)
				if !ok {
					t.Fatalf("sample context %d does not resolve", s.ContextID)
				}
				got = append(got, c.ProcessID)
			}
			if diff := testutil.Diff(got, tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestSamplingIntervalCalibration(t *testing.T) {
	raw := process(t, Options{},
		&traceevent.SamplingInterval{NewInterval: 5000},
		&traceevent.SamplingInterval{NewInterval: 20000},
		&traceevent.SamplingInterval{Source: 3, NewInterval: 65536, SourceName: "BranchMispredictions"},
		&traceevent.Sample{Header: header(10*time.Millisecond, 0)},
		&traceevent.Sample{Header: header(10*time.Millisecond+500*time.Microsecond, 0)},
	)
	if raw.TraceInfo.SamplingInterval != 500*time.Microsecond {
		t.Fatalf("got interval %v, want 500µs", raw.TraceInfo.SamplingInterval)
	}
	var weights []time.Duration
	for _, s := range raw.Samples() {
		weights = append(weights, s.Weight)
	}
	want := []time.Duration{500 * time.Microsecond, 500 * time.Microsecond}
	if diff := testutil.Diff(weights, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if len(raw.PerformanceCounters()) != 0 {
		t.Fatal("counters must be ignored unless requested")
	}
}

func TestPerformanceCounters(t *testing.T) {
	raw := process(t, Options{IncludeCounters: true},
		&traceevent.SamplingInterval{Source: 3, NewInterval: 65536, SourceName: "BranchMispredictions"},
		&traceevent.CounterSample{Header: header(time.Millisecond, 0), IP: u0, CounterID: 3},
	)
	want := []*rawprofile.PerformanceCounter{{ID: 3, Name: "BranchMispredictions", Frequency: 65536}}
	if diff := testutil.Diff(raw.PerformanceCounters(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if len(raw.PerformanceCounterEvents()) != 1 {
		t.Fatalf("expected 1 counter event, got %d", len(raw.PerformanceCounterEvents()))
	}
}

func TestImageIdentity(t *testing.T) {
	raw := process(t, Options{},
		&traceevent.ImageLoad{Header: traceevent.Header{Timestamp: 10, ProcessID: 1}, FileName: `C:\app\app.exe`, BaseAddress: 0x1000, Size: 0x1000},
		&traceevent.ImageID{Header: traceevent.Header{Timestamp: 10, ProcessID: 1}, OriginalFileName: "app.exe", TimeDateStamp: 0x5f00},
		&traceevent.ImageID{Header: traceevent.Header{Timestamp: 11, ProcessID: 1}, OriginalFileName: "other.exe"},
		&traceevent.ImageDebugInfo{Header: traceevent.Header{Timestamp: 10, ProcessID: 1}, ImageBase: 0x1000, DebugFile: "app.pdb", DebugID: "1234", Age: 2},
		&traceevent.ImageLoad{Header: traceevent.Header{Timestamp: 12, ProcessID: 1}, FileName: "broken.dll"},
	)
	img := raw.FindImageForIPInProcess(0x1800, 1)
	want := &rawprofile.Image{
		ID:               1,
		FilePath:         `C:\app\app.exe`,
		OriginalFileName: "app.exe",
		BaseAddress:      0x1000,
		Size:             0x1000,
		TimeStamp:        0x5f00,
	}
	if diff := testutil.Diff(img, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	desc, ok := raw.GetDebugFileForImage(img, 1)
	if !ok || desc.FileName != "app.pdb" {
		t.Fatalf("unexpected debug file %+v", desc)
	}
	if len(raw.Images()) != 1 {
		t.Fatalf("an image without size must be skipped, got %d images", len(raw.Images()))
	}
}

type erroringSource struct {
	events []traceevent.Event
	errs   []error
	pos    int
}

func (s *erroringSource) Next() (traceevent.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	e, err := s.events[s.pos], s.errs[s.pos]
	s.pos++
	return e, err
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	src := &erroringSource{
		events: []traceevent.Event{nil, &traceevent.Sample{Header: header(time.Millisecond, 0)}},
		errs:   []error{fmt.Errorf("%w: bad line", traceevent.ErrMalformedEvent), nil},
	}
	raw, err := NewProcessor(Options{}).Process(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw.Samples()) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(raw.Samples()))
	}
}

func TestReadErrorIsTerminal(t *testing.T) {
	readErr := errors.New("disk on fire")
	src := &erroringSource{
		events: []traceevent.Event{nil},
		errs:   []error{readErr},
	}
	_, err := NewProcessor(Options{}).Process(context.Background(), src)
	if !errors.Is(err, readErr) {
		t.Fatalf("expected the read error, got %v", err)
	}
}

func TestCancellationKeepsPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := traceevent.NewSliceSource(
		&traceevent.ProcessStart{Header: traceevent.Header{ProcessID: 1}, Name: "app"},
		&traceevent.Sample{Header: header(1*time.Millisecond, 0)},
		&traceevent.Sample{Header: header(2*time.Millisecond, 0)},
		&traceevent.Sample{Header: header(3*time.Millisecond, 0)},
	)
	raw, err := NewProcessor(Options{CancelCheckInterval: 2}).Process(ctx, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !raw.TraceInfo.Canceled {
		t.Fatal("expected the trace to be marked as canceled")
	}
	if len(raw.Samples()) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(raw.Samples()))
	}
	if _, ok := raw.FindProcess(1); !ok {
		t.Fatal("expected events before cancellation to be kept")
	}
}
