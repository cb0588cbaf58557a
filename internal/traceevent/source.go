package traceevent

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

// ErrMalformedEvent is wrapped by source errors affecting a single event.
// Readers can keep reading after such an error.
var ErrMalformedEvent = errors.New("malformed event")

const maxLineSize = 16 << 20

// Source yields the events of a trace in the order they were recorded. It
// returns io.EOF once the trace is exhausted.
type Source interface {
	Next() (Event, error)
}

// SliceSource replays events held in memory.
type SliceSource struct {
	events []Event
	pos    int
}

func NewSliceSource(events ...Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next() (Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	e := s.events[s.pos]
	s.pos++
	return e, nil
}

var constructors = map[string]func() Event{
	"trace_info":           func() Event { return &TraceInfo{} },
	"system_config":        func() Event { return &SystemConfig{} },
	"process_start":        func() Event { return &ProcessStart{} },
	"process_end":          func() Event { return &ProcessEnd{} },
	"image_load":           func() Event { return &ImageLoad{} },
	"image_id":             func() Event { return &ImageID{} },
	"image_debug_info":     func() Event { return &ImageDebugInfo{} },
	"thread_start":         func() Event { return &ThreadStart{} },
	"thread_name":          func() Event { return &ThreadName{} },
	"stack_walk":           func() Event { return &StackWalk{} },
	"stack_key_reference":  func() Event { return &StackKeyReference{} },
	"stack_key_definition": func() Event { return &StackKeyDefinition{} },
	"sample":               func() Event { return &Sample{} },
	"sampling_interval":    func() Event { return &SamplingInterval{} },
	"counter_sample":       func() Event { return &CounterSample{} },
	"method_load":          func() Event { return &MethodLoad{} },
}

// TypeName returns the envelope type used for e in JSON traces.
func TypeName(e Event) string {
	switch e.(type) {
	case *TraceInfo:
		return "trace_info"
	case *SystemConfig:
		return "system_config"
	case *ProcessStart:
		return "process_start"
	case *ProcessEnd:
		return "process_end"
	case *ImageLoad:
		return "image_load"
	case *ImageID:
		return "image_id"
	case *ImageDebugInfo:
		return "image_debug_info"
	case *ThreadStart:
		return "thread_start"
	case *ThreadName:
		return "thread_name"
	case *StackWalk:
		return "stack_walk"
	case *StackKeyReference:
		return "stack_key_reference"
	case *StackKeyDefinition:
		return "stack_key_definition"
	case *Sample:
		return "sample"
	case *SamplingInterval:
		return "sampling_interval"
	case *CounterSample:
		return "counter_sample"
	case *MethodLoad:
		return "method_load"
	}
	return ""
}

type envelope struct {
	Type string `json:"type"`
}

// JSONReader reads a trace stored as one JSON object per line, each with a
// "type" field naming the event. The stream may be lz4 framed.
type JSONReader struct {
	scanner *bufio.Scanner
	line    int
}

var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

func NewJSONReader(r io.Reader) (*JSONReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(lz4Magic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	var src io.Reader = br
	if bytes.Equal(magic, lz4Magic) {
		src = lz4.NewReader(br)
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &JSONReader{scanner: scanner}, nil
}

func (r *JSONReader) Next() (Event, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedEvent, r.line, err)
		}
		newEvent, ok := constructors[env.Type]
		if !ok {
			return nil, fmt.Errorf("%w: line %d: unknown event type %q", ErrMalformedEvent, r.line, env.Type)
		}
		e := newEvent()
		if err := json.Unmarshal(line, e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedEvent, r.line, err)
		}
		return e, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("traceevent: read line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

// Writer encodes events in the format read by JSONReader.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(e Event) error {
	name := TypeName(e)
	if name == "" {
		return fmt.Errorf("traceevent: unsupported event %T", e)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if len(b) < 2 || b[0] != '{' {
		return fmt.Errorf("traceevent: unexpected encoding for %T", e)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":"`)
	buf.WriteString(name)
	buf.WriteByte('"')
	if len(b) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(b[1:])
	buf.WriteByte('\n')
	_, err = w.w.Write(buf.Bytes())
	return err
}
