// Package managedbridge decodes the messages a managed runtime profiler
// sends about JIT-compiled code, and merges them into a raw trace.
package managedbridge

import (
	"errors"
	"fmt"
)

type Kind int32

const (
	StartSession Kind = iota
	EndSession
	FunctionCode
	FunctionCallTarget
	RequestFunctionCode
)

func (k Kind) String() string {
	switch k {
	case StartSession:
		return "start_session"
	case EndSession:
		return "end_session"
	case FunctionCode:
		return "function_code"
	case FunctionCallTarget:
		return "function_call_target"
	case RequestFunctionCode:
		return "request_function_code"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

const (
	headerSize     = 8
	identitySize   = 24
	maxMessageSize = 64 << 20
)

var (
	ErrShortMessage = errors.New("managedbridge: short message")
	ErrUnknownKind  = errors.New("managedbridge: unknown message kind")
)

type (
	Message interface {
		Kind() Kind
	}

	// FunctionIdentity identifies one compilation of a managed method.
	FunctionIdentity struct {
		FunctionID int64
		Address    uint64
		ReJITID    int32
		ProcessID  int32
	}

	StartSessionMessage struct{}

	EndSessionMessage struct{}

	FunctionCodeMessage struct {
		FunctionIdentity
		Code []byte
	}

	FunctionCallTargetMessage struct {
		FunctionIdentity
		Name string
	}

	RequestFunctionCodeMessage struct {
		FunctionIdentity
	}
)

func (StartSessionMessage) Kind() Kind        { return StartSession }
func (EndSessionMessage) Kind() Kind          { return EndSession }
func (FunctionCodeMessage) Kind() Kind        { return FunctionCode }
func (FunctionCallTargetMessage) Kind() Kind  { return FunctionCallTarget }
func (RequestFunctionCodeMessage) Kind() Kind { return RequestFunctionCode }
