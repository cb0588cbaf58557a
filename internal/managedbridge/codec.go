package managedbridge

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reads length-prefixed little endian messages.
type Decoder struct {
	r      *bufio.Reader
	header [headerSize]byte
	body   []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next message, or io.EOF at the end of the stream. A
// message of unknown kind is consumed and reported with ErrUnknownKind,
// the stream can still be read after it.
func (d *Decoder) Next() (Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated header", ErrShortMessage)
		}
		return nil, err
	}
	kind := Kind(binary.LittleEndian.Uint32(d.header[0:4]))
	size := int32(binary.LittleEndian.Uint32(d.header[4:8]))
	if size < headerSize || size > maxMessageSize {
		return nil, fmt.Errorf("%w: invalid size %d", ErrShortMessage, size)
	}
	n := int(size) - headerSize
	if cap(d.body) < n {
		d.body = make([]byte, n)
	}
	body := d.body[:n]
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrShortMessage, kind, err)
	}
	return decodeBody(kind, body)
}

func decodeIdentity(body []byte) (FunctionIdentity, []byte, error) {
	if len(body) < identitySize {
		return FunctionIdentity{}, nil, fmt.Errorf("%w: %d bytes for a function identity", ErrShortMessage, len(body))
	}
	id := FunctionIdentity{
		FunctionID: int64(binary.LittleEndian.Uint64(body[0:8])),
		Address:    binary.LittleEndian.Uint64(body[8:16]),
		ReJITID:    int32(binary.LittleEndian.Uint32(body[16:20])),
		ProcessID:  int32(binary.LittleEndian.Uint32(body[20:24])),
	}
	return id, body[identitySize:], nil
}

// decodeSized reads an int32 length followed by that many bytes.
func decodeSized(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: missing length", ErrShortMessage)
	}
	n := int32(binary.LittleEndian.Uint32(body[0:4]))
	if n < 0 || int(n) > len(body)-4 {
		return nil, fmt.Errorf("%w: length %d exceeds %d bytes", ErrShortMessage, n, len(body)-4)
	}
	return body[4 : 4+n], nil
}

func decodeBody(kind Kind, body []byte) (Message, error) {
	switch kind {
	case StartSession:
		return StartSessionMessage{}, nil
	case EndSession:
		return EndSessionMessage{}, nil
	}
	id, rest, err := decodeIdentity(body)
	if err != nil {
		return nil, err
	}
	switch kind {
	case FunctionCode:
		code, err := decodeSized(rest)
		if err != nil {
			return nil, err
		}
		return FunctionCodeMessage{FunctionIdentity: id, Code: append([]byte(nil), code...)}, nil
	case FunctionCallTarget:
		name, err := decodeSized(rest)
		if err != nil {
			return nil, err
		}
		return FunctionCallTargetMessage{FunctionIdentity: id, Name: string(name)}, nil
	case RequestFunctionCode:
		return RequestFunctionCodeMessage{FunctionIdentity: id}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// Encoder writes messages in the format read by Decoder.
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func appendIdentity(b []byte, id FunctionIdentity) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(id.FunctionID))
	b = binary.LittleEndian.AppendUint64(b, id.Address)
	b = binary.LittleEndian.AppendUint32(b, uint32(id.ReJITID))
	return binary.LittleEndian.AppendUint32(b, uint32(id.ProcessID))
}

func appendSized(b, data []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

func (e *Encoder) Encode(m Message) error {
	b := append(e.buf[:0], make([]byte, headerSize)...)
	switch m := m.(type) {
	case StartSessionMessage, EndSessionMessage:
	case FunctionCodeMessage:
		b = appendSized(appendIdentity(b, m.FunctionIdentity), m.Code)
	case FunctionCallTargetMessage:
		b = appendSized(appendIdentity(b, m.FunctionIdentity), []byte(m.Name))
	case RequestFunctionCodeMessage:
		b = appendIdentity(b, m.FunctionIdentity)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Kind()))
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
	e.buf = b
	_, err := e.w.Write(b)
	return err
}
