// Package protocol implements the length-prefixed frame layout of the highway transport.
//
// Every frame carries a correlation id and two independently encoded sections. The
// header is always encoded with a fixed schema; the body schema depends on the operation
// (and, for responses, on the status code). Storing both lengths lets a reader split the
// stream and decode the header before it knows which body schema applies.
//
// Frame format (big-endian):
//
//	0               8       12            12+hlen  16+hlen
//	┌───────────────┬───────┬──────────────┬───────┬──────────────┐
//	│ correlationId │ hlen  │ header bytes │ blen  │  body bytes  │
//	│     int64     │ int32 │  hlen bytes  │ int32 │  blen bytes  │
//	└───────────────┴───────┴──────────────┴───────┴──────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	IDSize     = 8
	LengthSize = 4
	// MinFrameSize is the size of a frame with an empty header and an empty body.
	MinFrameSize = IDSize + 2*LengthSize
)

var (
	ErrShortFrame      = errors.New("protocol: short frame")
	ErrNegativeLength  = errors.New("protocol: negative section length")
	ErrHeaderTooLarge  = errors.New("protocol: header too large")
	ErrBodyTooLarge    = errors.New("protocol: body too large")
	ErrTrailingGarbage = errors.New("protocol: trailing bytes after body")
)

// Frame is one wire-level unit.
type Frame struct {
	CorrelationID int64
	Header        []byte
	Body          []byte
}

// Limits constrains decode memory use. A zero field means unlimited.
type Limits struct {
	MaxHeaderBytes int32
	MaxBodyBytes   int32
}

// DefaultLimits caps headers at 64 KiB and bodies at 16 MiB.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 * 1024,
		MaxBodyBytes:   16 * 1024 * 1024,
	}
}

func (l Limits) check(headerLen, bodyLen int) error {
	if l.MaxHeaderBytes > 0 && headerLen > int(l.MaxHeaderBytes) {
		return ErrHeaderTooLarge
	}
	if l.MaxBodyBytes > 0 && bodyLen > int(l.MaxBodyBytes) {
		return ErrBodyTooLarge
	}
	return nil
}

// Marshal lays a frame out as one contiguous buffer.
func Marshal(f *Frame) []byte {
	buf := make([]byte, MinFrameSize+len(f.Header)+len(f.Body))
	binary.BigEndian.PutUint64(buf[0:IDSize], uint64(f.CorrelationID))
	offset := IDSize
	binary.BigEndian.PutUint32(buf[offset:offset+LengthSize], uint32(len(f.Header)))
	offset += LengthSize
	offset += copy(buf[offset:], f.Header)
	binary.BigEndian.PutUint32(buf[offset:offset+LengthSize], uint32(len(f.Body)))
	offset += LengthSize
	copy(buf[offset:], f.Body)
	return buf
}

// Unmarshal splits one complete frame. The header and body slices alias data.
func Unmarshal(data []byte, limits Limits) (*Frame, error) {
	if len(data) < MinFrameSize {
		return nil, ErrShortFrame
	}
	f := &Frame{CorrelationID: int64(binary.BigEndian.Uint64(data[0:IDSize]))}
	offset := IDSize

	headerLen := int32(binary.BigEndian.Uint32(data[offset : offset+LengthSize]))
	offset += LengthSize
	if headerLen < 0 {
		return nil, ErrNegativeLength
	}
	if err := limits.check(int(headerLen), 0); err != nil {
		return nil, err
	}
	if len(data)-offset < int(headerLen)+LengthSize {
		return nil, ErrShortFrame
	}
	f.Header = data[offset : offset+int(headerLen)]
	offset += int(headerLen)

	bodyLen := int32(binary.BigEndian.Uint32(data[offset : offset+LengthSize]))
	offset += LengthSize
	if bodyLen < 0 {
		return nil, ErrNegativeLength
	}
	if err := limits.check(0, int(bodyLen)); err != nil {
		return nil, err
	}
	if len(data)-offset < int(bodyLen) {
		return nil, ErrShortFrame
	}
	f.Body = data[offset : offset+int(bodyLen)]
	offset += int(bodyLen)
	if offset != len(data) {
		return nil, ErrTrailingGarbage
	}
	return f, nil
}

// Encode writes a complete frame to w in a single Write call.
// Callers sharing a writer must serialize calls themselves.
func Encode(w io.Writer, f *Frame) error {
	_, err := w.Write(Marshal(f))
	return err
}

// Decode reads exactly one frame from r.
// io.EOF is returned unchanged when the stream ends on a frame boundary.
func Decode(r io.Reader, limits Limits) (*Frame, error) {
	var prefix [IDSize + LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	f := &Frame{CorrelationID: int64(binary.BigEndian.Uint64(prefix[0:IDSize]))}

	headerLen := int32(binary.BigEndian.Uint32(prefix[IDSize:]))
	if headerLen < 0 {
		return nil, ErrNegativeLength
	}
	if err := limits.check(int(headerLen), 0); err != nil {
		return nil, err
	}

	// header bytes followed by the body length
	buf := make([]byte, int(headerLen)+LengthSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpected(err)
	}
	f.Header = buf[:headerLen]

	bodyLen := int32(binary.BigEndian.Uint32(buf[headerLen:]))
	if bodyLen < 0 {
		return nil, ErrNegativeLength
	}
	if err := limits.check(0, int(bodyLen)); err != nil {
		return nil, err
	}
	f.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		return nil, unexpected(err)
	}
	return f, nil
}

// A stream that ends inside a frame is never a clean close.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
