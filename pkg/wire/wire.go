// Package wire implements the broker's binary message protocol: the fixed
// header every message carries, the eleven function-specific bodies, and
// the validation rules applied before a decoded message reaches any
// state machine.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxMessageSize is the largest message the kernel transport is assumed to
// carry, per the microkernel's message-size constant.
const MaxMessageSize = 24 * 1024

// PathSize is the fixed on-wire size of a path field: 1024 bytes,
// NUL-terminated, first byte '/'.
const PathSize = 1024

// MaxNameComponent is the protocol's limit on a single path segment. The
// codec does not check segment lengths against it.
const MaxNameComponent = 255

// NoFD is the sentinel global_fd value meaning "none".
const NoFD uint32 = 0xFFFFFFFF

// FuncID identifies the operation a message carries.
type FuncID uint32

const (
	FuncMount FuncID = iota
	FuncOpen
	FuncVfsOpen
	FuncWrite
	FuncVfsWrite
	FuncRead
	FuncVfsRead
	FuncClose
	FuncVfsClose
	FuncSelect
	FuncVfsReady
)

func (f FuncID) String() string {
	switch f {
	case FuncMount:
		return "Mount"
	case FuncOpen:
		return "Open"
	case FuncVfsOpen:
		return "VfsOpen"
	case FuncWrite:
		return "Write"
	case FuncVfsWrite:
		return "VfsWrite"
	case FuncRead:
		return "Read"
	case FuncVfsRead:
		return "VfsRead"
	case FuncClose:
		return "Close"
	case FuncVfsClose:
		return "VfsClose"
	case FuncSelect:
		return "Select"
	case FuncVfsReady:
		return "VfsReady"
	default:
		return fmt.Sprintf("FuncID(%d)", uint32(f))
	}
}

// MsgType is the header's direction tag.
type MsgType uint32

const (
	Request MsgType = iota
	Response
	Notification
)

func (t MsgType) String() string {
	switch t {
	case Request:
		return "Request"
	case Response:
		return "Response"
	case Notification:
		return "Notification"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// Result is the outcome carried by every response body.
type Result uint32

const (
	Success Result = iota
	Failure
)

// Ready is a bitset of readiness kinds.
type Ready uint32

const (
	ReadyRead  Ready = 1
	ReadyWrite Ready = 2
)

func (r Ready) valid() bool {
	return r&^(ReadyRead|ReadyWrite) == 0
}

// HeaderSize is the encoded size of the common header.
const HeaderSize = 8

// Header is the fixed preamble of every message on the wire.
type Header struct {
	FuncID FuncID
	Type   MsgType
}

// Errors returned by ValidateHeader and by decoders when the bytes on the wire
// do not match the declared shape. These are the broker-visible error
// kinds of the malformed-traffic rules; callers decide whether to drop
// silently or reply Failure per the rules for their message kind.
var (
	ErrShort          = errors.New("wire: message shorter than declared body")
	ErrWrongType      = errors.New("wire: type does not match expected direction")
	ErrBadResult      = errors.New("wire: result is neither Success nor Failure")
	ErrBadReady       = errors.New("wire: ready bits outside {Read, Write}")
	ErrBadPath        = errors.New("wire: path does not start with '/'")
	ErrOverflow       = errors.New("wire: count field overflows")
	ErrUnknownFunc    = errors.New("wire: unknown func_id")
	ErrTruncatedPath  = errors.New("wire: path field is not NUL-terminated")
	ErrPayloadTooBig  = errors.New("wire: payload exceeds MaxMessageSize")
)

func decodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrShort
	}
	h := Header{
		FuncID: FuncID(binary.LittleEndian.Uint32(b[0:4])),
		Type:   MsgType(binary.LittleEndian.Uint32(b[4:8])),
	}
	return h, b[HeaderSize:], nil
}

func encodeHeader(buf []byte, h Header) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.FuncID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Type))
	return buf
}

// decodePath reads a fixed PathSize field and returns the NUL-terminated
// string within it (not including the terminator), validating the leading
// slash required of every path-bearing message.
func decodePath(b []byte) (string, []byte, error) {
	if len(b) < PathSize {
		return "", nil, ErrShort
	}
	field := b[:PathSize]
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	if n == len(field) {
		return "", nil, ErrTruncatedPath
	}
	if n == 0 || field[0] != '/' {
		return "", nil, ErrBadPath
	}
	return string(field[:n]), b[PathSize:], nil
}

func encodePath(buf []byte, path string) ([]byte, error) {
	if len(path) == 0 || path[0] != '/' {
		return nil, ErrBadPath
	}
	if len(path) >= PathSize {
		return nil, fmt.Errorf("wire: path %q too long for %d-byte field", path, PathSize)
	}
	field := make([]byte, PathSize)
	copy(field, path)
	return append(buf, field...), nil
}

func decodeResult(b []byte) (Result, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrShort
	}
	r := Result(binary.LittleEndian.Uint32(b[0:4]))
	if r != Success && r != Failure {
		return 0, nil, ErrBadResult
	}
	return r, b[4:], nil
}

func encodeResult(buf []byte, r Result) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(r))
}

func decodeU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrShort
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], nil
}

func encodeU32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func decodeU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShort
	}
	return binary.LittleEndian.Uint64(b[0:8]), b[8:], nil
}

func encodeU64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}
