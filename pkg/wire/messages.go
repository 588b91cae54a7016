package wire

import "fmt"

// Each message type below implements Encode (returning a new buffer holding
// its header+body), and the corresponding package-level Decode function
// parses a received body, after the Header has been peeled off with
// DecodeHeader to decide routing, into a typed value. Read/Write family bodies hold their
// Payload as a slice into the caller's buffer: the slice is valid only
// until the next receive (see pkg/kernel).

// MountReq — path[1024].
type MountReq struct {
	Path string
}

func (m MountReq) Encode() ([]byte, error) {
	buf := encodeHeader(make([]byte, 0, HeaderSize+PathSize), Header{FuncMount, Request})
	return encodePath(buf, m.Path)
}

func DecodeMountReq(body []byte) (MountReq, error) {
	path, _, err := decodePath(body)
	if err != nil {
		return MountReq{}, err
	}
	return MountReq{Path: path}, nil
}

// MountResp — result.
type MountResp struct {
	Result Result
}

func (m MountResp) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+4), Header{FuncMount, Response})
	return encodeResult(buf, m.Result)
}

func DecodeMountResp(body []byte) (MountResp, error) {
	r, _, err := decodeResult(body)
	if err != nil {
		return MountResp{}, err
	}
	return MountResp{Result: r}, nil
}

// OpenReq — local_fd, path[1024].
type OpenReq struct {
	LocalFD uint32
	Path    string
}

func (m OpenReq) Encode() ([]byte, error) {
	buf := encodeHeader(make([]byte, 0, HeaderSize+4+PathSize), Header{FuncOpen, Request})
	buf = encodeU32(buf, m.LocalFD)
	return encodePath(buf, m.Path)
}

func DecodeOpenReq(body []byte) (OpenReq, error) {
	localFD, rest, err := decodeU32(body)
	if err != nil {
		return OpenReq{}, err
	}
	path, _, err := decodePath(rest)
	if err != nil {
		return OpenReq{}, err
	}
	return OpenReq{LocalFD: localFD, Path: path}, nil
}

// OpenResp — result, global_fd.
type OpenResp struct {
	Result   Result
	GlobalFD uint32
}

func (m OpenResp) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+8), Header{FuncOpen, Response})
	buf = encodeResult(buf, m.Result)
	return encodeU32(buf, m.GlobalFD)
}

func DecodeOpenResp(body []byte) (OpenResp, error) {
	r, rest, err := decodeResult(body)
	if err != nil {
		return OpenResp{}, err
	}
	fd, _, err := decodeU32(rest)
	if err != nil {
		return OpenResp{}, err
	}
	return OpenResp{Result: r, GlobalFD: fd}, nil
}

// VfsOpenReq — pid, global_fd, path[1024].
type VfsOpenReq struct {
	PID      uint32
	GlobalFD uint32
	Path     string
}

func (m VfsOpenReq) Encode() ([]byte, error) {
	buf := encodeHeader(make([]byte, 0, HeaderSize+8+PathSize), Header{FuncVfsOpen, Request})
	buf = encodeU32(buf, m.PID)
	buf = encodeU32(buf, m.GlobalFD)
	return encodePath(buf, m.Path)
}

func DecodeVfsOpenReq(body []byte) (VfsOpenReq, error) {
	pid, rest, err := decodeU32(body)
	if err != nil {
		return VfsOpenReq{}, err
	}
	fd, rest, err := decodeU32(rest)
	if err != nil {
		return VfsOpenReq{}, err
	}
	path, _, err := decodePath(rest)
	if err != nil {
		return VfsOpenReq{}, err
	}
	return VfsOpenReq{PID: pid, GlobalFD: fd, Path: path}, nil
}

// VfsOpenResp — global_fd, result.
type VfsOpenResp struct {
	GlobalFD uint32
	Result   Result
}

func (m VfsOpenResp) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+8), Header{FuncVfsOpen, Response})
	buf = encodeU32(buf, m.GlobalFD)
	return encodeResult(buf, m.Result)
}

func DecodeVfsOpenResp(body []byte) (VfsOpenResp, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return VfsOpenResp{}, err
	}
	r, _, err := decodeResult(rest)
	if err != nil {
		return VfsOpenResp{}, err
	}
	return VfsOpenResp{GlobalFD: fd, Result: r}, nil
}

// ReadReq — global_fd, read_idx:u64, size.
type ReadReq struct {
	GlobalFD uint32
	ReadIdx  uint64
	Size     uint32
}

func (m ReadReq) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+16), Header{FuncRead, Request})
	buf = encodeU32(buf, m.GlobalFD)
	buf = encodeU64(buf, m.ReadIdx)
	return encodeU32(buf, m.Size)
}

func DecodeReadReq(body []byte) (ReadReq, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return ReadReq{}, err
	}
	idx, rest, err := decodeU64(rest)
	if err != nil {
		return ReadReq{}, err
	}
	size, _, err := decodeU32(rest)
	if err != nil {
		return ReadReq{}, err
	}
	return ReadReq{GlobalFD: fd, ReadIdx: idx, Size: size}, nil
}

// ReadResp — result, size, payload[size].
type ReadResp struct {
	Result  Result
	Payload []byte
}

func (m ReadResp) Encode() ([]byte, error) {
	if len(m.Payload) > MaxMessageSize {
		return nil, ErrPayloadTooBig
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+8+len(m.Payload)), Header{FuncRead, Response})
	buf = encodeResult(buf, m.Result)
	buf = encodeU32(buf, uint32(len(m.Payload)))
	return append(buf, m.Payload...), nil
}

func DecodeReadResp(body []byte) (ReadResp, error) {
	r, rest, err := decodeResult(body)
	if err != nil {
		return ReadResp{}, err
	}
	size, rest, err := decodeU32(rest)
	if err != nil {
		return ReadResp{}, err
	}
	if uint32(len(rest)) < size {
		return ReadResp{}, ErrShort
	}
	return ReadResp{Result: r, Payload: rest[:size]}, nil
}

// VfsReadReq — global_fd, read_idx:u64, size.
type VfsReadReq struct {
	GlobalFD uint32
	ReadIdx  uint64
	Size     uint32
}

func (m VfsReadReq) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+16), Header{FuncVfsRead, Request})
	buf = encodeU32(buf, m.GlobalFD)
	buf = encodeU64(buf, m.ReadIdx)
	return encodeU32(buf, m.Size)
}

func DecodeVfsReadReq(body []byte) (VfsReadReq, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return VfsReadReq{}, err
	}
	idx, rest, err := decodeU64(rest)
	if err != nil {
		return VfsReadReq{}, err
	}
	size, _, err := decodeU32(rest)
	if err != nil {
		return VfsReadReq{}, err
	}
	return VfsReadReq{GlobalFD: fd, ReadIdx: idx, Size: size}, nil
}

// VfsReadResp — global_fd, result, ready, size, payload[size].
type VfsReadResp struct {
	GlobalFD uint32
	Result   Result
	Ready    Ready
	Payload  []byte
}

func (m VfsReadResp) Encode() ([]byte, error) {
	if !m.Ready.valid() {
		return nil, ErrBadReady
	}
	if len(m.Payload) > MaxMessageSize {
		return nil, ErrPayloadTooBig
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+16+len(m.Payload)), Header{FuncVfsRead, Response})
	buf = encodeU32(buf, m.GlobalFD)
	buf = encodeResult(buf, m.Result)
	buf = encodeU32(buf, uint32(m.Ready))
	buf = encodeU32(buf, uint32(len(m.Payload)))
	return append(buf, m.Payload...), nil
}

func DecodeVfsReadResp(body []byte) (VfsReadResp, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return VfsReadResp{}, err
	}
	r, rest, err := decodeResult(rest)
	if err != nil {
		return VfsReadResp{}, err
	}
	readyRaw, rest, err := decodeU32(rest)
	if err != nil {
		return VfsReadResp{}, err
	}
	ready := Ready(readyRaw)
	if !ready.valid() {
		return VfsReadResp{}, ErrBadReady
	}
	size, rest, err := decodeU32(rest)
	if err != nil {
		return VfsReadResp{}, err
	}
	if uint32(len(rest)) < size {
		return VfsReadResp{}, ErrShort
	}
	return VfsReadResp{GlobalFD: fd, Result: r, Ready: ready, Payload: rest[:size]}, nil
}

// WriteReq — global_fd, write_idx:u64, size, payload[size].
type WriteReq struct {
	GlobalFD uint32
	WriteIdx uint64
	Payload  []byte
}

func (m WriteReq) Encode() ([]byte, error) {
	if len(m.Payload) > MaxMessageSize {
		return nil, ErrPayloadTooBig
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+16+len(m.Payload)), Header{FuncWrite, Request})
	buf = encodeU32(buf, m.GlobalFD)
	buf = encodeU64(buf, m.WriteIdx)
	buf = encodeU32(buf, uint32(len(m.Payload)))
	return append(buf, m.Payload...), nil
}

func DecodeWriteReq(body []byte) (WriteReq, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return WriteReq{}, err
	}
	idx, rest, err := decodeU64(rest)
	if err != nil {
		return WriteReq{}, err
	}
	size, rest, err := decodeU32(rest)
	if err != nil {
		return WriteReq{}, err
	}
	if uint32(len(rest)) < size {
		return WriteReq{}, ErrShort
	}
	return WriteReq{GlobalFD: fd, WriteIdx: idx, Payload: rest[:size]}, nil
}

// WriteResp — result, size.
type WriteResp struct {
	Result Result
	Size   uint32
}

func (m WriteResp) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+8), Header{FuncWrite, Response})
	buf = encodeResult(buf, m.Result)
	return encodeU32(buf, m.Size)
}

func DecodeWriteResp(body []byte) (WriteResp, error) {
	r, rest, err := decodeResult(body)
	if err != nil {
		return WriteResp{}, err
	}
	size, _, err := decodeU32(rest)
	if err != nil {
		return WriteResp{}, err
	}
	return WriteResp{Result: r, Size: size}, nil
}

// VfsWriteReq — global_fd, write_idx:u64, size, payload[size].
type VfsWriteReq struct {
	GlobalFD uint32
	WriteIdx uint64
	Payload  []byte
}

func (m VfsWriteReq) Encode() ([]byte, error) {
	if len(m.Payload) > MaxMessageSize {
		return nil, ErrPayloadTooBig
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+16+len(m.Payload)), Header{FuncVfsWrite, Request})
	buf = encodeU32(buf, m.GlobalFD)
	buf = encodeU64(buf, m.WriteIdx)
	buf = encodeU32(buf, uint32(len(m.Payload)))
	return append(buf, m.Payload...), nil
}

func DecodeVfsWriteReq(body []byte) (VfsWriteReq, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return VfsWriteReq{}, err
	}
	idx, rest, err := decodeU64(rest)
	if err != nil {
		return VfsWriteReq{}, err
	}
	size, rest, err := decodeU32(rest)
	if err != nil {
		return VfsWriteReq{}, err
	}
	if uint32(len(rest)) < size {
		return VfsWriteReq{}, ErrShort
	}
	return VfsWriteReq{GlobalFD: fd, WriteIdx: idx, Payload: rest[:size]}, nil
}

// VfsWriteResp — global_fd, result, ready, size.
type VfsWriteResp struct {
	GlobalFD uint32
	Result   Result
	Ready    Ready
	Size     uint32
}

func (m VfsWriteResp) Encode() ([]byte, error) {
	if !m.Ready.valid() {
		return nil, ErrBadReady
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+16), Header{FuncVfsWrite, Response})
	buf = encodeU32(buf, m.GlobalFD)
	buf = encodeResult(buf, m.Result)
	buf = encodeU32(buf, uint32(m.Ready))
	return encodeU32(buf, m.Size), nil
}

func DecodeVfsWriteResp(body []byte) (VfsWriteResp, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return VfsWriteResp{}, err
	}
	r, rest, err := decodeResult(rest)
	if err != nil {
		return VfsWriteResp{}, err
	}
	readyRaw, rest, err := decodeU32(rest)
	if err != nil {
		return VfsWriteResp{}, err
	}
	ready := Ready(readyRaw)
	if !ready.valid() {
		return VfsWriteResp{}, ErrBadReady
	}
	size, _, err := decodeU32(rest)
	if err != nil {
		return VfsWriteResp{}, err
	}
	return VfsWriteResp{GlobalFD: fd, Result: r, Ready: ready, Size: size}, nil
}

// CloseReq — global_fd.
type CloseReq struct {
	GlobalFD uint32
}

func (m CloseReq) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+4), Header{FuncClose, Request})
	return encodeU32(buf, m.GlobalFD)
}

func DecodeCloseReq(body []byte) (CloseReq, error) {
	fd, _, err := decodeU32(body)
	if err != nil {
		return CloseReq{}, err
	}
	return CloseReq{GlobalFD: fd}, nil
}

// CloseResp — result.
type CloseResp struct {
	Result Result
}

func (m CloseResp) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+4), Header{FuncClose, Response})
	return encodeResult(buf, m.Result)
}

func DecodeCloseResp(body []byte) (CloseResp, error) {
	r, _, err := decodeResult(body)
	if err != nil {
		return CloseResp{}, err
	}
	return CloseResp{Result: r}, nil
}

// VfsCloseReq — global_fd.
type VfsCloseReq struct {
	GlobalFD uint32
}

func (m VfsCloseReq) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+4), Header{FuncVfsClose, Request})
	return encodeU32(buf, m.GlobalFD)
}

func DecodeVfsCloseReq(body []byte) (VfsCloseReq, error) {
	fd, _, err := decodeU32(body)
	if err != nil {
		return VfsCloseReq{}, err
	}
	return VfsCloseReq{GlobalFD: fd}, nil
}

// VfsCloseResp — global_fd, result.
type VfsCloseResp struct {
	GlobalFD uint32
	Result   Result
}

func (m VfsCloseResp) Encode() []byte {
	buf := encodeHeader(make([]byte, 0, HeaderSize+8), Header{FuncVfsClose, Response})
	buf = encodeU32(buf, m.GlobalFD)
	return encodeResult(buf, m.Result)
}

func DecodeVfsCloseResp(body []byte) (VfsCloseResp, error) {
	fd, rest, err := decodeU32(body)
	if err != nil {
		return VfsCloseResp{}, err
	}
	r, _, err := decodeResult(rest)
	if err != nil {
		return VfsCloseResp{}, err
	}
	return VfsCloseResp{GlobalFD: fd, Result: r}, nil
}

// SelectReq — read_count, write_count, fds[read_count+write_count].
type SelectReq struct {
	ReadFDs  []uint32
	WriteFDs []uint32
}

func (m SelectReq) Encode() ([]byte, error) {
	total := uint64(len(m.ReadFDs)) + uint64(len(m.WriteFDs))
	if total > 1<<20 {
		return nil, ErrOverflow
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+8+int(total)*4), Header{FuncSelect, Request})
	buf = encodeU32(buf, uint32(len(m.ReadFDs)))
	buf = encodeU32(buf, uint32(len(m.WriteFDs)))
	for _, fd := range m.ReadFDs {
		buf = encodeU32(buf, fd)
	}
	for _, fd := range m.WriteFDs {
		buf = encodeU32(buf, fd)
	}
	return buf, nil
}

func DecodeSelectReq(body []byte) (SelectReq, error) {
	readCount, rest, err := decodeU32(body)
	if err != nil {
		return SelectReq{}, err
	}
	writeCount, rest, err := decodeU32(rest)
	if err != nil {
		return SelectReq{}, err
	}
	total := uint64(readCount) + uint64(writeCount)
	if total > uint64(len(rest))/4 {
		return SelectReq{}, ErrShort
	}
	reads := make([]uint32, readCount)
	for i := range reads {
		reads[i], rest, err = decodeU32(rest)
		if err != nil {
			return SelectReq{}, err
		}
	}
	writes := make([]uint32, writeCount)
	for i := range writes {
		writes[i], rest, err = decodeU32(rest)
		if err != nil {
			return SelectReq{}, err
		}
	}
	return SelectReq{ReadFDs: reads, WriteFDs: writes}, nil
}

// SelectResp — result, ready_read_count, ready_write_count, fds[...].
type SelectResp struct {
	Result      Result
	ReadyReads  []uint32
	ReadyWrites []uint32
}

func (m SelectResp) Encode() ([]byte, error) {
	total := uint64(len(m.ReadyReads)) + uint64(len(m.ReadyWrites))
	if total > 1<<20 {
		return nil, ErrOverflow
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+12+int(total)*4), Header{FuncSelect, Response})
	buf = encodeResult(buf, m.Result)
	buf = encodeU32(buf, uint32(len(m.ReadyReads)))
	buf = encodeU32(buf, uint32(len(m.ReadyWrites)))
	for _, fd := range m.ReadyReads {
		buf = encodeU32(buf, fd)
	}
	for _, fd := range m.ReadyWrites {
		buf = encodeU32(buf, fd)
	}
	return buf, nil
}

func DecodeSelectResp(body []byte) (SelectResp, error) {
	r, rest, err := decodeResult(body)
	if err != nil {
		return SelectResp{}, err
	}
	readCount, rest, err := decodeU32(rest)
	if err != nil {
		return SelectResp{}, err
	}
	writeCount, rest, err := decodeU32(rest)
	if err != nil {
		return SelectResp{}, err
	}
	total := uint64(readCount) + uint64(writeCount)
	if total > uint64(len(rest))/4 {
		return SelectResp{}, ErrShort
	}
	reads := make([]uint32, readCount)
	for i := range reads {
		reads[i], rest, err = decodeU32(rest)
		if err != nil {
			return SelectResp{}, err
		}
	}
	writes := make([]uint32, writeCount)
	for i := range writes {
		writes[i], rest, err = decodeU32(rest)
		if err != nil {
			return SelectResp{}, err
		}
	}
	return SelectResp{Result: r, ReadyReads: reads, ReadyWrites: writes}, nil
}

// VfsReadyNtc — path[1024], ready.
type VfsReadyNtc struct {
	Path  string
	Ready Ready
}

func (m VfsReadyNtc) Encode() ([]byte, error) {
	if !m.Ready.valid() {
		return nil, ErrBadReady
	}
	buf := encodeHeader(make([]byte, 0, HeaderSize+PathSize+4), Header{FuncVfsReady, Notification})
	buf, err := encodePath(buf, m.Path)
	if err != nil {
		return nil, err
	}
	return encodeU32(buf, uint32(m.Ready)), nil
}

func DecodeVfsReadyNtc(body []byte) (VfsReadyNtc, error) {
	path, rest, err := decodePath(body)
	if err != nil {
		return VfsReadyNtc{}, err
	}
	readyRaw, _, err := decodeU32(rest)
	if err != nil {
		return VfsReadyNtc{}, err
	}
	ready := Ready(readyRaw)
	if !ready.valid() {
		return VfsReadyNtc{}, ErrBadReady
	}
	return VfsReadyNtc{Path: path, Ready: ready}, nil
}

// ValidateHeader checks the func_id is known and, for notifications,
// that the type matches. Request/Response discrimination for the VfsX
// family depends on which side sent it, so it's checked by the dispatcher
// (pkg/broker), which knows the edge it's reading from.
func ValidateHeader(h Header) error {
	switch h.FuncID {
	case FuncMount, FuncOpen, FuncVfsOpen, FuncWrite, FuncVfsWrite, FuncRead, FuncVfsRead, FuncClose, FuncVfsClose, FuncSelect:
		if h.Type != Request && h.Type != Response {
			return fmt.Errorf("%w: func=%s type=%s", ErrWrongType, h.FuncID, h.Type)
		}
		return nil
	case FuncVfsReady:
		if h.Type != Notification {
			return fmt.Errorf("%w: func=%s type=%s", ErrWrongType, h.FuncID, h.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFunc, uint32(h.FuncID))
	}
}

// DecodeHeader exposes the header decode to callers (the dispatcher peeks
// the header before deciding which body decoder to invoke).
func DecodeHeader(b []byte) (Header, []byte, error) {
	return decodeHeader(b)
}
