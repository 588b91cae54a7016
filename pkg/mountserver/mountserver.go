// Package mountserver is the reference library for writing a mount
// server: the user-space process on the other end of the broker's
// VfsOpen/VfsRead/VfsWrite/VfsClose conversation for one mounted path.
// Backend plays the role pkg/blobserver.Storage plays for Camlistore: the
// one interface a storage implementation has to satisfy, with this
// package handling the wire protocol and the broker conversation around
// it.
package mountserver

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// Handle is an opaque value a Backend uses to identify one open file; the
// broker never inspects it, only relays it back by way of the global FD
// it is stored under.
type Handle any

// Backend is what a concrete storage implementation (local disk,
// in-memory, S3, GCS, MongoDB, SFTP...) must provide. Read/Write report
// the readiness bits that should accompany their response: most backends
// can answer this immediately ("more data buffered?", "is
// the remote write queue full?"); one that cannot should report the
// corresponding bit set, defaulting to "assume readable/writable unless
// proven otherwise".
type Backend interface {
	// Open resolves path to a Handle, or returns an error if it does
	// not exist or cannot be opened.
	Open(ctx context.Context, path string) (Handle, error)

	// Read returns up to size bytes starting at idx, and the read
	// readiness to report alongside them.
	Read(ctx context.Context, h Handle, idx uint64, size uint32) (data []byte, ready wire.Ready, err error)

	// Write accepts payload at idx, returning how many bytes were
	// accepted and the write readiness to report alongside that.
	Write(ctx context.Context, h Handle, idx uint64, payload []byte) (n uint32, ready wire.Ready, err error)

	// Close releases h. The broker has already stopped addressing it
	// by the time this is called.
	Close(ctx context.Context, h Handle) error
}

// ErrUnknownFD is returned when the broker references a global FD this
// server never opened (or already closed) — a protocol violation on the
// broker's part, or a stale retry after a restart.
var ErrUnknownFD = errors.New("mountserver: broker referenced an unknown global_fd")

// Server drives one Backend's side of the broker conversation for one
// mount point.
type Server struct {
	conn    kernel.Conn
	backend Backend
	path    string
	log     *log.Logger

	broker kernel.TaskID
	open   map[uint32]Handle
}

// New returns a Server for path, backed by backend, communicating over
// conn. If logger is nil, log.Default() is used.
func New(conn kernel.Conn, backend Backend, path string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		conn:    conn,
		backend: backend,
		path:    path,
		log:     logger,
		open:    make(map[uint32]Handle),
	}
}

// Mount resolves the broker's registered name and sends a MountReq for
// this server's path, blocking for the MountResp.
func (s *Server) Mount(ctx context.Context, brokerName string) error {
	var lastErr error
	for i := 0; i < 10; i++ {
		id, err := s.conn.ResolveName(ctx, brokerName)
		if err == nil {
			s.broker = id
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if s.broker == 0 {
		return fmt.Errorf("mountserver: resolving %q: %w", brokerName, lastErr)
	}

	req := wire.MountReq{Path: s.path}
	buf, err := req.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, s.broker, buf); err != nil {
		return fmt.Errorf("mountserver: mount send: %w", err)
	}
	for {
		_, resp, err := s.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("mountserver: mount recv: %w", err)
		}
		hdr, body, err := wire.DecodeHeader(resp)
		if err != nil || hdr.FuncID != wire.FuncMount || hdr.Type != wire.Response {
			continue
		}
		mr, err := wire.DecodeMountResp(body)
		if err != nil {
			return err
		}
		if mr.Result != wire.Success {
			return fmt.Errorf("mountserver: mount %q rejected by broker", s.path)
		}
		return nil
	}
}

// NotifyReady sends a VfsReadyNtc for this server's path, e.g. after an
// asynchronous event makes it readable or writable outside of any
// in-flight Read/Write.
func (s *Server) NotifyReady(ctx context.Context, bits wire.Ready) error {
	ntc := wire.VfsReadyNtc{Path: s.path, Ready: bits}
	buf, err := ntc.Encode()
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, s.broker, buf)
}

// Run receives and answers VfsOpen/VfsRead/VfsWrite/VfsClose requests
// from the broker until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	for {
		sender, buf, err := s.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("mountserver: recv: %w", err)
		}
		s.handle(ctx, sender, buf)
	}
}

func (s *Server) handle(ctx context.Context, sender kernel.TaskID, buf []byte) {
	hdr, body, err := wire.DecodeHeader(buf)
	if err != nil {
		s.log.Printf("mountserver: decode header: %v", err)
		return
	}
	if sender != s.broker {
		s.log.Printf("mountserver: message from non-broker task=%d, dropped", sender)
		return
	}
	switch hdr.FuncID {
	case wire.FuncVfsOpen:
		s.onVfsOpenReq(ctx, body)
	case wire.FuncVfsRead:
		s.onVfsReadReq(ctx, body)
	case wire.FuncVfsWrite:
		s.onVfsWriteReq(ctx, body)
	case wire.FuncVfsClose:
		s.onVfsCloseReq(ctx, body)
	default:
		s.log.Printf("mountserver: unexpected func=%s from broker", hdr.FuncID)
	}
}

func (s *Server) onVfsOpenReq(ctx context.Context, body []byte) {
	req, err := wire.DecodeVfsOpenReq(body)
	if err != nil {
		s.log.Printf("mountserver: decode VfsOpenReq: %v", err)
		return
	}
	h, err := s.backend.Open(ctx, req.Path)
	result := wire.Success
	if err != nil {
		s.log.Printf("mountserver: open %q: %v", req.Path, err)
		result = wire.Failure
	} else {
		s.open[req.GlobalFD] = h
	}
	resp := wire.VfsOpenResp{GlobalFD: req.GlobalFD, Result: result}
	s.conn.Send(ctx, s.broker, resp.Encode())
}

func (s *Server) onVfsReadReq(ctx context.Context, body []byte) {
	req, err := wire.DecodeVfsReadReq(body)
	if err != nil {
		s.log.Printf("mountserver: decode VfsReadReq: %v", err)
		return
	}
	h, ok := s.open[req.GlobalFD]
	if !ok {
		s.log.Printf("mountserver: %v: fd=%d", ErrUnknownFD, req.GlobalFD)
		resp := wire.VfsReadResp{GlobalFD: req.GlobalFD, Result: wire.Failure, Ready: wire.ReadyRead | wire.ReadyWrite}
		s.sendVfsReadResp(ctx, resp)
		return
	}
	data, ready, err := s.backend.Read(ctx, h, req.ReadIdx, req.Size)
	result := wire.Success
	if err != nil {
		s.log.Printf("mountserver: read fd=%d: %v", req.GlobalFD, err)
		result = wire.Failure
	}
	s.sendVfsReadResp(ctx, wire.VfsReadResp{GlobalFD: req.GlobalFD, Result: result, Ready: ready, Payload: data})
}

func (s *Server) sendVfsReadResp(ctx context.Context, resp wire.VfsReadResp) {
	buf, err := resp.Encode()
	if err != nil {
		s.log.Printf("mountserver: encode VfsReadResp: %v", err)
		return
	}
	s.conn.Send(ctx, s.broker, buf)
}

func (s *Server) onVfsWriteReq(ctx context.Context, body []byte) {
	req, err := wire.DecodeVfsWriteReq(body)
	if err != nil {
		s.log.Printf("mountserver: decode VfsWriteReq: %v", err)
		return
	}
	h, ok := s.open[req.GlobalFD]
	if !ok {
		s.log.Printf("mountserver: %v: fd=%d", ErrUnknownFD, req.GlobalFD)
		s.sendVfsWriteResp(ctx, wire.VfsWriteResp{GlobalFD: req.GlobalFD, Result: wire.Failure, Ready: wire.ReadyRead | wire.ReadyWrite})
		return
	}
	n, ready, err := s.backend.Write(ctx, h, req.WriteIdx, req.Payload)
	result := wire.Success
	if err != nil {
		s.log.Printf("mountserver: write fd=%d: %v", req.GlobalFD, err)
		result = wire.Failure
	}
	s.sendVfsWriteResp(ctx, wire.VfsWriteResp{GlobalFD: req.GlobalFD, Result: result, Ready: ready, Size: n})
}

func (s *Server) sendVfsWriteResp(ctx context.Context, resp wire.VfsWriteResp) {
	buf, err := resp.Encode()
	if err != nil {
		s.log.Printf("mountserver: encode VfsWriteResp: %v", err)
		return
	}
	s.conn.Send(ctx, s.broker, buf)
}

func (s *Server) onVfsCloseReq(ctx context.Context, body []byte) {
	req, err := wire.DecodeVfsCloseReq(body)
	if err != nil {
		s.log.Printf("mountserver: decode VfsCloseReq: %v", err)
		return
	}
	result := wire.Success
	if h, ok := s.open[req.GlobalFD]; ok {
		if err := s.backend.Close(ctx, h); err != nil {
			s.log.Printf("mountserver: close fd=%d: %v", req.GlobalFD, err)
			result = wire.Failure
		}
		delete(s.open, req.GlobalFD)
	} else {
		result = wire.Failure
	}
	resp := wire.VfsCloseResp{GlobalFD: req.GlobalFD, Result: result}
	s.conn.Send(ctx, s.broker, resp.Encode())
}
