// Package vfsclient is the client-side stub library for talking to the
// broker: one call per wire operation, each of which sends a request and
// blocks on Recv until the matching response arrives — encode, send,
// block for the one response that answers this call, over pkg/kernel
// rather than HTTP.
package vfsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// ErrBrokerNotFound is returned by Dial when the broker's registered name
// fails to resolve after the retry budget below is exhausted.
var ErrBrokerNotFound = errors.New("vfsclient: broker name did not resolve")

// ErrUnexpectedFunc describes a Recv'd message whose func_id does not
// match the call that is waiting for it. No call in this package returns
// it: call discards such messages and keeps waiting for its own reply.
var ErrUnexpectedFunc = errors.New("vfsclient: reply func_id does not match the pending call")

const (
	resolveRetries  = 10
	resolveInterval = 10 * time.Millisecond
)

// Client is a handle to the broker for one task. It is not safe for
// concurrent use by more than one goroutine, the same restriction
// pkg/kernel.Conn already carries: a Client has exactly one call
// outstanding at a time.
type Client struct {
	conn   kernel.Conn
	broker kernel.TaskID
}

// Dial resolves the broker's registered name, retrying a bounded number
// of times, and returns a Client bound to it.
func Dial(ctx context.Context, conn kernel.Conn, brokerName string) (*Client, error) {
	var lastErr error
	for i := 0; i < resolveRetries; i++ {
		id, err := conn.ResolveName(ctx, brokerName)
		if err == nil {
			return &Client{conn: conn, broker: id}, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resolveInterval):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrBrokerNotFound, lastErr)
}

// call sends req to the broker and blocks until a response with the
// given func_id arrives, discarding anything else (this Conn may also be
// a mount server task fielding unrelated VfsX requests between calls, so
// a stray message here is not itself an error).
func (c *Client) call(ctx context.Context, req []byte, want wire.FuncID) ([]byte, error) {
	if err := c.conn.Send(ctx, c.broker, req); err != nil {
		return nil, fmt.Errorf("vfsclient: send: %w", err)
	}
	for {
		_, buf, err := c.conn.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("vfsclient: recv: %w", err)
		}
		hdr, body, err := wire.DecodeHeader(buf)
		if err != nil {
			continue
		}
		if hdr.FuncID != want || hdr.Type != wire.Response {
			continue
		}
		return body, nil
	}
}

// Mount registers path with the broker as a mount point owned by this
// task.
func (c *Client) Mount(ctx context.Context, path string) error {
	req := wire.MountReq{Path: path}
	buf, err := req.Encode()
	if err != nil {
		return err
	}
	body, err := c.call(ctx, buf, wire.FuncMount)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeMountResp(body)
	if err != nil {
		return err
	}
	if resp.Result != wire.Success {
		return fmt.Errorf("vfsclient: mount %q: %w", path, wire.ErrBadResult)
	}
	return nil
}

// Open resolves path through the broker and returns the global FD to use
// for subsequent Read/Write/Close/Select calls.
func (c *Client) Open(ctx context.Context, localFD uint32, path string) (uint32, error) {
	req := wire.OpenReq{LocalFD: localFD, Path: path}
	buf, err := req.Encode()
	if err != nil {
		return 0, err
	}
	body, err := c.call(ctx, buf, wire.FuncOpen)
	if err != nil {
		return 0, err
	}
	resp, err := wire.DecodeOpenResp(body)
	if err != nil {
		return 0, err
	}
	if resp.Result != wire.Success {
		return 0, fmt.Errorf("vfsclient: open %q: %w", path, wire.ErrBadResult)
	}
	return resp.GlobalFD, nil
}

// Read asks the broker to read up to size bytes at readIdx from fd.
func (c *Client) Read(ctx context.Context, fd uint32, readIdx uint64, size uint32) ([]byte, error) {
	req := wire.ReadReq{GlobalFD: fd, ReadIdx: readIdx, Size: size}
	body, err := c.call(ctx, req.Encode(), wire.FuncRead)
	if err != nil {
		return nil, err
	}
	resp, err := wire.DecodeReadResp(body)
	if err != nil {
		return nil, err
	}
	if resp.Result != wire.Success {
		return nil, fmt.Errorf("vfsclient: read fd=%d: %w", fd, wire.ErrBadResult)
	}
	out := make([]byte, len(resp.Payload))
	copy(out, resp.Payload)
	return out, nil
}

// Write asks the broker to write payload at writeIdx on fd, returning the
// number of bytes the mount server accepted.
func (c *Client) Write(ctx context.Context, fd uint32, writeIdx uint64, payload []byte) (uint32, error) {
	req := wire.WriteReq{GlobalFD: fd, WriteIdx: writeIdx, Payload: payload}
	buf, err := req.Encode()
	if err != nil {
		return 0, err
	}
	body, err := c.call(ctx, buf, wire.FuncWrite)
	if err != nil {
		return 0, err
	}
	resp, err := wire.DecodeWriteResp(body)
	if err != nil {
		return 0, err
	}
	if resp.Result != wire.Success {
		return 0, fmt.Errorf("vfsclient: write fd=%d: %w", fd, wire.ErrBadResult)
	}
	return resp.Size, nil
}

// Close ends fd's conversation. The FD is unusable after this call
// whether or not it returns an error.
func (c *Client) Close(ctx context.Context, fd uint32) error {
	req := wire.CloseReq{GlobalFD: fd}
	body, err := c.call(ctx, req.Encode(), wire.FuncClose)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeCloseResp(body)
	if err != nil {
		return err
	}
	if resp.Result != wire.Success {
		return fmt.Errorf("vfsclient: close fd=%d: %w", fd, wire.ErrBadResult)
	}
	return nil
}

// Select blocks until at least one of reads/writes is ready, or ctx is
// done, returning the ready subsets.
func (c *Client) Select(ctx context.Context, reads, writes []uint32) (readyReads, readyWrites []uint32, err error) {
	req := wire.SelectReq{ReadFDs: reads, WriteFDs: writes}
	buf, err := req.Encode()
	if err != nil {
		return nil, nil, err
	}
	body, err := c.call(ctx, buf, wire.FuncSelect)
	if err != nil {
		return nil, nil, err
	}
	resp, err := wire.DecodeSelectResp(body)
	if err != nil {
		return nil, nil, err
	}
	if resp.Result != wire.Success {
		return nil, nil, fmt.Errorf("vfsclient: select: %w", wire.ErrBadResult)
	}
	return resp.ReadyReads, resp.ReadyWrites, nil
}

// Reopen is Close followed by Open on the same path, matching the
// original stub's combined call (src/libmvfs/Reopen.c). It introduces no
// new broker state: the broker never sees anything but an ordinary Close
// request followed by an ordinary Open request.
func (c *Client) Reopen(ctx context.Context, fd uint32, localFD uint32, path string) (uint32, error) {
	if err := c.Close(ctx, fd); err != nil {
		return 0, err
	}
	return c.Open(ctx, localFD, path)
}

// ReadAll loops Read from readIdx until the mount server returns a short
// (or empty) read, signalling end of stream — the original stub's Get
// convenience (src/libmvfs/Get.c), rebuilt on top of Read rather than a
// new wire operation.
func (c *Client) ReadAll(ctx context.Context, fd uint32, chunkSize uint32) ([]byte, error) {
	var out []byte
	var idx uint64
	for {
		chunk, err := c.Read(ctx, fd, idx, chunkSize)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if uint32(len(chunk)) < chunkSize {
			return out, nil
		}
		idx += uint64(len(chunk))
	}
}
