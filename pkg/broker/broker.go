// Package broker implements the dispatcher loop and ties together the
// node tree, FD table, and per-task table into the single cooperative
// task that owns all broker state. Its shape is
// grounded on server/camlistored/camlistored.go's main-loop/signal
// handling: one long-lived struct constructed once, driven by a single
// blocking loop, with a debug hook for introspection.
package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/MasterMochi/mvfsd/pkg/fdstate"
	"github.com/MasterMochi/mvfsd/pkg/fdtable"
	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/ready"
	"github.com/MasterMochi/mvfsd/pkg/taskstate"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// ServiceName is the name the broker registers with the kernel.
const ServiceName = "VFS"

// Broker owns the node tree, FD table, and task table, and drives the
// single dispatcher loop that mutates them. Nothing here is safe for use
// from more than one goroutine at a time; that single-task model is the
// required concurrency model, not an oversight.
type Broker struct {
	conn kernel.Conn
	log  *log.Logger

	tree  *node.Tree
	fds   *fdtable.Table
	tasks *taskstate.Table
}

// New returns a Broker driven by conn. If logger is nil, log.Default() is
// used, logging through the standard package rather than requiring every
// caller to pass one in.
func New(conn kernel.Conn, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		conn:  conn,
		log:   logger,
		tree:  node.NewTree(),
		fds:   fdtable.NewTable(),
		tasks: taskstate.NewTable(),
	}
}

// Register claims the broker's well-known name so clients can resolve it.
// Failure here is one of the few kernel-level failures callers typically
// log.Fatal on.
func (b *Broker) Register() error {
	if _, err := b.conn.RegisterName(ServiceName); err != nil {
		return fmt.Errorf("broker: registering %q: %w", ServiceName, err)
	}
	return nil
}

// Run receives and handles one message at a time until ctx is done or
// Recv returns a fatal (non-timeout) error. Each iteration is run-to-
// completion: decode, route, step, reply, all before the next Recv.
func (b *Broker) Run(ctx context.Context) error {
	for {
		sender, buf, err := b.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("broker: recv: %w", err)
		}
		b.handle(ctx, sender, buf)
	}
}

// handle decodes and routes exactly one inbound message. It never panics
// on adversarial input; every reject path logs and returns.
func (b *Broker) handle(ctx context.Context, sender kernel.TaskID, buf []byte) {
	hdr, body, err := wire.DecodeHeader(buf)
	if err != nil {
		b.reject(hdr, sender, err)
		return
	}
	if err := wire.ValidateHeader(hdr); err != nil {
		b.reject(hdr, sender, err)
		return
	}
	// The broker only ever receives client requests, mount-server
	// responses to its VfsX requests, and VfsReady notifications.
	want := wire.Request
	switch hdr.FuncID {
	case wire.FuncVfsOpen, wire.FuncVfsRead, wire.FuncVfsWrite, wire.FuncVfsClose:
		want = wire.Response
	case wire.FuncVfsReady:
		want = wire.Notification
	}
	if hdr.Type != want {
		b.reject(hdr, sender, wire.ErrWrongType)
		return
	}

	switch hdr.FuncID {
	case wire.FuncMount:
		b.onMountReq(ctx, sender, body)
	case wire.FuncOpen:
		b.onOpenReq(ctx, sender, body)
	case wire.FuncRead:
		b.onReadReq(ctx, sender, body)
	case wire.FuncWrite:
		b.onWriteReq(ctx, sender, body)
	case wire.FuncClose:
		b.onCloseReq(ctx, sender, body)
	case wire.FuncVfsOpen:
		b.onVfsOpenResp(ctx, sender, body)
	case wire.FuncVfsRead:
		b.onVfsReadResp(ctx, sender, body)
	case wire.FuncVfsWrite:
		b.onVfsWriteResp(ctx, sender, body)
	case wire.FuncVfsClose:
		b.onVfsCloseResp(ctx, sender, body)
	case wire.FuncSelect:
		b.onSelectReq(ctx, sender, body)
	case wire.FuncVfsReady:
		b.onVfsReadyNtc(ctx, sender, body)
	default:
		b.reject(hdr, sender, wire.ErrUnknownFunc)
	}
}

func (b *Broker) reject(hdr wire.Header, sender kernel.TaskID, err error) {
	b.log.Printf("reject func=%s type=%s sender=%d: %v", hdr.FuncID, hdr.Type, sender, err)
}

// send is the non-blocking outbound path. A failure is logged and never
// retried; callers are responsible for unwinding any state they had not
// yet committed to.
func (b *Broker) send(ctx context.Context, dst kernel.TaskID, buf []byte, what string) bool {
	if err := b.conn.Send(ctx, dst, buf); err != nil {
		b.log.Printf("send %s to task=%d: %v", what, dst, err)
		return false
	}
	return true
}

func (b *Broker) pidOf(task kernel.TaskID) (kernel.ProcessID, error) {
	return b.conn.TaskIDToPID(task)
}

// --- Mount/Select (per-task) ------------------------------------------

func (b *Broker) onMountReq(ctx context.Context, sender kernel.TaskID, body []byte) {
	req, err := wire.DecodeMountReq(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncMount, Type: wire.Request}, sender, err)
		return
	}
	result := wire.Success
	if _, err := b.tree.MountUnderRoot(req.Path, node.TaskID(sender)); err != nil {
		b.log.Printf("mount %q from task=%d: %v", req.Path, sender, err)
		result = wire.Failure
	}
	resp := wire.MountResp{Result: result}
	b.send(ctx, sender, resp.Encode(), "MountResp")
}

func (b *Broker) onSelectReq(ctx context.Context, sender kernel.TaskID, body []byte) {
	req, err := wire.DecodeSelectReq(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncSelect, Type: wire.Request}, sender, err)
		return
	}
	callerPID, err := b.pidOf(sender)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncSelect, Type: wire.Request}, sender, err)
		return
	}
	for _, fd := range req.ReadFDs {
		if _, err := b.fds.CheckOwner(fd, callerPID); err != nil {
			b.reject(wire.Header{FuncID: wire.FuncSelect, Type: wire.Request}, sender, err)
			return
		}
	}
	for _, fd := range req.WriteFDs {
		if _, err := b.fds.CheckOwner(fd, callerPID); err != nil {
			b.reject(wire.Header{FuncID: wire.FuncSelect, Type: wire.Request}, sender, err)
			return
		}
	}

	entry := b.tasks.Get(sender)
	readyReads, readyWrites, any := entry.EvalSelect(req.ReadFDs, req.WriteFDs, b.resolveFD)
	if !any {
		return
	}
	resp := wire.SelectResp{Result: wire.Success, ReadyReads: readyReads, ReadyWrites: readyWrites}
	encoded, err := resp.Encode()
	if err != nil {
		b.log.Printf("encode SelectResp: %v", err)
		return
	}
	b.send(ctx, sender, encoded, "SelectResp")
	b.tasks.Reap(sender)
}

func (b *Broker) onVfsReadyNtc(ctx context.Context, sender kernel.TaskID, body []byte) {
	ntc, err := wire.DecodeVfsReadyNtc(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncVfsReady, Type: wire.Notification}, sender, err)
		return
	}
	n, err := b.tree.Lookup(ntc.Path)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncVfsReady, Type: wire.Notification}, sender, err)
		return
	}
	ready.ApplyNotification(n, ntc.Ready)

	for _, entry := range b.tasks.AwaitingTasks() {
		readyReads, readyWrites, matched := entry.Rescan(n, b.resolveFD)
		if !matched {
			continue
		}
		resp := wire.SelectResp{Result: wire.Success, ReadyReads: readyReads, ReadyWrites: readyWrites}
		encoded, err := resp.Encode()
		if err != nil {
			b.log.Printf("encode SelectResp: %v", err)
			continue
		}
		b.send(ctx, entry.Task, encoded, "SelectResp")
		b.tasks.Reap(entry.Task)
	}
}

func (b *Broker) resolveFD(globalFD uint32) (*node.Node, bool) {
	e, err := b.fds.Lookup(globalFD)
	if err != nil {
		return nil, false
	}
	return e.Node, true
}

// --- Open/Read/Write/Close (per-FD) -----------------------------------

func (b *Broker) onOpenReq(ctx context.Context, sender kernel.TaskID, body []byte) {
	req, err := wire.DecodeOpenReq(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncOpen, Type: wire.Request}, sender, err)
		return
	}
	n, err := b.tree.Lookup(req.Path)
	if err != nil || n.Kind() != node.MountFile {
		resp := wire.OpenResp{Result: wire.Failure, GlobalFD: wire.NoFD}
		b.send(ctx, sender, resp.Encode(), "OpenResp")
		return
	}
	callerPID, err := b.pidOf(sender)
	if err != nil {
		resp := wire.OpenResp{Result: wire.Failure, GlobalFD: wire.NoFD}
		b.send(ctx, sender, resp.Encode(), "OpenResp")
		return
	}

	entry := b.fds.Open(sender, callerPID, req.LocalFD, n)
	entry.Machine.Step(fdstate.EventOpenReq)

	vreq := wire.VfsOpenReq{PID: uint32(callerPID), GlobalFD: entry.GlobalFD, Path: req.Path}
	encoded, err := vreq.Encode()
	if err != nil {
		b.fds.Release(entry.GlobalFD)
		resp := wire.OpenResp{Result: wire.Failure, GlobalFD: wire.NoFD}
		b.send(ctx, sender, resp.Encode(), "OpenResp")
		return
	}
	if !b.send(ctx, kernel.TaskID(n.MountTask()), encoded, "VfsOpenReq") {
		// A send failure unwinds the uncommitted step.
		b.fds.Release(entry.GlobalFD)
		resp := wire.OpenResp{Result: wire.Failure, GlobalFD: wire.NoFD}
		b.send(ctx, sender, resp.Encode(), "OpenResp")
	}
}

func (b *Broker) onReadReq(ctx context.Context, sender kernel.TaskID, body []byte) {
	req, err := wire.DecodeReadReq(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncRead, Type: wire.Request}, sender, err)
		return
	}
	callerPID, err := b.pidOf(sender)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncRead, Type: wire.Request}, sender, err)
		return
	}
	entry, err := b.fds.CheckOwner(req.GlobalFD, callerPID)
	if err != nil {
		resp := wire.ReadResp{Result: wire.Failure}
		encoded, _ := resp.Encode()
		b.send(ctx, sender, encoded, "ReadResp")
		return
	}
	if !entry.Machine.Step(fdstate.EventReadReq) {
		// Already Await*: protocol violation, no reply.
		return
	}
	vreq := wire.VfsReadReq{GlobalFD: entry.GlobalFD, ReadIdx: req.ReadIdx, Size: req.Size}
	if !b.send(ctx, kernel.TaskID(entry.Node.MountTask()), vreq.Encode(), "VfsReadReq") {
		entry.Machine.Step(fdstate.EventVfsReadResp) // unwind to Init
		resp := wire.ReadResp{Result: wire.Failure}
		encoded, _ := resp.Encode()
		b.send(ctx, entry.Owner, encoded, "ReadResp")
	}
}

func (b *Broker) onWriteReq(ctx context.Context, sender kernel.TaskID, body []byte) {
	req, err := wire.DecodeWriteReq(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncWrite, Type: wire.Request}, sender, err)
		return
	}
	callerPID, err := b.pidOf(sender)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncWrite, Type: wire.Request}, sender, err)
		return
	}
	entry, err := b.fds.CheckOwner(req.GlobalFD, callerPID)
	if err != nil {
		resp := wire.WriteResp{Result: wire.Failure}
		b.send(ctx, sender, resp.Encode(), "WriteResp")
		return
	}
	if !entry.Machine.Step(fdstate.EventWriteReq) {
		return
	}
	vreq := wire.VfsWriteReq{GlobalFD: entry.GlobalFD, WriteIdx: req.WriteIdx, Payload: req.Payload}
	encoded, err := vreq.Encode()
	ok := err == nil && b.send(ctx, kernel.TaskID(entry.Node.MountTask()), encoded, "VfsWriteReq")
	if !ok {
		entry.Machine.Step(fdstate.EventVfsWriteResp)
		resp := wire.WriteResp{Result: wire.Failure}
		b.send(ctx, entry.Owner, resp.Encode(), "WriteResp")
	}
}

func (b *Broker) onCloseReq(ctx context.Context, sender kernel.TaskID, body []byte) {
	req, err := wire.DecodeCloseReq(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncClose, Type: wire.Request}, sender, err)
		return
	}
	callerPID, err := b.pidOf(sender)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncClose, Type: wire.Request}, sender, err)
		return
	}
	entry, err := b.fds.CheckOwner(req.GlobalFD, callerPID)
	if err != nil {
		resp := wire.CloseResp{Result: wire.Failure}
		b.send(ctx, sender, resp.Encode(), "CloseResp")
		return
	}
	if !entry.Machine.Step(fdstate.EventCloseReq) {
		return
	}
	vreq := wire.VfsCloseReq{GlobalFD: entry.GlobalFD}
	if !b.send(ctx, kernel.TaskID(entry.Node.MountTask()), vreq.Encode(), "VfsCloseReq") {
		entry.Machine.Step(fdstate.EventVfsCloseResp)
		b.fds.Release(entry.GlobalFD)
		resp := wire.CloseResp{Result: wire.Failure}
		b.send(ctx, entry.Owner, resp.Encode(), "CloseResp")
	}
}

func (b *Broker) onVfsOpenResp(ctx context.Context, sender kernel.TaskID, body []byte) {
	resp, err := wire.DecodeVfsOpenResp(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncVfsOpen, Type: wire.Response}, sender, err)
		return
	}
	entry, err := b.checkMountServerSender(resp.GlobalFD, sender)
	if err != nil {
		return // LatePairingLoss or WrongOwnerProcess: discard silently.
	}
	if entry.Machine.State() != fdstate.AwaitVfsOpen {
		return // duplicate/late response, discarded.
	}
	entry.Machine.ResolveOpen(resp.Result == wire.Success)
	out := wire.OpenResp{Result: resp.Result, GlobalFD: entry.GlobalFD}
	if resp.Result != wire.Success {
		out.GlobalFD = wire.NoFD
	}
	b.send(ctx, entry.Owner, out.Encode(), "OpenResp")
	if resp.Result != wire.Success {
		b.fds.Release(entry.GlobalFD)
	}
}

func (b *Broker) onVfsReadResp(ctx context.Context, sender kernel.TaskID, body []byte) {
	resp, err := wire.DecodeVfsReadResp(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncVfsRead, Type: wire.Response}, sender, err)
		return
	}
	entry, err := b.checkMountServerSender(resp.GlobalFD, sender)
	if err != nil {
		return
	}
	if entry.Machine.State() != fdstate.AwaitVfsRead {
		return
	}
	ready.ApplyResponse(entry.Node, wire.ReadyRead, resp.Ready)
	entry.Machine.Step(fdstate.EventVfsReadResp)
	out := wire.ReadResp{Result: resp.Result, Payload: resp.Payload}
	encoded, err := out.Encode()
	if err != nil {
		b.log.Printf("encode ReadResp: %v", err)
		return
	}
	b.send(ctx, entry.Owner, encoded, "ReadResp")
}

func (b *Broker) onVfsWriteResp(ctx context.Context, sender kernel.TaskID, body []byte) {
	resp, err := wire.DecodeVfsWriteResp(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncVfsWrite, Type: wire.Response}, sender, err)
		return
	}
	entry, err := b.checkMountServerSender(resp.GlobalFD, sender)
	if err != nil {
		return
	}
	if entry.Machine.State() != fdstate.AwaitVfsWrite {
		return
	}
	ready.ApplyResponse(entry.Node, wire.ReadyWrite, resp.Ready)
	entry.Machine.Step(fdstate.EventVfsWriteResp)
	out := wire.WriteResp{Result: resp.Result, Size: resp.Size}
	b.send(ctx, entry.Owner, out.Encode(), "WriteResp")
}

func (b *Broker) onVfsCloseResp(ctx context.Context, sender kernel.TaskID, body []byte) {
	resp, err := wire.DecodeVfsCloseResp(body)
	if err != nil {
		b.reject(wire.Header{FuncID: wire.FuncVfsClose, Type: wire.Response}, sender, err)
		return
	}
	entry, err := b.checkMountServerSender(resp.GlobalFD, sender)
	if err != nil {
		return
	}
	if entry.Machine.State() != fdstate.AwaitVfsClose {
		return
	}
	entry.Machine.Step(fdstate.EventVfsCloseResp)
	out := wire.CloseResp{Result: resp.Result}
	b.send(ctx, entry.Owner, out.Encode(), "CloseResp")
	// Released regardless of result: the client cannot address the FD
	// thereafter either way.
	b.fds.Release(entry.GlobalFD)
}

func (b *Broker) checkMountServerSender(globalFD uint32, sender kernel.TaskID) (*fdtable.Entry, error) {
	callerPID, err := b.pidOf(sender)
	if err != nil {
		return nil, err
	}
	return b.fds.CheckMountServer(globalFD, callerPID, b.pidOf)
}

// DebugSnapshot is a supplemented per-connection debug dump, grounded on
// src/mvfs/include/Debug.h's table-dump hooks: a read-only copy of live
// FD and task state, safe to print or assert against in tests without
// racing the broker's single-threaded mutation.
type DebugSnapshot struct {
	FDs   []fdtable.Entry
	Tasks []taskstate.Entry
}

func (b *Broker) DebugSnapshot() DebugSnapshot {
	return DebugSnapshot{FDs: b.fds.Snapshot(), Tasks: b.tasks.Snapshot()}
}
