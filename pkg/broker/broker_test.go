package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/MasterMochi/mvfsd/pkg/broker"
	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/kernel/kerneltest"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// harness wires a broker to an in-memory bus and starts its dispatch loop,
// returning the mount-server and client Conns a test drives directly.
type harness struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	b      *broker.Broker
	bus    *kerneltest.Bus
	mount  *kerneltest.Conn
	client *kerneltest.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := kerneltest.NewBus()
	brokerConn := bus.NewConn(bus.NewProcess())
	mount := bus.NewConn(bus.NewProcess())
	client := bus.NewConn(bus.NewProcess())

	b := broker.New(brokerConn, nil)
	if err := b.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	h := &harness{t: t, ctx: ctx, cancel: cancel, b: b, bus: bus, mount: mount, client: client}
	t.Cleanup(cancel)
	return h
}

func (h *harness) send(from *kerneltest.Conn, to kernel.TaskID, buf []byte) {
	h.t.Helper()
	if err := from.Send(h.ctx, to, buf); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

func (h *harness) recv(from *kerneltest.Conn) []byte {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	_, buf, err := from.Recv(ctx)
	if err != nil {
		h.t.Fatalf("recv: %v", err)
	}
	return buf
}

func (h *harness) brokerTask() kernel.TaskID {
	// The well-known name resolves to the broker's own task id.
	id, err := h.client.ResolveName(h.ctx, broker.ServiceName)
	if err != nil {
		h.t.Fatalf("ResolveName: %v", err)
	}
	return id
}

func (h *harness) mustMount(path string) {
	h.t.Helper()
	brokerTask := h.brokerTask()
	req := wire.MountReq{Path: path}
	encoded, err := req.Encode()
	if err != nil {
		h.t.Fatalf("MountReq.Encode: %v", err)
	}
	h.send(h.mount, brokerTask, encoded)

	_, body, err := wire.DecodeHeader(h.recv(h.mount))
	if err != nil {
		h.t.Fatalf("DecodeHeader: %v", err)
	}
	resp, err := wire.DecodeMountResp(body)
	if err != nil {
		h.t.Fatalf("DecodeMountResp: %v", err)
	}
	if resp.Result != wire.Success {
		h.t.Fatalf("MountResp.Result = %v, want Success", resp.Result)
	}
}

// openAndServeOK walks the client through Open for path, answering the
// broker's VfsOpenReq on the mount conn with Success, and returns the
// assigned global_fd.
func (h *harness) openAndServeOK(path string) uint32 {
	h.t.Helper()
	brokerTask := h.brokerTask()

	req := wire.OpenReq{LocalFD: 3, Path: path}
	encoded, err := req.Encode()
	if err != nil {
		h.t.Fatalf("OpenReq.Encode: %v", err)
	}
	h.send(h.client, brokerTask, encoded)

	_, body, err := wire.DecodeHeader(h.recv(h.mount))
	if err != nil {
		h.t.Fatalf("DecodeHeader(VfsOpenReq): %v", err)
	}
	vreq, err := wire.DecodeVfsOpenReq(body)
	if err != nil {
		h.t.Fatalf("DecodeVfsOpenReq: %v", err)
	}

	vresp := wire.VfsOpenResp{GlobalFD: vreq.GlobalFD, Result: wire.Success}
	h.send(h.mount, brokerTask, vresp.Encode())

	_, body, err = wire.DecodeHeader(h.recv(h.client))
	if err != nil {
		h.t.Fatalf("DecodeHeader(OpenResp): %v", err)
	}
	resp, err := wire.DecodeOpenResp(body)
	if err != nil {
		h.t.Fatalf("DecodeOpenResp: %v", err)
	}
	if resp.Result != wire.Success {
		h.t.Fatalf("OpenResp.Result = %v, want Success", resp.Result)
	}
	return resp.GlobalFD
}

func TestMountOpenReadCloseRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mustMount("/disk0")
	fd := h.openAndServeOK("/disk0")
	brokerTask := h.brokerTask()

	rreq := wire.ReadReq{GlobalFD: fd, ReadIdx: 0, Size: 5}
	h.send(h.client, brokerTask, rreq.Encode())

	_, body, err := wire.DecodeHeader(h.recv(h.mount))
	if err != nil {
		t.Fatalf("DecodeHeader(VfsReadReq): %v", err)
	}
	vrreq, err := wire.DecodeVfsReadReq(body)
	if err != nil {
		t.Fatalf("DecodeVfsReadReq: %v", err)
	}
	if vrreq.GlobalFD != fd {
		t.Fatalf("VfsReadReq.GlobalFD = %d, want %d", vrreq.GlobalFD, fd)
	}

	vrresp := wire.VfsReadResp{GlobalFD: fd, Result: wire.Success, Ready: wire.ReadyRead | wire.ReadyWrite, Payload: []byte("hello")}
	encoded, err := vrresp.Encode()
	if err != nil {
		t.Fatalf("VfsReadResp.Encode: %v", err)
	}
	h.send(h.mount, brokerTask, encoded)

	_, body, err = wire.DecodeHeader(h.recv(h.client))
	if err != nil {
		t.Fatalf("DecodeHeader(ReadResp): %v", err)
	}
	rresp, err := wire.DecodeReadResp(body)
	if err != nil {
		t.Fatalf("DecodeReadResp: %v", err)
	}
	if string(rresp.Payload) != "hello" {
		t.Errorf("ReadResp.Payload = %q, want %q", rresp.Payload, "hello")
	}

	creq := wire.CloseReq{GlobalFD: fd}
	h.send(h.client, brokerTask, creq.Encode())

	_, body, err = wire.DecodeHeader(h.recv(h.mount))
	if err != nil {
		t.Fatalf("DecodeHeader(VfsCloseReq): %v", err)
	}
	vcreq, err := wire.DecodeVfsCloseReq(body)
	if err != nil {
		t.Fatalf("DecodeVfsCloseReq: %v", err)
	}

	vcresp := wire.VfsCloseResp{GlobalFD: vcreq.GlobalFD, Result: wire.Success}
	h.send(h.mount, brokerTask, vcresp.Encode())

	_, body, err = wire.DecodeHeader(h.recv(h.client))
	if err != nil {
		t.Fatalf("DecodeHeader(CloseResp): %v", err)
	}
	cresp, err := wire.DecodeCloseResp(body)
	if err != nil {
		t.Fatalf("DecodeCloseResp: %v", err)
	}
	if cresp.Result != wire.Success {
		t.Errorf("CloseResp.Result = %v, want Success", cresp.Result)
	}
}

func TestOpenFailureFromMountServerReleasesFD(t *testing.T) {
	h := newHarness(t)
	h.mustMount("/disk0")
	brokerTask := h.brokerTask()

	req := wire.OpenReq{LocalFD: 1, Path: "/disk0"}
	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("OpenReq.Encode: %v", err)
	}
	h.send(h.client, brokerTask, encoded)

	_, body, err := wire.DecodeHeader(h.recv(h.mount))
	if err != nil {
		t.Fatalf("DecodeHeader(VfsOpenReq): %v", err)
	}
	vreq, err := wire.DecodeVfsOpenReq(body)
	if err != nil {
		t.Fatalf("DecodeVfsOpenReq: %v", err)
	}

	vresp := wire.VfsOpenResp{GlobalFD: vreq.GlobalFD, Result: wire.Failure}
	h.send(h.mount, brokerTask, vresp.Encode())

	_, body, err = wire.DecodeHeader(h.recv(h.client))
	if err != nil {
		t.Fatalf("DecodeHeader(OpenResp): %v", err)
	}
	resp, err := wire.DecodeOpenResp(body)
	if err != nil {
		t.Fatalf("DecodeOpenResp: %v", err)
	}
	if resp.Result != wire.Failure {
		t.Errorf("OpenResp.Result = %v, want Failure", resp.Result)
	}
	if resp.GlobalFD != wire.NoFD {
		t.Errorf("OpenResp.GlobalFD = %d, want NoFD", resp.GlobalFD)
	}
}

func TestSelectBlocksThenWakesOnVfsReadyNtc(t *testing.T) {
	h := newHarness(t)
	h.mustMount("/disk0")
	fd := h.openAndServeOK("/disk0")
	brokerTask := h.brokerTask()

	// Drain the node to not-ready by answering a read with Ready=0.
	rreq := wire.ReadReq{GlobalFD: fd, ReadIdx: 0, Size: 1}
	h.send(h.client, brokerTask, rreq.Encode())
	_, body, err := wire.DecodeHeader(h.recv(h.mount))
	if err != nil {
		t.Fatalf("DecodeHeader(VfsReadReq): %v", err)
	}
	if _, err := wire.DecodeVfsReadReq(body); err != nil {
		t.Fatalf("DecodeVfsReadReq: %v", err)
	}
	vrresp := wire.VfsReadResp{GlobalFD: fd, Result: wire.Success, Ready: 0, Payload: nil}
	encoded, err := vrresp.Encode()
	if err != nil {
		t.Fatalf("VfsReadResp.Encode: %v", err)
	}
	h.send(h.mount, brokerTask, encoded)
	if _, _, err := wire.DecodeHeader(h.recv(h.client)); err != nil {
		t.Fatalf("DecodeHeader(ReadResp): %v", err)
	}

	sreq := wire.SelectReq{ReadFDs: []uint32{fd}}
	sencoded, err := sreq.Encode()
	if err != nil {
		t.Fatalf("SelectReq.Encode: %v", err)
	}
	h.send(h.client, brokerTask, sencoded)

	// The mount server now announces readiness for the whole mount path.
	ntc := wire.VfsReadyNtc{Path: "/disk0", Ready: wire.ReadyRead}
	nencoded, err := ntc.Encode()
	if err != nil {
		t.Fatalf("VfsReadyNtc.Encode: %v", err)
	}
	h.send(h.mount, brokerTask, nencoded)

	_, body, err = wire.DecodeHeader(h.recv(h.client))
	if err != nil {
		t.Fatalf("DecodeHeader(SelectResp): %v", err)
	}
	sresp, err := wire.DecodeSelectResp(body)
	if err != nil {
		t.Fatalf("DecodeSelectResp: %v", err)
	}
	if sresp.Result != wire.Success || len(sresp.ReadyReads) != 1 || sresp.ReadyReads[0] != fd {
		t.Errorf("SelectResp = %+v, want Success with ReadyReads=[%d]", sresp, fd)
	}
}

func TestSelectOnUnownedFDIsRejectedSilently(t *testing.T) {
	h := newHarness(t)
	h.mustMount("/disk0")
	fd := h.openAndServeOK("/disk0")
	brokerTask := h.brokerTask()

	// A third task, unrelated to the owner, tries to Select on fd.
	outsider := h.bus.NewConn(h.bus.NewProcess())
	sreq := wire.SelectReq{ReadFDs: []uint32{fd}}
	encoded, err := sreq.Encode()
	if err != nil {
		t.Fatalf("SelectReq.Encode: %v", err)
	}
	h.send(outsider, brokerTask, encoded)

	// Nothing should arrive: the request is rejected and logged, not
	// answered. A short-lived recv with a timeout confirms silence.
	ctx, cancel := context.WithTimeout(h.ctx, 100*time.Millisecond)
	defer cancel()
	if _, _, err := outsider.Recv(ctx); err == nil {
		t.Error("outsider received a reply for a Select on an FD it does not own")
	}
}
