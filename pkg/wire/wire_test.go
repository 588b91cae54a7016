package wire_test

import (
	"testing"

	"github.com/MasterMochi/mvfsd/pkg/wire"
)

func TestMountReqRoundTrip(t *testing.T) {
	req := wire.MountReq{Path: "/disk0"}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	hdr, body, err := wire.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.FuncID != wire.FuncMount || hdr.Type != wire.Request {
		t.Fatalf("header = %+v, want FuncMount/Request", hdr)
	}
	got, err := wire.DecodeMountReq(body)
	if err != nil {
		t.Fatalf("DecodeMountReq: %v", err)
	}
	if got.Path != req.Path {
		t.Errorf("Path = %q, want %q", got.Path, req.Path)
	}
}

func TestMountReqRejectsRelativePath(t *testing.T) {
	req := wire.MountReq{Path: "relative"}
	if _, err := req.Encode(); err == nil {
		t.Fatal("Encode succeeded for a path without a leading slash")
	}
}

func TestOpenRespRoundTrip(t *testing.T) {
	resp := wire.OpenResp{Result: wire.Success, GlobalFD: 7}
	buf := resp.Encode()
	hdr, body, err := wire.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.FuncID != wire.FuncOpen || hdr.Type != wire.Response {
		t.Fatalf("header = %+v", hdr)
	}
	got, err := wire.DecodeOpenResp(body)
	if err != nil {
		t.Fatalf("DecodeOpenResp: %v", err)
	}
	if got != resp {
		t.Errorf("got %+v, want %+v", got, resp)
	}
}

func TestVfsReadRespRoundTrip(t *testing.T) {
	resp := wire.VfsReadResp{Result: wire.Success, Ready: wire.ReadyRead | wire.ReadyWrite, Payload: []byte("hello")}
	buf, err := resp.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	hdr, body, err := wire.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.FuncID != wire.FuncVfsRead || hdr.Type != wire.Response {
		t.Fatalf("header = %+v", hdr)
	}
	got, err := wire.DecodeVfsReadResp(body)
	if err != nil {
		t.Fatalf("DecodeVfsReadResp: %v", err)
	}
	if got.Result != resp.Result || got.Ready != resp.Ready || string(got.Payload) != string(resp.Payload) {
		t.Errorf("got %+v, want %+v", got, resp)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, _, err := wire.DecodeHeader([]byte{1, 2, 3}); err != wire.ErrShort {
		t.Errorf("err = %v, want ErrShort", err)
	}
}

func TestValidateHeaderRejectsUnknownFunc(t *testing.T) {
	h := wire.Header{FuncID: wire.FuncID(999), Type: wire.Request}
	if err := wire.ValidateHeader(h); err == nil {
		t.Fatal("ValidateHeader accepted an unknown func_id")
	}
}

func TestValidateHeaderVfsReadyMustBeNotification(t *testing.T) {
	h := wire.Header{FuncID: wire.FuncVfsReady, Type: wire.Request}
	if err := wire.ValidateHeader(h); err == nil {
		t.Fatal("ValidateHeader accepted a VfsReady message typed as Request")
	}
	h.Type = wire.Notification
	if err := wire.ValidateHeader(h); err != nil {
		t.Errorf("ValidateHeader rejected a well-typed VfsReadyNtc: %v", err)
	}
}

func TestDecodeOpenRespBadResult(t *testing.T) {
	resp := wire.OpenResp{Result: wire.Result(99), GlobalFD: 1}
	buf := resp.Encode()
	_, body, err := wire.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if _, err := wire.DecodeOpenResp(body); err != wire.ErrBadResult {
		t.Errorf("err = %v, want ErrBadResult", err)
	}
}

func TestSelectReqRoundTrip(t *testing.T) {
	req := wire.SelectReq{ReadFDs: []uint32{1, 2, 3}, WriteFDs: []uint32{4}}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, body, err := wire.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	got, err := wire.DecodeSelectReq(body)
	if err != nil {
		t.Fatalf("DecodeSelectReq: %v", err)
	}
	if len(got.ReadFDs) != 3 || len(got.WriteFDs) != 1 {
		t.Errorf("got %+v, want 3 read watches and 1 write watch", got)
	}
}
