package fdstate_test

import (
	"testing"

	"github.com/MasterMochi/mvfsd/pkg/fdstate"
)

func TestOpenReadWriteCloseCycle(t *testing.T) {
	m := fdstate.NewMachine()
	if m.State() != fdstate.Init {
		t.Fatalf("initial state = %v, want Init", fdstate.Name(m.State()))
	}

	if !m.Step(fdstate.EventOpenReq) {
		t.Fatal("OpenReq did not match from Init")
	}
	if m.State() != fdstate.AwaitVfsOpen {
		t.Fatalf("state = %v, want AwaitVfsOpen", fdstate.Name(m.State()))
	}

	m.ResolveOpen(true)
	if m.State() != fdstate.Init {
		t.Fatalf("state after successful open = %v, want Init", fdstate.Name(m.State()))
	}

	if !m.Step(fdstate.EventReadReq) {
		t.Fatal("ReadReq did not match from Init")
	}
	if !m.IsAwaiting() {
		t.Error("IsAwaiting() = false while AwaitVfsRead")
	}
	if !m.Step(fdstate.EventVfsReadResp) {
		t.Fatal("VfsReadResp did not match from AwaitVfsRead")
	}
	if m.State() != fdstate.Init {
		t.Fatalf("state after read response = %v, want Init", fdstate.Name(m.State()))
	}

	if !m.Step(fdstate.EventWriteReq) {
		t.Fatal("WriteReq did not match from Init")
	}
	if !m.Step(fdstate.EventVfsWriteResp) {
		t.Fatal("VfsWriteResp did not match from AwaitVfsWrite")
	}
	if m.State() != fdstate.Init {
		t.Fatalf("state after write response = %v, want Init", fdstate.Name(m.State()))
	}

	if !m.Step(fdstate.EventCloseReq) {
		t.Fatal("CloseReq did not match from Init")
	}
	if !m.Step(fdstate.EventVfsCloseResp) {
		t.Fatal("VfsCloseResp did not match from AwaitVfsClose")
	}
	if !m.IsTerminated() {
		t.Error("IsTerminated() = false after close response")
	}
}

func TestResolveOpenFailureTerminates(t *testing.T) {
	m := fdstate.NewMachine()
	m.Step(fdstate.EventOpenReq)
	m.ResolveOpen(false)
	if !m.IsTerminated() {
		t.Error("a failed VfsOpenResp should terminate the FD")
	}
}

func TestRequestDuringAwaitIsProtocolViolation(t *testing.T) {
	m := fdstate.NewMachine()
	m.Step(fdstate.EventOpenReq)
	if m.Step(fdstate.EventReadReq) {
		t.Error("a ReadReq while AwaitVfsOpen should not match any row")
	}
	if m.State() != fdstate.AwaitVfsOpen {
		t.Errorf("state changed to %v after an unmatched event", fdstate.Name(m.State()))
	}
}

func TestDuplicateResponseDoesNotMatch(t *testing.T) {
	m := fdstate.NewMachine()
	if m.Step(fdstate.EventVfsReadResp) {
		t.Error("a VfsReadResp from Init should not match any row")
	}
}
