package ready_test

import (
	"testing"

	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/ready"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

func mustMount(t *testing.T) *node.Node {
	t.Helper()
	tr := node.NewTree()
	n, err := tr.MountUnderRoot("/disk0", kernel.TaskID(1))
	if err != nil {
		t.Fatalf("MountUnderRoot: %v", err)
	}
	return n
}

func TestApplyNotificationReplacesUnconditionally(t *testing.T) {
	n := mustMount(t)
	ready.ApplyNotification(n, wire.ReadyWrite)
	if n.Ready() != wire.ReadyWrite {
		t.Errorf("Ready() = %v, want Write only", n.Ready())
	}
	ready.ApplyNotification(n, 0)
	if n.Ready() != 0 {
		t.Errorf("Ready() = %v, want none", n.Ready())
	}
}

func TestApplyResponseClearsKindAndOrsHint(t *testing.T) {
	n := mustMount(t)
	ready.ApplyNotification(n, wire.ReadyRead|wire.ReadyWrite)

	ready.ApplyResponse(n, wire.ReadyRead, 0)
	if n.Ready() != wire.ReadyWrite {
		t.Errorf("Ready() = %v, want Write only after a VfsReadResp with no hint", n.Ready())
	}

	ready.ApplyResponse(n, wire.ReadyWrite, wire.ReadyRead)
	if n.Ready() != wire.ReadyRead {
		t.Errorf("Ready() = %v, want Read only after a VfsWriteResp hinting Read", n.Ready())
	}
}

func TestApplyResponseHintCanReassertSameBit(t *testing.T) {
	n := mustMount(t)
	ready.ApplyNotification(n, 0)
	ready.ApplyResponse(n, wire.ReadyRead, wire.ReadyRead)
	if n.Ready() != wire.ReadyRead {
		t.Errorf("Ready() = %v, want Read set by the response's own hint", n.Ready())
	}
}
