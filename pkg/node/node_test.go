package node_test

import (
	"errors"
	"testing"

	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

func TestMountUnderRootAndLookup(t *testing.T) {
	tr := node.NewTree()
	n, err := tr.MountUnderRoot("/disk0", node.TaskID(1))
	if err != nil {
		t.Fatalf("MountUnderRoot: %v", err)
	}
	if n.Kind() != node.MountFile {
		t.Errorf("Kind() = %v, want MountFile", n.Kind())
	}
	if n.MountTask() != node.TaskID(1) {
		t.Errorf("MountTask() = %v, want 1", n.MountTask())
	}

	got, err := tr.Lookup("/disk0")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != n {
		t.Error("Lookup returned a different *Node than MountUnderRoot created")
	}
}

func TestMountUnderRootRejectsNestedPath(t *testing.T) {
	tr := node.NewTree()
	if _, err := tr.MountUnderRoot("/a/b", node.TaskID(1)); !errors.Is(err, node.ErrNotSingleSegment) {
		t.Errorf("err = %v, want ErrNotSingleSegment", err)
	}
}

func TestMountUnderRootRejectsDuplicateName(t *testing.T) {
	tr := node.NewTree()
	if _, err := tr.MountUnderRoot("/disk0", node.TaskID(1)); err != nil {
		t.Fatalf("first mount: %v", err)
	}
	if _, err := tr.MountUnderRoot("/disk0", node.TaskID(2)); !errors.Is(err, node.ErrNameConflict) {
		t.Errorf("err = %v, want ErrNameConflict", err)
	}
}

func TestLookupUnknownPath(t *testing.T) {
	tr := node.NewTree()
	if _, err := tr.Lookup("/nope"); !errors.Is(err, node.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNewNodeStartsFullyReady(t *testing.T) {
	tr := node.NewTree()
	n, err := tr.MountUnderRoot("/disk0", node.TaskID(1))
	if err != nil {
		t.Fatalf("MountUnderRoot: %v", err)
	}
	if n.Ready() != wire.ReadyRead|wire.ReadyWrite {
		t.Errorf("Ready() = %v, want Read|Write", n.Ready())
	}
}

func TestSetReadyReturnsPreviousValue(t *testing.T) {
	tr := node.NewTree()
	n, err := tr.MountUnderRoot("/disk0", node.TaskID(1))
	if err != nil {
		t.Fatalf("MountUnderRoot: %v", err)
	}
	old := node.SetReady(n, wire.ReadyRead)
	if old != wire.ReadyRead|wire.ReadyWrite {
		t.Errorf("SetReady returned %v, want the initial Read|Write", old)
	}
	if n.Ready() != wire.ReadyRead {
		t.Errorf("Ready() = %v, want Read only", n.Ready())
	}
}
