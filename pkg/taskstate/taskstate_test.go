package taskstate_test

import (
	"testing"

	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/taskstate"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

func mustMount(t *testing.T, tr *node.Tree, path string) *node.Node {
	t.Helper()
	n, err := tr.MountUnderRoot(path, kernel.TaskID(99))
	if err != nil {
		t.Fatalf("MountUnderRoot(%q): %v", path, err)
	}
	return n
}

func TestEvalSelectReturnsImmediatelyReady(t *testing.T) {
	tr := node.NewTree()
	n := mustMount(t, tr, "/disk0")
	resolve := func(fd uint32) (*node.Node, bool) {
		if fd == 1 {
			return n, true
		}
		return nil, false
	}

	e := taskstate.NewEntry(kernel.TaskID(1))
	reads, writes, any := e.EvalSelect([]uint32{1}, nil, resolve)
	if !any {
		t.Fatal("EvalSelect reported not-ready for a node that starts Read|Write ready")
	}
	if len(reads) != 1 || reads[0] != 1 {
		t.Errorf("reads = %v, want [1]", reads)
	}
	if len(writes) != 0 {
		t.Errorf("writes = %v, want none", writes)
	}
	if e.State() != taskstate.Init {
		t.Errorf("state = %v, want Init after an immediately-ready Select", e.State())
	}
}

func TestEvalSelectBlocksWhenNotReady(t *testing.T) {
	tr := node.NewTree()
	n := mustMount(t, tr, "/disk0")
	node.SetReady(n, 0)
	resolve := func(fd uint32) (*node.Node, bool) { return n, true }

	e := taskstate.NewEntry(kernel.TaskID(1))
	_, _, any := e.EvalSelect([]uint32{1}, []uint32{2}, resolve)
	if any {
		t.Fatal("EvalSelect reported ready for a node with no ready bits")
	}
	if e.State() != taskstate.AwaitReady {
		t.Errorf("state = %v, want AwaitReady", e.State())
	}
	if len(e.ReadWatch) != 1 || len(e.WriteWatch) != 1 {
		t.Errorf("watch vectors not recorded: reads=%v writes=%v", e.ReadWatch, e.WriteWatch)
	}
}

func TestRescanIgnoresEntriesNotAwaiting(t *testing.T) {
	tr := node.NewTree()
	n := mustMount(t, tr, "/disk0")
	e := taskstate.NewEntry(kernel.TaskID(1))
	_, _, matched := e.Rescan(n, func(uint32) (*node.Node, bool) { return n, true })
	if matched {
		t.Fatal("Rescan matched an entry that was never AwaitReady")
	}
}

func TestRescanMatchesWatchedFDOnNotifyingNode(t *testing.T) {
	tr := node.NewTree()
	n := mustMount(t, tr, "/disk0")
	node.SetReady(n, 0)
	resolve := func(fd uint32) (*node.Node, bool) { return n, true }

	e := taskstate.NewEntry(kernel.TaskID(1))
	e.EvalSelect([]uint32{1}, nil, resolve)
	if e.State() != taskstate.AwaitReady {
		t.Fatal("setup: expected AwaitReady")
	}

	node.SetReady(n, wire.ReadyRead)
	reads, writes, matched := e.Rescan(n, resolve)
	if !matched {
		t.Fatal("Rescan did not match a watched FD whose node became ready")
	}
	if len(reads) != 1 || reads[0] != 1 {
		t.Errorf("reads = %v, want [1]", reads)
	}
	if len(writes) != 0 {
		t.Errorf("writes = %v, want none", writes)
	}
	if e.State() != taskstate.Init {
		t.Errorf("state = %v, want Init after a matching rescan", e.State())
	}
}

func TestTableGetCreatesOnDemandAndReap(t *testing.T) {
	tbl := taskstate.NewTable()
	e := tbl.Get(kernel.TaskID(5))
	if e.Task != kernel.TaskID(5) {
		t.Errorf("Task = %v, want 5", e.Task)
	}
	if tbl.Get(kernel.TaskID(5)) != e {
		t.Error("Get did not return the same Entry on a second call")
	}

	tbl.Reap(kernel.TaskID(5))
	if tbl.Get(kernel.TaskID(5)) == e {
		t.Error("Reap did not drop an idle entry")
	}
}

func TestAwaitingTasksReturnsOnlyBlockedEntries(t *testing.T) {
	tr := node.NewTree()
	n := mustMount(t, tr, "/disk0")
	node.SetReady(n, 0)
	resolve := func(fd uint32) (*node.Node, bool) { return n, true }

	tbl := taskstate.NewTable()
	blocked := tbl.Get(kernel.TaskID(1))
	blocked.EvalSelect([]uint32{1}, nil, resolve)
	tbl.Get(kernel.TaskID(2))

	waiting := tbl.AwaitingTasks()
	if len(waiting) != 1 || waiting[0].Task != kernel.TaskID(1) {
		t.Errorf("AwaitingTasks = %+v, want just task 1", waiting)
	}
}
