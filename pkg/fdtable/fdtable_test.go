package fdtable_test

import (
	"errors"
	"testing"

	"github.com/MasterMochi/mvfsd/pkg/fdtable"
	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/node"
)

func mustMount(t *testing.T, mountTask kernel.TaskID) *node.Node {
	t.Helper()
	tr := node.NewTree()
	n, err := tr.MountUnderRoot("/disk0", mountTask)
	if err != nil {
		t.Fatalf("MountUnderRoot: %v", err)
	}
	return n
}

func TestOpenAllocatesIncreasingGlobalFDs(t *testing.T) {
	tbl := fdtable.NewTable()
	n := mustMount(t, kernel.TaskID(9))

	e1 := tbl.Open(kernel.TaskID(1), kernel.ProcessID(1), 3, n)
	e2 := tbl.Open(kernel.TaskID(1), kernel.ProcessID(1), 4, n)
	if e2.GlobalFD <= e1.GlobalFD {
		t.Fatalf("second Open returned GlobalFD %d, not above the first's %d", e2.GlobalFD, e1.GlobalFD)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tbl.Len())
	}
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	tbl := fdtable.NewTable()
	n := mustMount(t, kernel.TaskID(9))

	e1 := tbl.Open(kernel.TaskID(1), kernel.ProcessID(1), 3, n)
	tbl.Release(e1.GlobalFD)
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d after release, want 0", tbl.Len())
	}

	e2 := tbl.Open(kernel.TaskID(2), kernel.ProcessID(2), 5, n)
	if e2.GlobalFD != e1.GlobalFD {
		t.Errorf("Open did not reuse the freed slot: got %d, want %d", e2.GlobalFD, e1.GlobalFD)
	}
}

func TestLookupUnknownFD(t *testing.T) {
	tbl := fdtable.NewTable()
	if _, err := tbl.Lookup(42); !errors.Is(err, fdtable.ErrUnknownFD) {
		t.Errorf("err = %v, want ErrUnknownFD", err)
	}
}

func TestCheckOwnerRejectsWrongProcess(t *testing.T) {
	tbl := fdtable.NewTable()
	n := mustMount(t, kernel.TaskID(9))
	e := tbl.Open(kernel.TaskID(1), kernel.ProcessID(100), 0, n)

	if _, err := tbl.CheckOwner(e.GlobalFD, kernel.ProcessID(100)); err != nil {
		t.Errorf("CheckOwner rejected the real owner: %v", err)
	}
	if _, err := tbl.CheckOwner(e.GlobalFD, kernel.ProcessID(200)); !errors.Is(err, fdtable.ErrWrongOwner) {
		t.Errorf("err = %v, want ErrWrongOwner", err)
	}
}

func TestCheckMountServerUsesNodesMountTask(t *testing.T) {
	tbl := fdtable.NewTable()
	n := mustMount(t, kernel.TaskID(9))
	e := tbl.Open(kernel.TaskID(1), kernel.ProcessID(100), 0, n)

	taskToPID := func(task kernel.TaskID) (kernel.ProcessID, error) {
		if task == kernel.TaskID(9) {
			return kernel.ProcessID(500), nil
		}
		return 0, errors.New("unknown task")
	}

	if _, err := tbl.CheckMountServer(e.GlobalFD, kernel.ProcessID(500), taskToPID); err != nil {
		t.Errorf("CheckMountServer rejected the real mount server: %v", err)
	}
	if _, err := tbl.CheckMountServer(e.GlobalFD, kernel.ProcessID(1), taskToPID); !errors.Is(err, fdtable.ErrWrongOwner) {
		t.Errorf("err = %v, want ErrWrongOwner", err)
	}
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	tbl := fdtable.NewTable()
	n := mustMount(t, kernel.TaskID(9))
	e := tbl.Open(kernel.TaskID(1), kernel.ProcessID(1), 0, n)

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}
	snap[0].LocalFD = 999
	if e.LocalFD == 999 {
		t.Error("mutating the snapshot mutated the live entry")
	}
}
