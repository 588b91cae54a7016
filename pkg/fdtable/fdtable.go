// Package fdtable implements the process-global descriptor allocator: a
// dynamic array of entries keyed by global_fd, with free slots reused,
// each entry binding the owning client task, the client's local fd, a
// borrowed node reference, cursors, and the per-FD state machine.
package fdtable

import (
	"errors"
	"fmt"

	"github.com/MasterMochi/mvfsd/pkg/fdstate"
	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

var (
	// ErrUnknownFD is returned when a global_fd does not resolve to a
	// live entry.
	ErrUnknownFD = errors.New("fdtable: unknown global_fd")
	// ErrWrongOwner is returned when the kernel-reported sender's
	// process does not match the entry's owning process.
	ErrWrongOwner = errors.New("fdtable: sender does not own this FD")
)

// Entry is one descriptor table row: GlobalFD is the key this package
// hands out; Node is a borrowed reference into the node tree's arena,
// never owned.
type Entry struct {
	GlobalFD uint32
	LocalFD  uint32
	Owner    kernel.TaskID
	OwnerPID kernel.ProcessID
	Node     *node.Node

	ReadIdx  uint64
	WriteIdx uint64

	Machine *fdstate.Machine

	// SelectWatch is carried for DebugSnapshot but is not updated by the
	// broker, so it stays zero; the watch lists live on the owning
	// pkg/taskstate.Entry, since a watch is per-task, not per-FD.
	SelectWatch wire.Ready
}

// Table is the arena of all live FdEntry values, keyed by GlobalFD. Slots
// are allocated from a dynamic array with free slots reused. Table is
// owned exclusively by the one broker task; it holds no internal lock of
// its own.
type Table struct {
	entries []*Entry // index i holds global_fd (i+1); nil means free
	free    []uint32 // free global_fd values, reusable
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{}
}

// Open allocates a new Entry in the Init state for localFD/owner/n, and
// returns it with its GlobalFD assigned.
func (t *Table) Open(owner kernel.TaskID, ownerPID kernel.ProcessID, localFD uint32, n *node.Node) *Entry {
	e := &Entry{
		LocalFD:  localFD,
		Owner:    owner,
		OwnerPID: ownerPID,
		Node:     n,
		Machine:  fdstate.NewMachine(),
	}
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		e.GlobalFD = idx + 1
		t.entries[idx] = e
	} else {
		e.GlobalFD = uint32(len(t.entries)) + 1
		t.entries = append(t.entries, e)
	}
	return e
}

// Lookup resolves global_fd to its live Entry.
func (t *Table) Lookup(globalFD uint32) (*Entry, error) {
	if globalFD == 0 || globalFD == wire.NoFD || int(globalFD) > len(t.entries) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFD, globalFD)
	}
	e := t.entries[globalFD-1]
	if e == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFD, globalFD)
	}
	return e, nil
}

// CheckOwner resolves global_fd and verifies the caller's reported
// process id matches the entry's owning process (the client-originated
// ownership check).
func (t *Table) CheckOwner(globalFD uint32, callerPID kernel.ProcessID) (*Entry, error) {
	e, err := t.Lookup(globalFD)
	if err != nil {
		return nil, err
	}
	if e.OwnerPID != callerPID {
		return nil, fmt.Errorf("%w: fd=%d", ErrWrongOwner, globalFD)
	}
	return e, nil
}

// CheckMountServer resolves global_fd and verifies the caller's reported
// process id matches the FD's node's mount-server process (the
// server-originated ownership check).
func (t *Table) CheckMountServer(globalFD uint32, callerPID kernel.ProcessID, taskToPID func(kernel.TaskID) (kernel.ProcessID, error)) (*Entry, error) {
	e, err := t.Lookup(globalFD)
	if err != nil {
		return nil, err
	}
	mountPID, err := taskToPID(e.Node.MountTask())
	if err != nil {
		return nil, err
	}
	if mountPID != callerPID {
		return nil, fmt.Errorf("%w: fd=%d", ErrWrongOwner, globalFD)
	}
	return e, nil
}

// Release frees globalFD's slot for reuse. It does not look at the
// entry's machine state; the broker calls it after replying to a
// VfsClose response, after a failed VfsOpen response, and when a
// VfsOpen or VfsClose request could not be sent.
func (t *Table) Release(globalFD uint32) {
	if globalFD == 0 || int(globalFD) > len(t.entries) {
		return
	}
	idx := globalFD - 1
	if t.entries[idx] == nil {
		return
	}
	t.entries[idx] = nil
	t.free = append(t.free, idx)
}

// Len reports the number of live (non-released) entries, whatever their
// machine state.
func (t *Table) Len() int {
	n := 0
	for _, e := range t.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Snapshot returns a defensive copy of all live entries, for
// broker.DebugSnapshot.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}
