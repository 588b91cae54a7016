// Package taskstate implements the per-task Mount/Select state machine:
// each client task that has issued a Select gets an Entry
// tracking whether it is blocked in Select (AwaitReady) and, if so,
// which global FDs it is watching for which readiness kind.
package taskstate

import (
	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// State is one of the two states a task entry can be in.
type State int

const (
	Init State = iota
	AwaitReady
)

func (s State) String() string {
	if s == AwaitReady {
		return "AwaitReady"
	}
	return "Init"
}

// Entry tracks one task's Mount/Select state. The two watch vectors are distinct
// (read-watched and write-watched), and at most one outstanding Select
// exists per task, so there is exactly one Entry per task with
// outstanding state.
type Entry struct {
	Task  kernel.TaskID
	state State

	// ReadWatch and WriteWatch hold the global FDs this task asked
	// Select to watch, valid only while state == AwaitReady.
	ReadWatch  []uint32
	WriteWatch []uint32
}

// NewEntry returns an Entry for task in the Init state.
func NewEntry(task kernel.TaskID) *Entry {
	return &Entry{Task: task, state: Init}
}

// State returns the entry's current state.
func (e *Entry) State() State { return e.state }

// IsIdle reports whether the entry holds no watch lists and may be freed
// — it is freed once its state returns to Init and no watch lists remain.
func (e *Entry) IsIdle() bool {
	return e.state == Init && len(e.ReadWatch) == 0 && len(e.WriteWatch) == 0
}

// FDResolver maps a global FD to the node it is open on, as known by the
// caller's fdtable.Table.
type FDResolver func(globalFD uint32) (*node.Node, bool)

// EvalSelect handles a SelectReq from either state (Init or AwaitReady —
// both compute the same check; AwaitReady just discards any previous
// watch first, since a task cannot block on two Selects at once). It returns the immediately-ready subset, and reports whether
// anything was ready (true ⇒ reply SelectResp now and return to Init;
// false ⇒ record the watch and move to/stay in AwaitReady).
func (e *Entry) EvalSelect(reads, writes []uint32, resolve FDResolver) (readyReads, readyWrites []uint32, anyReady bool) {
	for _, fd := range reads {
		if n, ok := resolve(fd); ok && n.Ready()&wire.ReadyRead != 0 {
			readyReads = append(readyReads, fd)
		}
	}
	for _, fd := range writes {
		if n, ok := resolve(fd); ok && n.Ready()&wire.ReadyWrite != 0 {
			readyWrites = append(readyWrites, fd)
		}
	}
	if len(readyReads) > 0 || len(readyWrites) > 0 {
		e.state = Init
		e.ReadWatch = nil
		e.WriteWatch = nil
		return readyReads, readyWrites, true
	}
	e.state = AwaitReady
	e.ReadWatch = reads
	e.WriteWatch = writes
	return nil, nil, false
}

// Rescan handles a VfsReadyNtc while this entry is AwaitReady: scan its
// watch vectors for FDs whose node equals the notifying node and whose
// watched kind intersects that node's current readiness. If non-empty,
// the caller should reply SelectResp(Success, ...) and return this entry
// to Init; Rescan performs that state transition itself when it finds a
// match.
func (e *Entry) Rescan(notifying *node.Node, resolve FDResolver) (readyReads, readyWrites []uint32, matched bool) {
	if e.state != AwaitReady {
		return nil, nil, false
	}
	bits := notifying.Ready()
	for _, fd := range e.ReadWatch {
		if n, ok := resolve(fd); ok && n == notifying && bits&wire.ReadyRead != 0 {
			readyReads = append(readyReads, fd)
		}
	}
	for _, fd := range e.WriteWatch {
		if n, ok := resolve(fd); ok && n == notifying && bits&wire.ReadyWrite != 0 {
			readyWrites = append(readyWrites, fd)
		}
	}
	if len(readyReads) == 0 && len(readyWrites) == 0 {
		return nil, nil, false
	}
	e.state = Init
	e.ReadWatch = nil
	e.WriteWatch = nil
	return readyReads, readyWrites, true
}

// Table owns all live per-task Entries, keyed by task id. Like
// fdtable.Table it is exclusively owned by the single broker goroutine.
type Table struct {
	entries map[kernel.TaskID]*Entry
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[kernel.TaskID]*Entry)}
}

// Get returns task's Entry, creating one in Init state on first use
// (on demand, the first time that task issues a Select; Mount is handled
// by the broker without a task entry).
func (t *Table) Get(task kernel.TaskID) *Entry {
	e, ok := t.entries[task]
	if !ok {
		e = NewEntry(task)
		t.entries[task] = e
	}
	return e
}

// Reap drops task's Entry once it is idle.
func (t *Table) Reap(task kernel.TaskID) {
	if e, ok := t.entries[task]; ok && e.IsIdle() {
		delete(t.entries, task)
	}
}

// AwaitingTasks returns every Entry currently in AwaitReady, for
// broadcasting a VfsReadyNtc rescan across all of them.
func (t *Table) AwaitingTasks() []*Entry {
	var out []*Entry
	for _, e := range t.entries {
		if e.state == AwaitReady {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns a defensive copy of all entries, for
// broker.DebugSnapshot.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}
