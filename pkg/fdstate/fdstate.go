// Package fdstate implements the per-FD Open/Read/Write/Close state
// machine. Each state is a distinct Go type carrying only the data valid
// in that state: a single flat struct with "unused fields" per state is
// the wrong shape, so State is an interface and Init/AwaitVfsOpen/.../
// Terminated each get their own type.
package fdstate

// State tags which of the six states an FD entry is in. The zero value
// is Init.
type State interface {
	name() string
}

type stateInit struct{}
type stateAwaitVfsOpen struct{}
type stateAwaitVfsRead struct{}
type stateAwaitVfsWrite struct{}
type stateAwaitVfsClose struct{}
type stateTerminated struct{}

func (stateInit) name() string         { return "Init" }
func (stateAwaitVfsOpen) name() string  { return "AwaitVfsOpen" }
func (stateAwaitVfsRead) name() string  { return "AwaitVfsRead" }
func (stateAwaitVfsWrite) name() string { return "AwaitVfsWrite" }
func (stateAwaitVfsClose) name() string { return "AwaitVfsClose" }
func (stateTerminated) name() string   { return "Terminated" }

// Init, AwaitVfsOpen, AwaitVfsRead, AwaitVfsWrite, AwaitVfsClose, and
// Terminated are the six reachable states.
var (
	Init          State = stateInit{}
	AwaitVfsOpen  State = stateAwaitVfsOpen{}
	AwaitVfsRead  State = stateAwaitVfsRead{}
	AwaitVfsWrite State = stateAwaitVfsWrite{}
	AwaitVfsClose State = stateAwaitVfsClose{}
	Terminated    State = stateTerminated{}
)

// Name returns the state's name, for logging and DebugSnapshot.
func Name(s State) string { return s.name() }

// Event is one of the eight events fdstate.Machine.Step accepts.
type Event int

const (
	EventOpenReq Event = iota
	EventReadReq
	EventWriteReq
	EventCloseReq
	EventVfsOpenResp
	EventVfsReadResp
	EventVfsWriteResp
	EventVfsCloseResp
)

// ErrProtocolViolation describes a client request that arrived while the
// FD was already in an Await* state: such requests are discarded as a
// protocol violation, with no reply generated. Step does not return it;
// Step reports an unmatched event through its bool result.
type ErrProtocolViolation struct {
	State State
	Event Event
}

func (e ErrProtocolViolation) Error() string {
	return "fdstate: event does not apply in state " + e.State.name()
}

// Machine drives one FdEntry's Open/Read/Write/Close pairing. It holds no
// originating-task-id state itself — that belongs on the owning FdEntry,
// not on the machine or any package-scope global — Step's caller
// (pkg/broker) is the one that knows the entry and replies to it.
type Machine struct {
	state State
}

// NewMachine returns a Machine in the Init state.
func NewMachine() *Machine { return &Machine{state: Init} }

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Step advances the machine for one event. The bool result reports
// whether the event matched a known (state, event) pair at all; when it
// is false, Step left the state unchanged and the caller must treat the
// event as a no-op (duplicate late response) or a protocol violation
// (request during an Await* state) — it does not itself decide which,
// since that depends on whether the event was a request or a response,
// which the caller already knows.
func (m *Machine) Step(ev Event) (matched bool) {
	switch m.state.(type) {
	case stateInit:
		switch ev {
		case EventOpenReq:
			m.state = AwaitVfsOpen
			return true
		case EventReadReq:
			m.state = AwaitVfsRead
			return true
		case EventWriteReq:
			m.state = AwaitVfsWrite
			return true
		case EventCloseReq:
			m.state = AwaitVfsClose
			return true
		}
	case stateAwaitVfsOpen:
		if ev == EventVfsOpenResp {
			// Caller decides Init (success) vs Terminated
			// (failure) via ResolveOpen below, since that depends on
			// the response's Result, which Step does not see.
			return true
		}
	case stateAwaitVfsRead:
		if ev == EventVfsReadResp {
			m.state = Init
			return true
		}
	case stateAwaitVfsWrite:
		if ev == EventVfsWriteResp {
			m.state = Init
			return true
		}
	case stateAwaitVfsClose:
		if ev == EventVfsCloseResp {
			m.state = Terminated
			return true
		}
	}
	return false
}

// ResolveOpen finishes the AwaitVfsOpen→{Init,Terminated} transition once
// the VfsOpenResp's Result is known: on Success the FD stays usable
// (Init); on Failure the entry is released (Terminated).
func (m *Machine) ResolveOpen(success bool) {
	if _, ok := m.state.(stateAwaitVfsOpen); !ok {
		return
	}
	if success {
		m.state = Init
	} else {
		m.state = Terminated
	}
}

// IsTerminated reports whether the FD entry backing this machine may be
// released.
func (m *Machine) IsTerminated() bool {
	_, ok := m.state.(stateTerminated)
	return ok
}

// IsAwaiting reports whether the machine holds a pending conversation.
// Which task it is pending for lives on the owning pkg/fdtable.Entry, not
// here — Machine has no notion of task identity.
func (m *Machine) IsAwaiting() bool {
	switch m.state.(type) {
	case stateAwaitVfsOpen, stateAwaitVfsRead, stateAwaitVfsWrite, stateAwaitVfsClose:
		return true
	default:
		return false
	}
}
