// Package kernel defines the interface the broker expects from the
// microkernel's message-passing primitive: send/receive with a
// task-name registry and a way to map a task id back to the owning
// process. The primitive itself — scheduling, address spaces, IPC — is out
// of scope for this repository; this package only states the contract the
// broker core is built against, plus a couple of concrete, swappable
// transports used by tests and by the reference mount-server binaries.
package kernel

import (
	"context"
	"errors"
)

// TaskID identifies a schedulable unit within the kernel — one client or
// one mount server.
type TaskID uint32

// ProcessID identifies the process a TaskID belongs to. Two tasks sharing
// a ProcessID are considered the same "owner" for FD-ownership checks.
type ProcessID uint32

// MaxMessageSize bounds every message exchanged over a Conn, matching the
// microkernel's assumed minimum message size of 24 KiB.
const MaxMessageSize = 24 * 1024

var (
	// ErrNoExist is returned by Send when dst does not resolve to a
	// live task, and by ResolveName/TaskIDToPID for an unknown name or
	// task id.
	ErrNoExist = errors.New("kernel: no such task")
	// ErrNoMemory signals the kernel could not allocate buffers to
	// carry the message.
	ErrNoMemory = errors.New("kernel: out of message memory")
	// ErrTimeout is returned by Recv when a deadline set via ctx
	// expires before any message arrives.
	ErrTimeout = errors.New("kernel: receive timed out")
)

// Conn is one task's handle onto the kernel message-passing primitive.
// Send must not block the caller waiting for the destination to receive;
// Recv blocks until a message arrives or ctx is done.
type Conn interface {
	// Send delivers buf to dst. A failure to enqueue (destination
	// gone, kernel out of memory) is reported as an error and never
	// blocks indefinitely.
	Send(ctx context.Context, dst TaskID, buf []byte) error

	// Recv blocks for the next message addressed to this Conn's task,
	// returning the sender and the received bytes. Pass a context with
	// a deadline to bound the wait; a context.Background() call blocks
	// indefinitely, matching a receive with no timeout.
	Recv(ctx context.Context) (sender TaskID, buf []byte, err error)

	// RegisterName claims name for this Conn's own task id, so other
	// tasks can find it via ResolveName.
	RegisterName(name string) (TaskID, error)

	// ResolveName looks up a previously registered name.
	ResolveName(ctx context.Context, name string) (TaskID, error)

	// TaskIDToPID maps a task id to the process id the kernel
	// considers it to belong to, used to credential FD ownership
	// across client/server boundaries.
	TaskIDToPID(id TaskID) (ProcessID, error)

	// Self returns this Conn's own task id.
	Self() TaskID

	// Close releases any resources held by the Conn.
	Close() error
}
