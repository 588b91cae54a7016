// Package kerneltest provides an in-process stand-in for the microkernel
// message-passing primitive (pkg/kernel.Conn), so the broker and mount
// servers can be exercised in ordinary Go tests without a real kernel.
// It uses the same map-plus-mutex shape as the in-memory blob store in
// pkg/blobserver/memory: a single locked registry shared by every Conn
// obtained from one Bus.
package kerneltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/MasterMochi/mvfsd/pkg/kernel"
)

// Bus is a shared in-memory switchboard. Every Conn returned by NewConn
// shares the same name table and process-id assignment, so FD-ownership
// credentialing works the same as it would against a real kernel's
// taskid_to_pid.
type Bus struct {
	mu        sync.Mutex
	nextTask  kernel.TaskID
	nextProc  kernel.ProcessID
	names     map[string]kernel.TaskID
	conns     map[kernel.TaskID]*Conn
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		names: make(map[string]kernel.TaskID),
		conns: make(map[kernel.TaskID]*Conn),
	}
}

// NewConn allocates a fresh task id on the bus and returns a Conn bound to
// it. Conns created with the same pid share a ProcessID; pass a pid seen
// before to simulate two tasks (e.g. a client's main task and a helper
// goroutine) in the same process.
func (b *Bus) NewConn(pid kernel.ProcessID) *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTask++
	id := b.nextTask
	c := &Conn{
		bus:    b,
		id:     id,
		pid:    pid,
		inbox:  make(chan message, 64),
	}
	b.conns[id] = c
	return c
}

// NewProcess allocates a fresh ProcessID for use with NewConn.
func (b *Bus) NewProcess() kernel.ProcessID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextProc++
	return b.nextProc
}

type message struct {
	from kernel.TaskID
	buf  []byte
}

// Conn is one task's handle onto a Bus. It implements kernel.Conn.
type Conn struct {
	bus   *Bus
	id    kernel.TaskID
	pid   kernel.ProcessID
	inbox chan message
}

var _ kernel.Conn = (*Conn)(nil)

func (c *Conn) Self() kernel.TaskID { return c.id }

func (c *Conn) Send(ctx context.Context, dst kernel.TaskID, buf []byte) error {
	c.bus.mu.Lock()
	target, ok := c.bus.conns[dst]
	c.bus.mu.Unlock()
	if !ok {
		return kernel.ErrNoExist
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case target.inbox <- message{from: c.id, buf: cp}:
		return nil
	default:
		return kernel.ErrNoMemory
	}
}

func (c *Conn) Recv(ctx context.Context) (kernel.TaskID, []byte, error) {
	select {
	case m := <-c.inbox:
		return m.from, m.buf, nil
	case <-ctx.Done():
		return 0, nil, kernel.ErrTimeout
	}
}

func (c *Conn) RegisterName(name string) (kernel.TaskID, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if _, exists := c.bus.names[name]; exists {
		return 0, fmt.Errorf("kerneltest: name %q already registered", name)
	}
	c.bus.names[name] = c.id
	return c.id, nil
}

func (c *Conn) ResolveName(ctx context.Context, name string) (kernel.TaskID, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	id, ok := c.bus.names[name]
	if !ok {
		return 0, kernel.ErrNoExist
	}
	return id, nil
}

func (c *Conn) TaskIDToPID(id kernel.TaskID) (kernel.ProcessID, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	other, ok := c.bus.conns[id]
	if !ok {
		return 0, kernel.ErrNoExist
	}
	return other.pid, nil
}

func (c *Conn) Close() error {
	c.bus.mu.Lock()
	delete(c.bus.conns, c.id)
	c.bus.mu.Unlock()
	return nil
}
