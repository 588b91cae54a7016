// Package node implements the broker's in-memory namespace: a rooted tree
// of named nodes, each either a Directory or a MountFile owned by a mount
// server task. Nodes are arena-allocated and never deleted (no unmount in
// scope), so a *Node is a stable reference for the lifetime of the broker.
package node

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MasterMochi/mvfsd/pkg/kernel"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// Kind distinguishes a pure namespace node from one backed by a mount
// server.
type Kind int

const (
	Directory Kind = iota
	MountFile
)

// TaskID identifies a client or mount-server task, as reported by the
// kernel transport.
type TaskID = kernel.TaskID

var (
	ErrNotFound     = errors.New("node: path not found")
	ErrWrongType    = errors.New("node: not a mount file")
	ErrNameConflict = errors.New("node: name already exists under parent")
	ErrNotSingleSegment = errors.New("node: mount path must be a single segment under root")
)

// Node is one entry in the namespace tree. Directory nodes other than the
// root are never created in the current core — the broker only supports
// single-segment mount points — so MountFile nodes are always direct
// children of the root.
type Node struct {
	mu sync.Mutex

	name string
	path string
	kind Kind

	mountTask TaskID // nonzero iff kind == MountFile
	ready     wire.Ready

	parent   *Node
	children []*Node
}

// Name returns the node's basename.
func (n *Node) Name() string { return n.name }

// Path returns the node's absolute path.
func (n *Node) Path() string { return n.path }

// Kind reports whether the node is a Directory or a MountFile.
func (n *Node) Kind() Kind { return n.kind }

// MountTask returns the owning mount server's task id. Zero for
// directories.
func (n *Node) MountTask() TaskID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mountTask
}

// Ready returns the node's current readiness bits.
func (n *Node) Ready() wire.Ready {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

// setReady replaces the readiness bitset, returning the previous value.
func (n *Node) setReady(bits wire.Ready) wire.Ready {
	n.mu.Lock()
	defer n.mu.Unlock()
	old := n.ready
	n.ready = bits
	return old
}

// Tree owns the arena of all Nodes reachable from its implicit root.
// Nothing in Tree is safe for concurrent mutation from more than the one
// broker task; the per-node mutex above exists only to let the
// readiness matcher and the dispatcher both read/write Ready without
// caring which one runs first within a single-threaded step — it is not
// a concurrency barrier between unrelated goroutines.
type Tree struct {
	root *Node
}

// NewTree returns a Tree with a freshly created, empty root directory.
func NewTree() *Tree {
	root := &Node{
		name:  "/",
		path:  "/",
		kind:  Directory,
		ready: wire.ReadyRead | wire.ReadyWrite,
	}
	return &Tree{root: root}
}

// Root returns the tree's root directory node.
func (t *Tree) Root() *Node { return t.root }

// Create returns a new, unattached node. Readiness starts with both bits
// set.
func (t *Tree) Create(name, path string, kind Kind, mountTask TaskID) *Node {
	return &Node{
		name:      name,
		path:      path,
		kind:      kind,
		mountTask: mountTask,
		ready:     wire.ReadyRead | wire.ReadyWrite,
	}
}

// Attach appends child to parent.children, failing if a sibling with the
// same name already exists.
func (t *Tree) Attach(parent, child *Node) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for _, sib := range parent.children {
		if sib.name == child.name {
			return fmt.Errorf("%w: %q under %q", ErrNameConflict, child.name, parent.path)
		}
	}
	child.parent = parent
	parent.children = append(parent.children, child)
	return nil
}

// Lookup splits an absolute path on '/' and walks from the root,
// performing a linear match against each segment's Name. It returns
// ErrNotFound if any segment is missing.
func (t *Tree) Lookup(path string) (*Node, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	if path == "/" {
		return t.root, nil
	}
	cur := t.root
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		next := findChild(cur, seg)
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		cur = next
	}
	return cur, nil
}

func findChild(parent *Node, name string) *Node {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for _, c := range parent.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// MountUnderRoot validates that path is a single segment under root (the
// only shape the current core supports; nested mounts are not handled)
// and that no sibling already claims it, then creates, attaches, and
// returns the new MountFile node.
func (t *Tree) MountUnderRoot(path string, mountTask TaskID) (*Node, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return nil, fmt.Errorf("%w: %q", ErrNotSingleSegment, path)
	}
	child := t.Create(trimmed, "/"+trimmed, MountFile, mountTask)
	if err := t.Attach(t.root, child); err != nil {
		return nil, err
	}
	return child, nil
}

// SetReady unconditionally replaces node's readiness set, returning the
// previous value so callers can detect a transition.
func SetReady(n *Node, bits wire.Ready) wire.Ready {
	return n.setReady(bits)
}
