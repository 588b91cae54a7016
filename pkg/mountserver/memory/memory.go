// Package memory is a mountserver.Backend storing each opened path's
// bytes in a plain in-memory map, grounded on pkg/blobserver/memory's
// mutex-guarded map shape. Stdlib-only, like pkg/blobserver/memory
// itself: there is no third-party in-memory byte store in the example
// pack worth reaching for here.
package memory

import (
	"context"
	"sync"

	"github.com/MasterMochi/mvfsd/pkg/mountserver"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// Backend stores one byte slice per path, shared by every handle opened
// on that path (the broker's Non-goals exclude per-client isolation).
type Backend struct {
	mu    sync.Mutex
	files map[string]*file
}

type file struct {
	mu   sync.Mutex
	data []byte
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{files: make(map[string]*file)}
}

// Open returns the file for path, creating it empty on first use.
func (b *Backend) Open(ctx context.Context, path string) (mountserver.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[path]
	if !ok {
		f = &file{}
		b.files[path] = f
	}
	return f, nil
}

// Read implements mountserver.Backend.
func (b *Backend) Read(ctx context.Context, h mountserver.Handle, idx uint64, size uint32) ([]byte, wire.Ready, error) {
	f := h.(*file)
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx >= uint64(len(f.data)) {
		return nil, wire.ReadyRead | wire.ReadyWrite, nil
	}
	end := idx + uint64(size)
	if end > uint64(len(f.data)) {
		end = uint64(len(f.data))
	}
	out := make([]byte, end-idx)
	copy(out, f.data[idx:end])
	return out, wire.ReadyRead | wire.ReadyWrite, nil
}

// Write implements mountserver.Backend.
func (b *Backend) Write(ctx context.Context, h mountserver.Handle, idx uint64, payload []byte) (uint32, wire.Ready, error) {
	f := h.(*file)
	f.mu.Lock()
	defer f.mu.Unlock()
	end := idx + uint64(len(payload))
	if end > uint64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[idx:end], payload)
	return uint32(len(payload)), wire.ReadyRead | wire.ReadyWrite, nil
}

// Close implements mountserver.Backend. Memory-backed files need no
// release beyond letting the handle go out of scope.
func (b *Backend) Close(ctx context.Context, h mountserver.Handle) error {
	return nil
}
