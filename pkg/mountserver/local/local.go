// Package local is a mountserver.Backend storing each opened path as an
// ordinary file under a root directory, grounded on
// pkg/blobserver/localdisk's root-plus-os.File shape. It has no
// third-party dependency of its own: the broker's Non-goals already rule
// out permissions, symlinks, and directory semantics, so this backend is
// a thin os.File wrapper and nothing more is wired here (DESIGN.md notes
// why this one package is stdlib-only).
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MasterMochi/mvfsd/pkg/mountserver"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// Backend opens files under root. It never cleans up root and never
// creates it; New fails if it is not an existing directory, matching
// localdisk.New's startup check.
type Backend struct {
	root string
}

// New returns a Backend rooted at root.
func New(root string) (*Backend, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("local: stat root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("local: root %q is not a directory", root)
	}
	return &Backend{root: root}, nil
}

func (b *Backend) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	return filepath.Join(b.root, clean), nil
}

// Open opens path for reading and writing, creating it if it does not
// exist — the broker's Open is the only admission check; Non-goals rule
// out any notion of per-client permission beyond that.
func (b *Backend) Open(ctx context.Context, path string) (mountserver.Handle, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Read implements mountserver.Backend.
func (b *Backend) Read(ctx context.Context, h mountserver.Handle, idx uint64, size uint32) ([]byte, wire.Ready, error) {
	f := h.(*os.File)
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(idx))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	return buf[:n], wire.ReadyRead | wire.ReadyWrite, nil
}

// Write implements mountserver.Backend.
func (b *Backend) Write(ctx context.Context, h mountserver.Handle, idx uint64, payload []byte) (uint32, wire.Ready, error) {
	f := h.(*os.File)
	n, err := f.WriteAt(payload, int64(idx))
	if err != nil {
		return uint32(n), 0, err
	}
	return uint32(n), wire.ReadyRead | wire.ReadyWrite, nil
}

// Close implements mountserver.Backend.
func (b *Backend) Close(ctx context.Context, h mountserver.Handle) error {
	return h.(*os.File).Close()
}
