// Package sftpbackend is a mountserver.Backend storing each opened path
// as a file on a remote SFTP server, grounded on pkg/blobserver/sftp's
// use of github.com/pkg/sftp over an already-established SSH connection.
package sftpbackend

import (
	"context"
	"errors"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/MasterMochi/mvfsd/pkg/mountserver"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// Backend opens files under root on the remote server reachable through
// client. Unlike pkg/blobserver/sftp, which shards one file per blob
// under a hashed directory tree, this backend addresses files directly
// by the broker's path, the same flat addressing pkg/mountserver/local
// uses.
type Backend struct {
	client *sftp.Client
	root   string
}

// New returns a Backend rooted at root on the server client is connected
// to. root must already exist.
func New(client *sftp.Client, root string) *Backend {
	return &Backend{client: client, root: root}
}

// Open opens path for reading and writing under root, creating it if it
// does not exist.
func (b *Backend) Open(ctx context.Context, p string) (mountserver.Handle, error) {
	full := path.Join(b.root, p)
	f, err := b.client.OpenFile(full, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Read implements mountserver.Backend.
func (b *Backend) Read(ctx context.Context, h mountserver.Handle, idx uint64, size uint32) ([]byte, wire.Ready, error) {
	f := h.(*sftp.File)
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(idx))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	return buf[:n], wire.ReadyRead | wire.ReadyWrite, nil
}

// Write implements mountserver.Backend.
func (b *Backend) Write(ctx context.Context, h mountserver.Handle, idx uint64, payload []byte) (uint32, wire.Ready, error) {
	f := h.(*sftp.File)
	n, err := f.WriteAt(payload, int64(idx))
	if err != nil {
		return uint32(n), 0, err
	}
	return uint32(n), wire.ReadyRead | wire.ReadyWrite, nil
}

// Close implements mountserver.Backend.
func (b *Backend) Close(ctx context.Context, h mountserver.Handle) error {
	return h.(*sftp.File).Close()
}
