// Package mongo is a mountserver.Backend storing each opened path as one
// document in a MongoDB collection, grounded on pkg/blobserver/mongo's
// whole-document {key, data} shape — rebuilt on the real gopkg.in/mgo.v2
// driver rather than a vendored copy.
package mongo

import (
	"context"
	"fmt"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	"github.com/MasterMochi/mvfsd/pkg/mountserver"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// doc is the document stored per path, mirroring blobDoc's {Key, Blob}
// shape in pkg/blobserver/mongo.
type doc struct {
	Key  string `bson:"key"`
	Data []byte `bson:"data"`
}

// Backend stores each path as a doc in one collection.
type Backend struct {
	c *mgo.Collection
}

// New returns a Backend using c.
func New(c *mgo.Collection) *Backend {
	return &Backend{c: c}
}

type handle struct {
	key string
}

// Open implements mountserver.Backend. Mongo has no open-document
// handle; existence is resolved lazily on Read/Write.
func (b *Backend) Open(ctx context.Context, path string) (mountserver.Handle, error) {
	return &handle{key: path}, nil
}

func (b *Backend) fetch(key string) ([]byte, error) {
	var d doc
	err := b.c.Find(bson.M{"key": key}).One(&d)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.Data, nil
}

// Read implements mountserver.Backend.
func (b *Backend) Read(ctx context.Context, h mountserver.Handle, idx uint64, size uint32) ([]byte, wire.Ready, error) {
	data, err := b.fetch(h.(*handle).key)
	if err != nil {
		return nil, 0, fmt.Errorf("mongo: fetch %q: %w", h.(*handle).key, err)
	}
	if idx >= uint64(len(data)) {
		return nil, wire.ReadyRead | wire.ReadyWrite, nil
	}
	end := idx + uint64(size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[idx:end], wire.ReadyRead | wire.ReadyWrite, nil
}

// Write implements mountserver.Backend.
func (b *Backend) Write(ctx context.Context, h mountserver.Handle, idx uint64, payload []byte) (uint32, wire.Ready, error) {
	key := h.(*handle).key
	current, err := b.fetch(key)
	if err != nil {
		return 0, 0, fmt.Errorf("mongo: fetch %q: %w", key, err)
	}
	end := idx + uint64(len(payload))
	if end > uint64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}
	copy(current[idx:end], payload)

	_, err = b.c.Upsert(bson.M{"key": key}, doc{Key: key, Data: current})
	if err != nil {
		return 0, 0, fmt.Errorf("mongo: upsert %q: %w", key, err)
	}
	return uint32(len(payload)), wire.ReadyRead | wire.ReadyWrite, nil
}

// Close implements mountserver.Backend. Documents need no release.
func (b *Backend) Close(ctx context.Context, h mountserver.Handle) error {
	return nil
}
