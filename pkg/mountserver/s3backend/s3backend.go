// Package s3backend is a mountserver.Backend storing each opened path as
// an object in an Amazon S3 bucket, grounded on pkg/blobserver/s3's use
// of aws-sdk-go-v2 (remove.go) for object operations.
package s3backend

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MasterMochi/mvfsd/pkg/mountserver"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// Backend stores each path as a key in one S3 bucket. A write always
// reads the current object, patches it in memory, and re-uploads it — S3
// objects have no partial-write API, so the broker's byte-range Write
// semantics can only be emulated this way.
type Backend struct {
	client *s3.Client
	bucket string
}

// New returns a Backend for bucket using client.
func New(client *s3.Client, bucket string) *Backend {
	return &Backend{client: client, bucket: bucket}
}

type handle struct {
	key string
}

// Open records the key to operate on; S3 has no open-file handle, so
// existence is checked lazily on first Read or Write.
func (b *Backend) Open(ctx context.Context, path string) (mountserver.Handle, error) {
	return &handle{key: path}, nil
}

// Read implements mountserver.Backend.
func (b *Backend) Read(ctx context.Context, h mountserver.Handle, idx uint64, size uint32) ([]byte, wire.Ready, error) {
	key := h.(*handle).key
	rng := fmt.Sprintf("bytes=%d-%d", idx, idx+uint64(size)-1)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3backend: get %q: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, wire.ReadyRead | wire.ReadyWrite, nil
}

// Write implements mountserver.Backend by read-modify-write: fetch the
// whole object (if any), splice payload in at idx, re-upload.
func (b *Backend) Write(ctx context.Context, h mountserver.Handle, idx uint64, payload []byte) (uint32, wire.Ready, error) {
	key := h.(*handle).key
	var current []byte
	got, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err == nil {
		defer got.Body.Close()
		current, err = io.ReadAll(got.Body)
		if err != nil {
			return 0, 0, err
		}
	}
	end := idx + uint64(len(payload))
	if end > uint64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}
	copy(current[idx:end], payload)

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(current),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("s3backend: put %q: %w", key, err)
	}
	return uint32(len(payload)), wire.ReadyRead | wire.ReadyWrite, nil
}

// Close implements mountserver.Backend. S3 objects need no release.
func (b *Backend) Close(ctx context.Context, h mountserver.Handle) error {
	return nil
}
