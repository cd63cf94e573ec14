// Package s3remote is a remote.Backend backed by any S3-compatible
// object store, used when config.StorageBackend is "s3".
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"backset/remote"
)

// Options configures the S3 client and target bucket.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string // optional key prefix, e.g. "objects/"
}

// Backend stores objects as individual keys in an S3 bucket.
type Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// New dials an S3-compatible endpoint and verifies the target bucket
// exists.
func New(ctx context.Context, opts Options) (*Backend, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3remote: new client: %w", err)
	}

	ok, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3remote: bucket exists %s: %w", opts.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("s3remote: bucket %s does not exist", opts.Bucket)
	}

	return &Backend{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (b *Backend) key(id cid.Cid) string {
	return b.prefix + id.String()
}

// Put uploads data under key. Content-addressing means a Put for an
// existing key always carries identical bytes (I1).
func (b *Backend) Put(ctx context.Context, key cid.Cid, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key(key),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3remote: put %s: %w", key, err)
	}
	return nil
}

// Get downloads the payload stored under key.
func (b *Backend) Get(ctx context.Context, key cid.Cid) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3remote: get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, remote.ErrNotFound
		}
		return nil, fmt.Errorf("s3remote: get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key. Deleting an already-absent
// key is not an error, matching S3 semantics.
func (b *Backend) Delete(ctx context.Context, key cid.Cid) error {
	if err := b.client.RemoveObject(ctx, b.bucket, b.key(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3remote: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key has a stored payload.
func (b *Backend) Exists(ctx context.Context, key cid.Cid) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(key), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("s3remote: exists %s: %w", key, err)
	}
	return true, nil
}
