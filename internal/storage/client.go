package storage

import (
	"context"
	"io"
	"time"
)

// Client is the provider boundary for S3-compatible backends. The migration
// core calls these inside retry wrappers and records their effects in the
// change log.
type Client interface {
	GetObject(ctx context.Context, bucket, key string) (Object, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	RemoveObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error)

	// Multipart operations for objects above the multipart threshold
	NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// Object represents an object stream.
type Object interface {
	io.ReadCloser
	Stat() (ObjectInfo, error)
}

// ObjectInfo contains object metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for put operations.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// CompletedPart represents a completed multipart upload part.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Config contains client configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
