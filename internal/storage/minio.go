package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient implements Client using minio-go.
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient creates a client for an S3-compatible endpoint.
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client}, nil
}

// cleanEndpoint reduces an endpoint URL to the host:port form minio-go wants.
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have a path (got %s)", parsed.Path)
	}

	return parsed.Host, nil
}

func (c *MinIOClient) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return &minioObject{obj}, nil
}

func (c *MinIOClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	_, err := c.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return err
}

func (c *MinIOClient) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	return toObjectInfo(info), nil
}

// CopyObject performs a server-side copy within the same endpoint.
func (c *MinIOClient) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	return err
}

func (c *MinIOClient) RemoveObject(ctx context.Context, bucket, key string) error {
	return c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (c *MinIOClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}

			select {
			case objCh <- toObjectInfo(obj):
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

func (c *MinIOClient) NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error) {
	core := &minio.Core{Client: c.client}
	return core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
}

func (c *MinIOClient) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	core := &minio.Core{Client: c.client}
	part, err := core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

func (c *MinIOClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	core := &minio.Core{Client: c.client}
	_, err := core.CompleteMultipartUpload(ctx, bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	return err
}

func (c *MinIOClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	core := &minio.Core{Client: c.client}
	return core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

func toObjectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     info.UserMetadata,
	}
}

// minioObject adapts minio.Object to the Object interface.
type minioObject struct {
	*minio.Object
}

func (o *minioObject) Stat() (ObjectInfo, error) {
	info, err := o.Object.Stat()
	if err != nil {
		return ObjectInfo{}, err
	}
	return toObjectInfo(info), nil
}
