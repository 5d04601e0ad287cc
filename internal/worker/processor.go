package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"assetmigrate/internal/changelog"
	"assetmigrate/internal/metrics"
	"assetmigrate/internal/recovery"
	"assetmigrate/internal/storage"

	"go.uber.org/zap"
)

// TaskProcessor copies one object from source to target, wrapping provider
// calls in the retry policy and recording the mutation in the change log.
type TaskProcessor struct {
	config    Config
	srcClient storage.Client
	dstClient storage.Client
	changes   *changelog.Manager
	retrier   *recovery.Manager
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Process handles a single migration task.
func (p *TaskProcessor) Process(ctx context.Context, task Task) Result {
	startTime := time.Now()
	targetBucket := p.targetBucket(task)

	if p.config.SkipExisting && p.objectExistsAndMatches(ctx, task, targetBucket) {
		p.logger.Debug("Skipping existing object", zap.String("key", task.Key))
		p.metrics.IncSkipped(task.Size)
		return Result{Key: task.Key, Size: task.Size, Skipped: true}
	}

	opID := fmt.Sprintf("copy:%s/%s", task.Bucket, task.Key)
	err := p.retrier.RetryOperation(ctx, opID, func() error {
		return p.copyObject(ctx, task, targetBucket)
	})
	if err != nil {
		p.metrics.IncFailed()
		p.logger.Error("Object migration failed",
			zap.String("key", task.Key),
			zap.Error(err),
		)
		return Result{Key: task.Key, Size: task.Size, Err: err}
	}

	// The copy is only considered done once its reversal record is
	// durable in the change log buffer. A log failure fails the task.
	if err := p.changes.LogChange(changelog.OpCopiedObject, map[string]any{
		"bucket":        targetBucket,
		"key":           task.Key,
		"source_bucket": task.Bucket,
		"size":          task.Size,
		"etag":          task.ETag,
	}); err != nil {
		p.metrics.IncFailed()
		return Result{Key: task.Key, Size: task.Size, Err: fmt.Errorf("failed to record change: %w", err)}
	}

	p.metrics.IncSuccess(task.Size)
	p.metrics.ObserveDuration(time.Since(startTime))
	p.logger.Debug("Object migrated",
		zap.String("key", task.Key),
		zap.Int64("size", task.Size),
		zap.Duration("duration", time.Since(startTime)),
	)
	return Result{Key: task.Key, Size: task.Size}
}

func (p *TaskProcessor) targetBucket(task Task) string {
	if p.config.TargetBucket != "" {
		return p.config.TargetBucket
	}
	return task.Bucket
}

func (p *TaskProcessor) copyObject(ctx context.Context, task Task, targetBucket string) error {
	srcObj, err := p.srcClient.GetObject(ctx, task.Bucket, task.Key)
	if err != nil {
		return fmt.Errorf("failed to get source object: %w", err)
	}
	defer srcObj.Close()

	if task.Size < p.config.MultipartThreshold {
		return p.uploadSingle(ctx, task, targetBucket, srcObj)
	}
	return p.uploadMultipart(ctx, task, targetBucket, srcObj)
}

func (p *TaskProcessor) putOptions(task Task) storage.PutOptions {
	contentType := task.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return storage.PutOptions{
		ContentType: contentType,
		Metadata:    task.Metadata,
	}
}

func (p *TaskProcessor) uploadSingle(ctx context.Context, task Task, targetBucket string, reader io.Reader) error {
	return p.dstClient.PutObject(ctx, targetBucket, task.Key, reader, task.Size, p.putOptions(task))
}

func (p *TaskProcessor) uploadMultipart(ctx context.Context, task Task, targetBucket string, reader io.Reader) error {
	opts := p.putOptions(task)

	uploadID, err := p.dstClient.NewMultipartUpload(ctx, targetBucket, task.Key, opts)
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	partCount := int(math.Ceil(float64(task.Size) / float64(p.config.PartSize)))
	parts := make([]storage.CompletedPart, 0, partCount)

	for partNum := 1; partNum <= partCount; partNum++ {
		partSize := p.config.PartSize
		if int64(partNum-1)*p.config.PartSize+partSize > task.Size {
			partSize = task.Size - int64(partNum-1)*p.config.PartSize
		}

		partData := make([]byte, partSize)
		n, err := io.ReadFull(reader, partData)
		if err != nil && err != io.ErrUnexpectedEOF {
			p.dstClient.AbortMultipartUpload(ctx, targetBucket, task.Key, uploadID)
			return fmt.Errorf("failed to read part %d: %w", partNum, err)
		}
		partData = partData[:n]

		etag, err := p.dstClient.UploadPart(ctx, targetBucket, task.Key, uploadID, partNum,
			bytes.NewReader(partData), int64(len(partData)))
		if err != nil {
			p.dstClient.AbortMultipartUpload(ctx, targetBucket, task.Key, uploadID)
			return fmt.Errorf("failed to upload part %d: %w", partNum, err)
		}

		parts = append(parts, storage.CompletedPart{
			PartNumber: partNum,
			ETag:       etag,
		})
	}

	return p.dstClient.CompleteMultipartUpload(ctx, targetBucket, task.Key, uploadID, parts)
}

func (p *TaskProcessor) objectExistsAndMatches(ctx context.Context, task Task, targetBucket string) bool {
	info, err := p.dstClient.HeadObject(ctx, targetBucket, task.Key)
	if err != nil {
		return false
	}
	return info.Size == task.Size && info.ETag == task.ETag
}
