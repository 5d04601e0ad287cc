package app

import (
	"context"
	"fmt"

	"assetmigrate/internal/storage"
	"assetmigrate/internal/worker"

	"go.uber.org/zap"
)

// ObjectLister feeds the worker pool from the source bucket listing.
type ObjectLister struct {
	client storage.Client
	logger *zap.Logger
}

// CountObjects counts objects and bytes under the prefix.
func (l *ObjectLister) CountObjects(ctx context.Context, bucket, prefix string) (int64, int64, error) {
	objCh, errCh := l.client.ListObjects(ctx, bucket, prefix)

	var totalObjects int64
	var totalSize int64

	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				return totalObjects, totalSize, nil
			}
			totalObjects++
			totalSize += obj.Size

		case err := <-errCh:
			if err != nil {
				return totalObjects, totalSize, fmt.Errorf("error counting objects: %w", err)
			}

		case <-ctx.Done():
			return totalObjects, totalSize, ctx.Err()
		}
	}
}

// ListAndEnqueue lists objects and enqueues them as tasks. Keys present in
// skip were already migrated by an earlier run and are not re-enqueued.
func (l *ObjectLister) ListAndEnqueue(ctx context.Context, bucket, prefix string, skip map[string]struct{}, tasks chan<- worker.Task, dryRun bool) error {
	objCh, errCh := l.client.ListObjects(ctx, bucket, prefix)

	var enqueued, skipped int64

	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				l.logger.Info("Finished listing objects",
					zap.Int64("enqueued", enqueued),
					zap.Int64("resumed_skips", skipped),
				)
				return nil
			}

			if _, done := skip[obj.Key]; done {
				skipped++
				continue
			}

			if dryRun {
				l.logger.Info("Would migrate object",
					zap.String("bucket", bucket),
					zap.String("key", obj.Key),
					zap.Int64("size", obj.Size),
				)
				continue
			}

			task := worker.Task{
				Bucket:      bucket,
				Key:         obj.Key,
				Size:        obj.Size,
				ETag:        obj.ETag,
				ContentType: obj.ContentType,
				Metadata:    obj.Metadata,
			}

			select {
			case tasks <- task:
				enqueued++
			case <-ctx.Done():
				return ctx.Err()
			}

		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("error listing objects: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
