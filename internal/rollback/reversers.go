package rollback

import (
	"context"
	"fmt"

	"assetmigrate/internal/changelog"
	"assetmigrate/internal/storage"
)

// RegisterStorageReversers installs the undo logic for object-storage
// operations. src and dst are the original migration's source and target
// clients, so undoing always acts in the opposite direction of the run.
// changelog.OpDeletedTransform is deliberately not registered: a deleted
// derivative cannot be brought back, so those entries are reported as
// skipped.
func (e *Engine) RegisterStorageReversers(src, dst storage.Client) {
	e.Register(changelog.OpCopiedObject, reverseCopiedObject(dst))
	e.Register(changelog.OpMovedAsset, reverseMovedAsset(src, dst))
}

// reverseCopiedObject deletes the copy that was written to the target.
// Payload: bucket, key.
func reverseCopiedObject(dst storage.Client) Reverser {
	return func(ctx context.Context, entry changelog.Entry) error {
		bucket, err := payloadString(entry, "bucket")
		if err != nil {
			return err
		}
		key, err := payloadString(entry, "key")
		if err != nil {
			return err
		}
		return dst.RemoveObject(ctx, bucket, key)
	}
}

// reverseMovedAsset streams the object back from the target to its original
// source location, then removes it from the target.
// Payload: source_bucket, source_key, target_bucket, target_key.
func reverseMovedAsset(src, dst storage.Client) Reverser {
	return func(ctx context.Context, entry changelog.Entry) error {
		srcBucket, err := payloadString(entry, "source_bucket")
		if err != nil {
			return err
		}
		srcKey, err := payloadString(entry, "source_key")
		if err != nil {
			return err
		}
		dstBucket, err := payloadString(entry, "target_bucket")
		if err != nil {
			return err
		}
		dstKey, err := payloadString(entry, "target_key")
		if err != nil {
			return err
		}

		obj, err := dst.GetObject(ctx, dstBucket, dstKey)
		if err != nil {
			return fmt.Errorf("failed to read moved asset from target: %w", err)
		}
		defer obj.Close()

		info, err := obj.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat moved asset: %w", err)
		}

		if err := src.PutObject(ctx, srcBucket, srcKey, obj, info.Size, storage.PutOptions{
			ContentType: info.ContentType,
			Metadata:    info.Metadata,
		}); err != nil {
			return fmt.Errorf("failed to restore asset to source: %w", err)
		}

		return dst.RemoveObject(ctx, dstBucket, dstKey)
	}
}

func payloadString(entry changelog.Entry, field string) (string, error) {
	v, ok := entry.Payload[field]
	if !ok {
		return "", fmt.Errorf("change entry %d payload is missing %q", entry.Sequence, field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("change entry %d payload field %q is invalid", entry.Sequence, field)
	}
	return s, nil
}
