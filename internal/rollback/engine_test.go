package rollback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"assetmigrate/internal/changelog"
	"assetmigrate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLog(t *testing.T) *changelog.Manager {
	t.Helper()
	m, err := changelog.NewManager(t.TempDir(), "mig-x", 100, zap.NewNop())
	require.NoError(t, err)
	return m
}

func logCopyAndRewrite(t *testing.T, m *changelog.Manager) {
	t.Helper()

	m.SetPhase("copy")
	require.NoError(t, m.LogChange(changelog.OpCopiedObject, map[string]any{
		"bucket": "dst", "key": "one", "source_bucket": "src",
	}))
	require.NoError(t, m.LogChange(changelog.OpCopiedObject, map[string]any{
		"bucket": "dst", "key": "two", "source_bucket": "src",
	}))

	m.SetPhase("rewrite")
	require.NoError(t, m.LogChange(changelog.OpURLRewrite, map[string]any{
		"element_id": "11", "old_url": "s3://src/one", "new_url": "s3://dst/one",
	}))
	require.NoError(t, m.LogChange(changelog.OpURLRewrite, map[string]any{
		"element_id": "12", "old_url": "s3://src/two", "new_url": "s3://dst/two",
	}))

	require.NoError(t, m.Flush())
}

func TestRollbackFromPhaseReversesOnlyThatSide(t *testing.T) {
	changes := newTestLog(t)
	logCopyAndRewrite(t, changes)

	engine := NewEngine(changes, zap.NewNop())

	var reversedSeqs []int64
	engine.Register(changelog.OpURLRewrite, func(ctx context.Context, entry changelog.Entry) error {
		reversedSeqs = append(reversedSeqs, entry.Sequence)
		return nil
	})
	engine.Register(changelog.OpCopiedObject, func(ctx context.Context, entry changelog.Entry) error {
		t.Fatalf("copy-phase entry %d must not be reversed", entry.Sequence)
		return nil
	})

	report, err := engine.Rollback(context.Background(), "mig-x", "rewrite", DirectionFrom, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Reversed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, map[string]int{"rewrite": 2}, report.ByPhase)
	// Strict reverse sequence order: highest first.
	assert.Equal(t, []int64{4, 3}, reversedSeqs)
}

func TestRollbackToPhase(t *testing.T) {
	changes := newTestLog(t)
	logCopyAndRewrite(t, changes)

	engine := NewEngine(changes, zap.NewNop())

	var reversedSeqs []int64
	engine.Register(changelog.OpCopiedObject, func(ctx context.Context, entry changelog.Entry) error {
		reversedSeqs = append(reversedSeqs, entry.Sequence)
		return nil
	})

	report, err := engine.Rollback(context.Background(), "mig-x", "copy", DirectionTo, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Reversed)
	assert.Equal(t, []int64{2, 1}, reversedSeqs)
}

func TestRollbackWholeLogInReverseOrder(t *testing.T) {
	changes := newTestLog(t)
	logCopyAndRewrite(t, changes)

	engine := NewEngine(changes, zap.NewNop())

	var reversedSeqs []int64
	record := func(ctx context.Context, entry changelog.Entry) error {
		reversedSeqs = append(reversedSeqs, entry.Sequence)
		return nil
	}
	engine.Register(changelog.OpCopiedObject, record)
	engine.Register(changelog.OpURLRewrite, record)

	report, err := engine.Rollback(context.Background(), "mig-x", "", DirectionFrom, false)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Reversed)
	assert.Equal(t, []int64{4, 3, 2, 1}, reversedSeqs)
}

func TestRollbackSkipsIrreversibleTypes(t *testing.T) {
	changes := newTestLog(t)
	changes.SetPhase("cleanup")
	require.NoError(t, changes.LogChange(changelog.OpDeletedTransform, map[string]any{
		"path": "transforms/thumb/one.jpg",
	}))
	require.NoError(t, changes.Flush())

	engine := NewEngine(changes, zap.NewNop())

	report, err := engine.Rollback(context.Background(), "mig-x", "", DirectionFrom, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 0, report.Reversed)
	assert.Equal(t, 1, report.Skipped)
}

func TestRollbackAccumulatesFailures(t *testing.T) {
	changes := newTestLog(t)
	logCopyAndRewrite(t, changes)

	engine := NewEngine(changes, zap.NewNop())

	reversed := 0
	engine.Register(changelog.OpURLRewrite, func(ctx context.Context, entry changelog.Entry) error {
		if entry.Sequence == 4 {
			return errors.New("element gone")
		}
		reversed++
		return nil
	})
	engine.Register(changelog.OpCopiedObject, func(ctx context.Context, entry changelog.Entry) error {
		reversed++
		return nil
	})

	report, err := engine.Rollback(context.Background(), "mig-x", "", DirectionFrom, false)
	require.NoError(t, err, "per-entry failures do not abort the rollback")

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Reversed)
	assert.Equal(t, 3, reversed)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "seq 4")
}

func TestRollbackDryRun(t *testing.T) {
	changes := newTestLog(t)
	logCopyAndRewrite(t, changes)

	engine := NewEngine(changes, zap.NewNop())
	engine.Register(changelog.OpURLRewrite, func(ctx context.Context, entry changelog.Entry) error {
		t.Fatal("dry run must not execute reversers")
		return nil
	})

	report, err := engine.Rollback(context.Background(), "mig-x", "rewrite", DirectionFrom, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Reversed)
}

func TestRollbackUnknownPhase(t *testing.T) {
	changes := newTestLog(t)
	logCopyAndRewrite(t, changes)

	engine := NewEngine(changes, zap.NewNop())
	_, err := engine.Rollback(context.Background(), "mig-x", "verify", DirectionFrom, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify")
}

func TestRollbackMissingMigration(t *testing.T) {
	changes := newTestLog(t)

	engine := NewEngine(changes, zap.NewNop())
	_, err := engine.Rollback(context.Background(), "mig-none", "", DirectionFrom, false)
	require.Error(t, err)
}

// fakeClient is an in-memory storage.Client for reverser tests.
type fakeClient struct {
	objects map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeClient) GetObject(ctx context.Context, bucket, key string) (storage.Object, error) {
	data, ok := f.objects[objKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", key)
	}
	return &fakeObject{Reader: bytes.NewReader(data), key: key, size: int64(len(data))}, nil
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[objKey(bucket, key)] = data
	return nil
}

func (f *fakeClient) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	data, ok := f.objects[objKey(bucket, key)]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("object %s does not exist", key)
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeClient) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, ok := f.objects[objKey(srcBucket, srcKey)]
	if !ok {
		return fmt.Errorf("object %s does not exist", srcKey)
	}
	f.objects[objKey(dstBucket, dstKey)] = data
	return nil
}

func (f *fakeClient) RemoveObject(ctx context.Context, bucket, key string) error {
	delete(f.objects, objKey(bucket, key))
	return nil
}

func (f *fakeClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	objCh := make(chan storage.ObjectInfo)
	errCh := make(chan error, 1)
	close(objCh)
	close(errCh)
	return objCh, errCh
}

func (f *fakeClient) NewMultipartUpload(ctx context.Context, bucket, key string, opts storage.PutOptions) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeClient) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) error {
	return errors.New("not supported")
}

func (f *fakeClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return errors.New("not supported")
}

type fakeObject struct {
	*bytes.Reader
	key  string
	size int64
}

func (o *fakeObject) Close() error { return nil }

func (o *fakeObject) Stat() (storage.ObjectInfo, error) {
	return storage.ObjectInfo{Key: o.key, Size: o.size}, nil
}

func TestStorageReversers(t *testing.T) {
	changes := newTestLog(t)

	src := newFakeClient()
	dst := newFakeClient()

	// State after a run: "copied" exists in both, "moved" only in target.
	src.objects[objKey("src", "copied")] = []byte("copied-data")
	dst.objects[objKey("dst", "copied")] = []byte("copied-data")
	dst.objects[objKey("dst", "moved")] = []byte("moved-data")

	changes.SetPhase("copy")
	require.NoError(t, changes.LogChange(changelog.OpCopiedObject, map[string]any{
		"bucket": "dst", "key": "copied", "source_bucket": "src",
	}))
	require.NoError(t, changes.LogChange(changelog.OpMovedAsset, map[string]any{
		"source_bucket": "src", "source_key": "moved",
		"target_bucket": "dst", "target_key": "moved",
	}))
	require.NoError(t, changes.Flush())

	engine := NewEngine(changes, zap.NewNop())
	engine.RegisterStorageReversers(src, dst)

	report, err := engine.Rollback(context.Background(), "mig-x", "", DirectionFrom, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reversed)
	assert.Equal(t, 0, report.Failed)

	// The copy was deleted from the target; the moved asset went home.
	_, exists := dst.objects[objKey("dst", "copied")]
	assert.False(t, exists)
	_, exists = dst.objects[objKey("dst", "moved")]
	assert.False(t, exists)
	assert.Equal(t, []byte("moved-data"), src.objects[objKey("src", "moved")])
	assert.Equal(t, []byte("copied-data"), src.objects[objKey("src", "copied")])
}
