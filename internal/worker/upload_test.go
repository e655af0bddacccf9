package worker

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudmount/cloudmount/internal/conflict"
	"github.com/cloudmount/cloudmount/internal/config"
	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUploadTestRig(t *testing.T) (*UploadWorker, *metadata.CachedStore, *queue.Store, *staging.Store, *remote.MockClient) {
	t.Helper()
	raw, err := metadata.Open(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	store, err := metadata.NewCachedStore(raw)
	require.NoError(t, err)

	q, err := queue.Open(raw.DB())
	require.NoError(t, err)

	stage, err := staging.Open(t.TempDir())
	require.NoError(t, err)

	client := remote.NewMockClient()
	resolver := conflict.NewResolver(config.StrategyManual, store, q, stage)
	w := NewUploadWorker(client, store, q, stage, resolver, 3)
	return w, store, q, stage, client
}

func stageUpload(t *testing.T, stage *staging.Store, virtualPath, content string) {
	t.Helper()
	_, err := stage.Write(staging.AreaUploads, virtualPath, strings.NewReader(content))
	require.NoError(t, err)
}

func TestUploadWorkerPromotesTempIDOnFirstUpload(t *testing.T) {
	w, store, q, stage, client := newUploadTestRig(t)

	tempID := store.AllocateTempID()
	item, err := store.UpsertItem(&metadata.Item{RemoteID: tempID, Name: "new.txt", Kind: metadata.KindFile, FileSource: metadata.SourceLocal, SyncStatus: metadata.StatusPendingUpload})
	require.NoError(t, err)
	stageUpload(t, stage, item.VirtualPath, "hello world")
	_, err = q.Enqueue(queue.Entry{Kind: queue.KindUpload, RemoteID: tempID, LocalPath: item.VirtualPath, ParentRemoteID: "", Name: item.Name, Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetByRemoteID(tempID)
	assert.Error(t, err, "temp id should have been replaced")

	require.Len(t, client.Uploaded, 1)
	assert.Equal(t, "new.txt", client.Uploaded[0].Name)
	assert.Equal(t, []byte("hello world"), client.Uploaded[0].Content)

	updated, err := store.GetByPath(item.VirtualPath)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusClean, updated.SyncStatus)
	assert.Equal(t, metadata.SourceRemote, updated.FileSource)
	assert.NotEqual(t, tempID, updated.RemoteID)
}

func TestUploadWorkerCompletesStaleEntryWhenItemGone(t *testing.T) {
	w, _, q, _, _ := newUploadTestRig(t)
	_, err := q.Enqueue(queue.Entry{Kind: queue.KindUpload, RemoteID: "missing", LocalPath: "/gone.txt", Name: "gone.txt", Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := q.List(queue.KindUpload, queue.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUploadWorkerRaisesConflictOnPermanentRejection(t *testing.T) {
	w, store, q, stage, client := newUploadTestRig(t)

	tempID := store.AllocateTempID()
	item, err := store.UpsertItem(&metadata.Item{RemoteID: tempID, Name: "dup.txt", Kind: metadata.KindFile, FileSource: metadata.SourceLocal, SyncStatus: metadata.StatusPendingUpload})
	require.NoError(t, err)
	stageUpload(t, stage, item.VirtualPath, "conflicted")
	client.FailNextUpload = cerrors.NewConflictError("name already exists", nil)
	_, err = q.Enqueue(queue.Entry{Kind: queue.KindUpload, RemoteID: tempID, LocalPath: item.VirtualPath, Name: item.Name, Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := store.GetByRemoteID(tempID)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusConflicted, updated.SyncStatus)

	entries, err := q.List(queue.KindUpload, queue.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUploadWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	w, store, q, stage, client := newUploadTestRig(t)
	w.retryCfg.InitialDelay = 0
	w.retryCfg.MaxDelay = 0

	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "resync.txt", Kind: metadata.KindFile, FileSource: metadata.SourceLocal, SyncStatus: metadata.StatusPendingUpload})
	require.NoError(t, err)
	stageUpload(t, stage, item.VirtualPath, "bytes")
	client.FailNextUpload = cerrors.NewServerError("hiccup", nil)
	_, err = q.Enqueue(queue.Entry{Kind: queue.KindUpload, RemoteID: "r1", LocalPath: item.VirtualPath, Name: item.Name, Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := q.List(queue.KindUpload, queue.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
