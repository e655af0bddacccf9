package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDownloadTestRig(t *testing.T) (*DownloadWorker, *metadata.CachedStore, *queue.Store, *staging.Store, *remote.MockClient) {
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
	w := NewDownloadWorker(client, store, q, stage, 3)
	return w, store, q, stage, client
}

func TestDownloadWorkerFetchesAndMarksClean(t *testing.T) {
	w, store, q, stage, client := newDownloadTestRig(t)

	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "report.txt", Kind: metadata.KindFile})
	require.NoError(t, err)
	client.Items["r1"] = &remote.Item{ID: "r1", Name: "report.txt", ETag: "etag-v2", DownloadURL: "https://example.test/r1"}
	_, err = q.Enqueue(queue.Entry{Kind: queue.KindDownload, RemoteID: "r1", Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := store.GetByRemoteID("r1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusClean, updated.SyncStatus)
	assert.Equal(t, metadata.SourceRemote, updated.FileSource)
	assert.Equal(t, "etag-v2", updated.ETag)

	assert.True(t, stage.Has(staging.AreaDownloads, item.VirtualPath))
}

func TestDownloadWorkerCompletesStaleEntryWhenItemGone(t *testing.T) {
	w, _, q, _, _ := newDownloadTestRig(t)
	_, err := q.Enqueue(queue.Entry{Kind: queue.KindDownload, RemoteID: "missing", Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := q.List(queue.KindDownload, queue.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDownloadWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	w, store, q, _, client := newDownloadTestRig(t)
	w.retryCfg.InitialDelay = time.Millisecond
	w.retryCfg.MaxDelay = time.Millisecond

	_, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "a.bin", Kind: metadata.KindFile})
	require.NoError(t, err)
	client.Items["r1"] = &remote.Item{ID: "r1", Name: "a.bin", ETag: "e1", DownloadURL: "https://example.test/a"}
	client.FailNextDownload = cerrors.NewNetworkError("connection reset", nil)
	_, err = q.Enqueue(queue.Entry{Kind: queue.KindDownload, RemoteID: "r1", Priority: 5})
	require.NoError(t, err)

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := q.List(queue.KindDownload, queue.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
