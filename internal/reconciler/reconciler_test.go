package reconciler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cloudmount/cloudmount/internal/conflict"
	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, strategy config.ConflictStrategy) (*Reconciler, *remote.MockClient, *metadata.CachedStore, *queue.Store) {
	t.Helper()
	ms, err := metadata.Open(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })
	cached, err := metadata.NewCachedStore(ms)
	require.NoError(t, err)

	qs, err := queue.Open(ms.DB())
	require.NoError(t, err)

	stage, err := staging.Open(t.TempDir())
	require.NoError(t, err)

	resolver := conflict.NewResolver(strategy, cached, qs, stage)
	client := remote.NewMockClient()
	return New(client, cached, qs, resolver), client, cached, qs
}

func remoteItem(id, name, parentID string) *remote.Item {
	return &remote.Item{ID: id, Name: name, Parent: &remote.Parent{ID: parentID}, File: &remote.FileFacet{}, Size: 12, ETag: "etag-1"}
}

func remoteFolder(id, name, parentID string) *remote.Item {
	return &remote.Item{ID: id, Name: name, Parent: &remote.Parent{ID: parentID}, Folder: &remote.FolderFacet{}}
}

func TestColdStartInsertsAndQueuesDownloads(t *testing.T) {
	r, client, store, q := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{
		DeltaLink: "cursor-1",
		Items: []*remote.Item{
			remoteFolder("folderA", "A", "root"),
			remoteItem("x1", "x.txt", "folderA"),
			remoteItem("b1", "B.bin", "root"),
		},
	}}

	require.NoError(t, r.Run(context.Background()))

	a, err := store.GetByRemoteID("folderA")
	require.NoError(t, err)
	assert.True(t, a.IsDir())
	assert.Equal(t, metadata.RootIno, a.ParentIno)

	x, err := store.GetByRemoteID("x1")
	require.NoError(t, err)
	assert.Equal(t, a.VirtualIno, x.ParentIno)
	assert.Equal(t, "/A/x.txt", x.VirtualPath)

	pending, err := q.List(queue.KindDownload, queue.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	cursor, err := store.GetCursor()
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", cursor.Token)
	assert.Equal(t, metadata.CursorIdle, cursor.Status)
}

func TestOutOfOrderParentResolvedWithinSamePage(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{
		DeltaLink: "cursor-1",
		Items: []*remote.Item{
			remoteItem("x1", "x.txt", "folderA"),
			remoteFolder("folderA", "A", "root"),
		},
	}}

	require.NoError(t, r.Run(context.Background()))

	x, err := store.GetByRemoteID("x1")
	require.NoError(t, err)
	assert.Equal(t, "/A/x.txt", x.VirtualPath)
}

func TestUnresolvedParentCarriesToNextPage(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{
		{NextLink: "next", Items: []*remote.Item{remoteItem("x1", "x.txt", "folderA")}},
		{DeltaLink: "cursor-2", Items: []*remote.Item{remoteFolder("folderA", "A", "root")}},
	}

	require.NoError(t, r.Run(context.Background()))

	x, err := store.GetByRemoteID("x1")
	require.NoError(t, err)
	assert.Equal(t, "/A/x.txt", x.VirtualPath)
}

func TestModifyOnModifyRaisesConflictInsteadOfOverwriting(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{remoteItem("x1", "x.txt", "root")}}}
	require.NoError(t, r.Run(context.Background()))

	require.NoError(t, store.MarkLocalChange(mustIno(t, store, "x1")))

	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c2", Items: []*remote.Item{
		{ID: "x1", Name: "x.txt", Parent: &remote.Parent{ID: "root"}, File: &remote.FileFacet{}, ETag: "etag-2", Size: 99},
	}}}
	require.NoError(t, r.Run(context.Background()))

	x, err := store.GetByRemoteID("x1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusConflicted, x.SyncStatus)
	assert.Equal(t, uint64(12), x.Size, "conflicted item keeps its pre-conflict metadata, not the colliding remote write")
}

func TestRemoteDeleteOfCleanFileTombstones(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{remoteItem("b1", "B.bin", "root")}}}
	require.NoError(t, r.Run(context.Background()))

	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c2", Items: []*remote.Item{
		{ID: "b1", Name: "B.bin", Parent: &remote.Parent{ID: "root"}, Deleted: &remote.DeletedFacet{State: "deleted"}},
	}}}
	require.NoError(t, r.Run(context.Background()))

	b, err := store.GetByRemoteID("b1")
	require.NoError(t, err)
	assert.True(t, b.Deleted)

	children, err := store.ListChildren(metadata.RootIno, 0, 0)
	require.NoError(t, err)
	for _, c := range children {
		assert.NotEqual(t, "b1", c.RemoteID)
	}
}

func TestDeleteOnModifyRaisedInsteadOfDiscardingLocalWrite(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyAlwaysLocal)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{remoteItem("b1", "B.bin", "root")}}}
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, store.MarkLocalChange(mustIno(t, store, "b1")))

	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c2", Items: []*remote.Item{
		{ID: "b1", Name: "B.bin", Parent: &remote.Parent{ID: "root"}, Deleted: &remote.DeletedFacet{State: "deleted"}},
	}}}
	require.NoError(t, r.Run(context.Background()))

	b, err := store.GetByRemoteID("b1")
	require.NoError(t, err)
	assert.False(t, b.Deleted, "AlwaysLocal resolution for DeleteOnModify keeps the local item")
	assert.Equal(t, metadata.SourceLocal, b.FileSource)
}

func TestRenameOnExistingRaisesConflict(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{
		remoteItem("x1", "x.txt", "root"),
		remoteItem("y1", "y.txt", "root"),
	}}}
	require.NoError(t, r.Run(context.Background()))

	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c2", Items: []*remote.Item{
		{ID: "y1", Name: "x.txt", Parent: &remote.Parent{ID: "root"}, File: &remote.FileFacet{}, ETag: "etag-1", Size: 12},
	}}}
	require.NoError(t, r.Run(context.Background()))

	y, err := store.GetByRemoteID("y1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusConflicted, y.SyncStatus)
	assert.Equal(t, "y.txt", y.Name, "rename is not applied while the slot is contested")
}

func TestModifyOnParentDeleteWhenParentTombstonedInSamePage(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{
		remoteFolder("folderA", "A", "root"),
		remoteItem("x1", "x.txt", "folderA"),
	}}}
	require.NoError(t, r.Run(context.Background()))

	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c2", Items: []*remote.Item{
		{ID: "folderA", Name: "A", Parent: &remote.Parent{ID: "root"}, Deleted: &remote.DeletedFacet{State: "deleted"}},
		{ID: "x1", Name: "x.txt", Parent: &remote.Parent{ID: "folderA"}, File: &remote.FileFacet{}, ETag: "etag-2", Size: 99},
	}}}
	require.NoError(t, r.Run(context.Background()))

	x, err := store.GetByRemoteID("x1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusConflicted, x.SyncStatus)
}

func TestReParentWithinSameBatchIsNotShadowedByParentDeletion(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{
		remoteFolder("folderA", "A", "root"),
		remoteFolder("folderB", "B", "root"),
		remoteItem("x1", "x.txt", "folderA"),
	}}}
	require.NoError(t, r.Run(context.Background()))

	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c2", Items: []*remote.Item{
		{ID: "folderA", Name: "A", Parent: &remote.Parent{ID: "root"}, Deleted: &remote.DeletedFacet{State: "deleted"}},
		{ID: "x1", Name: "x.txt", Parent: &remote.Parent{ID: "folderB"}, File: &remote.FileFacet{}, ETag: "etag-1", Size: 12},
	}}}
	require.NoError(t, r.Run(context.Background()))

	x, err := store.GetByRemoteID("x1")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusClean, x.SyncStatus, "moved away from the deleted parent within the same batch, so it's not a conflict")
	assert.Equal(t, "/B/x.txt", x.VirtualPath)
}

func TestFailedPageLeavesCursorUnchangedForRetry(t *testing.T) {
	r, client, store, _ := newTestReconciler(t, config.StrategyManual)
	client.DeltaPages = []*remote.DeltaPage{{DeltaLink: "c1", Items: []*remote.Item{remoteItem("x1", "x.txt", "root")}}}
	require.NoError(t, r.Run(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx)
	require.Error(t, err)

	cursor, err := store.GetCursor()
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor.Token)
	assert.Equal(t, metadata.CursorFailed, cursor.Status)
}

func mustIno(t *testing.T, store *metadata.CachedStore, remoteID string) uint64 {
	t.Helper()
	item, err := store.GetByRemoteID(remoteID)
	require.NoError(t, err)
	return item.VirtualIno
}
