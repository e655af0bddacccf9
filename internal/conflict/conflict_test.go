package conflict

import (
	"path/filepath"
	"testing"

	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, strategy config.ConflictStrategy) (*Resolver, *metadata.CachedStore, *queue.Store, *staging.Store) {
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

	return NewResolver(strategy, cached, qs, stage), cached, qs, stage
}

func TestManualStrategyParksConflict(t *testing.T) {
	r, store, _, _ := newTestResolver(t, config.StrategyManual)
	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "a.txt", Kind: metadata.KindFile})
	require.NoError(t, err)

	rec, err := r.Raise(item, ClassModifyOnModify)
	require.NoError(t, err)
	assert.Equal(t, ResolveManual, rec.Resolution)
	assert.Nil(t, rec.ResolvedAt)

	updated, err := store.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusConflicted, updated.SyncStatus)
}

func TestAlwaysRemoteResolvesModifyOnModify(t *testing.T) {
	r, store, q, _ := newTestResolver(t, config.StrategyAlwaysRemote)
	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "a.txt", Kind: metadata.KindFile})
	require.NoError(t, err)

	rec, err := r.Raise(item, ClassModifyOnModify)
	require.NoError(t, err)
	assert.Equal(t, ResolveUseRemote, rec.Resolution)
	require.NotNil(t, rec.ResolvedAt)

	updated, err := store.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.Equal(t, metadata.SourceRemote, updated.FileSource)

	pending, err := q.List(queue.KindDownload, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RemoteID)
}

func TestAlwaysLocalResolvesDeleteOnModify(t *testing.T) {
	r, store, q, _ := newTestResolver(t, config.StrategyAlwaysLocal)
	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "a.txt", Kind: metadata.KindFile})
	require.NoError(t, err)

	rec, err := r.Raise(item, ClassDeleteOnModify)
	require.NoError(t, err)
	assert.Equal(t, ResolveUseLocal, rec.Resolution)

	pending, err := q.List(queue.KindUpload, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	updated, err := store.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.Equal(t, metadata.SourceLocal, updated.FileSource)
}

func TestKeepBothRenamesToUniqueLocalCopy(t *testing.T) {
	r, store, q, stage := newTestResolver(t, config.StrategyAlwaysRemote)
	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "report.docx", Kind: metadata.KindFile})
	require.NoError(t, err)
	_, err = stage.Write(staging.AreaUploads, item.VirtualPath, stringsReader("local bytes"))
	require.NoError(t, err)

	rec, err := r.Raise(item, ClassCreateOnCreate)
	require.NoError(t, err)
	assert.Equal(t, ResolveKeepBoth, rec.Resolution)

	updated, err := store.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.Equal(t, "report (local copy 1).docx", updated.Name)
	assert.True(t, stage.Has(staging.AreaUploads, updated.VirtualPath))

	pending, err := q.List(queue.KindUpload, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "report (local copy 1).docx", pending[0].Name)
}

func TestKeepBothPicksNextAvailableCopyNumber(t *testing.T) {
	r, store, _, _ := newTestResolver(t, config.StrategyAlwaysRemote)
	_, err := store.UpsertItem(&metadata.Item{RemoteID: "existing", Name: "notes (local copy 1).txt", Kind: metadata.KindFile})
	require.NoError(t, err)
	item, err := store.UpsertItem(&metadata.Item{RemoteID: "r1", Name: "notes.txt", Kind: metadata.KindFile})
	require.NoError(t, err)

	_, err = r.Raise(item, ClassRenameOrMoveOnExisting)
	require.NoError(t, err)

	updated, err := store.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.Equal(t, "notes (local copy 2).txt", updated.Name)
}

func TestReduceByAttributeUseNewest(t *testing.T) {
	older := fixedTime(0)
	newer := fixedTime(100)
	assert.Equal(t, ResolveUseRemote, ReduceByAttribute(ResolveUseNewest, older, newer, 0, 0))
	assert.Equal(t, ResolveUseLocal, ReduceByAttribute(ResolveUseNewest, newer, older, 0, 0))
}

func TestReduceByAttributeUseLargest(t *testing.T) {
	assert.Equal(t, ResolveUseRemote, ReduceByAttribute(ResolveUseLargest, fixedTime(0), fixedTime(0), 10, 20))
	assert.Equal(t, ResolveUseLocal, ReduceByAttribute(ResolveUseLargest, fixedTime(0), fixedTime(0), 20, 10))
}
