package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCachedTestStore(t *testing.T) *CachedStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	cached, err := NewCachedStore(s)
	require.NoError(t, err)
	return cached
}

func TestCachedStoreServesRepeatedReadsFromCache(t *testing.T) {
	c := openCachedTestStore(t)
	item, err := c.UpsertItem(&Item{RemoteID: "r1", Name: "f.txt", Kind: KindFile})
	require.NoError(t, err)

	first, err := c.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	second, err := c.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCachedStoreDoesNotServeStaleAfterWrite(t *testing.T) {
	c := openCachedTestStore(t)
	item, err := c.UpsertItem(&Item{RemoteID: "r1", Name: "f.txt", Kind: KindFile, Size: 1})
	require.NoError(t, err)

	cached, err := c.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cached.Size)

	_, err = c.UpsertItem(&Item{RemoteID: "r1", Name: "f.txt", Kind: KindFile, Size: 99})
	require.NoError(t, err)

	fresh, err := c.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.EqualValues(t, 99, fresh.Size)
}

func TestCachedStoreInvalidatesPathAndChildrenOnWrite(t *testing.T) {
	c := openCachedTestStore(t)
	folder, err := c.UpsertItem(&Item{RemoteID: "f1", Name: "dir", Kind: KindFolder})
	require.NoError(t, err)

	empty, err := c.ListChildren(folder.VirtualIno, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = c.UpsertItem(&Item{RemoteID: "c1", Name: "new.txt", Kind: KindFile, ParentRemoteID: "f1"})
	require.NoError(t, err)

	children, err := c.ListChildren(folder.VirtualIno, 0, 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "new.txt", children[0].Name)

	byPath, err := c.GetByPath("/dir/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "c1", byPath.RemoteID)
}

func TestCachedStoreTombstoneInvalidates(t *testing.T) {
	c := openCachedTestStore(t)
	item, err := c.UpsertItem(&Item{RemoteID: "r1", Name: "f.txt", Kind: KindFile})
	require.NoError(t, err)

	_, err = c.GetByIno(item.VirtualIno)
	require.NoError(t, err)

	require.NoError(t, c.Tombstone("r1"))

	fresh, err := c.GetByIno(item.VirtualIno)
	require.NoError(t, err)
	assert.True(t, fresh.Deleted)
}

func TestCachedStoreTombstoneInvalidatesDescendants(t *testing.T) {
	c := openCachedTestStore(t)
	folder, err := c.UpsertItem(&Item{RemoteID: "f1", Name: "dir", Kind: KindFolder})
	require.NoError(t, err)
	child, err := c.UpsertItem(&Item{RemoteID: "c1", Name: "sub", Kind: KindFolder, ParentRemoteID: "f1"})
	require.NoError(t, err)
	grandchild, err := c.UpsertItem(&Item{RemoteID: "g1", Name: "leaf.txt", Kind: KindFile, ParentRemoteID: "c1"})
	require.NoError(t, err)

	// Warm the caches for both descendants before the parent is tombstoned.
	_, err = c.GetByIno(child.VirtualIno)
	require.NoError(t, err)
	_, err = c.GetByIno(grandchild.VirtualIno)
	require.NoError(t, err)
	_, err = c.GetByPath(grandchild.VirtualPath)
	require.NoError(t, err)

	require.NoError(t, c.Tombstone("f1"))

	freshChild, err := c.GetByIno(child.VirtualIno)
	require.NoError(t, err)
	assert.True(t, freshChild.Deleted)

	freshGrandchild, err := c.GetByIno(grandchild.VirtualIno)
	require.NoError(t, err)
	assert.True(t, freshGrandchild.Deleted)

	// Tombstoning removes the descendant's children-index entry along with
	// marking it deleted, so once its pathCache entry is correctly
	// invalidated, looking it up by path is a miss against the
	// now-unindexed store rather than a stale cache hit.
	_, err = c.GetByPath(grandchild.VirtualPath)
	assert.Error(t, err)
}
