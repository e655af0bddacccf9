package metadata

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	inoCacheSize      = 8192
	pathCacheSize     = 8192
	childrenCacheSize = 2048
)

type childrenKey struct {
	ino    uint64
	offset int
	limit  int
}

// CachedStore wraps a Store with a read-through cache over GetByIno,
// GetByPath and ListChildren. Concurrent identical reads are coalesced
// with singleflight; every write path below invalidates the entries it
// could have made stale, so a read after a caller's own write never
// returns the entry as it was before that write.
type CachedStore struct {
	*Store

	inoCache      *lru.Cache[uint64, *Item]
	pathCache     *lru.Cache[string, *Item]
	childrenCache *lru.Cache[childrenKey, []*Item]

	group singleflight.Group
}

// NewCachedStore wraps store with bounded LRU caches.
func NewCachedStore(store *Store) (*CachedStore, error) {
	inoCache, err := lru.New[uint64, *Item](inoCacheSize)
	if err != nil {
		return nil, err
	}
	pathCache, err := lru.New[string, *Item](pathCacheSize)
	if err != nil {
		return nil, err
	}
	childrenCache, err := lru.New[childrenKey, []*Item](childrenCacheSize)
	if err != nil {
		return nil, err
	}
	return &CachedStore{
		Store:         store,
		inoCache:      inoCache,
		pathCache:     pathCache,
		childrenCache: childrenCache,
	}, nil
}

func (c *CachedStore) GetByIno(ino uint64) (*Item, error) {
	if item, ok := c.inoCache.Get(ino); ok {
		return item, nil
	}
	key := fmt.Sprintf("ino:%d", ino)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.Store.GetByIno(ino)
	})
	if err != nil {
		return nil, err
	}
	item := v.(*Item)
	c.inoCache.Add(ino, item)
	return item, nil
}

func (c *CachedStore) GetByPath(virtualPath string) (*Item, error) {
	if item, ok := c.pathCache.Get(virtualPath); ok {
		return item, nil
	}
	key := "path:" + virtualPath
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.Store.GetByPath(virtualPath)
	})
	if err != nil {
		return nil, err
	}
	item := v.(*Item)
	c.pathCache.Add(virtualPath, item)
	return item, nil
}

func (c *CachedStore) ListChildren(parentIno uint64, offset, limit int) ([]*Item, error) {
	key := childrenKey{ino: parentIno, offset: offset, limit: limit}
	if items, ok := c.childrenCache.Get(key); ok {
		return items, nil
	}
	sfKey := fmt.Sprintf("children:%d:%d:%d", parentIno, offset, limit)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		return c.Store.ListChildren(parentIno, offset, limit)
	})
	if err != nil {
		return nil, err
	}
	items := v.([]*Item)
	c.childrenCache.Add(key, items)
	return items, nil
}

// invalidate drops every cache entry that could now be stale for item:
// its own ino/path and its parent's children listing (since any offset
// window into that parent could have shifted).
func (c *CachedStore) invalidate(item *Item) {
	if item == nil {
		return
	}
	c.inoCache.Remove(item.VirtualIno)
	c.pathCache.Remove(item.VirtualPath)
	c.invalidateChildrenOf(item.ParentIno)
}

func (c *CachedStore) invalidateChildrenOf(parentIno uint64) {
	for _, key := range c.childrenCache.Keys() {
		if key.ino == parentIno {
			c.childrenCache.Remove(key)
		}
	}
}

func (c *CachedStore) UpsertItem(item *Item) (*Item, error) {
	before, _ := c.Store.GetByRemoteID(item.RemoteID)
	var descendants []*Item
	if before != nil && (before.Name != item.Name || before.ParentRemoteID != item.ParentRemoteID) {
		descendants = c.collectDescendants(before.VirtualIno)
	}
	result, err := c.Store.UpsertItem(item)
	if err != nil {
		return nil, err
	}
	c.invalidate(before)
	c.invalidate(result)
	for _, d := range descendants {
		c.invalidate(d)
	}
	return result, nil
}

// Tombstone invalidates the deleted item and every descendant the
// underlying Store recursively tombstones along with it, since a folder
// delete marks its whole subtree deleted in one transaction. Descendants
// must be collected before Store.Tombstone runs: that call removes the
// children-index entries ListChildren depends on.
func (c *CachedStore) Tombstone(remoteID string) error {
	existing, _ := c.Store.GetByRemoteID(remoteID)
	var descendants []*Item
	if existing != nil {
		descendants = c.collectDescendants(existing.VirtualIno)
	}
	if err := c.Store.Tombstone(remoteID); err != nil {
		return err
	}
	c.invalidate(existing)
	for _, d := range descendants {
		c.invalidate(d)
	}
	return nil
}

// collectDescendants walks the children index under ino, returning every
// item in the subtree (not just direct children).
func (c *CachedStore) collectDescendants(ino uint64) []*Item {
	var all []*Item
	children, err := c.Store.ListChildren(ino, 0, 0)
	if err != nil {
		return all
	}
	for _, child := range children {
		all = append(all, child)
		all = append(all, c.collectDescendants(child.VirtualIno)...)
	}
	return all
}

func (c *CachedStore) MarkLocalChange(ino uint64) error {
	if err := c.Store.MarkLocalChange(ino); err != nil {
		return err
	}
	if item, err := c.Store.GetByIno(ino); err == nil {
		c.invalidate(item)
	}
	return nil
}

func (c *CachedStore) ReplaceRemoteID(oldID, newID string) error {
	existing, _ := c.Store.GetByRemoteID(oldID)
	if err := c.Store.ReplaceRemoteID(oldID, newID); err != nil {
		return err
	}
	c.invalidate(existing)
	if item, err := c.Store.GetByRemoteID(newID); err == nil {
		c.invalidate(item)
		if children, err := c.Store.ListChildren(item.VirtualIno, 0, 0); err == nil {
			for _, child := range children {
				c.invalidate(child)
			}
		}
	}
	return nil
}

func (c *CachedStore) SetConflictState(ino uint64) error {
	if err := c.Store.SetConflictState(ino); err != nil {
		return err
	}
	if item, err := c.Store.GetByIno(ino); err == nil {
		c.invalidate(item)
	}
	return nil
}

func (c *CachedStore) SetXattr(ino uint64, name, value string) error {
	if err := c.Store.SetXattr(ino, name, value); err != nil {
		return err
	}
	if item, err := c.Store.GetByIno(ino); err == nil {
		c.invalidate(item)
	}
	return nil
}

func (c *CachedStore) RemoveXattr(ino uint64, name string) error {
	if err := c.Store.RemoveXattr(ino, name); err != nil {
		return err
	}
	if item, err := c.Store.GetByIno(ino); err == nil {
		c.invalidate(item)
	}
	return nil
}
