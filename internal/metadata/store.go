package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketItems     = []byte("items")     // remote_id -> json Item
	bucketInoIndex  = []byte("ino_index") // big-endian ino -> remote_id
	bucketChildren  = []byte("children")  // "<parent_ino>/<name>\x00<remote_id>" -> remote_id
	bucketMeta      = []byte("meta")      // cursor, ino counter
	bucketConflicts = []byte("conflicts") // big-endian item_ino -> json ConflictRecord
)

var keyCursor = []byte("cursor")
var keyInoCounter = []byte("ino_counter")

// ErrNotFound is returned when a lookup misses the store.
var ErrNotFound = cerrors.NewNotFoundError("item not found", nil)

// Store is the single transactional store of record: items, the
// inode/path indexes derived from them, the process-global delta cursor,
// and (per bucketConflicts) parked conflict records. internal/queue opens
// its entries/counter buckets against this same *bolt.DB via DB(), so the
// whole daemon's persisted state lives in one items.db file rather than
// split across several.
type Store struct {
	db *bolt.DB

	inoMu sync.Mutex
}

// Open creates or opens the bbolt-backed store at path, ensuring its
// buckets exist and seeding the root item if missing.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to open metadata database")
	}
	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketItems, bucketInoIndex, bucketChildren, bucketMeta, bucketConflicts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, cerrors.Wrap(err, "failed to initialize metadata buckets")
	}
	if err := s.seedRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying bbolt handle, so other packages whose
// persisted state belongs in the same file (internal/queue) can open
// their buckets against it instead of a separate database. The Store
// that opened the file remains responsible for closing it.
func (s *Store) DB() *bolt.DB { return s.db }

func (s *Store) seedRoot() error {
	_, err := s.GetByIno(RootIno)
	if err == nil {
		return nil
	}
	if cerrors.KindOf(err) != cerrors.TypeNotFound {
		return err
	}
	now := time.Now()
	root := &Item{
		RemoteID:    "root",
		Name:        "",
		Kind:        KindFolder,
		VirtualIno:  RootIno,
		VirtualPath: "/",
		FileSource:  SourceRemote,
		SyncStatus:  StatusClean,
		CreatedAt:   now,
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putItem(tx, root)
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func inoKey(ino uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ino)
	return b
}

func childKey(parentIno uint64, name, remoteID string) []byte {
	return []byte(fmt.Sprintf("%020d/%s\x00%s", parentIno, name, remoteID))
}

func childPrefix(parentIno uint64) []byte {
	return []byte(fmt.Sprintf("%020d/", parentIno))
}

// putItem writes item plus its derived index entries inside tx. Callers
// must have already removed any stale index entries (old ino/children key)
// if the item previously existed under a different parent/name.
func (s *Store) putItem(tx *bolt.Tx, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketItems).Put([]byte(item.RemoteID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketInoIndex).Put(inoKey(item.VirtualIno), []byte(item.RemoteID)); err != nil {
		return err
	}
	if !item.Deleted && item.VirtualIno != RootIno {
		if err := tx.Bucket(bucketChildren).Put(childKey(item.ParentIno, item.Name, item.RemoteID), []byte(item.RemoteID)); err != nil {
			return err
		}
	}
	return nil
}

func getItemTx(tx *bolt.Tx, remoteID string) (*Item, error) {
	raw := tx.Bucket(bucketItems).Get([]byte(remoteID))
	if raw == nil {
		return nil, ErrNotFound
	}
	item := &Item{}
	if err := json.Unmarshal(raw, item); err != nil {
		return nil, cerrors.Wrap(err, "corrupt item record")
	}
	return item, nil
}

func removeChildIndexTx(tx *bolt.Tx, item *Item) error {
	if item.VirtualIno == RootIno {
		return nil
	}
	return tx.Bucket(bucketChildren).Delete(childKey(item.ParentIno, item.Name, item.RemoteID))
}

// nextIno allocates the next virtual inode number, persisted so it never
// repeats across a restart.
func (s *Store) nextIno(tx *bolt.Tx) (uint64, error) {
	b := tx.Bucket(bucketMeta)
	raw := b.Get(keyInoCounter)
	var counter uint64 = RootIno
	if raw != nil {
		counter = binary.BigEndian.Uint64(raw)
	}
	counter++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)
	if err := b.Put(keyInoCounter, buf); err != nil {
		return 0, err
	}
	return counter, nil
}

// UpsertItem inserts or replaces the item identified by RemoteID, preserving
// its VirtualIno across updates, recomputing VirtualPath if the name or
// parent changed, and cascading that recomputation to descendants.
func (s *Store) UpsertItem(item *Item) (*Item, error) {
	var result *Item
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getItemTx(tx, item.RemoteID)
		if err == nil {
			item.VirtualIno = existing.VirtualIno
			item.VirtualPath = existing.VirtualPath
		} else if cerrors.KindOf(err) == cerrors.TypeNotFound {
			ino, err := s.nextIno(tx)
			if err != nil {
				return err
			}
			item.VirtualIno = ino
		} else {
			return err
		}

		if item.ParentRemoteID != "" {
			parent, err := getItemTx(tx, item.ParentRemoteID)
			if err != nil {
				return err
			}
			item.ParentIno = parent.VirtualIno
		} else if item.VirtualIno != RootIno {
			item.ParentIno = RootIno
		}

		pathChanged := true
		if existing != nil {
			pathChanged = existing.Name != item.Name || existing.ParentIno != item.ParentIno
			if err := removeChildIndexTx(tx, existing); err != nil {
				return err
			}
		}

		if pathChanged {
			if err := s.recomputePath(tx, item); err != nil {
				return err
			}
		}

		if err := s.putItem(tx, item); err != nil {
			return err
		}
		if pathChanged {
			if err := s.cascadePaths(tx, item); err != nil {
				return err
			}
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) recomputePath(tx *bolt.Tx, item *Item) error {
	if item.VirtualIno == RootIno {
		item.VirtualPath = "/"
		return nil
	}
	if item.ParentRemoteID == "" {
		item.VirtualPath = path.Join("/", item.Name)
		return nil
	}
	parent, err := getItemTx(tx, item.ParentRemoteID)
	if err != nil {
		return err
	}
	item.VirtualPath = path.Join(parent.VirtualPath, item.Name)
	return nil
}

// cascadePaths recomputes VirtualPath for every live descendant of item
// after its own path changed.
func (s *Store) cascadePaths(tx *bolt.Tx, item *Item) error {
	children, err := listChildrenTx(tx, item.VirtualIno, 0, 0)
	if err != nil {
		return err
	}
	for _, child := range children {
		child.VirtualPath = path.Join(item.VirtualPath, child.Name)
		if err := s.putItem(tx, child); err != nil {
			return err
		}
		if err := s.cascadePaths(tx, child); err != nil {
			return err
		}
	}
	return nil
}

// GetByIno returns the item with the given virtual inode.
func (s *Store) GetByIno(ino uint64) (*Item, error) {
	var item *Item
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInoIndex).Get(inoKey(ino))
		if raw == nil {
			return ErrNotFound
		}
		found, err := getItemTx(tx, string(raw))
		if err != nil {
			return err
		}
		item = found
		return nil
	})
	return item, err
}

// GetByRemoteID returns the item with the given remote ID.
func (s *Store) GetByRemoteID(remoteID string) (*Item, error) {
	var item *Item
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getItemTx(tx, remoteID)
		if err != nil {
			return err
		}
		item = found
		return nil
	})
	return item, err
}

// GetByPath returns the item at the given absolute virtual path. Not
// indexed directly; walks the path component by component through the
// children index, which is cheap since trees are shallow in practice and
// lets the cache above this store be the hot path for repeated lookups.
func (s *Store) GetByPath(virtualPath string) (*Item, error) {
	clean := path.Clean(virtualPath)
	if clean == "/" || clean == "." {
		return s.GetByIno(RootIno)
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")

	var item *Item
	err := s.db.View(func(tx *bolt.Tx) error {
		curIno := uint64(RootIno)
		for _, part := range parts {
			found, err := findChildTx(tx, curIno, part)
			if err != nil {
				return err
			}
			item = found
			curIno = found.VirtualIno
		}
		return nil
	})
	return item, err
}

func findChildTx(tx *bolt.Tx, parentIno uint64, name string) (*Item, error) {
	c := tx.Bucket(bucketChildren).Cursor()
	prefix := childPrefix(parentIno)
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		item, err := getItemTx(tx, string(v))
		if err != nil {
			continue
		}
		if item.Name == name {
			return item, nil
		}
	}
	return nil, ErrNotFound
}

// ListChildren returns the non-deleted children of parentIno, ordered by
// name ascending with remote ID as a stable tiebreak, starting at offset
// and capped at limit (0 means unlimited).
func (s *Store) ListChildren(parentIno uint64, offset, limit int) ([]*Item, error) {
	var items []*Item
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := listChildrenTx(tx, parentIno, offset, limit)
		items = found
		return err
	})
	return items, err
}

func listChildrenTx(tx *bolt.Tx, parentIno uint64, offset, limit int) ([]*Item, error) {
	var items []*Item
	c := tx.Bucket(bucketChildren).Cursor()
	prefix := childPrefix(parentIno)
	skipped := 0
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		item, err := getItemTx(tx, string(v))
		if err != nil {
			continue
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// Tombstone marks the item deleted and recurses to its descendants,
// removing each from the children index (but keeping the item record
// itself for audit/undo purposes).
func (s *Store) Tombstone(remoteID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.tombstoneTx(tx, remoteID)
	})
}

func (s *Store) tombstoneTx(tx *bolt.Tx, remoteID string) error {
	item, err := getItemTx(tx, remoteID)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			return nil
		}
		return err
	}
	if item.Deleted {
		return nil
	}
	children, err := listChildrenTx(tx, item.VirtualIno, 0, 0)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.tombstoneTx(tx, child.RemoteID); err != nil {
			return err
		}
	}
	if err := removeChildIndexTx(tx, item); err != nil {
		return err
	}
	item.Deleted = true
	item.SyncStatus = StatusClean
	return s.putItem(tx, item)
}

// MarkLocalChange sets the item's FileSource to Local, SyncStatus to
// local_change, and bumps LastModified to now.
func (s *Store) MarkLocalChange(ino uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInoIndex).Get(inoKey(ino))
		if raw == nil {
			return ErrNotFound
		}
		item, err := getItemTx(tx, string(raw))
		if err != nil {
			return err
		}
		item.FileSource = SourceLocal
		item.SyncStatus = StatusLocalChange
		item.LastModified = time.Now()
		return s.putItem(tx, item)
	})
}

// SetConflictState marks the item as conflicted, parking it for
// resolution without otherwise touching its content or location.
func (s *Store) SetConflictState(ino uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInoIndex).Get(inoKey(ino))
		if raw == nil {
			return ErrNotFound
		}
		item, err := getItemTx(tx, string(raw))
		if err != nil {
			return err
		}
		item.SyncStatus = StatusConflicted
		return s.putItem(tx, item)
	})
}

// SetXattr sets a single user-namespace extended attribute on the item at
// ino, creating its attribute map if this is the first one.
func (s *Store) SetXattr(ino uint64, name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInoIndex).Get(inoKey(ino))
		if raw == nil {
			return ErrNotFound
		}
		item, err := getItemTx(tx, string(raw))
		if err != nil {
			return err
		}
		if item.Xattrs == nil {
			item.Xattrs = make(map[string]string)
		}
		item.Xattrs[name] = value
		return s.putItem(tx, item)
	})
}

// RemoveXattr deletes a single extended attribute from the item at ino. A
// missing attribute is not an error.
func (s *Store) RemoveXattr(ino uint64, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInoIndex).Get(inoKey(ino))
		if raw == nil {
			return ErrNotFound
		}
		item, err := getItemTx(tx, string(raw))
		if err != nil {
			return err
		}
		delete(item.Xattrs, name)
		return s.putItem(tx, item)
	})
}

// CountConflicted returns the number of items currently parked in
// StatusConflicted, for the daemon's status summary. It scans the items
// bucket; conflicts are expected to be rare enough that this is cheaper
// than maintaining a dedicated secondary index for it.
func (s *Store) CountConflicted() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.SyncStatus == StatusConflicted {
				count++
			}
			return nil
		})
	})
	return count, err
}

// SaveConflict persists rec, keyed by its ItemIno, overwriting any prior
// record for the same item.
func (s *Store) SaveConflict(rec ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).Put(inoKey(rec.ItemIno), data)
	})
}

// GetConflict returns the persisted conflict record for ino, or
// ErrNotFound if none is parked there.
func (s *Store) GetConflict(ino uint64) (ConflictRecord, error) {
	var rec ConflictRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConflicts).Get(inoKey(ino))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// ListConflicts returns every persisted conflict record.
func (s *Store) ListConflicts() ([]ConflictRecord, error) {
	var recs []ConflictRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(_, v []byte) error {
			var rec ConflictRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// DeleteConflict removes the persisted conflict record for ino. Resolving
// a conflict does not call it; resolved records stay in the store. A
// missing record is not an error.
func (s *Store) DeleteConflict(ino uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).Delete(inoKey(ino))
	})
}

// ReplaceRemoteID rewrites an item's RemoteID from oldID to newID in
// place, preserving its VirtualIno and VirtualPath, and re-points every
// child whose ParentRemoteID referenced oldID. Used by the upload worker
// to swap a temporary "local:<uuid>" id for the real id the remote
// assigned on first successful upload.
func (s *Store) ReplaceRemoteID(oldID, newID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItemTx(tx, oldID)
		if err != nil {
			return err
		}
		if err := removeChildIndexTx(tx, item); err != nil {
			return err
		}
		if err := tx.Bucket(bucketItems).Delete([]byte(oldID)); err != nil {
			return err
		}
		item.RemoteID = newID
		if err := s.putItem(tx, item); err != nil {
			return err
		}

		children, err := listChildrenTx(tx, item.VirtualIno, 0, 0)
		if err != nil {
			return err
		}
		for _, child := range children {
			child.ParentRemoteID = newID
			if err := s.putItem(tx, child); err != nil {
				return err
			}
		}
		return nil
	})
}

const tempIDPrefix = "local:"

// AllocateTempID returns a collision-free "local:<uuid>" identifier for an
// item created locally before it has been assigned a real remote ID.
func (s *Store) AllocateTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether remoteID was minted by AllocateTempID rather
// than assigned by the remote.
func IsTempID(remoteID string) bool {
	return strings.HasPrefix(remoteID, tempIDPrefix)
}

// SetCursor persists the delta feed's position and health.
func (s *Store) SetCursor(cur Cursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCursor, data)
	})
}

// GetCursor returns the current delta cursor, or the zero Cursor if none
// has been set yet (a fresh feed).
func (s *Store) GetCursor() (Cursor, error) {
	var cur Cursor
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyCursor)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &cur)
	})
	return cur, err
}
