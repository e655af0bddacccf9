package fsnode

import (
	"syscall"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

// itemByIno fetches the item at ino, falling back to a transient root
// stub if ino is the mount root and the store has no root item (see
// rootStub's doc comment for why this is currently unreachable).
func (fs *FS) itemByIno(ino uint64) (*metadata.Item, fuse.Status) {
	item, err := fs.store.GetByIno(ino)
	if err == nil {
		return item, fuse.OK
	}
	if cerrors.KindOf(err) != cerrors.TypeNotFound {
		log.Error().Err(err).Uint64("ino", ino).Msg("failed to read item from metadata store")
		return nil, fuse.EIO
	}
	if ino == metadata.RootIno {
		return nil, fuse.OK
	}
	return nil, fuse.ENOENT
}

// Lookup fetches a child by (parent_ino, name). ENOENT if missing or
// tombstoned.
func (fs *FS) Lookup(_ <-chan struct{}, in *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	child, err := fs.findChild(in.NodeId, name)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			return fuse.ENOENT
		}
		return fuse.EIO
	}
	out.NodeId = child.VirtualIno
	out.Attr = fs.makeAttr(child)
	out.SetAttrTimeout(cacheTimeout)
	out.SetEntryTimeout(cacheTimeout)
	return fuse.OK
}

func (fs *FS) findChild(parentIno uint64, name string) (*metadata.Item, error) {
	children, err := fs.store.ListChildren(parentIno, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, metadata.ErrNotFound
}

// GetAttr synthesizes the item's attributes. ino 1 falls back to a
// transient root stub if the store is empty.
func (fs *FS) GetAttr(_ <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	item, status := fs.itemByIno(in.NodeId)
	if status != fuse.OK {
		return status
	}
	if item == nil {
		out.Attr = fs.rootStub()
	} else {
		out.Attr = fs.makeAttr(item)
	}
	out.SetTimeout(cacheTimeout)
	return fuse.OK
}

// SetAttr applies utimens/chmod/truncate. Chmod is accepted but not
// persisted — mode is always synthesized from kind (FUSE is single-user
// here), matching the attribute synthesis rules.
func (fs *FS) SetAttr(_ <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	item, err := fs.store.GetByIno(in.NodeId)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			return fuse.ENOENT
		}
		return fuse.EIO
	}

	if mtime, valid := in.GetMTime(); valid {
		item.LastModified = mtime
	}

	if size, valid := in.GetSize(); valid && !item.IsDir() {
		if err := fs.truncate(item, size); err != nil {
			log.Error().Err(err).Uint64("ino", item.VirtualIno).Msg("failed to truncate staged content")
			return fuse.EIO
		}
		item.Size = size
	}

	if _, err := fs.store.UpsertItem(item); err != nil {
		log.Error().Err(err).Uint64("ino", item.VirtualIno).Msg("failed to persist attribute change")
		return fuse.EIO
	}

	out.Attr = fs.makeAttr(item)
	out.SetTimeout(cacheTimeout)
	return fuse.OK
}

// Mkdir creates a folder. Unlike file creation, the remote mkdir happens
// synchronously here rather than through the upload queue: a folder has
// no content to stage or retry, just a single cheap create call, so
// there is nothing for a queued entry to buy over making the call
// directly (the same reasoning behind Unlink/Rename's synchronous
// remote calls).
func (fs *FS) Mkdir(_ <-chan struct{}, in *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent, status := fs.itemByIno(in.NodeId)
	if status != fuse.OK || parent == nil {
		if status == fuse.OK {
			return fuse.ENOENT
		}
		return status
	}
	if _, err := fs.findChild(in.NodeId, name); err == nil {
		return fuse.Status(syscall.EEXIST)
	}

	remoteItem, err := fs.client.CreateFolder(opCtx(), parent.RemoteID, name)
	if err != nil {
		log.Error().Err(err).Str("name", name).Msg("failed to create folder on remote")
		return fuse.EREMOTEIO
	}

	item := &metadata.Item{
		RemoteID:       remoteItem.ID,
		Name:           name,
		ParentRemoteID: parent.RemoteID,
		Kind:           metadata.KindFolder,
		FileSource:     metadata.SourceRemote,
		SyncStatus:     metadata.StatusClean,
		CreatedAt:      time.Now(),
		LastModified:   time.Now(),
	}
	saved, err := fs.store.UpsertItem(item)
	if err != nil {
		log.Error().Err(err).Str("name", name).Msg("failed to persist created folder")
		return fuse.EIO
	}

	out.NodeId = saved.VirtualIno
	out.Attr = fs.makeAttr(saved)
	out.SetAttrTimeout(cacheTimeout)
	out.SetEntryTimeout(cacheTimeout)
	return fuse.OK
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	child, err := fs.findChild(in.NodeId, name)
	if err != nil {
		return fuse.ENOENT
	}
	children, err := fs.store.ListChildren(child.VirtualIno, 0, 1)
	if err != nil {
		return fuse.EIO
	}
	if len(children) > 0 {
		return fuse.Status(syscall.ENOTEMPTY)
	}
	return fs.unlinkChild(in.NodeId, child)
}

// OpenDir snapshots the directory's current children (plus "." and "..")
// for the subsequent ReadDir/ReadDirPlus calls.
func (fs *FS) OpenDir(_ <-chan struct{}, in *fuse.OpenIn, _ *fuse.OpenOut) fuse.Status {
	dir, status := fs.itemByIno(in.NodeId)
	if status != fuse.OK {
		return status
	}
	if dir != nil && !dir.IsDir() {
		return fuse.ENOTDIR
	}

	children, err := fs.store.ListChildren(in.NodeId, 0, 0)
	if err != nil {
		log.Error().Err(err).Uint64("ino", in.NodeId).Msg("failed to list directory children")
		return fuse.EIO
	}

	fs.mu.Lock()
	fs.opendirs[in.NodeId] = children
	fs.mu.Unlock()
	return fuse.OK
}

// ReleaseDir drops the snapshot OpenDir took.
func (fs *FS) ReleaseDir(in *fuse.ReleaseIn) {
	fs.mu.Lock()
	delete(fs.opendirs, in.NodeId)
	fs.mu.Unlock()
}

func (fs *FS) dirEntries(nodeID uint64) []*metadata.Item {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.opendirs[nodeID]
}

// ReadDirPlus serves one entry per call, doing the equivalent of a Lookup
// for it so the kernel doesn't need a follow-up round trip.
func (fs *FS) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries := fs.dirEntries(in.NodeId)
	// offsets 0 and 1 are synthesized "." / ".." and don't index entries.
	realIdx := int(in.Offset) - 2
	if in.Offset == 0 {
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Ino: in.NodeId, Mode: fuse.S_IFDIR, Name: "."})
		if entryOut != nil {
			if item, err := fs.store.GetByIno(in.NodeId); err == nil {
				entryOut.NodeId = in.NodeId
				entryOut.Attr = fs.makeAttr(item)
			}
		}
		return fuse.OK
	}
	if in.Offset == 1 {
		out.AddDirLookupEntry(fuse.DirEntry{Ino: in.NodeId, Mode: fuse.S_IFDIR, Name: ".."})
		return fuse.OK
	}
	if realIdx < 0 || realIdx >= len(entries) {
		return fuse.OK
	}

	item := entries[realIdx]
	entryOut := out.AddDirLookupEntry(fuse.DirEntry{Ino: item.VirtualIno, Mode: dirEntryMode(item), Name: item.Name})
	if entryOut == nil {
		return fuse.OK
	}
	entryOut.NodeId = item.VirtualIno
	entryOut.Attr = fs.makeAttr(item)
	entryOut.SetAttrTimeout(cacheTimeout)
	entryOut.SetEntryTimeout(cacheTimeout)
	return fuse.OK
}

// ReadDir is the plain variant, used when the kernel doesn't request
// ReadDirPlus.
func (fs *FS) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries := fs.dirEntries(in.NodeId)
	realIdx := int(in.Offset) - 2
	switch in.Offset {
	case 0:
		out.AddDirEntry(fuse.DirEntry{Ino: in.NodeId, Mode: fuse.S_IFDIR, Name: "."})
		return fuse.OK
	case 1:
		out.AddDirEntry(fuse.DirEntry{Ino: in.NodeId, Mode: fuse.S_IFDIR, Name: ".."})
		return fuse.OK
	}
	if realIdx < 0 || realIdx >= len(entries) {
		return fuse.OK
	}
	item := entries[realIdx]
	out.AddDirEntry(fuse.DirEntry{Ino: item.VirtualIno, Mode: dirEntryMode(item), Name: item.Name})
	return fuse.OK
}

func dirEntryMode(item *metadata.Item) uint32 {
	if item.IsDir() {
		return modeFolder | fuse.S_IFDIR
	}
	return modeFile | fuse.S_IFREG
}

// Rename is atomic within the store: the destination slot is checked
// first, and a non-tombstoned occupant there is EEXIST rather than being
// silently clobbered.
func (fs *FS) Rename(_ <-chan struct{}, in *fuse.RenameIn, name string, newName string) fuse.Status {
	item, err := fs.findChild(in.NodeId, name)
	if err != nil {
		return fuse.ENOENT
	}
	newParent, status := fs.itemByIno(in.Newdir)
	if status != fuse.OK || newParent == nil {
		if status == fuse.OK {
			return fuse.ENOENT
		}
		return status
	}
	if existing, err := fs.findChild(in.Newdir, newName); err == nil && existing.RemoteID != item.RemoteID {
		return fuse.Status(syscall.EEXIST)
	}

	if !metadata.IsTempID(item.RemoteID) {
		if err := fs.client.Rename(opCtx(), item.RemoteID, newName, newParent.RemoteID); err != nil {
			log.Error().Err(err).Str("remoteID", item.RemoteID).Msg("failed to rename item on remote")
			return fuse.EREMOTEIO
		}
	}

	item.Name = newName
	item.ParentRemoteID = newParent.RemoteID
	if _, err := fs.store.UpsertItem(item); err != nil {
		log.Error().Err(err).Str("remoteID", item.RemoteID).Msg("failed to persist rename")
		return fuse.EIO
	}
	return fuse.OK
}

// StatFs reports conservative fixed capacity figures; the remote drives
// in scope here don't expose a quota API uniformly enough to surface
// real numbers, and the kernel only uses this for df(1)-style reporting.
func (fs *FS) StatFs(_ <-chan struct{}, _ *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	const blkSize uint64 = 4096
	const totalBlocks uint64 = 5 * (1 << 40) / blkSize // pretend 5TB
	out.Bsize = uint32(blkSize)
	out.Blocks = totalBlocks
	out.Bfree = totalBlocks
	out.Bavail = totalBlocks
	out.Files = 1 << 20
	out.Ffree = 1 << 20
	out.NameLen = 255
	return fuse.OK
}
