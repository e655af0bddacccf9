package fsnode

import (
	"time"

	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	modeFolder uint32 = 0o755
	modeFile   uint32 = 0o644
	blockSize  uint64 = 512
)

// makeAttr synthesizes a fuse.Attr from an item: mode by kind, uid/gid
// from the mount owner, mtime from LastModified (falling back to now),
// atime pinned to now, and size-derived blocks/blksize. nlink is always
// 1 — hard links aren't supported.
func (fs *FS) makeAttr(item *metadata.Item) fuse.Attr {
	mode := modeFile | fuse.S_IFREG
	if item.IsDir() {
		mode = modeFolder | fuse.S_IFDIR
	}

	mtime := item.LastModified
	if mtime.IsZero() {
		mtime = time.Now()
	}
	now := time.Now()

	return fuse.Attr{
		Ino:     item.VirtualIno,
		Size:    item.Size,
		Blocks:  (item.Size + blockSize - 1) / blockSize,
		Mtime:   uint64(mtime.Unix()),
		Atime:   uint64(now.Unix()),
		Ctime:   uint64(mtime.Unix()),
		Mode:    mode,
		Nlink:   1,
		Owner:   fuse.Owner{Uid: fs.uid, Gid: fs.gid},
		Blksize: uint32(blockSize),
	}
}

// rootStub synthesizes inode 1's attributes when, in principle, the
// store has no root item yet. In practice metadata.Open always seeds a
// persisted root item at startup (see internal/metadata), so this path
// is dead in the current store implementation; it's kept as a fallback
// in case a future store variant defers root creation.
func (fs *FS) rootStub() fuse.Attr {
	now := time.Now()
	return fuse.Attr{
		Ino:     metadata.RootIno,
		Mode:    modeFolder | fuse.S_IFDIR,
		Nlink:   1,
		Mtime:   uint64(now.Unix()),
		Atime:   uint64(now.Unix()),
		Ctime:   uint64(now.Unix()),
		Owner:   fuse.Owner{Uid: fs.uid, Gid: fs.gid},
		Blksize: uint32(blockSize),
	}
}
