package fsnode

import (
	"syscall"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

// Mknod creates a regular file. Unlike Mkdir, it is not pushed to the
// remote here — the upload queue picks it up on the first Flush.
func (fs *FS) Mknod(_ <-chan struct{}, in *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
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

	item := &metadata.Item{
		RemoteID:       fs.store.AllocateTempID(),
		Name:           name,
		ParentRemoteID: parent.RemoteID,
		Kind:           metadata.KindFile,
		FileSource:     metadata.SourceLocal,
		SyncStatus:     metadata.StatusPendingUpload,
		CreatedAt:      time.Now(),
		LastModified:   time.Now(),
	}
	saved, err := fs.store.UpsertItem(item)
	if err != nil {
		log.Error().Err(err).Str("name", name).Msg("failed to create local file")
		return fuse.EIO
	}

	out.NodeId = saved.VirtualIno
	out.Attr = fs.makeAttr(saved)
	out.SetAttrTimeout(cacheTimeout)
	out.SetEntryTimeout(cacheTimeout)
	return fuse.OK
}

// Create creates and opens a regular file, reusing Mknod. Per "man creat",
// an existing file at that name is truncated rather than treated as an
// error.
func (fs *FS) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	result := fs.Mknod(cancel, &fuse.MknodIn{InHeader: in.InHeader, Mode: in.Mode}, name, &out.EntryOut)
	if result != fuse.Status(syscall.EEXIST) {
		return result
	}

	child, err := fs.findChild(in.NodeId, name)
	if err != nil {
		return fuse.ENOENT
	}
	if err := fs.truncate(child, 0); err != nil {
		log.Error().Err(err).Str("name", name).Msg("failed to truncate existing file on create")
		return fuse.EIO
	}
	child.Size = 0
	if _, err := fs.store.UpsertItem(child); err != nil {
		return fuse.EIO
	}
	out.NodeId = child.VirtualIno
	out.Attr = fs.makeAttr(child)
	out.SetAttrTimeout(cacheTimeout)
	out.SetEntryTimeout(cacheTimeout)
	return fuse.OK
}

// Open just confirms the node exists; content is served lazily by Read,
// so no staged bytes need to be ready by the time Open returns.
func (fs *FS) Open(_ <-chan struct{}, in *fuse.OpenIn, _ *fuse.OpenOut) fuse.Status {
	item, err := fs.store.GetByIno(in.NodeId)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			return fuse.ENOENT
		}
		return fuse.EIO
	}
	if item.IsDir() {
		return fuse.Status(syscall.EISDIR)
	}
	return fuse.OK
}

// Unlink tombstones the item and, for items the remote already knows
// about, deletes it there synchronously — a single cheap HTTP call, not
// worth a persisted queue kind of its own.
func (fs *FS) Unlink(_ <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	child, err := fs.findChild(in.NodeId, name)
	if err != nil {
		return fuse.ENOENT
	}
	return fs.unlinkChild(in.NodeId, child)
}

func (fs *FS) unlinkChild(_ uint64, child *metadata.Item) fuse.Status {
	if !metadata.IsTempID(child.RemoteID) {
		if err := fs.client.Delete(opCtx(), child.RemoteID); err != nil {
			log.Error().Err(err).Str("remoteID", child.RemoteID).Msg("failed to delete item on remote")
			return fuse.EREMOTEIO
		}
	}
	if err := fs.store.Tombstone(child.RemoteID); err != nil {
		log.Error().Err(err).Str("remoteID", child.RemoteID).Msg("failed to tombstone item")
		return fuse.EIO
	}
	for _, area := range []staging.Area{staging.AreaUploads, staging.AreaDownloads, staging.AreaLocal} {
		if err := fs.staging.Delete(area, child.VirtualPath); err != nil {
			log.Error().Err(err).Str("path", child.VirtualPath).Msg("failed to delete staged content")
		}
	}
	return fuse.OK
}

// truncate resizes whatever content is currently staged for item, in
// whichever area it lives, to newSize.
func (fs *FS) truncate(item *metadata.Item, newSize uint64) error {
	area := fs.stagedArea(item.VirtualPath)
	if area == "" {
		area = staging.AreaUploads
	}
	f, err := fs.staging.OpenFile(area, item.VirtualPath)
	if err != nil {
		// nothing staged yet; a zero-length write will create it lazily.
		if newSize == 0 {
			return nil
		}
		return err
	}
	defer f.Close()
	return f.Truncate(int64(newSize))
}

// stagedArea reports which staging area currently holds content for
// virtualPath, preferring uploads (freshest local edits) over downloads.
// Returns "" if nothing is staged anywhere.
func (fs *FS) stagedArea(virtualPath string) staging.Area {
	switch {
	case fs.staging.Has(staging.AreaUploads, virtualPath):
		return staging.AreaUploads
	case fs.staging.Has(staging.AreaDownloads, virtualPath):
		return staging.AreaDownloads
	default:
		return ""
	}
}

// Read serves from staged content when present. Otherwise it returns a
// deterministic placeholder immediately and enqueues a background
// download, rather than blocking the calling process on the transfer.
func (fs *FS) Read(_ <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	item, err := fs.store.GetByIno(in.NodeId)
	if err != nil {
		return fuse.ReadResultData(nil), fuse.ENOENT
	}

	area := fs.stagedArea(item.VirtualPath)
	if area != "" {
		f, err := fs.staging.OpenFile(area, item.VirtualPath)
		if err != nil {
			log.Error().Err(err).Str("path", item.VirtualPath).Msg("failed to open staged content for read")
			return fuse.ReadResultData(nil), fuse.EIO
		}
		defer f.Close()
		n, err := f.ReadAt(buf, int64(in.Offset))
		if err != nil && n == 0 {
			return fuse.ReadResultData(nil), fuse.OK
		}
		return fuse.ReadResultData(buf[:n]), fuse.OK
	}

	placeholder := staging.Placeholder(item.Name, item.Size)
	fs.enqueueDownload(item)

	if int(in.Offset) >= len(placeholder) {
		return fuse.ReadResultData(nil), fuse.OK
	}
	end := int(in.Offset) + len(buf)
	if end > len(placeholder) {
		end = len(placeholder)
	}
	return fuse.ReadResultData(placeholder[in.Offset:end]), fuse.OK
}

func (fs *FS) enqueueDownload(item *metadata.Item) {
	_, err := fs.queue.Enqueue(queue.Entry{
		Kind:     queue.KindDownload,
		RemoteID: item.RemoteID,
		Priority: downloadPriority,
	})
	if err != nil {
		log.Error().Err(err).Str("remoteID", item.RemoteID).Msg("failed to enqueue on-demand download")
	}
}

// Write applies a bounded in-place write to the uploads staging area,
// promoting any previously-downloaded content there first on the item's
// first local edit.
func (fs *FS) Write(_ <-chan struct{}, in *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	item, err := fs.store.GetByIno(in.NodeId)
	if err != nil {
		return 0, fuse.EBADF
	}

	if !fs.staging.Has(staging.AreaUploads, item.VirtualPath) && fs.staging.Has(staging.AreaDownloads, item.VirtualPath) {
		if err := fs.staging.Move(staging.AreaDownloads, item.VirtualPath, staging.AreaUploads, item.VirtualPath); err != nil {
			log.Error().Err(err).Str("path", item.VirtualPath).Msg("failed to promote downloaded content for local write")
			return 0, fuse.EIO
		}
	}

	if err := fs.staging.WriteAt(staging.AreaUploads, item.VirtualPath, data, int64(in.Offset)); err != nil {
		log.Error().Err(err).Str("path", item.VirtualPath).Msg("failed to write staged content")
		return 0, fuse.EIO
	}

	size, err := fs.staging.Size(staging.AreaUploads, item.VirtualPath)
	if err == nil && uint64(size) > item.Size {
		item.Size = uint64(size)
	}
	item.LastModified = time.Now()
	if _, err := fs.store.UpsertItem(item); err != nil {
		log.Error().Err(err).Str("path", item.VirtualPath).Msg("failed to persist write")
		return 0, fuse.EIO
	}
	if err := fs.store.MarkLocalChange(item.VirtualIno); err != nil {
		log.Error().Err(err).Uint64("ino", item.VirtualIno).Msg("failed to mark local change")
	}

	return uint32(len(data)), fuse.OK
}

// Fsync enqueues an upload of the item's staged content, if it has any
// local changes pending. It does not wait for the upload to finish.
func (fs *FS) Fsync(_ <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	item, err := fs.store.GetByIno(in.NodeId)
	if err != nil {
		return fuse.EBADF
	}
	if item.SyncStatus != metadata.StatusLocalChange && item.SyncStatus != metadata.StatusPendingUpload {
		return fuse.OK
	}
	if !fs.staging.Has(staging.AreaUploads, item.VirtualPath) {
		return fuse.OK
	}

	_, err = fs.queue.Enqueue(queue.Entry{
		Kind:           queue.KindUpload,
		RemoteID:       item.RemoteID,
		LocalPath:      item.VirtualPath,
		ParentRemoteID: item.ParentRemoteID,
		Name:           item.Name,
		Priority:       uploadPriority,
	})
	if err != nil {
		log.Error().Err(err).Str("remoteID", item.RemoteID).Msg("failed to enqueue upload")
		return fuse.EREMOTEIO
	}
	return fuse.OK
}

// Flush runs Fsync when a file descriptor is closed; Release does no
// further cleanup since content isn't held open between calls.
func (fs *FS) Flush(cancel <-chan struct{}, in *fuse.FlushIn) fuse.Status {
	return fs.Fsync(cancel, &fuse.FsyncIn{InHeader: in.InHeader})
}

// Release is a no-op: file handles aren't pooled between FUSE calls, so
// there's nothing held open to release.
func (fs *FS) Release(in *fuse.ReleaseIn) {}
