package fsnode

import (
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

// userXattrPrefix is the only namespace supported. security.* and
// system.* attributes (ACLs, capabilities, SELinux labels) aren't
// meaningful for cloud-backed content, so they're rejected outright
// rather than silently accepted and dropped.
const userXattrPrefix = "user."

func isUserXattr(name string) bool {
	return strings.HasPrefix(name, userXattrPrefix)
}

// GetXAttr returns a user-namespace attribute's value, following the
// size-query convention: an empty buf means "tell me how big it is".
func (fs *FS) GetXAttr(_ <-chan struct{}, header *fuse.InHeader, name string, buf []byte) (uint32, fuse.Status) {
	if !isUserXattr(name) {
		return 0, fuse.Status(syscall.ENOTSUP)
	}
	item, err := fs.store.GetByIno(header.NodeId)
	if err != nil {
		return 0, fuse.ENOENT
	}

	value, ok := item.Xattrs[name]
	if !ok {
		return 0, fuse.Status(syscall.ENODATA)
	}
	if len(buf) == 0 {
		return uint32(len(value)), fuse.OK
	}
	if len(buf) < len(value) {
		return 0, fuse.Status(syscall.ERANGE)
	}
	copy(buf, value)
	return uint32(len(value)), fuse.OK
}

// SetXAttr stores a user-namespace attribute on the item.
func (fs *FS) SetXAttr(_ <-chan struct{}, in *fuse.SetXAttrIn, name string, value []byte) fuse.Status {
	if !isUserXattr(name) {
		return fuse.Status(syscall.ENOTSUP)
	}
	if _, err := fs.store.GetByIno(in.NodeId); err != nil {
		return fuse.ENOENT
	}
	if err := fs.store.SetXattr(in.NodeId, name, string(value)); err != nil {
		log.Error().Err(err).Uint64("ino", in.NodeId).Str("name", name).Msg("failed to set xattr")
		return fuse.EIO
	}
	return fuse.OK
}

// ListXAttr returns the null-separated list of attribute names set on
// the item, again following the size-query convention.
func (fs *FS) ListXAttr(_ <-chan struct{}, header *fuse.InHeader, buf []byte) (uint32, fuse.Status) {
	item, err := fs.store.GetByIno(header.NodeId)
	if err != nil {
		return 0, fuse.ENOENT
	}

	var totalSize uint32
	for name := range item.Xattrs {
		totalSize += uint32(len(name) + 1)
	}
	if len(buf) == 0 {
		return totalSize, fuse.OK
	}
	if len(buf) < int(totalSize) {
		return 0, fuse.Status(syscall.ERANGE)
	}

	var offset int
	for name := range item.Xattrs {
		copy(buf[offset:], name)
		offset += len(name)
		buf[offset] = 0
		offset++
	}
	return totalSize, fuse.OK
}

// RemoveXAttr deletes a user-namespace attribute from the item.
func (fs *FS) RemoveXAttr(_ <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	if !isUserXattr(name) {
		return fuse.Status(syscall.ENOTSUP)
	}
	item, err := fs.store.GetByIno(header.NodeId)
	if err != nil {
		return fuse.ENOENT
	}
	if _, ok := item.Xattrs[name]; !ok {
		return fuse.Status(syscall.ENODATA)
	}
	if err := fs.store.RemoveXattr(header.NodeId, name); err != nil {
		log.Error().Err(err).Uint64("ino", header.NodeId).Str("name", name).Msg("failed to remove xattr")
		return fuse.EIO
	}
	return fuse.OK
}
