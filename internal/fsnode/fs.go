// Package fsnode is the FUSE adapter: it translates kernel VFS operations
// into metadata store reads/writes, staging-area file access and
// queue/remote calls, via hanwen/go-fuse's low-level RawFileSystem
// interface.
package fsnode

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// cacheTimeout bounds how long the kernel caches an entry/attribute
// before re-querying.
const cacheTimeout = time.Second

const (
	downloadPriority = 5
	uploadPriority   = 5
)

// FS implements fuse.RawFileSystem against the metadata store, staging
// area and remote client. A file's FUSE node ID is always its
// metadata.Item.VirtualIno — there is no separate inode translation
// table, since the metadata store already allocates one.
type FS struct {
	fuse.RawFileSystem

	store   *metadata.CachedStore
	queue   *queue.Store
	staging *staging.Store
	client  remote.Client

	uid uint32
	gid uint32

	mu       sync.RWMutex
	opendirs map[uint64][]*metadata.Item
}

// New constructs an FS wired against the given collaborators, using the
// current process's uid/gid as the mount owner.
func New(store *metadata.CachedStore, q *queue.Store, stage *staging.Store, client remote.Client) *FS {
	return &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		store:         store,
		queue:         q,
		staging:       stage,
		client:        client,
		uid:           uint32(os.Getuid()),
		gid:           uint32(os.Getgid()),
		opendirs:      make(map[uint64][]*metadata.Item),
	}
}

// opCtx returns a background context for the remote calls an adapter
// operation makes. FUSE operations don't carry a cancellable context of
// their own (only a cancel channel, which the retry/remote layers below
// this package don't key off of), so each op gets a fresh one.
func opCtx() context.Context { return context.Background() }
