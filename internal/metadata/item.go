// Package metadata is the transactional store of record for every item
// cloudmount knows about: its remote identity, its synthesized inode and
// virtual path, and its sync state.
package metadata

import "time"

// Kind distinguishes a folder from a file.
type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

// FileSource records which side last authoritatively wrote an item's
// content: the remote, a pending local edit, or a not-yet-materialized
// placeholder.
type FileSource string

const (
	SourceRemote FileSource = "Remote"
	SourceLocal  FileSource = "Local"
	SourceStub   FileSource = "Stub"
)

// SyncStatus is the item's position in the sync lifecycle.
type SyncStatus string

const (
	StatusClean           SyncStatus = "clean"
	StatusPendingDownload SyncStatus = "pending_download"
	StatusPendingUpload   SyncStatus = "pending_upload"
	StatusLocalChange     SyncStatus = "local_change"
	StatusConflicted      SyncStatus = "conflicted"
	StatusStub            SyncStatus = "stub"
)

// RootIno is the fixed inode of the mount root; it is never reallocated.
const RootIno uint64 = 1

// Item is the unit of metadata persisted by the Store.
type Item struct {
	RemoteID       string            `json:"remote_id"`
	Name           string            `json:"name"`
	ParentRemoteID string            `json:"parent_remote_id,omitempty"`
	Kind           Kind              `json:"kind"`
	Size           uint64            `json:"size"`
	ETag           string            `json:"etag,omitempty"`
	LastModified   time.Time         `json:"last_modified"`
	CreatedAt      time.Time         `json:"created_at"`
	Mime           string            `json:"mime,omitempty"`
	Deleted        bool              `json:"deleted"`
	VirtualIno     uint64            `json:"virtual_ino"`
	VirtualPath    string            `json:"virtual_path"`
	ParentIno      uint64            `json:"parent_ino"`
	FileSource     FileSource        `json:"file_source"`
	SyncStatus     SyncStatus        `json:"sync_status"`
	Xattrs         map[string]string `json:"xattrs,omitempty"`
}

// IsDir reports whether the item is a folder.
func (i *Item) IsDir() bool { return i.Kind == KindFolder }

// CursorStatus is the delta feed's health, per the process-global cursor.
type CursorStatus string

const (
	CursorSyncing CursorStatus = "syncing"
	CursorIdle    CursorStatus = "idle"
	CursorFailed  CursorStatus = "failed"
)

// Cursor is the single process-global delta feed bookmark.
type Cursor struct {
	Token         string       `json:"token"`
	LastCompleted time.Time    `json:"last_completed_at"`
	Status        CursorStatus `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
}

// ConflictRecord is a persisted collision between a local and a remote
// change to the same item, keyed by the item's virtual inode. Class and
// Resolution are opaque strings here (the internal/conflict package owns
// their actual vocabulary) so this package doesn't need to import
// internal/conflict to persist them.
type ConflictRecord struct {
	ItemIno    uint64     `json:"item_ino"`
	Class      string     `json:"class"`
	DetectedAt time.Time  `json:"detected_at"`
	Resolution string     `json:"resolution"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
