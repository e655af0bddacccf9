// Package remote is the facade over the cloud object store API. Token
// acquisition and the credential store are handled by an external
// component: Auth here is an opaque, already-valid bearer token the caller
// refreshes out of band.
package remote

import (
	"mime"
	"path/filepath"
	"time"
)

// Parent identifies a containing folder the way the API's parentReference
// resource does.
type Parent struct {
	ID string `json:"id,omitempty"`
}

// Hashes are the content-integrity hashes the API reports for a file. The
// reconciler does not consult them; it detects content changes by ETag.
type Hashes struct {
	SHA1         string `json:"sha1Hash,omitempty"`
	QuickXorHash string `json:"quickXorHash,omitempty"`
}

// Item is the wire representation of a remote object: a folder or a file,
// as returned by GetDelta/GetItemByID.
type Item struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Size         uint64     `json:"size,omitempty"`
	ETag         string     `json:"eTag,omitempty"`
	LastModified *time.Time `json:"lastModifiedDateTime,omitempty"`
	CreatedAt    *time.Time `json:"createdDateTime,omitempty"`
	Parent       *Parent    `json:"parentReference,omitempty"`
	Folder       *FolderFacet `json:"folder,omitempty"`
	File         *FileFacet   `json:"file,omitempty"`
	Deleted      *DeletedFacet `json:"deleted,omitempty"`
	DownloadURL  string     `json:"@microsoft.graph.downloadUrl,omitempty"`
}

// FolderFacet marks an Item as a folder.
type FolderFacet struct {
	ChildCount uint32 `json:"childCount,omitempty"`
}

// FileFacet marks an Item as a file and carries its integrity hashes.
type FileFacet struct {
	Hashes Hashes `json:"hashes,omitempty"`
}

// DeletedFacet marks an Item as a tombstone in the delta feed.
type DeletedFacet struct {
	State string `json:"state,omitempty"`
}

// IsDir reports whether the item is a folder.
func (i *Item) IsDir() bool { return i.Folder != nil }

// IsDeleted reports whether the delta feed is reporting a deletion.
func (i *Item) IsDeleted() bool { return i.Deleted != nil }

// ParentID returns the parent's ID, or "" if this is the root.
func (i *Item) ParentID() string {
	if i.Parent == nil {
		return ""
	}
	return i.Parent.ID
}

// MimeType infers a MIME type from the file extension when the remote
// didn't supply one directly (the API doesn't expose a mime field; the
// metadata store's Mime column is always locally inferred).
func (i *Item) MimeType() string {
	if i.IsDir() {
		return ""
	}
	t := mime.TypeByExtension(filepath.Ext(i.Name))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

// DeltaPage is one page of the delta feed response.
type DeltaPage struct {
	NextLink  string  `json:"@odata.nextLink,omitempty"`
	DeltaLink string  `json:"@odata.deltaLink,omitempty"`
	Items     []*Item `json:"value"`
}
