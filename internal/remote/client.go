package remote

import (
	"context"
	"io"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
)

// ErrNotFound is returned by MockClient lookups; the HTTP implementation
// surfaces the equivalent through the typed error hierarchy instead.
var ErrNotFound = cerrors.NewNotFoundError("item not found", nil)

// Auth holds a bearer token for the remote API. Acquiring and refreshing it
// is the responsibility of an external credential store; cloudmount only
// ever reads AccessToken.
type Auth struct {
	AccessToken string
}

// Client is the facade every other package in cloudmount programs against.
// The concrete implementation talks to an external collaborator; the
// reconciler, workers and filesystem adapter depend only on this interface
// so they can be exercised against a fake in tests.
type Client interface {
	// GetDelta fetches one page of the change feed. cursor is the opaque
	// token from the previous call, or "" to start a fresh feed. continues
	// is true when NextLink should be used for the following call instead
	// of the returned DeltaLink.
	GetDelta(ctx context.Context, cursor string) (page *DeltaPage, continues bool, err error)

	// GetItemByID fetches a single item's current metadata.
	GetItemByID(ctx context.Context, id string) (*Item, error)

	// Download streams an item's content to w. url is the item's
	// DownloadURL, refreshed via GetItemByID if expired.
	Download(ctx context.Context, url string, w io.Writer) error

	// Upload creates or replaces a file named name under parentID with the
	// given content, returning the resulting Item (with its real remote ID
	// and ETag).
	Upload(ctx context.Context, parentID, name string, content io.Reader, size int64) (*Item, error)

	// CreateFolder creates a folder named name under parentID.
	CreateFolder(ctx context.Context, parentID, name string) (*Item, error)

	// Delete removes an item by ID.
	Delete(ctx context.Context, id string) error

	// Rename moves and/or renames an item.
	Rename(ctx context.Context, id, newName, newParentID string) error
}
