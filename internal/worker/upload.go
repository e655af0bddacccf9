package worker

import (
	"context"

	"github.com/cloudmount/cloudmount/internal/conflict"
	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/retry"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/rs/zerolog/log"
)

// UploadWorker drains the upload queue, pushing staged file content to the
// remote and, on first successful upload of a locally-created item,
// swapping its temporary id for the real one the remote assigned.
type UploadWorker struct {
	client     remote.Client
	store      *metadata.CachedStore
	queue      *queue.Store
	staging    *staging.Store
	conflicts  *conflict.Resolver
	retryCfg   retry.Config
	maxRetries int
}

// NewUploadWorker constructs an UploadWorker. maxRetries is threaded from
// settings.json's sync_config.max_retry_count.
func NewUploadWorker(client remote.Client, store *metadata.CachedStore, q *queue.Store, stage *staging.Store, resolver *conflict.Resolver, maxRetries int) *UploadWorker {
	return &UploadWorker{
		client:     client,
		store:      store,
		queue:      q,
		staging:    stage,
		conflicts:  resolver,
		retryCfg:   retry.DefaultConfig().WithMaxRetries(maxRetries),
		maxRetries: maxRetries,
	}
}

// DrainOnce claims and processes every currently-pending upload entry,
// returning the number processed. It stops at the first ErrNoWork rather
// than blocking for more work to arrive.
func (w *UploadWorker) DrainOnce(ctx context.Context) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		entry, err := w.queue.Claim(queue.KindUpload)
		if err != nil {
			if cerrors.Is(err, queue.ErrNoWork) {
				return count, nil
			}
			return count, err
		}
		w.process(ctx, entry)
		count++
	}
}

func (w *UploadWorker) process(ctx context.Context, entry *queue.Entry) {
	item, err := w.store.GetByRemoteID(entry.RemoteID)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			// The staged item was removed or tombstoned since this entry was
			// enqueued: nothing left to push.
			w.complete(entry)
			return
		}
		w.fail(entry, err)
		return
	}
	if item.Deleted {
		w.complete(entry)
		return
	}

	pushErr := retry.Do(ctx, func() error { return w.push(ctx, item, entry) }, w.retryCfg)
	if pushErr == nil {
		w.complete(entry)
		return
	}
	if cerrors.IsPermanent(pushErr) {
		if convErr := w.conflict(item, pushErr); convErr != nil {
			log.Error().Err(convErr).Uint64("entryID", entry.ID).Msg("failed to raise upload conflict")
		}
		w.complete(entry)
		return
	}
	w.fail(entry, pushErr)
}

// push streams the staged file to the remote and folds the result back
// into the metadata store, swapping a temporary id for the real one on the
// item's first successful upload.
func (w *UploadWorker) push(ctx context.Context, item *metadata.Item, entry *queue.Entry) error {
	f, err := w.staging.OpenFile(staging.AreaUploads, entry.LocalPath)
	if err != nil {
		return cerrors.NewIOError("failed to open staged upload", err)
	}
	defer f.Close()

	size, err := w.staging.Size(staging.AreaUploads, entry.LocalPath)
	if err != nil {
		return cerrors.NewIOError("failed to stat staged upload", err)
	}

	remoteItem, err := w.client.Upload(ctx, entry.ParentRemoteID, entry.Name, f, size)
	if err != nil {
		return err
	}

	oldID := item.RemoteID
	if oldID != remoteItem.ID {
		if err := w.store.ReplaceRemoteID(oldID, remoteItem.ID); err != nil {
			return err
		}
		item, err = w.store.GetByRemoteID(remoteItem.ID)
		if err != nil {
			return err
		}
	}

	item.ETag = remoteItem.ETag
	item.Size = remoteItem.Size
	if remoteItem.LastModified != nil {
		item.LastModified = *remoteItem.LastModified
	}
	item.FileSource = metadata.SourceRemote
	item.SyncStatus = metadata.StatusClean
	_, err = w.store.UpsertItem(item)
	return err
}

// conflict translates a permanent remote rejection into the matching
// local-vs-remote conflict class. A temporary id means this upload was the
// item's first: the remote already holds something at that name, so it is
// a create-on-existing collision. Any other permanent rejection of a
// resync upload is a modify racing a remote modify.
func (w *UploadWorker) conflict(item *metadata.Item, cause error) error {
	class := conflict.ClassModifyOnModified
	if metadata.IsTempID(item.RemoteID) {
		class = conflict.ClassCreateOnExisting
	}
	log.Warn().Err(cause).Str("class", string(class)).Uint64("ino", item.VirtualIno).
		Str("path", item.VirtualPath).Msg("upload rejected by remote")
	_, err := w.conflicts.Raise(item, class)
	return err
}

func (w *UploadWorker) complete(entry *queue.Entry) {
	if err := w.queue.Complete(entry.ID); err != nil {
		log.Error().Err(err).Uint64("entryID", entry.ID).Msg("failed to mark upload entry completed")
	}
}

func (w *UploadWorker) fail(entry *queue.Entry, cause error) {
	backoff := retry.Backoff(w.retryCfg, entry.RetryCount)
	if err := w.queue.Retry(entry.ID, cause, backoff, w.maxRetries); err != nil {
		log.Error().Err(err).Uint64("entryID", entry.ID).Msg("failed to reschedule failed upload entry")
		return
	}
	log.Warn().Err(cause).Uint64("entryID", entry.ID).Str("remoteID", entry.RemoteID).
		Int("retryCount", entry.RetryCount+1).Dur("backoff", backoff).
		Msg("upload attempt failed")
}
