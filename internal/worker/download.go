// Package worker drains the persistent download and upload queues,
// moving bytes between the remote client and the staging area and
// keeping the metadata store's sync state in lock-step with each
// transfer's outcome.
package worker

import (
	"context"
	"io"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/retry"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/rs/zerolog/log"
)

// DownloadWorker drains the download queue in priority DESC, created_at ASC
// order (via queue.Store.Claim), fetching each item's content into the
// download staging area.
type DownloadWorker struct {
	client     remote.Client
	store      *metadata.CachedStore
	queue      *queue.Store
	staging    *staging.Store
	retryCfg   retry.Config
	maxRetries int
}

// NewDownloadWorker constructs a DownloadWorker. maxRetries is threaded
// from settings.json's sync_config.max_retry_count.
func NewDownloadWorker(client remote.Client, store *metadata.CachedStore, q *queue.Store, stage *staging.Store, maxRetries int) *DownloadWorker {
	return &DownloadWorker{
		client:     client,
		store:      store,
		queue:      q,
		staging:    stage,
		retryCfg:   retry.DefaultConfig().WithMaxRetries(maxRetries),
		maxRetries: maxRetries,
	}
}

// DrainOnce claims and processes every currently-pending download entry,
// returning the number processed. It stops at the first ErrNoWork rather
// than blocking for more work to arrive.
func (w *DownloadWorker) DrainOnce(ctx context.Context) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		entry, err := w.queue.Claim(queue.KindDownload)
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

func (w *DownloadWorker) process(ctx context.Context, entry *queue.Entry) {
	item, err := w.store.GetByRemoteID(entry.RemoteID)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			// Item gone or tombstoned since this entry was enqueued: nothing
			// to fetch, the entry is simply stale.
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

	fetchErr := retry.Do(ctx, func() error { return w.fetch(ctx, item) }, w.retryCfg)
	if fetchErr != nil {
		w.fail(entry, fetchErr)
		return
	}
	w.complete(entry)
}

// fetch resolves a fresh download URL (the one on record may have expired)
// and streams content into the download staging area via a pipe, so the
// remote client's io.Writer contract can feed the staging area's
// io.Reader-based write-to-temp-then-rename path without buffering the
// whole file in memory.
func (w *DownloadWorker) fetch(ctx context.Context, item *metadata.Item) error {
	remoteItem, err := w.client.GetItemByID(ctx, item.RemoteID)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	downloadErr := make(chan error, 1)
	go func() {
		downloadErr <- w.client.Download(ctx, remoteItem.DownloadURL, pw)
		pw.Close()
	}()

	size, writeErr := w.staging.Write(staging.AreaDownloads, item.VirtualPath, pr)
	if err := <-downloadErr; err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	item.Size = uint64(size)
	item.ETag = remoteItem.ETag
	if remoteItem.LastModified != nil {
		item.LastModified = *remoteItem.LastModified
	}
	item.FileSource = metadata.SourceRemote
	item.SyncStatus = metadata.StatusClean
	_, err = w.store.UpsertItem(item)
	return err
}

func (w *DownloadWorker) complete(entry *queue.Entry) {
	if err := w.queue.Complete(entry.ID); err != nil {
		log.Error().Err(err).Uint64("entryID", entry.ID).Msg("failed to mark download entry completed")
	}
}

func (w *DownloadWorker) fail(entry *queue.Entry, cause error) {
	backoff := retry.Backoff(w.retryCfg, entry.RetryCount)
	if err := w.queue.Retry(entry.ID, cause, backoff, w.maxRetries); err != nil {
		log.Error().Err(err).Uint64("entryID", entry.ID).Msg("failed to reschedule failed download entry")
		return
	}
	log.Warn().Err(cause).Uint64("entryID", entry.ID).Str("remoteID", entry.RemoteID).
		Int("retryCount", entry.RetryCount+1).Dur("backoff", backoff).
		Msg("download attempt failed")
}
