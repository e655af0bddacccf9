// Package reconciler advances the local metadata store to match the
// remote drive by paging the delta feed and applying the per-item rules
// that decide between a plain metadata update, a new download, a
// tombstone, or a conflict. Each page is applied in memory as it arrives;
// descriptors are not persisted before they are applied, and items held
// back for a missing parent are kept only in memory.
package reconciler

import (
	"context"
	"time"

	"github.com/cloudmount/cloudmount/internal/conflict"
	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/rs/zerolog/log"
)

// maxApplyPasses bounds the number of retries a reconciler gives an item
// whose parent hasn't been seen yet within the same page, after which the
// item is carried over to the next page instead of spinning forever.
const maxApplyPasses = 5

// downloadPriority is the priority assigned to downloads enqueued as a
// direct result of reconciliation (new or changed remote content).
const downloadPriority = 5

// Reconciler drives one drive's delta feed against the metadata store.
type Reconciler struct {
	client    remote.Client
	store     *metadata.CachedStore
	queue     *queue.Store
	conflicts *conflict.Resolver

	pending []*remote.Item // carried over from a prior page, still parent-less
}

// New constructs a Reconciler wired against the given collaborators.
func New(client remote.Client, store *metadata.CachedStore, q *queue.Store, conflicts *conflict.Resolver) *Reconciler {
	return &Reconciler{client: client, store: store, queue: q, conflicts: conflicts}
}

// Run executes one sync cycle: it pages the delta feed to completion (or
// until ctx is cancelled or a page fails), applying each page's items as
// they arrive, and persists the new cursor only once the server
// emits the terminal page.
func (r *Reconciler) Run(ctx context.Context) error {
	cursor, err := r.store.GetCursor()
	if err != nil {
		return cerrors.Wrap(err, "failed to load delta cursor")
	}
	cursor.Status = metadata.CursorSyncing
	if err := r.store.SetCursor(cursor); err != nil {
		log.Warn().Err(err).Msg("failed to persist syncing cursor status")
	}

	token := cursor.Token
	for {
		if err := ctx.Err(); err != nil {
			return r.fail(cursor, err)
		}

		page, continues, err := r.client.GetDelta(ctx, token)
		if err != nil {
			return r.fail(cursor, err)
		}

		r.applyPage(page.Items)

		if !continues {
			cursor.Token = page.DeltaLink
			cursor.Status = metadata.CursorIdle
			cursor.LastCompleted = time.Now()
			cursor.LastError = ""
			if err := r.store.SetCursor(cursor); err != nil {
				return cerrors.Wrap(err, "failed to persist delta cursor")
			}
			return nil
		}
		token = page.NextLink
	}
}

// fail leaves the cursor's token untouched (so the next tick restarts from
// the last persisted cursor, which only a terminal page sets) but records the failure for the status
// broadcaster to surface.
func (r *Reconciler) fail(cursor metadata.Cursor, err error) error {
	cursor.Status = metadata.CursorFailed
	cursor.LastError = err.Error()
	if setErr := r.store.SetCursor(cursor); setErr != nil {
		log.Error().Err(setErr).Msg("failed to persist failed cursor status")
	}
	return err
}

// applyPage drains a page in two passes: all deletions first, then
// everything else. Processing deletions first means a later item in the
// same page that re-parents a child away from a folder deleted earlier in
// that same page is never shadowed by the deletion — by the time the
// second pass runs, the store already reflects every tombstone the page
// carries. Within the second pass, items whose parent hasn't been resolved
// yet are retried up to maxApplyPasses times before being carried over to
// the next page.
func (r *Reconciler) applyPage(items []*remote.Item) {
	all := append(r.pending, items...)
	r.pending = nil

	var deletions, rest []*remote.Item
	for _, item := range all {
		if item.IsDeleted() {
			deletions = append(deletions, item)
		} else {
			rest = append(rest, item)
		}
	}

	for _, item := range deletions {
		if err := r.applyDeletionItem(item); err != nil {
			log.Error().Err(err).Str("remoteID", item.ID).Msg("failed to apply delta deletion")
		}
	}

	for pass := 0; pass < maxApplyPasses && len(rest) > 0; pass++ {
		var retry []*remote.Item
		for _, item := range rest {
			ok, err := r.applyNonDeletion(item)
			if err != nil {
				log.Error().Err(err).Str("remoteID", item.ID).Str("name", item.Name).
					Msg("failed to apply delta item")
				continue
			}
			if !ok {
				retry = append(retry, item)
			}
		}
		rest = retry
	}
	// Items still unresolved after the pass bound are parent-less even
	// after waiting for the rest of this page; keep them for the next page
	// rather than dropping them, since that parent may arrive there.
	r.pending = rest
}

// applyDeletionItem applies one remote tombstone. found/missing locally is
// resolved here since deletions never need to wait on a parent: a
// tombstone for an item whose parent is unknown is simply a no-op (there
// is nothing locally that needs removing).
func (r *Reconciler) applyDeletionItem(remoteItem *remote.Item) error {
	local, err := r.store.GetByRemoteID(remoteItem.ID)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			return nil
		}
		return err
	}
	return r.applyDeletion(local)
}

// applyNonDeletion applies one insert/modify/rename descriptor under the
// apply-rules table. It returns ok=false (without error) when the item's
// parent is not yet known locally at all, signalling the caller to retry
// it later in the same page or carry it to the next.
func (r *Reconciler) applyNonDeletion(remoteItem *remote.Item) (ok bool, err error) {
	parentID := remoteItem.ParentID()
	if parentID != "" {
		if _, err := r.store.GetByRemoteID(parentID); err != nil {
			if cerrors.KindOf(err) == cerrors.TypeNotFound {
				return false, nil
			}
			return false, err
		}
	}

	local, err := r.store.GetByRemoteID(remoteItem.ID)
	if err != nil {
		if cerrors.KindOf(err) != cerrors.TypeNotFound {
			return false, err
		}
		return true, r.applyInsert(remoteItem)
	}
	return true, r.applyUpdate(local, remoteItem)
}

// applyInsert handles a remote item with no corresponding local row: a
// plain insert, with a download enqueued for files.
func (r *Reconciler) applyInsert(remoteItem *remote.Item) error {
	item := fromRemote(remoteItem, nil)
	item.SyncStatus = metadata.StatusPendingDownload
	if remoteItem.IsDir() {
		item.SyncStatus = metadata.StatusClean
	}
	saved, err := r.store.UpsertItem(item)
	if err != nil {
		return err
	}
	if !saved.IsDir() {
		_, err := r.queue.Enqueue(queue.Entry{Kind: queue.KindDownload, RemoteID: saved.RemoteID, Priority: downloadPriority})
		return err
	}
	return nil
}

// applyDeletion handles a remote tombstone. A clean remote-sourced item is
// tombstoned outright; one with unsynced local changes raises DeleteOnModify
// instead of silently discarding them.
func (r *Reconciler) applyDeletion(local *metadata.Item) error {
	if local.Deleted {
		return nil
	}
	if local.FileSource == metadata.SourceLocal {
		_, err := r.conflicts.Raise(local, conflict.ClassDeleteOnModify)
		return err
	}
	return r.store.Tombstone(local.RemoteID)
}

// applyUpdate reconciles a remote descriptor against an existing local
// row: moves/renames, metadata-only changes, content changes, and the
// conflict classes that arise when local state has diverged.
//
// Deletions run before modifies/renames within a page (see applyPage), so
// a parent looked up here already reflects every tombstone the page
// carries: a target parent that comes back Deleted is a real conflict,
// not a race against an not-yet-applied deletion.
func (r *Reconciler) applyUpdate(local *metadata.Item, remoteItem *remote.Item) error {
	if local.Deleted {
		// A tombstone that came only from a deleted parent's subtree is left
		// to the parent checks below, so an item moved out of that parent in
		// the same page is applied rather than treated as deleted.
		oldParent, err := r.store.GetByRemoteID(local.ParentRemoteID)
		if err != nil || !oldParent.Deleted {
			_, err := r.conflicts.Raise(local, conflict.ClassModifyOnDelete)
			return err
		}
	}

	moved := local.ParentRemoteID != remoteItem.ParentID() || local.Name != remoteItem.Name

	if targetParentID := remoteItem.ParentID(); targetParentID != "" {
		targetParent, err := r.store.GetByRemoteID(targetParentID)
		if err != nil {
			return err
		}
		if targetParent.Deleted {
			// Renamed/moved into a tombstoned folder is MoveToDeletedParent;
			// sitting unmoved in a folder that was just tombstoned is
			// ModifyOnParentDelete instead.
			class := conflict.ClassModifyOnParentDelete
			if moved {
				class = conflict.ClassMoveToDeletedParent
			}
			_, err := r.conflicts.Raise(local, class)
			return err
		}
	}

	if moved {
		if collision, err := r.renameCollision(local, remoteItem); err != nil {
			return err
		} else if collision != nil {
			_, err := r.conflicts.Raise(local, conflict.ClassRenameOrMoveOnExisting)
			return err
		}
	}

	contentChanged := remoteItem.ETag != "" && remoteItem.ETag != local.ETag
	if !contentChanged && !moved {
		return nil
	}

	if contentChanged && local.FileSource == metadata.SourceLocal {
		_, err := r.conflicts.Raise(local, conflict.ClassModifyOnModify)
		return err
	}

	updated := fromRemote(remoteItem, local)
	if contentChanged && !remoteItem.IsDir() {
		updated.SyncStatus = metadata.StatusPendingDownload
	} else {
		updated.SyncStatus = metadata.StatusClean
	}
	saved, err := r.store.UpsertItem(updated)
	if err != nil {
		return err
	}
	if contentChanged && !saved.IsDir() {
		_, err := r.queue.Enqueue(queue.Entry{Kind: queue.KindDownload, RemoteID: saved.RemoteID, Priority: downloadPriority})
		return err
	}
	return nil
}

// renameCollision reports the item already occupying the destination slot
// implied by remoteItem's new parent/name, if any distinct item does.
func (r *Reconciler) renameCollision(local *metadata.Item, remoteItem *remote.Item) (*metadata.Item, error) {
	if remoteItem.ParentID() == "" {
		return nil, nil
	}
	parent, err := r.store.GetByRemoteID(remoteItem.ParentID())
	if err != nil {
		if cerrors.KindOf(err) == cerrors.TypeNotFound {
			return nil, nil
		}
		return nil, err
	}
	siblings, err := r.store.ListChildren(parent.VirtualIno, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if sibling.Name == remoteItem.Name && sibling.RemoteID != local.RemoteID {
			return sibling, nil
		}
	}
	return nil, nil
}

// fromRemote maps a wire Item onto a store Item, preserving fields the
// remote side doesn't carry (inode, path, creation time, xattrs) from
// prior when given. FileSource is always Remote; SyncStatus is left for
// the caller to set.
func fromRemote(remoteItem *remote.Item, prior *metadata.Item) *metadata.Item {
	kind := metadata.KindFile
	if remoteItem.IsDir() {
		kind = metadata.KindFolder
	}
	item := &metadata.Item{
		RemoteID:       remoteItem.ID,
		Name:           remoteItem.Name,
		ParentRemoteID: remoteItem.ParentID(),
		Kind:           kind,
		Size:           remoteItem.Size,
		ETag:           remoteItem.ETag,
		Mime:           remoteItem.MimeType(),
		FileSource:     metadata.SourceRemote,
	}
	if remoteItem.LastModified != nil {
		item.LastModified = *remoteItem.LastModified
	}
	if remoteItem.CreatedAt != nil {
		item.CreatedAt = *remoteItem.CreatedAt
	} else {
		item.CreatedAt = time.Now()
	}
	if prior != nil {
		item.VirtualIno = prior.VirtualIno
		item.VirtualPath = prior.VirtualPath
		item.CreatedAt = prior.CreatedAt
		item.Xattrs = prior.Xattrs
	}
	return item
}
