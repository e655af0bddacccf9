// Package conflict classifies and resolves collisions between local and
// remote changes to the same item: each class maps to a default
// resolution under the configured policy, which then drives a concrete
// follow-up action against the metadata store, queues and staging area.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/metadata"
	"github.com/cloudmount/cloudmount/internal/queue"
	"github.com/cloudmount/cloudmount/internal/staging"
	"github.com/rs/zerolog/log"
)

// Class names a specific kind of collision. The remote-vs-local classes
// are raised by the delta reconciler; the local-vs-remote classes are
// raised by the upload worker on API rejection, or by delta ingest when a
// local change's target already exists remotely.
type Class string

const (
	ClassCreateOnCreate          Class = "CreateOnCreate"
	ClassModifyOnModify          Class = "ModifyOnModify"
	ClassModifyOnDelete          Class = "ModifyOnDelete"
	ClassModifyOnParentDelete    Class = "ModifyOnParentDelete"
	ClassDeleteOnModify          Class = "DeleteOnModify"
	ClassRenameOrMoveOnExisting  Class = "RenameOrMoveOnExisting"
	ClassMoveOnMove              Class = "MoveOnMove"
	ClassMoveToDeletedParent     Class = "MoveToDeletedParent"
	ClassCreateOnExisting        Class = "CreateOnExisting"
	ClassModifyOnDeleted         Class = "ModifyOnDeleted"
	ClassModifyOnModified        Class = "ModifyOnModified"
	ClassDeleteOnModified        Class = "DeleteOnModified"
	ClassRenameOrMoveToExisting  Class = "RenameOrMoveToExisting"
	ClassRenameOrMoveOfDeleted   Class = "RenameOrMoveOfDeleted"
)

// Resolution is the action taken against a conflict record.
type Resolution string

const (
	ResolveUseRemote Resolution = "UseRemote"
	ResolveUseLocal  Resolution = "UseLocal"
	ResolveKeepBoth  Resolution = "KeepBoth"
	ResolveUseNewest Resolution = "UseNewest"
	ResolveUseOldest Resolution = "UseOldest"
	ResolveUseLargest Resolution = "UseLargest"
	ResolveUseSmallest Resolution = "UseSmallest"
	ResolveSkip      Resolution = "Skip"
	ResolveManual    Resolution = "Manual"
)

// Record is a persisted conflict awaiting or having undergone resolution.
type Record struct {
	ItemIno    uint64     `json:"item_ino"`
	Class      Class      `json:"class"`
	DetectedAt time.Time  `json:"detected_at"`
	Resolution Resolution `json:"resolution"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// defaultResolution maps each class to the resolution applied under
// AlwaysRemote/AlwaysLocal; Manual always parks the record regardless of
// class.
func defaultResolution(class Class, strategy config.ConflictStrategy) Resolution {
	if strategy == config.StrategyManual {
		return ResolveManual
	}

	switch class {
	case ClassCreateOnCreate, ClassRenameOrMoveOnExisting, ClassRenameOrMoveToExisting:
		return ResolveKeepBoth
	case ClassModifyOnDelete, ClassMoveToDeletedParent, ClassModifyOnParentDelete, ClassModifyOnDeleted:
		if strategy == config.StrategyAlwaysRemote {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	case ClassDeleteOnModify, ClassDeleteOnModified:
		if strategy == config.StrategyAlwaysRemote {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	default:
		if strategy == config.StrategyAlwaysRemote {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	}
}

// Resolver applies a configured conflict policy against detected
// conflicts, driving the metadata store, upload queue and staging area to
// carry out each resolution's follow-up action.
type Resolver struct {
	strategy config.ConflictStrategy
	store    *metadata.CachedStore
	queue    *queue.Store
	staging  *staging.Store
}

// NewResolver constructs a Resolver applying strategy by default.
func NewResolver(strategy config.ConflictStrategy, store *metadata.CachedStore, q *queue.Store, stage *staging.Store) *Resolver {
	return &Resolver{strategy: strategy, store: store, queue: q, staging: stage}
}

// Raise records a new conflict for item under class and immediately
// resolves it under the configured policy (or parks it, under Manual).
func (r *Resolver) Raise(item *metadata.Item, class Class) (*Record, error) {
	rec := &Record{
		ItemIno:    item.VirtualIno,
		Class:      class,
		DetectedAt: time.Now(),
		Resolution: defaultResolution(class, r.strategy),
	}
	log.Warn().Str("class", string(class)).Uint64("ino", item.VirtualIno).Str("path", item.VirtualPath).
		Msg("conflict detected")

	if err := r.store.SetConflictState(item.VirtualIno); err != nil {
		return nil, err
	}
	if err := r.persist(rec); err != nil {
		return nil, err
	}

	if rec.Resolution == ResolveManual {
		return rec, nil
	}
	if err := r.Apply(item, rec); err != nil {
		return rec, err
	}
	now := time.Now()
	rec.ResolvedAt = &now
	if err := r.persist(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// persist writes rec to the metadata store's conflicts bucket, so a parked
// Manual record (or the detection/resolution history of an already-applied
// one) survives a restart instead of living only in the returned Record.
func (r *Resolver) persist(rec *Record) error {
	return r.store.SaveConflict(metadata.ConflictRecord{
		ItemIno:    rec.ItemIno,
		Class:      string(rec.Class),
		DetectedAt: rec.DetectedAt,
		Resolution: string(rec.Resolution),
		ResolvedAt: rec.ResolvedAt,
	})
}

// Apply carries out rec's resolution against item.
func (r *Resolver) Apply(item *metadata.Item, rec *Record) error {
	switch rec.Resolution {
	case ResolveUseRemote:
		return r.useRemote(item)
	case ResolveUseLocal:
		return r.useLocal(item)
	case ResolveKeepBoth:
		return r.keepBoth(item)
	case ResolveSkip:
		return nil
	case ResolveManual:
		return nil
	default:
		return fmt.Errorf("conflict: unhandled resolution %q", rec.Resolution)
	}
}

func (r *Resolver) useRemote(item *metadata.Item) error {
	if err := r.staging.Delete(staging.AreaUploads, item.VirtualPath); err != nil {
		return err
	}
	item.FileSource = metadata.SourceRemote
	item.SyncStatus = metadata.StatusPendingDownload
	if _, err := r.store.UpsertItem(item); err != nil {
		return err
	}
	if !item.IsDir() {
		_, err := r.queue.Enqueue(queue.Entry{Kind: queue.KindDownload, RemoteID: item.RemoteID, Priority: 5})
		return err
	}
	return nil
}

func (r *Resolver) useLocal(item *metadata.Item) error {
	item.FileSource = metadata.SourceLocal
	item.SyncStatus = metadata.StatusPendingUpload
	if _, err := r.store.UpsertItem(item); err != nil {
		return err
	}
	_, err := r.queue.Enqueue(queue.Entry{
		Kind:           queue.KindUpload,
		RemoteID:       item.RemoteID,
		LocalPath:      item.VirtualPath,
		ParentRemoteID: item.ParentRemoteID,
		Name:           item.Name,
		Priority:       5,
	})
	return err
}

// keepBoth renames the local copy to "name (local copy N)" for the
// smallest N making (parent_ino, new_name) unique, then treats both arms
// as no longer conflicting: the renamed local copy is queued for upload
// under its new name and the original slot is free to receive the remote
// version on the next reconcile pass.
func (r *Resolver) keepBoth(item *metadata.Item) error {
	newName, err := r.uniqueCopyName(item.ParentIno, item.Name)
	if err != nil {
		return err
	}
	oldPath := item.VirtualPath
	item.Name = newName
	updated, err := r.store.UpsertItem(item)
	if err != nil {
		return err
	}
	if r.staging.Has(staging.AreaUploads, oldPath) {
		if err := r.staging.Move(staging.AreaUploads, oldPath, staging.AreaUploads, updated.VirtualPath); err != nil {
			return err
		}
	}
	updated.FileSource = metadata.SourceLocal
	updated.SyncStatus = metadata.StatusPendingUpload
	if _, err := r.store.UpsertItem(updated); err != nil {
		return err
	}
	_, err = r.queue.Enqueue(queue.Entry{
		Kind:           queue.KindUpload,
		RemoteID:       updated.RemoteID,
		LocalPath:      updated.VirtualPath,
		ParentRemoteID: updated.ParentRemoteID,
		Name:           updated.Name,
		Priority:       5,
	})
	return err
}

func (r *Resolver) uniqueCopyName(parentIno uint64, name string) (string, error) {
	base, ext := splitExt(name)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (local copy %d)%s", base, n, ext)
		children, err := r.store.ListChildren(parentIno, 0, 0)
		if err != nil {
			return "", err
		}
		taken := false
		for _, c := range children {
			if c.Name == candidate {
				taken = true
				break
			}
		}
		if !taken {
			return candidate, nil
		}
	}
}

func splitExt(name string) (base, ext string) {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx], name[idx:]
	}
	return name, ""
}

// ReduceByAttribute collapses UseNewest/UseOldest/UseLargest/UseSmallest
// into UseRemote or UseLocal by comparing the named attribute between
// local and remote candidates.
func ReduceByAttribute(resolution Resolution, localModified, remoteModified time.Time, localSize, remoteSize uint64) Resolution {
	switch resolution {
	case ResolveUseNewest:
		if remoteModified.After(localModified) {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	case ResolveUseOldest:
		if remoteModified.Before(localModified) {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	case ResolveUseLargest:
		if remoteSize > localSize {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	case ResolveUseSmallest:
		if remoteSize < localSize {
			return ResolveUseRemote
		}
		return ResolveUseLocal
	default:
		return resolution
	}
}
