// Package queue implements the persistent download and upload work
// queues: priority-ordered FIFOs with CAS status transitions so at most
// one worker ever claims a given entry.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// Status is an entry's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Kind distinguishes which queue an entry belongs to.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// Entry is one unit of queued work. For downloads, RemoteID identifies the
// item to fetch. For uploads, RemoteID carries the item's current (possibly
// temporary "local:" prefixed) id so the worker can look it up directly,
// and LocalPath/ParentRemoteID/Name identify the staged bytes and their
// destination.
type Entry struct {
	ID             uint64    `json:"id"`
	Kind           Kind      `json:"kind"`
	RemoteID       string    `json:"remote_id,omitempty"`
	LocalPath      string    `json:"local_path,omitempty"`
	ParentRemoteID string    `json:"parent_remote_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	Status         Status    `json:"status"`
	Priority       int       `json:"priority"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// ErrNoWork is returned by Claim when no eligible entry is available. bbolt
// serializes writers, so the pending-to-in_progress transition below is
// already atomic without a separate compare-and-swap error path.
var ErrNoWork = cerrors.NewNotFoundError("no queued work available", nil)

var bucketEntries = []byte("entries") // big-endian id -> json Entry
var bucketCounter = []byte("counter")
var keyNextID = []byte("next_id")

// Store is the persistent queue backing both download and upload work. It
// shares its bbolt handle with internal/metadata's Store rather than
// opening a second database file: both the items/cursor/conflicts buckets
// and the queue's entries/counter buckets live in one items.db.
type Store struct {
	db *bolt.DB
}

// Open creates the queue's buckets on db if they don't already exist and
// returns a Store backed by it. db is owned by whoever opened it
// (typically metadata.Store) and is not closed here.
func Open(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketCounter} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to initialize queue buckets")
	}
	return &Store{db: db}, nil
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Enqueue adds a new pending entry and returns its assigned ID.
func (s *Store) Enqueue(entry Entry) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketCounter)
		raw := cb.Get(keyNextID)
		var next uint64 = 1
		if raw != nil {
			next = binary.BigEndian.Uint64(raw) + 1
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		if err := cb.Put(keyNextID, buf); err != nil {
			return err
		}

		entry.ID = next
		entry.Status = StatusPending
		entry.CreatedAt = time.Now()
		entry.UpdatedAt = entry.CreatedAt
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		id = next
		return tx.Bucket(bucketEntries).Put(idKey(next), data)
	})
	return id, err
}

// Claim finds the highest-priority, oldest pending entry of kind whose
// UpdatedAt (the backoff-delayed retry time) is not in the future, and
// atomically transitions it to in_progress.
func (s *Store) Claim(kind Kind) (*Entry, error) {
	var claimed *Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var best *Entry
		now := time.Now()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Kind != kind || e.Status != StatusPending || e.UpdatedAt.After(now) {
				continue
			}
			if best == nil || better(&e, best) {
				best = &e
			}
		}
		if best == nil {
			return ErrNoWork
		}
		best.Status = StatusInProgress
		best.UpdatedAt = now
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(best.ID), data); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// better reports whether candidate should be preferred over current under
// priority DESC, created_at ASC ordering.
func better(candidate, current *Entry) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority > current.Priority
	}
	return candidate.CreatedAt.Before(current.CreatedAt)
}

// Complete marks id completed.
func (s *Store) Complete(id uint64) error {
	return s.transition(id, func(e *Entry) {
		e.Status = StatusCompleted
		e.UpdatedAt = time.Now()
	})
}

// Retry records a failed attempt. If retryCount is now below maxRetries the
// entry goes back to pending with UpdatedAt pushed out by backoff,
// otherwise it is marked failed permanently.
func (s *Store) Retry(id uint64, failErr error, backoff time.Duration, maxRetries int) error {
	return s.transition(id, func(e *Entry) {
		e.RetryCount++
		if failErr != nil {
			e.LastError = failErr.Error()
		}
		if e.RetryCount >= maxRetries {
			e.Status = StatusFailed
			e.UpdatedAt = time.Now()
			return
		}
		e.Status = StatusPending
		e.UpdatedAt = time.Now().Add(backoff)
	})
}

func (s *Store) transition(id uint64, fn func(*Entry)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get(idKey(id))
		if raw == nil {
			return fmt.Errorf("queue: entry %d not found", id)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		fn(&e)
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), data)
	})
}

// RecoverAbandoned resets any in_progress entry whose UpdatedAt is older
// than grace back to pending, treating it as orphaned by a crashed
// worker rather than requiring manual intervention.
func (s *Store) RecoverAbandoned(grace time.Duration) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cutoff := time.Now().Add(-grace)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Status != StatusInProgress || e.UpdatedAt.After(cutoff) {
				continue
			}
			e.Status = StatusPending
			e.UpdatedAt = time.Now()
			data, err := json.Marshal(&e)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// List returns every entry of kind with the given status, for
// introspection (the out-of-scope IPC surface's queue listing calls).
func (s *Store) List(kind Kind, status Status) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Kind == kind && e.Status == status {
				entries = append(entries, &e)
			}
		}
		return nil
	})
	return entries, err
}
