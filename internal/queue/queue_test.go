package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := Open(db)
	require.NoError(t, err)
	return s
}

func TestEnqueueClaimCompleteLifecycle(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Enqueue(Entry{Kind: KindDownload, RemoteID: "r1"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	claimed, err := s.Claim(KindDownload)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, claimed.Status)
	assert.Equal(t, "r1", claimed.RemoteID)

	require.NoError(t, s.Complete(claimed.ID))

	completed, err := s.List(KindDownload, StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].ID)
}

func TestClaimReturnsErrNoWorkWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Claim(KindUpload)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestClaimPrefersHigherPriority(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Enqueue(Entry{Kind: KindDownload, RemoteID: "low", Priority: 1})
	require.NoError(t, err)
	_, err = s.Enqueue(Entry{Kind: KindDownload, RemoteID: "high", Priority: 10})
	require.NoError(t, err)

	claimed, err := s.Claim(KindDownload)
	require.NoError(t, err)
	assert.Equal(t, "high", claimed.RemoteID)
}

func TestClaimPrefersOlderOnTiePriority(t *testing.T) {
	s := openTestStore(t)
	firstID, err := s.Enqueue(Entry{Kind: KindDownload, RemoteID: "first"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Enqueue(Entry{Kind: KindDownload, RemoteID: "second"})
	require.NoError(t, err)

	claimed, err := s.Claim(KindDownload)
	require.NoError(t, err)
	assert.Equal(t, firstID, claimed.ID)
}

func TestRetryReschedulesWithBackoffUntilMaxRetries(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Enqueue(Entry{Kind: KindUpload, LocalPath: "/tmp/a"})
	require.NoError(t, err)

	claimed, err := s.Claim(KindUpload)
	require.NoError(t, err)

	require.NoError(t, s.Retry(claimed.ID, errors.New("transient"), 100*time.Millisecond, 3))

	// Not yet due: claim should see no work.
	_, err = s.Claim(KindUpload)
	assert.ErrorIs(t, err, ErrNoWork)

	time.Sleep(120 * time.Millisecond)
	reclaimed, err := s.Claim(KindUpload)
	require.NoError(t, err)
	assert.Equal(t, id, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.RetryCount)
}

func TestRetryMarksFailedAfterMaxRetries(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Enqueue(Entry{Kind: KindUpload, LocalPath: "/tmp/a"})
	require.NoError(t, err)
	claimed, err := s.Claim(KindUpload)
	require.NoError(t, err)

	require.NoError(t, s.Retry(claimed.ID, errors.New("permanent-ish"), 0, 1))

	failed, err := s.List(KindUpload, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, claimed.ID, failed[0].ID)
}

func TestRecoverAbandonedResetsStaleInProgress(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Enqueue(Entry{Kind: KindDownload, RemoteID: "r1"})
	require.NoError(t, err)
	claimed, err := s.Claim(KindDownload)
	require.NoError(t, err)

	// Simulate a crash: manually age the entry by resetting UpdatedAt.
	require.NoError(t, s.transition(claimed.ID, func(e *Entry) {
		e.UpdatedAt = time.Now().Add(-10 * time.Minute)
	}))

	n, err := s.RecoverAbandoned(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := s.Claim(KindDownload)
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, reclaimed.ID)
}
