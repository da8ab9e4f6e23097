package lockout

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lockout.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	_, ok, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "load of missing principal must report absent")

	rec := Record{
		Principal:   "alice",
		Failures:    3,
		WindowStart: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		LockedUntil: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}
	require.NoError(t, s.Store(ctx, "alice", rec))

	got, ok, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Failures)
	assert.True(t, got.WindowStart.Equal(rec.WindowStart))
	assert.True(t, got.LockedUntil.Equal(rec.LockedUntil))

	// Upsert overwrites.
	rec.Failures = 4
	require.NoError(t, s.Store(ctx, "alice", rec))
	got, _, err = s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Failures)

	require.NoError(t, s.Delete(ctx, "alice"))
	_, ok, err = s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing record is not an error.
	assert.NoError(t, s.Delete(ctx, "alice"))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	t.Log("Testing lockout state persists across process restarts")

	path := filepath.Join(t.TempDir(), "lockout.db")
	ctx := context.Background()

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	rec := Record{
		Principal:   "bob",
		Failures:    5,
		WindowStart: time.Now().Truncate(time.Second),
		LockedUntil: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, s1.Store(ctx, "bob", rec))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	got, ok, err := s2.Load(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok, "record lost across reopen")
	assert.Equal(t, 5, got.Failures)
	assert.True(t, got.LockedUntil.After(time.Now()))
}

func TestSQLiteStoreList(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lockout.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, p := range []string{"carol", "alice", "bob"} {
		require.NoError(t, s.Store(ctx, p, Record{Principal: p, Failures: 1, WindowStart: time.Now()}))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].Principal, "list must be ordered by principal")
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := m.Load(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Store(ctx, "alice", Record{Principal: "alice", Failures: 1}))
	got, ok, err := m.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Failures)

	require.NoError(t, m.Delete(ctx, "alice"))
	_, ok, _ = m.Load(ctx, "alice")
	assert.False(t, ok)
}

func TestTrackerWithSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lockout.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr := NewTracker(Config{Threshold: 2, Window: time.Minute, Duration: time.Hour}, s)
	ctx := context.Background()

	tr.RecordFailure(ctx, "erin")
	tripped, err := tr.RecordFailure(ctx, "erin")
	require.NoError(t, err)
	assert.True(t, tripped)

	locked, _, err := tr.IsLocked(ctx, "erin")
	require.NoError(t, err)
	assert.True(t, locked)
}
