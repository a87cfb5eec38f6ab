package sqlstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Options{Driver: DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, newSQLiteStore(t))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenSQLiteFileUsesWAL(t *testing.T) {
	db, err := Open(Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", strings.ToLower(mode))
}

func TestRecentSkipsCompletedWithoutResult(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateJob(ctx, &job.Job{JobID: "j1", WebsiteURL: "https://a.example", Region: job.RegionUS, Status: job.StatusPending, TestType: job.TestTypePerformance, CreatedAt: now}))
	_, err := s.FinalizeJob(ctx, "j1", job.Finalization{Status: job.StatusCompleted, CompletedAt: now, ResultRef: "missing"})
	require.NoError(t, err)

	recent, err := s.RecentCompleted(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
