// Package storetest is a conformance suite shared by every job.Store backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sitespeed/internal/core/job"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is millisecond-aligned so document stores round-trip it exactly.
var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newJob(id string, created time.Time) *job.Job {
	return &job.Job{
		JobID:      id,
		WebsiteURL: "https://" + id + ".example.com",
		Region:     job.RegionEU,
		Status:     job.StatusPending,
		TestType:   job.TestTypePerformance,
		CreatedAt:  created,
	}
}

// Run exercises s. Each subtest uses fresh ids so backends may share state.
func Run(t *testing.T, s job.Store) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, s) })
	t.Run("finalize is conditional", func(t *testing.T) { testFinalize(t, s) })
	t.Run("result unique per job", func(t *testing.T) { testResultUnique(t, s) })
	t.Run("stale pending", func(t *testing.T) { testStale(t, s) })
	t.Run("recent completed", func(t *testing.T) { testRecent(t, s) })
	t.Run("ping", func(t *testing.T) { require.NoError(t, s.Ping(context.Background())) })
}

func testCreateGet(t *testing.T, s job.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.CreateJob(ctx, newJob(id, base)))

	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.JobID)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, job.RegionEU, got.Region)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	j, r, err := s.GetJobWithResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, j.JobID)
	assert.Nil(t, r)
}

func testFinalize(t *testing.T, s job.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.CreateJob(ctx, newJob(id, base)))

	done := base.Add(time.Minute)
	matched, err := s.FinalizeJob(ctx, id, job.Finalization{Status: job.StatusFailed, CompletedAt: done, Error: "timeout"})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = s.FinalizeJob(ctx, id, job.Finalization{Status: job.StatusCompleted, CompletedAt: done, ResultRef: "x"})
	require.NoError(t, err)
	assert.False(t, matched, "terminal jobs are never rewritten")

	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.Error)
	assert.Empty(t, got.ResultRef)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	matched, err = s.FinalizeJob(ctx, uuid.NewString(), job.Finalization{Status: job.StatusFailed, CompletedAt: done})
	require.NoError(t, err)
	assert.False(t, matched, "unknown ids are not an error")
}

func testResultUnique(t *testing.T, s job.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.CreateJob(ctx, newJob(id, base)))

	r := &job.Result{
		ID:               uuid.NewString(),
		JobID:            id,
		Region:           job.RegionEU,
		LoadTime:         1234,
		DOMContentLoaded: ptr(800.0),
		NumberOfRequests: ptr(42),
		PageSize:         ptr(int64(2048)),
		TestedAt:         base.Add(time.Second),
	}
	require.NoError(t, s.CreateResult(ctx, r))
	err := s.CreateResult(ctx, &job.Result{ID: uuid.NewString(), JobID: id, LoadTime: 1, TestedAt: base})
	assert.ErrorIs(t, err, job.ErrResultExists)

	matched, err := s.FinalizeJob(ctx, id, job.Finalization{Status: job.StatusCompleted, CompletedAt: base.Add(time.Second), ResultRef: r.ID})
	require.NoError(t, err)
	require.True(t, matched)

	j, got, err := s.GetJobWithResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	require.NotNil(t, got)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 1234.0, got.LoadTime)
	require.NotNil(t, got.DOMContentLoaded)
	assert.Equal(t, 800.0, *got.DOMContentLoaded)
	require.NotNil(t, got.NumberOfRequests)
	assert.Equal(t, 42, *got.NumberOfRequests)
	require.NotNil(t, got.PageSize)
	assert.Equal(t, int64(2048), *got.PageSize)
	assert.Nil(t, got.FirstPaintTime)
}

func testStale(t *testing.T, s job.Store) {
	ctx := context.Background()
	// Far in the past so jobs from other subtests never sort ahead.
	old := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, s.CreateJob(ctx, newJob(ids[i], old.Add(time.Duration(i)*time.Minute))))
	}
	_, err := s.FinalizeJob(ctx, ids[0], job.Finalization{Status: job.StatusFailed, CompletedAt: old})
	require.NoError(t, err)

	stale, err := s.ListStalePending(ctx, old.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ids[1], stale[0].JobID)
}

func testRecent(t *testing.T, s job.Store) {
	ctx := context.Background()
	// Far in the future so these are the newest completions in the store.
	future := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, s.CreateJob(ctx, newJob(ids[i], future)))
		rid := uuid.NewString()
		require.NoError(t, s.CreateResult(ctx, &job.Result{ID: rid, JobID: ids[i], Region: job.RegionEU, LoadTime: float64(100 * (i + 1)), TestedAt: future}))
		_, err := s.FinalizeJob(ctx, ids[i], job.Finalization{
			Status:      job.StatusCompleted,
			CompletedAt: future.Add(time.Duration(i) * time.Minute),
			ResultRef:   rid,
		})
		require.NoError(t, err)
	}

	recent, err := s.RecentCompleted(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].Job.JobID)
	assert.Equal(t, 300.0, recent[0].Result.LoadTime)
	assert.Equal(t, ids[1], recent[1].Job.JobID, fmt.Sprintf("got %+v", recent[1].Job))

	top := recent[0]
	assert.Equal(t, "https://"+ids[2]+".example.com", top.Job.WebsiteURL)
	assert.Equal(t, job.RegionEU, top.Job.Region)
	assert.Equal(t, job.StatusCompleted, top.Job.Status)
	require.NotNil(t, top.Job.CompletedAt)
	assert.True(t, future.Add(2*time.Minute).Equal(*top.Job.CompletedAt))
	assert.Equal(t, ids[2], top.Result.JobID)
	assert.True(t, future.Equal(top.Result.TestedAt))
}
